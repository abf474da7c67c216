// Package entitlements defines the shared storefront entitlement contracts:
// metered features, plans, subscription states, decisions and the error
// taxonomy used at the HTTP boundary.
//
// This package exists so route handlers and sibling services can depend on
// canonical entitlement metadata without importing internal packages.
package entitlements

import (
	"fmt"
	"sort"
	"strings"
)

// Feature identifies a metered, plan-gated action.
type Feature string

// Builtin features. The plan catalog may introduce more without code changes.
const (
	FeatureGenerateProduct Feature = "generateProduct" // AI store/product generation
	FeatureVideoGeneration Feature = "videoGeneration" // AI video ads
	FeatureImageGeneration Feature = "imageGeneration" // AI product imagery
	FeatureProductExporter Feature = "productExporter" // Shopify product push
	FeatureShopExporter    Feature = "shopExporter"    // Shopify store push
	FeatureImportTheme     Feature = "importTheme"     // Theme import into a connected shop
	FeatureShopTracker     Feature = "shopTracker"     // Competitor shop tracking slots
)

var builtinFeatures = map[Feature]struct{}{
	FeatureGenerateProduct: {},
	FeatureVideoGeneration: {},
	FeatureImageGeneration: {},
	FeatureProductExporter: {},
	FeatureShopExporter:    {},
	FeatureImportTheme:     {},
	FeatureShopTracker:     {},
}

// BuiltinFeatures returns the builtin features in stable order.
func BuiltinFeatures() []Feature {
	out := make([]Feature, 0, len(builtinFeatures))
	for f := range builtinFeatures {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsBuiltinFeature reports whether f is one of the compiled-in features.
func IsBuiltinFeature(f Feature) bool {
	_, ok := builtinFeatures[f]
	return ok
}

// ParseFeature normalizes a feature name supplied by a caller.
// It does not check the name against a catalog.
func ParseFeature(raw string) (Feature, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", fmt.Errorf("feature is required: %w", ErrInvalidInput)
	}
	return Feature(name), nil
}

func (f Feature) String() string {
	return string(f)
}
