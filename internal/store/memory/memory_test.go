package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/rcourtman/storefront-entitlements/internal/store"
	"github.com/rcourtman/storefront-entitlements/internal/store/storetest"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestFailWithReportsStorageUnavailable(t *testing.T) {
	s := New()
	s.FailWith(errors.New("disk on fire"))

	_, err := s.GetBalance(context.Background(), "u1", entitlements.FeatureImageGeneration)
	if !entitlements.IsStorageUnavailable(err) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	if err := s.Ping(context.Background()); !entitlements.IsStorageUnavailable(err) {
		t.Fatalf("Ping: expected storage unavailable, got %v", err)
	}

	s.FailWith(nil)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping after recovery: %v", err)
	}
}
