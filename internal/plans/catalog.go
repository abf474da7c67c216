// Package plans serves the administrative plan catalog to the entitlement
// core. The catalog is read-mostly: it is loaded from the plan store into an
// immutable snapshot and swapped whole on reload.
package plans

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/rcourtman/storefront-entitlements/internal/store"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

//go:embed default_plans.yaml
var defaultCatalog []byte

type catalogFile struct {
	Plans []entitlements.Plan `yaml:"plans"`
}

// Parse decodes a YAML catalog and validates every plan in it.
func Parse(data []byte) ([]entitlements.Plan, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode plan catalog: %w", err)
	}
	if len(file.Plans) == 0 {
		return nil, fmt.Errorf("plan catalog is empty: %w", entitlements.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(file.Plans))
	for i := range file.Plans {
		p := &file.Plans[i]
		p.ID = strings.TrimSpace(p.ID)
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("plan #%d: %w", i+1, err)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("plan %q defined twice: %w", p.ID, entitlements.ErrInvalidInput)
		}
		seen[p.ID] = true
		if p.Limits == nil {
			p.Limits = map[entitlements.Feature]int64{}
		}
	}
	return file.Plans, nil
}

// LoadFile reads a YAML catalog from disk.
func LoadFile(path string) ([]entitlements.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}
	return Parse(data)
}

// Defaults returns the embedded catalog.
func Defaults() []entitlements.Plan {
	plans, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded plan catalog is invalid: %v", err))
	}
	return plans
}

// Seed upserts plans into the store.
func Seed(ctx context.Context, ps store.PlanStore, plans []entitlements.Plan) error {
	for _, p := range plans {
		if err := ps.UpsertPlan(ctx, p); err != nil {
			return fmt.Errorf("seed plan %q: %w", p.ID, err)
		}
	}
	return nil
}

type snapshot struct {
	plans    map[string]entitlements.Plan
	features map[entitlements.Feature]bool
}

func newSnapshot(list []entitlements.Plan) *snapshot {
	snap := &snapshot{
		plans:    make(map[string]entitlements.Plan, len(list)),
		features: make(map[entitlements.Feature]bool),
	}
	for _, f := range entitlements.BuiltinFeatures() {
		snap.features[f] = true
	}
	for _, p := range list {
		snap.plans[p.ID] = entitlements.ClonePlan(p)
		for f := range p.Limits {
			snap.features[f] = true
		}
	}
	return snap
}

// Catalog is the in-memory view of the plan store used on the hot path.
type Catalog struct {
	store store.PlanStore

	mu   sync.RWMutex
	snap *snapshot
}

// NewCatalog returns an empty catalog backed by ps. Call Reload before use.
func NewCatalog(ps store.PlanStore) *Catalog {
	return &Catalog{store: ps, snap: newSnapshot(nil)}
}

// Reload replaces the snapshot with the store's current plans. On failure
// the previous snapshot stays in place.
func (c *Catalog) Reload(ctx context.Context) error {
	list, err := c.store.ListPlans(ctx)
	if err != nil {
		return fmt.Errorf("reload plan catalog: %w", err)
	}
	snap := newSnapshot(list)

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	log.Debug().Int("plans", len(list)).Msg("Plan catalog reloaded")
	return nil
}

func (c *Catalog) current() *snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// GetPlan returns a copy of the plan, or an error wrapping
// entitlements.ErrNotFound.
func (c *Catalog) GetPlan(id string) (entitlements.Plan, error) {
	p, ok := c.current().plans[id]
	if !ok {
		return entitlements.Plan{}, fmt.Errorf("plan %q: %w", id, entitlements.ErrNotFound)
	}
	return entitlements.ClonePlan(p), nil
}

// Limit resolves a plan's limit for feature. Unknown plans are disabled.
func (c *Catalog) Limit(planID string, feature entitlements.Feature) int64 {
	p, ok := c.current().plans[planID]
	if !ok {
		return entitlements.Disabled
	}
	return p.Limit(feature)
}

// KnownFeature reports whether feature is builtin or named by any plan.
func (c *Catalog) KnownFeature(feature entitlements.Feature) bool {
	return c.current().features[feature]
}

// Plans returns every plan sorted by id.
func (c *Catalog) Plans() []entitlements.Plan {
	snap := c.current()
	out := make([]entitlements.Plan, 0, len(snap.plans))
	for _, p := range snap.plans {
		out = append(out, entitlements.ClonePlan(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
