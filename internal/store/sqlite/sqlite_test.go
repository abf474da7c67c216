package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rcourtman/storefront-entitlements/internal/store"
	"github.com/rcourtman/storefront-entitlements/internal/store/storetest"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(t) })
}

func TestNewCreatesDatabaseFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Join(dir, DatabaseFile)); err != nil {
		t.Fatalf("expected database file: %v", err)
	}
}

func TestReopenKeepsLedger(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m := storetest.Mut("u1", entitlements.FeatureImportTheme, entitlements.EventCredit, 4, "topup-1")
	if _, err := s.Apply(ctx, m); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	bal, err := s.GetBalance(ctx, "u1", entitlements.FeatureImportTheme)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal != 4 {
		t.Fatalf("balance after reopen = %d, want 4", bal)
	}
}

func TestClosedStoreReportsStorageUnavailable(t *testing.T) {
	s := newTestStore(t)
	_ = s.Close()

	_, err := s.GetBalance(context.Background(), "u1", entitlements.FeatureImageGeneration)
	if !entitlements.IsStorageUnavailable(err) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
}

func TestBalanceCheckConstraint(t *testing.T) {
	s := newTestStore(t)
	_, err := s.db.Exec(`INSERT INTO usage_balances (user_id, feature, remaining, updated_at) VALUES ('u1', 'imageGeneration', -1, 0)`)
	if err == nil {
		t.Fatal("expected CHECK constraint to reject a negative balance")
	}
}
