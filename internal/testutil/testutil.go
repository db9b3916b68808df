// Package testutil carries shared test helpers.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet/store"
)

// OpenStore opens a registry store backed by a temp directory. The store is
// closed automatically when the test finishes.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Options{DBPath: filepath.Join(t.TempDir(), "registry.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return s
}
