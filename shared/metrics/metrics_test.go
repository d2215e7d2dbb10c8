package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersOnIsolatedRegistry(t *testing.T) {
	// Two registries must not collide.
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())

	a.CASConflict("auctions", 0)
	a.CASConflict("auctions", 1)

	if got := testutil.ToFloat64(a.CASConflicts.WithLabelValues("auctions")); got != 2 {
		t.Fatalf("conflicts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(b.CASConflicts.WithLabelValues("auctions")); got != 0 {
		t.Fatalf("second registry conflicts = %v, want 0", got)
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	New(reg)
}
