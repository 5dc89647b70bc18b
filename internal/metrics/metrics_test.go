package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ActiveConnections.Inc()
	m.FramesDropped.WithLabelValues(DropNotReady).Add(3)

	if got := testutil.ToFloat64(m.ActiveConnections); got != 1 {
		t.Fatalf("expected active connections 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.FramesDropped.WithLabelValues(DropNotReady)); got != 3 {
		t.Fatalf("expected 3 dropped frames, got %v", got)
	}

	// a second set on a fresh registry must not collide
	_ = New(prometheus.NewRegistry())

	n, err := testutil.GatherAndCount(reg, "voicerelay_active_connections")
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one active connections series, got %d", n)
	}
}
