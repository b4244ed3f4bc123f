package observability

import (
	"testing"
	"time"
)

func TestDispatchWindowSnapshot(t *testing.T) {
	w := newDispatchWindow(8)
	w.Observe("log_batch", 5)
	w.Observe("log_batch", 7)
	w.Observe("log_batch", 9)
	w.ObserveIndicator("handler_error")
	w.ObserveIndicator("handler_error")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Events) != 1 {
		t.Fatalf("len(Events) = %d, want 1", len(snap.Events))
	}
	s := snap.Events[0]
	if s.EventType != "log_batch" || s.Samples != 3 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.LastMS != 9 || s.P50MS != 7 {
		t.Fatalf("LastMS = %.2f P50MS = %.2f, want 9 and 7", s.LastMS, s.P50MS)
	}
	if s.P95MS <= 7 || s.P95MS > 9 {
		t.Fatalf("P95MS = %.2f, want (7,9]", s.P95MS)
	}
	if s.TargetP95MS != 100 {
		t.Fatalf("TargetP95MS = %.2f, want 100", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want handler_error x2", snap.Indicators)
	}
}

func TestDispatchWindowWraps(t *testing.T) {
	w := newDispatchWindow(2)
	for _, v := range []float64{100, 1, 2} {
		w.Observe("metric", v)
	}
	s := w.Snapshot().Events[0]
	if s.Samples != 2 || s.P99MS > 2 {
		t.Fatalf("ring did not evict oldest sample: %+v", s)
	}
}

func TestMetricsDispatchLatency(t *testing.T) {
	m := NewMetrics("jobcore_window")
	m.ObserveDispatchLatency("state.transitioned", 3*time.Millisecond)
	snap := m.SnapshotDispatch()
	if len(snap.Events) != 1 || snap.Events[0].EventType != "state.transitioned" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
