package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// DispatchStats summarizes recent dispatch latency for one event type.
type DispatchStats struct {
	EventType   string  `json:"event_type"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type DispatchIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type DispatchSnapshot struct {
	GeneratedAt time.Time           `json:"generated_at"`
	WindowSize  int                 `json:"window_size"`
	Events      []DispatchStats     `json:"events"`
	Indicators  []DispatchIndicator `json:"indicators,omitempty"`
}

// dispatchWindow keeps a fixed ring of enqueue-to-delivered latencies per
// event type.
type dispatchWindow struct {
	mu         sync.RWMutex
	maxSamples int
	events     map[string]*latencyRing
	indicators map[string]int
}

type latencyRing struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func newDispatchWindow(maxSamples int) *dispatchWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &dispatchWindow{
		maxSamples: maxSamples,
		events:     make(map[string]*latencyRing),
		indicators: make(map[string]int),
	}
}

func (w *dispatchWindow) Observe(eventType string, ms float64) {
	if eventType == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	ring, ok := w.events[eventType]
	if !ok {
		ring = &latencyRing{values: make([]float64, w.maxSamples)}
		w.events[eventType] = ring
	}
	ring.values[ring.next] = ms
	ring.last = ms
	ring.next++
	if ring.next >= len(ring.values) {
		ring.next = 0
		ring.filled = true
	}
}

func (w *dispatchWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *dispatchWindow) Snapshot() DispatchSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.events))
	for k := range w.events {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	events := make([]DispatchStats, 0, len(keys))
	for _, k := range keys {
		ring := w.events[k]
		n := ring.next
		if ring.filled {
			n = len(ring.values)
		}
		if n == 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, ring.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		events = append(events, DispatchStats{
			EventType:   k,
			Samples:     n,
			LastMS:      round2(ring.last),
			AvgMS:       round2(sum / float64(n)),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			P99MS:       round2(quantile(samples, 0.99)),
			TargetP95MS: dispatchTargetP95MS(k),
		})
	}

	names := make([]string, 0, len(w.indicators))
	for name := range w.indicators {
		names = append(names, name)
	}
	sort.Strings(names)
	indicators := make([]DispatchIndicator, 0, len(names))
	for _, name := range names {
		indicators = append(indicators, DispatchIndicator{Name: name, Count: w.indicators[name]})
	}

	return DispatchSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Events:      events,
		Indicators:  indicators,
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func dispatchTargetP95MS(eventType string) float64 {
	switch eventType {
	case "state.transitioned":
		return 50
	case "log_batch", "metric":
		return 100
	case "log", "file":
		return 200
	default:
		return 0
	}
}
