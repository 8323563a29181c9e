package aggregate

import "sync"

// DefaultLatencyWindow is the number of samples averaged when unconfigured
const DefaultLatencyWindow = 1024

// LatencyWindow is a rolling mean over the last N request latencies
type LatencyWindow struct {
	mu      sync.Mutex
	samples []float64
	next    int
	count   int
	sum     float64
	total   uint64
}

// NewLatencyWindow creates a window of the given size
func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = DefaultLatencyWindow
	}
	return &LatencyWindow{samples: make([]float64, size)}
}

// Observe adds one latency sample in milliseconds. Negative samples are
// ignored.
func (w *LatencyWindow) Observe(ms float64) {
	if ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count == len(w.samples) {
		w.sum -= w.samples[w.next]
	} else {
		w.count++
	}
	w.samples[w.next] = ms
	w.sum += ms
	w.next = (w.next + 1) % len(w.samples)
	w.total++

	// resum once per lap to shed float drift
	if w.next == 0 {
		w.sum = 0
		for _, s := range w.samples[:w.count] {
			w.sum += s
		}
	}
}

// Average returns the mean of the samples in the window, 0 when empty
func (w *LatencyWindow) Average() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

// Observed returns the number of samples ever observed
func (w *LatencyWindow) Observed() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}
