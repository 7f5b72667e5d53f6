package ratewindow

import (
	"sync"
	"time"
)

// Window counts arrivals over a sliding interval. It answers "how many
// messages arrived in the last N seconds" without any background goroutine;
// trimming happens on every record and read.
type Window struct {
	mu       sync.Mutex
	span     time.Duration
	arrivals []time.Time
}

func New(span time.Duration) *Window {
	return &Window{span: span}
}

// Record notes one arrival at the given instant.
func (w *Window) Record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(now)
	w.arrivals = append(w.arrivals, now)
}

// Count returns the number of arrivals still inside the window.
func (w *Window) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(now)
	return len(w.arrivals)
}

// Rate returns arrivals per second over the configured span.
func (w *Window) Rate(now time.Time) float64 {
	seconds := w.span.Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(w.Count(now)) / seconds
}

// Span returns the configured window length.
func (w *Window) Span() time.Duration {
	return w.span
}

func (w *Window) trim(now time.Time) {
	cutoff := now.Add(-w.span)
	drop := 0
	for drop < len(w.arrivals) && !w.arrivals[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		w.arrivals = append(w.arrivals[:0], w.arrivals[drop:]...)
	}
}
