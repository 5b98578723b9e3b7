package timesync

import "sort"

// window is a fixed-capacity ring of absolute offsets. New samples overwrite
// the oldest once full.
type window struct {
	data  []float64
	next  int
	count int
}

func newWindow(capacity int) *window {
	return &window{data: make([]float64, capacity)}
}

func (w *window) add(v float64) {
	w.data[w.next] = v
	w.next = (w.next + 1) % len(w.data)
	if w.count < len(w.data) {
		w.count++
	}
}

// values returns the samples oldest first.
func (w *window) values() []float64 {
	out := make([]float64, 0, w.count)
	start := 0
	if w.count == len(w.data) {
		start = w.next
	}
	for i := 0; i < w.count; i++ {
		out = append(out, w.data[(start+i)%len(w.data)])
	}
	return out
}

func (w *window) sorted() []float64 {
	out := w.values()
	sort.Float64s(out)
	return out
}

// median of an ascending slice; even lengths average the middle pair.
func median(sorted []float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case n%2 == 0:
		return (sorted[n/2-1] + sorted[n/2]) / 2
	default:
		return sorted[n/2]
	}
}

// p95 of an ascending slice using index floor(0.95n) clamped to the end.
func p95(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(0.95 * float64(n))
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}
