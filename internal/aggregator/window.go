package aggregator

// rollingWindow is a fixed-capacity FIFO of the most recent values of one metric.
// The backing slice is allocated once; cursor is the next write position.
type rollingWindow struct {
	values []float64
	cursor int
	count  int
}

func newRollingWindow(capacity int) *rollingWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &rollingWindow{values: make([]float64, capacity)}
}

// push appends v, evicting the oldest value once the window is full
func (w *rollingWindow) push(v float64) {
	w.values[w.cursor] = v
	w.cursor = (w.cursor + 1) % len(w.values)
	if w.count < len(w.values) {
		w.count++
	}
}

// mean of the values currently held; 0 for an empty window
func (w *rollingWindow) mean() float64 {
	if w.count == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < w.count; i++ {
		sum += w.values[i]
	}
	return sum / float64(w.count)
}

func (w *rollingWindow) len() int {
	return w.count
}
