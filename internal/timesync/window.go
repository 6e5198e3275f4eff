package timesync

// WindowSize is the number of exchanges considered when picking the
// shortest round trip.
const WindowSize = 8

// Sample is one accepted exchange.
type Sample struct {
	RTT   int64 `json:"rtt"`
	Delta int64 `json:"delta"`
}

// Window keeps the most recent samples and low-pass filters the offset of
// the minimum-RTT one.
type Window struct {
	smooth    float64
	samples   []Sample
	lastDelta int64
}

// NewWindow creates an empty window with the given smoothing factor.
func NewWindow(smooth float64) *Window {
	return &Window{
		smooth:  smooth,
		samples: make([]Sample, 0, WindowSize),
	}
}

// Adjust adds a sample, evicting the oldest when full, and returns the new
// filtered offset.
func (w *Window) Adjust(rtt, delta int64) int64 {
	if len(w.samples) >= WindowSize {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:len(w.samples)-1]
	}
	w.samples = append(w.samples, Sample{RTT: rtt, Delta: delta})

	best := w.samples[0]
	for _, s := range w.samples[1:] {
		if s.RTT < best.RTT {
			best = s
		}
	}

	// exponential moving average
	w.lastDelta = round(w.smooth*float64(best.Delta) + (1-w.smooth)*float64(w.lastDelta))
	return w.lastDelta
}

// Samples returns a copy of the window contents, oldest first.
func (w *Window) Samples() []Sample {
	out := make([]Sample, len(w.samples))
	copy(out, w.samples)
	return out
}
