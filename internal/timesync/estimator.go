// Package timesync estimates the clock offset between the device and a CA.
//
// It follows the NTP approach: assume symmetric propagation delays, keep a
// small window of recent exchanges and trust the one with the shortest round
// trip. Useful when the device has no other reliable time source.
package timesync

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// HeaderStartTime carries the CA's receive time in epoch milliseconds.
	HeaderStartTime = "x-start-time"
	// HeaderEndTime carries the CA's send time in epoch milliseconds.
	HeaderEndTime = "x-end-time"

	// DefaultMaxRTT discards samples whose round trip adds too much error.
	DefaultMaxRTT = 300 * time.Millisecond
	// DefaultSmooth disables low-pass filtering.
	DefaultSmooth = 1.0
)

// Options configures an Estimator.
type Options struct {
	Smooth float64
	MaxRTT time.Duration
	Now    func() time.Time
	Logger zerolog.Logger
}

// Estimator tracks one request/response exchange at a time and keeps the
// resulting offset in milliseconds.
type Estimator struct {
	mu     sync.Mutex
	maxRTT int64
	now    func() time.Time
	t1     int64
	offset int64
	window *Window
	logger zerolog.Logger
}

// New creates an Estimator.
func New(opts Options) *Estimator {
	if opts.Smooth == 0 {
		opts.Smooth = DefaultSmooth
	}
	if opts.MaxRTT <= 0 {
		opts.MaxRTT = DefaultMaxRTT
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Estimator{
		maxRTT: opts.MaxRTT.Milliseconds(),
		now:    opts.Now,
		t1:     -1,
		window: NewWindow(opts.Smooth),
		logger: opts.Logger.With().Str("component", "timesync").Logger(),
	}
}

// StartRequest records the local send time of a request.
func (e *Estimator) StartRequest() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.t1 = e.now().UnixMilli()
}

// EndRequest feeds the CA timestamps found in a response header.
// Responses without both timestamps are ignored.
func (e *Estimator) EndRequest(h http.Header) {
	t2, ok2 := parseMillis(h.Get(HeaderStartTime))
	t3, ok3 := parseMillis(h.Get(HeaderEndTime))
	if !ok2 || !ok3 {
		return
	}
	e.Observe(t2, t3)
}

// Observe completes the current exchange with the CA receive (t2) and send
// (t3) times. It reports whether the sample was accepted.
func (e *Estimator) Observe(t2, t3 int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.t1 <= 0 {
		return false
	}
	t4 := e.now().UnixMilli()
	rtt, delta := Measure(e.t1, t2, t3, t4)
	if rtt >= e.maxRTT {
		e.logger.Debug().Int64("rtt", rtt).Msg("Discarding noisy clock sample")
		return false
	}
	e.offset = e.window.Adjust(rtt, delta)
	e.logger.Trace().Int64("rtt", rtt).Int64("delta", delta).Int64("offset", e.offset).Msg("Clock sample")
	return true
}

// Offset returns the last estimated offset in milliseconds (CA minus local).
func (e *Estimator) Offset() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offset
}

// Now returns the local time corrected by the current offset.
func (e *Estimator) Now() time.Time {
	return e.now().Add(time.Duration(e.Offset()) * time.Millisecond)
}

// Samples returns a copy of the current window, oldest first.
func (e *Estimator) Samples() []Sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.window.Samples()
}

// Measure computes the round trip time and the offset estimate of a single
// exchange: t1 local send, t2 remote receive, t3 remote send, t4 local
// receive.
func Measure(t1, t2, t3, t4 int64) (rtt, delta int64) {
	rtt = (t4 - t1) - (t3 - t2)
	delta = round(float64((t2-t1)+(t3-t4)) / 2)
	return rtt, delta
}

func parseMillis(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return v, true
}

// round rounds half toward positive infinity.
func round(x float64) int64 {
	return int64(math.Floor(x + 0.5))
}
