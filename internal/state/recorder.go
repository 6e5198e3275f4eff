package state

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cafjs/iotcli/internal/mainloop"
)

// Snapshotter is the part of the main loop the recorder reads.
type Snapshotter interface {
	Snapshot() (device, ca *mainloop.View, ticks int64)
}

// OffsetSource provides the current clock offset estimate.
type OffsetSource interface {
	Offset() int64
}

// Recorder keeps the status file in step with a running device.
type Recorder struct {
	path    string
	syncURL string
	loop    Snapshotter
	clock   OffsetSource
	logger  zerolog.Logger

	notifications atomic.Int64
	mu            sync.Mutex
	lastErr       string
	lastTicks     int64
}

// NewRecorder creates a recorder writing to path. clock may be nil.
func NewRecorder(path, syncURL string, loop Snapshotter, clock OffsetSource, logger zerolog.Logger) *Recorder {
	return &Recorder{
		path:      path,
		syncURL:   syncURL,
		loop:      loop,
		clock:     clock,
		logger:    logger.With().Str("component", "state").Logger(),
		lastTicks: -1,
	}
}

// Begin replaces whatever a previous run left behind.
func (r *Recorder) Begin() error {
	return Update(r.path, func(st *Status) (bool, error) {
		*st = Status{
			Version:   StatusVersion,
			PID:       os.Getpid(),
			SyncURL:   r.syncURL,
			StartedAt: now(),
		}
		return true, nil
	})
}

// Notified counts a notification from the CA.
func (r *Recorder) Notified() {
	r.notifications.Add(1)
}

// Failed remembers the last error seen by the device.
func (r *Recorder) Failed(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	r.lastErr = err.Error()
	r.mu.Unlock()
}

// Record writes the latest views if the loop ticked since the last write.
func (r *Recorder) Record() error {
	return r.record(false)
}

// End writes a final record and marks the run as stopped.
func (r *Recorder) End() error {
	return r.record(true)
}

func (r *Recorder) record(final bool) error {
	device, ca, ticks := r.loop.Snapshot()

	r.mu.Lock()
	lastErr := r.lastErr
	unchanged := ticks == r.lastTicks
	r.lastTicks = ticks
	r.mu.Unlock()

	if unchanged && !final {
		return nil
	}

	return Update(r.path, func(st *Status) (bool, error) {
		st.Ticks = ticks
		st.Device, st.CA = device, ca
		st.Notifications = r.notifications.Load()
		st.LastError = lastErr
		if r.clock != nil {
			st.ClockOffsetMs = r.clock.Offset()
		}
		if final {
			st.StoppedAt = now()
		}
		return true, nil
	})
}

// Run records every interval until ctx is done.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Record(); err != nil {
				r.logger.Warn().Err(err).Str("path", r.path).Msg("Cannot record device status")
			}
		}
	}
}
