// Package state persists what a running device last saw, so that other
// iotcli invocations can report on it.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/cafjs/iotcli/internal/config"
	"github.com/cafjs/iotcli/internal/mainloop"
)

const (
	StatusVersion   = 1
	DefaultFileName = "iotcli-state.json"
)

// Status is the persisted summary of a device run.
type Status struct {
	Version       int            `json:"version"`
	PID           int            `json:"pid"`
	SyncURL       string         `json:"syncUrl"`
	StartedAt     string         `json:"startedAt"`
	UpdatedAt     string         `json:"updatedAt"`
	StoppedAt     string         `json:"stoppedAt,omitempty"`
	Ticks         int64          `json:"ticks"`
	ClockOffsetMs int64          `json:"clockOffsetMs"`
	Notifications int64          `json:"notifications"`
	LastError     string         `json:"lastError,omitempty"`
	Device        *mainloop.View `json:"device,omitempty"`
	CA            *mainloop.View `json:"ca,omitempty"`
}

// Running reports whether the run that wrote the status did not stop cleanly.
func (s *Status) Running() bool {
	return s.StoppedAt == ""
}

// Path returns the status file: ~/.iotcli/iotcli-state.json
func Path() string {
	return filepath.Join(config.StateDir(), DefaultFileName)
}

// Read loads the status at path. The bool is false when there is none yet.
func Read(path string) (*Status, bool, error) {
	st, found, err := readJSON(path, Status{Version: StatusVersion})
	if err != nil || !found {
		return nil, false, err
	}
	return &st, true, nil
}

// Update applies fn to the stored status under the file lock and writes
// it back when fn reports a change.
func Update(path string, fn func(*Status) (bool, error)) error {
	return withFileLock(path, func() error {
		st, _, err := readJSON(path, Status{Version: StatusVersion})
		if err != nil {
			return err
		}

		changed, err := fn(&st)
		if err != nil {
			return err
		}
		if changed {
			st.UpdatedAt = now()
			return writeJSON(path, st)
		}
		return nil
	})
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func withFileLock(path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	return fn()
}

func readJSON[T any](path string, fallback T) (T, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fallback, false, nil
	}
	if err != nil {
		return fallback, false, err
	}

	var val T
	if err := json.Unmarshal(data, &val); err != nil {
		return fallback, true, nil // corrupt file, start over
	}
	return val, true, nil
}

func writeJSON(path string, data interface{}) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	// Write atomic
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
