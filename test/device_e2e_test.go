// Package test provides end-to-end tests for iotcli.
package test

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cafjs/iotcli/internal/backchannel"
	"github.com/cafjs/iotcli/internal/channel"
	"github.com/cafjs/iotcli/internal/device"
	"github.com/cafjs/iotcli/internal/mainloop"
	"github.com/cafjs/iotcli/internal/timesync"
	testhelpers "github.com/cafjs/iotcli/test/helpers"
)

// fakeCA plays the cloud side: it queues commands, mirrors what the device
// publishes and pushes a notification whenever it queues something.
type fakeCA struct {
	mu       sync.Mutex
	commands []any
	fromVer  int64
	toCloud  mainloop.OneMap
	notify   chan any
	seen     map[int64]any
	resets   int
}

func newFakeCA() *fakeCA {
	return &fakeCA{
		notify:  make(chan any, 4),
		toCloud: mainloop.OneMap{Values: map[string]any{}},
		seen:    map[int64]any{},
	}
}

func (f *fakeCA) queue(cmds ...any) {
	f.mu.Lock()
	f.commands = append(f.commands, cmds...)
	f.fromVer++
	f.mu.Unlock()
	f.notify <- map[string]any{"queued": len(cmds)}
}

func (f *fakeCA) view() *mainloop.View {
	return &mainloop.View{
		ToCloud: f.toCloud,
		FromCloud: mainloop.OneMap{
			Version: f.fromVer,
			Values: map[string]any{
				mainloop.CommandsKey: map[string]any{"firstIndex": 0, "values": append([]any{}, f.commands...)},
			},
		},
	}
}

func (f *fakeCA) published() mainloop.OneMap {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.toCloud
}

func (f *fakeCA) respond(t *testing.T) testhelpers.Responder {
	return func(w http.ResponseWriter, n int, req testhelpers.RecordedRequest) {
		now := time.Now().UnixMilli()
		w.Header().Set(timesync.HeaderStartTime, itoa(now))
		w.Header().Set(timesync.HeaderEndTime, itoa(now))

		if req.Path == backchannel.PathSuffix {
			select {
			case note := <-f.notify:
				testhelpers.AppReply(w, req, nil, note)
			case <-time.After(50 * time.Millisecond):
				testhelpers.AppReply(w, req, "timeout", nil)
			}
			return
		}

		var dev mainloop.View
		if err := json.Unmarshal(req.Body, &dev); err != nil {
			t.Errorf("bad device view: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		if dev.ToCloud.Version == 0 {
			f.resets++
			testhelpers.WriteJSON(w, []any{mainloop.EmptyView(), f.view()})
			return
		}
		f.toCloud = dev.ToCloud
		if first, outs := responses(dev.ToCloud); first >= 0 {
			for i, out := range outs {
				f.seen[first+int64(i)] = out
			}
		}
		testhelpers.WriteJSON(w, f.view())
	}
}

// response returns the response the device published for command i.
func (f *fakeCA) response(i int64) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.seen[i]
	return out, ok
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func responses(m mainloop.OneMap) (int64, []any) {
	q, err := mainloop.PeekQueue(m.Values)
	if err != nil || q == nil {
		return -1, nil
	}
	return q.FirstIndex, q.Values
}

// TestDeviceE2E runs the main loop, the device registry and the
// notification puller against one fake CA.
func TestDeviceE2E(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping e2e test in short mode")
	}

	ca := newFakeCA()
	server := testhelpers.NewMockCA(ca.respond(t))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := zerolog.Nop()
	clock := timesync.New(timesync.Options{Smooth: 1, MaxRTT: 300 * time.Millisecond, Logger: logger})
	registry := device.NewDefaultRegistry(clock, logger)
	var counted atomic.Int64
	registry.Register(device.HandlerFunc{Cmd: "count", Fn: func(context.Context, []any, map[string]any, map[string]any) (any, error) {
		return counted.Add(1), nil
	}})

	loop, err := mainloop.New(mainloop.Options{
		URL:      server.URL + "/iot",
		Interval: time.Hour,
		Hooks:    registry.Hooks(),
		Observer: clock,
		OnError:  func(err error) { t.Errorf("loop failed: %v", err) },
		Logger:   logger,
	})
	require.NoError(t, err)

	var notified atomic.Int64
	puller, err := backchannel.New(backchannel.Options{
		Channel: channel.Options{URL: server.URL, MaxRetries: 3, RetryTimeout: 10 * time.Millisecond, Logger: logger},
		Session: &channel.Session{
			Token:     func() string { return "tok-1" },
			To:        "alice-dev1",
			From:      "alice-dev1-device",
			SessionID: "default",
			Method:    "pull",
		},
		OnNotified: func(json.RawMessage) {
			notified.Add(1)
			// One tick fetches the new commands, the next one runs them
			// and the last one learns that the CA saw the responses.
			go func() {
				for i := 0; i < 3; i++ {
					if err := loop.Tick(ctx); err != nil && ctx.Err() == nil {
						t.Errorf("tick failed: %v", err)
					}
				}
			}()
		},
		Logger: logger,
	})
	require.NoError(t, err)

	// First contact: the CA resets the device view
	require.NoError(t, loop.Tick(ctx))
	dev, _, _ := loop.Snapshot()
	require.NotNil(t, dev)
	assert.Equal(t, int64(1), dev.ToCloud.Version)

	puller.Start(ctx)
	defer puller.Stop()

	ca.queue("ping", map[string]any{"name": "set", "args": []any{"led", "on"}}, "count")

	// Acknowledged responses are collected
	testhelpers.Eventually(t, 5*time.Second, func() bool {
		first, outs := responses(ca.published())
		return first == 3 && len(outs) == 0
	})
	out, _ := ca.response(0)
	assert.Equal(t, map[string]any{"success": true, "data": "pong"}, out)
	out, _ = ca.response(1)
	assert.Equal(t, map[string]any{"success": true, "data": true}, out)
	out, _ = ca.response(2)
	assert.Equal(t, map[string]any{"success": true, "data": float64(1)}, out)
	assert.Equal(t, "on", ca.published().Values["led"])

	// Only the new command runs
	ca.queue(map[string]any{"name": "echo", "args": []any{"hi"}}, "count")
	testhelpers.Eventually(t, 5*time.Second, func() bool {
		first, outs := responses(ca.published())
		return first == 5 && len(outs) == 0
	})
	out, _ = ca.response(3)
	assert.Equal(t, map[string]any{"success": true, "data": []any{"hi"}}, out)
	out, _ = ca.response(4)
	assert.Equal(t, map[string]any{"success": true, "data": float64(2)}, out)
	assert.Equal(t, int64(2), counted.Load())

	assert.GreaterOrEqual(t, notified.Load(), int64(2))
	ca.mu.Lock()
	assert.Equal(t, 1, ca.resets)
	ca.mu.Unlock()
	assert.NotEmpty(t, clock.Samples())
}
