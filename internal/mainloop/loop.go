// Package mainloop drives a device: every tick it reads sensors, runs the
// commands queued by its CA exactly once, calls a user hook and then
// reconciles the device and CA views over HTTP.
package mainloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultInterval is the time between ticks.
const DefaultInterval = time.Second

// Hooks customize a tick. Nil hooks do nothing. The in map is the latest
// values received from the CA and must not be modified; out is the map the
// device sends back.
type Hooks struct {
	// ReadSensors populates out with sensor data.
	ReadSensors func(ctx context.Context, out map[string]any) error
	// ExecuteCommand runs one command from the CA. Its result is sent back
	// as the response to that command.
	ExecuteCommand func(ctx context.Context, command any, in, out map[string]any) (any, error)
	// Main runs after sensors are read and commands are executed.
	Main func(ctx context.Context, in, out map[string]any) error
}

// Options configures a Loop. Only URL is required.
type Options struct {
	URL      string
	Proxy    string
	Interval time.Duration
	Hooks    Hooks
	// OnError receives the error of a failed scheduled tick. The default
	// logs it at fatal level, which exits the process.
	OnError    func(err error)
	Observer   Observer
	HTTPClient *resty.Client
	Logger     zerolog.Logger
}

// Loop is the periodic device main loop.
type Loop struct {
	interval time.Duration
	hooks    Hooks
	onError  func(error)
	syncer   *syncer
	logger   zerolog.Logger

	// owned by the running tick
	inProgress atomic.Bool
	device     *View
	ca         *View

	mu        sync.Mutex
	published snapshot
	cron      *cron.Cron
	cancel    context.CancelFunc
}

type snapshot struct {
	device, ca []byte
	ticks      int64
}

// New creates a Loop.
func New(opts Options) (*Loop, error) {
	target, err := url.Parse(opts.URL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid sync url %q", opts.URL)
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	client := opts.HTTPClient
	if client == nil {
		client = resty.New().SetCookieJar(nil)
		if opts.Proxy != "" {
			client.SetProxy(opts.Proxy)
		}
	}

	l := &Loop{
		interval: opts.Interval,
		hooks:    opts.Hooks,
		syncer:   &syncer{url: opts.URL, http: client, observer: opts.Observer},
		logger:   opts.Logger.With().Str("component", "mainloop").Logger(),
	}
	l.onError = opts.OnError
	if l.onError == nil {
		l.onError = func(err error) {
			l.logger.Fatal().Err(err).Msg("Main loop failed")
		}
	}
	return l, nil
}

// Interval returns the time between scheduled ticks.
func (l *Loop) Interval() time.Duration {
	return l.interval
}

// Tick runs one iteration. A tick that starts while another one is still
// running is dropped and returns nil; dropped ticks are not queued.
func (l *Loop) Tick(ctx context.Context) error {
	if !l.inProgress.CompareAndSwap(false, true) {
		l.logger.Debug().Msg("Previous tick still running, skipping")
		return nil
	}
	defer l.inProgress.Store(false)

	err := l.tick(ctx)
	l.publish()
	return err
}

func (l *Loop) tick(ctx context.Context) error {
	if l.ca == nil {
		l.ca = EmptyView()
	}
	l.ca.DeviceView = false
	l.ca.ensureValues()
	if l.device == nil {
		l.device = EmptyView()
	}
	l.device.ensureValues()

	if err := l.readSensors(ctx); err != nil {
		return fmt.Errorf("read sensors: %w", err)
	}
	if err := l.dispatchCommands(ctx); err != nil {
		return err
	}
	if l.hooks.Main != nil {
		if err := l.hooks.Main(ctx, l.ca.FromCloud.Values, l.device.ToCloud.Values); err != nil {
			return fmt.Errorf("main hook: %w", err)
		}
	}
	return l.reconcile(ctx)
}

func (l *Loop) readSensors(ctx context.Context) error {
	if l.hooks.ReadSensors == nil {
		return nil
	}
	return l.hooks.ReadSensors(ctx, l.device.ToCloud.Values)
}

func (l *Loop) dispatchCommands(ctx context.Context) error {
	collected, err := gcResponses(l.device, l.ca)
	if err != nil {
		return err
	}
	if collected {
		l.logger.Debug().Int64("version", l.ca.ToCloud.Version).Msg("CA acknowledged command responses")
	}

	firstIndex, commands, err := pendingCommands(l.device, l.ca)
	if err != nil || len(commands) == 0 {
		return err
	}

	outputs := make([]any, 0, len(commands))
	for i, cmd := range commands {
		var out any
		if l.hooks.ExecuteCommand != nil {
			out, err = l.hooks.ExecuteCommand(ctx, cmd, l.ca.FromCloud.Values, l.device.ToCloud.Values)
			if err != nil {
				return fmt.Errorf("command %d: %w", firstIndex+int64(i), err)
			}
		}
		outputs = append(outputs, out)
	}
	l.logger.Debug().Int64("firstIndex", firstIndex).Int("count", len(outputs)).Msg("Executed commands")
	return addResponses(l.device, firstIndex, outputs)
}

func (l *Loop) reconcile(ctx context.Context) error {
	if !l.device.IsEmpty() {
		updateVersions(l.device, l.ca)
	}
	device, ca, err := l.syncer.sync(ctx, l.device)
	if err != nil {
		return err
	}
	if device != l.device {
		l.logger.Info().
			Int64("toCloud", device.ToCloud.Version).
			Int64("fromCloud", ca.FromCloud.Version).
			Msg("CA reset the views")
	}
	l.device, l.ca = device, ca
	return nil
}

// publish records a copy of the views for Snapshot.
func (l *Loop) publish() {
	var s snapshot
	var err error
	if l.device != nil {
		if s.device, err = json.Marshal(l.device); err != nil {
			l.logger.Warn().Err(err).Msg("Cannot encode device view")
		}
	}
	if l.ca != nil {
		if s.ca, err = json.Marshal(l.ca); err != nil {
			l.logger.Warn().Err(err).Msg("Cannot encode CA view")
		}
	}

	l.mu.Lock()
	s.ticks = l.published.ticks + 1
	l.published = s
	l.mu.Unlock()
}

// Snapshot returns copies of the device and CA views as of the end of the
// last tick, and the number of ticks run so far. Views are nil before the
// first tick.
func (l *Loop) Snapshot() (device, ca *View, ticks int64) {
	l.mu.Lock()
	s := l.published
	l.mu.Unlock()

	return decodeSnapshot(s.device), decodeSnapshot(s.ca), s.ticks
}

func decodeSnapshot(b []byte) *View {
	if b == nil {
		return nil
	}
	v := &View{}
	if err := json.Unmarshal(b, v); err != nil {
		return nil
	}
	v.ensureValues()
	return v
}

// Start schedules a tick every interval, the first one an interval from
// now. Failed ticks go to OnError.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cron != nil {
		return errors.New("main loop already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	cl := cronLogger{l.logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	c.Schedule(every(l.interval), cron.FuncJob(func() {
		if err := l.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error().Err(err).Msg("Tick failed")
			l.onError(err)
		}
	}))
	c.Start()

	l.cron, l.cancel = c, cancel
	l.logger.Info().Dur("interval", l.interval).Msg("Main loop started")
	return nil
}

// Stop cancels the running tick, if any, and waits for it to return.
func (l *Loop) Stop() {
	l.mu.Lock()
	c, cancel := l.cron, l.cancel
	l.cron, l.cancel = nil, nil
	l.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	l.logger.Info().Msg("Main loop stopped")
}
