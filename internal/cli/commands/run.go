package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cafjs/iotcli/internal/backchannel"
	"github.com/cafjs/iotcli/internal/channel"
	"github.com/cafjs/iotcli/internal/config"
	"github.com/cafjs/iotcli/internal/device"
	"github.com/cafjs/iotcli/internal/mainloop"
	"github.com/cafjs/iotcli/internal/state"
)

// NewRunCommand creates the run subcommand.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the device main loop",
		Long: `Run the device main loop against the configured sync URL. When a CA
url and session are configured, notifications are pulled as well and each
one triggers an immediate sync.`,
		Example: `  iotcli run
  iotcli run --no-pull -v`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd)
		},
	}
	cmd.Flags().Bool("no-pull", false, "do not pull notifications from the CA")
	return cmd
}

func runDevice(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.RequireSync(); err != nil {
		return err
	}
	logger := newLogger(cmd, cfg.Logging)

	// Single instance check
	if err := os.MkdirAll(config.StateDir(), 0755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	lockPath := config.LockPath()
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("error checking lock file: %w", err)
	}
	if !locked {
		fmt.Fprintln(cmd.ErrOrStderr(), "❌ Error: iotcli is already running.")
		fmt.Fprintf(cmd.ErrOrStderr(), "   Lock file found at: %s\n", lockPath)
		return fmt.Errorf("device loop already running")
	}
	defer func() { _ = fileLock.Unlock() }()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	clock := newEstimator(cfg, logger)
	registry := device.NewDefaultRegistry(clock, logger)

	var recorder *state.Recorder
	loop, err := mainloop.New(mainloop.Options{
		URL:      cfg.Sync.URL,
		Proxy:    cfg.Sync.Proxy,
		Interval: cfg.Sync.Interval(),
		Hooks:    registry.Hooks(),
		Observer: clock,
		OnError: func(err error) {
			recorder.Failed(err)
			loopErrorHandler(stop, logger)(err)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	recorder = state.NewRecorder(state.Path(), cfg.Sync.URL, loop, clock, logger)
	if err := recorder.Begin(); err != nil {
		logger.Warn().Err(err).Msg("Cannot write device status")
	}

	notified := &tickTrigger{
		ctx:  ctx,
		tick: loop.Tick,
		onError: func(err error) {
			recorder.Failed(err)
			logger.Error().Err(err).Msg("Sync after notification failed")
		},
	}

	var puller *backchannel.Puller
	noPull, _ := cmd.Flags().GetBool("no-pull")
	if !noPull && cfg.RequireCA() == nil {
		puller, err = newPuller(cfg, logger, func(note json.RawMessage) {
			logger.Debug().RawJSON("notification", note).Msg("Notified, syncing now")
			recorder.Notified()
			notified.fire()
		})
		if err != nil {
			return err
		}
	}

	logger.Info().
		Str("sync", cfg.Sync.URL).
		Str("commands", joinNames(registry.Names())).
		Bool("pull", puller != nil).
		Msg("Device starting")

	if err := loop.Start(ctx); err != nil {
		return err
	}
	if puller != nil {
		puller.Start(ctx)
	}
	recorded := make(chan struct{})
	go func() {
		defer close(recorded)
		recorder.Run(ctx, cfg.Sync.Interval())
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down device...")

	if puller != nil {
		puller.Stop()
		puller.Channel().Shutdown()
	}
	// no more notifications past this point
	notified.wait()
	loop.Stop()
	<-recorded
	if err := recorder.End(); err != nil {
		logger.Warn().Err(err).Msg("Cannot write device status")
	}

	_, _, ticks := loop.Snapshot()
	logger.Info().Int64("ticks", ticks).Int64("clockOffsetMs", clock.Offset()).Msg("Device stopped")
	return nil
}

// tickTrigger runs one tick per notification. Once ctx is done new
// triggers are ignored, and wait blocks until the started ticks returned.
type tickTrigger struct {
	ctx     context.Context
	tick    func(context.Context) error
	onError func(error)
	wg      sync.WaitGroup
}

func (t *tickTrigger) fire() {
	if t.ctx.Err() != nil {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.tick(t.ctx); err != nil && t.ctx.Err() == nil {
			t.onError(err)
		}
	}()
}

func (t *tickTrigger) wait() {
	t.wg.Wait()
}

// loopErrorHandler stops the device on the first failed tick.
func loopErrorHandler(stop context.CancelFunc, logger zerolog.Logger) func(error) {
	return func(err error) {
		logger.Error().Err(err).Msg("Main loop failed, stopping")
		stop()
	}
}

// newPuller wires a long-poll loop to the CA with token refresh and a log
// line when the CA disables the channel.
func newPuller(cfg *config.Config, logger zerolog.Logger, onNotified func(json.RawMessage)) (*backchannel.Puller, error) {
	tokens := newTokenSource(cfg.Session.Token, logger)
	puller, err := backchannel.New(backchannel.Options{
		Channel:     channelOptions(cfg, nil, logger),
		Session:     tokens.session(cfg, cfg.Session.PullMethod, nil),
		OnNotified:  onNotified,
		MinInterval: cfg.CA.PullInterval(),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	puller.Channel().Subscribe(tokens)
	puller.Channel().Subscribe(channel.ListenerFuncs{Disabled: func(cause error) {
		logger.Error().Err(cause).Msg("CA disabled the notification channel")
	}})
	return puller, nil
}
