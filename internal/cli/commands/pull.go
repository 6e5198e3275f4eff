package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/cafjs/iotcli/internal/channel"
)

// NewPullCommand creates the pull subcommand.
func NewPullCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Print notifications from the CA",
		Long: `Long-poll the CA and print every notification as one JSON line, until
interrupted, the CA closes the channel, or --count notifications arrived.`,
		Example: `  iotcli pull
  iotcli pull --count 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			return runPull(cmd, count)
		},
	}
	cmd.Flags().Int("count", 0, "exit after this many notifications (0 = never)")
	return cmd
}

func runPull(cmd *cobra.Command, count int) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.RequireCA(); err != nil {
		return err
	}
	logger := newLogger(cmd, cfg.Logging)

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	seen := 0
	puller, err := newPuller(cfg, logger, func(note json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(cmd.OutOrStdout(), string(note))
		seen++
		if count > 0 && seen >= count {
			cancel()
		}
	})
	if err != nil {
		return err
	}

	var disabled error
	puller.Channel().Subscribe(channel.ListenerFuncs{Disabled: func(cause error) { disabled = cause }})

	err = puller.Run(ctx)
	if disabled != nil {
		return fmt.Errorf("CA channel disabled: %w", disabled)
	}
	puller.Channel().Shutdown()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
