package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cafjs/iotcli/internal/channel"
	"github.com/cafjs/iotcli/internal/codec"
)

// NewInvokeCommand creates the invoke subcommand.
func NewInvokeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoke <method> [json-arg...]",
		Short: "Call a method of the CA",
		Long: `Call a method of the CA and print its result as JSON. Each argument is
parsed as JSON; anything that is not valid JSON is sent as a string.`,
		Example: `  iotcli invoke hello
  iotcli invoke setLed '"on"' 3
  iotcli invoke addReading '{"temp": 21.5}'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvoke(cmd, args[0], parseArgs(args[1:]))
		},
	}
	cmd.Flags().Bool("pretty", false, "indent the JSON output (default when stdout is a terminal)")
	return cmd
}

// parseArgs decodes command line arguments as JSON values.
func parseArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		args = append(args, v)
	}
	return args
}

func runInvoke(cmd *cobra.Command, method string, args []any) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.RequireCA(); err != nil {
		return err
	}
	logger := newLogger(cmd, cfg.Logging)

	clock := newEstimator(cfg, logger)
	ch, err := channel.New(channelOptions(cfg, clock, logger))
	if err != nil {
		return err
	}
	tokens := newTokenSource(cfg.Session.Token, logger)
	ch.Subscribe(tokens)

	var disabled error
	ch.Subscribe(channel.ListenerFuncs{Disabled: func(cause error) { disabled = cause }})

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	data, err := ch.Invoke(ctx, tokens.session(cfg, method, args))
	if disabled != nil {
		return fmt.Errorf("CA channel disabled: %w", disabled)
	}
	if err != nil {
		var appErr *codec.AppError
		if errors.As(err, &appErr) {
			return fmt.Errorf("%s failed: %s", method, appErr.Message)
		}
		return err
	}
	ch.Shutdown()

	pretty, _ := cmd.Flags().GetBool("pretty")
	return printJSON(cmd, data, pretty || isTerminal(cmd.OutOrStdout()))
}

func printJSON(cmd *cobra.Command, data json.RawMessage, pretty bool) error {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	out := []byte(data)
	if pretty {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err == nil {
			out = buf.Bytes()
		}
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
