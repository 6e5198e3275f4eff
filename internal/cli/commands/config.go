package commands

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cafjs/iotcli/internal/config"
)

func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config helpers (show/get/set)",
		Long:  `Show, get and set configuration values in the active config file.`,
		Example: `  # Show the effective configuration
  iotcli config show

  # Get config value
  iotcli config get sync.intervalMs

  # Set config value
  iotcli config set sync.intervalMs 500`,
	}

	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigGetCommand())
	cmd.AddCommand(newConfigSetCommand())

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "show",
		Short:   "Show the effective configuration",
		Example: `  iotcli config show --yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cfg.Session.Token = maskSecret(cfg.Session.Token)

			if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(cfg)
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Key", "Value"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)
			table.AppendBulk(configRows(cfg))
			table.Render()

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\nConfig file: %s\n", config.ConfigPath())
			return nil
		},
	}
	cmd.Flags().Bool("yaml", false, "print as YAML")
	return cmd
}

func configRows(cfg *config.Config) [][]string {
	return [][]string{
		{"ca.url", cfg.CA.URL},
		{"ca.proxy", cfg.CA.Proxy},
		{"ca.maxRetries", strconv.FormatInt(cfg.CA.MaxRetries, 10)},
		{"ca.retryTimeoutMs", strconv.FormatInt(cfg.CA.RetryTimeoutMs, 10)},
		{"ca.pullIntervalMs", strconv.FormatInt(cfg.CA.PullIntervalMs, 10)},
		{"sync.url", cfg.Sync.URL},
		{"sync.proxy", cfg.Sync.Proxy},
		{"sync.intervalMs", strconv.FormatInt(cfg.Sync.IntervalMs, 10)},
		{"session.to", cfg.Session.To},
		{"session.from", cfg.Session.From},
		{"session.sessionId", cfg.Session.SessionID},
		{"session.token", cfg.Session.Token},
		{"session.pullMethod", cfg.Session.PullMethod},
		{"clock.smooth", strconv.FormatFloat(cfg.Clock.Smooth, 'g', -1, 64)},
		{"clock.maxRTTMs", strconv.FormatInt(cfg.Clock.MaxRTTMs, 10)},
		{"logging.level", cfg.Logging.Level},
		{"logging.console", strconv.FormatBool(cfg.Logging.Console)},
	}
}

func maskSecret(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

func newConfigGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "get [key]",
		Short:   "Get a configuration value",
		Example: `  iotcli config get sync.url`,
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			v, err := config.LoadViper()
			if err != nil && !errors.Is(err, config.ErrConfigNotFound) {
				cmd.Printf("Failed to load config: %v\n", err)
				return
			}

			key := args[0]
			val := v.Get(key)
			if val == nil {
				cmd.Println("null")
				return
			}
			cmd.Printf("%v\n", val)
		},
	}
}

func newConfigSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Set a configuration value",
		Long: `Set a configuration value in the config file. The session token is
written to the extras file instead, readable by the owner only.`,
		Example: `  iotcli config set sync.intervalMs 500
  iotcli config set logging.console true
  iotcli config set session.token "$TOKEN"`,
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			key := args[0]
			valStr := args[1]
			var val interface{} = valStr

			// Type inference attempt
			if !config.IsSecretKey(key) {
				if vInt, err := strconv.ParseInt(valStr, 10, 64); err == nil {
					val = vInt
				} else if vFloat, err := strconv.ParseFloat(valStr, 64); err == nil {
					val = vFloat
				} else if vBool, err := strconv.ParseBool(valStr); err == nil {
					val = vBool
				}
			}

			written, err := config.Set(key, val)
			if err != nil {
				cmd.Printf("Failed to write config: %v\n", err)
				return
			}

			if config.IsSecretKey(key) {
				cmd.Printf("Updated %s in %s\n", key, written)
				return
			}
			cmd.Printf("Updated %s = %v\n", key, val)
		},
	}
}
