// Package cli provides the command-line interface for iotcli.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cafjs/iotcli/internal/cli/commands"
	"github.com/cafjs/iotcli/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "iotcli",
	Short: "iotcli - device client for a CA",
	Long: `iotcli runs the device side of a CA: it reads sensors, executes the
commands queued by the CA exactly once, keeps the device and CA views in
sync and listens for notifications.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// --config wins over IOTCLI_CONFIG_PATH
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			return os.Setenv("IOTCLI_CONFIG_PATH", path)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewInvokeCommand())
	rootCmd.AddCommand(commands.NewPullCommand())
	rootCmd.AddCommand(commands.NewClockCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(commands.NewConfigCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ~/.iotcli/iotcli.json)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
