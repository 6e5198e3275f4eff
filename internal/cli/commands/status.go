package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cafjs/iotcli/internal/config"
	"github.com/cafjs/iotcli/internal/mainloop"
	"github.com/cafjs/iotcli/internal/state"
)

// NewStatusCommand creates the status subcommand.
func NewStatusCommand() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the device status",
		Long: `Display what the last "iotcli run" recorded: whether it is still running,
how many ticks it ran, the view versions and the estimated clock offset.`,
		Example: `  iotcli status
  iotcli status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.OutOrStdout(), jsonOutput)
		},
	}
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	return cmd
}

func runStatus(out io.Writer, jsonOutput bool) error {
	st, found, err := state.Read(state.Path())
	if err != nil {
		return err
	}
	running := found && st.Running() && lockHeld()

	if jsonOutput {
		if !found {
			_, err := fmt.Fprintln(out, `{"running": false}`)
			return err
		}
		data, err := json.MarshalIndent(struct {
			Running bool `json:"running"`
			*state.Status
		}{running, st}, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	fmt.Fprintln(out, "iotcli Status")
	fmt.Fprintln(out, "=============")
	fmt.Fprintln(out)

	if !found {
		fmt.Fprintln(out, "Device:    ✗ Never run")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Start the device with: iotcli run")
		return nil
	}

	switch {
	case running:
		fmt.Fprintf(out, "Device:    ✓ Running (pid %d) since %s\n", st.PID, st.StartedAt)
	case st.Running():
		fmt.Fprintf(out, "Device:    ✗ Not running (pid %d exited without cleanup)\n", st.PID)
	default:
		fmt.Fprintf(out, "Device:    ✗ Stopped at %s\n", st.StoppedAt)
	}
	fmt.Fprintf(out, "Sync URL:  %s\n", st.SyncURL)
	fmt.Fprintf(out, "Updated:   %s\n", st.UpdatedAt)
	if st.LastError != "" {
		fmt.Fprintf(out, "Error:     %s\n", st.LastError)
	}
	fmt.Fprintln(out)

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Key", "Value"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.AppendBulk(statusRows(st))
	table.Render()
	return nil
}

func statusRows(st *state.Status) [][]string {
	rows := [][]string{
		{"ticks", strconv.FormatInt(st.Ticks, 10)},
		{"notifications", strconv.FormatInt(st.Notifications, 10)},
		{"clock offset (ms)", strconv.FormatInt(st.ClockOffsetMs, 10)},
	}
	if st.Device != nil {
		rows = append(rows,
			[]string{"device toCloud version", strconv.FormatInt(st.Device.ToCloud.Version, 10)},
			[]string{"device fromCloud version", strconv.FormatInt(st.Device.FromCloud.Version, 10)},
			[]string{"pending responses", queueSummary(st.Device.ToCloud.Values)},
		)
	}
	if st.CA != nil {
		rows = append(rows,
			[]string{"CA toCloud version", strconv.FormatInt(st.CA.ToCloud.Version, 10)},
			[]string{"CA fromCloud version", strconv.FormatInt(st.CA.FromCloud.Version, 10)},
			[]string{"commands", queueSummary(st.CA.FromCloud.Values)},
		)
	}
	return rows
}

// queueSummary describes the command queue found in values.
func queueSummary(values map[string]any) string {
	q, err := mainloop.PeekQueue(values)
	if err != nil {
		return "invalid"
	}
	if q == nil {
		return "-"
	}
	return fmt.Sprintf("[%d, %d)", q.FirstIndex, q.End())
}

// lockHeld reports whether some process holds the run lock.
func lockHeld() bool {
	lock := flock.New(config.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return false
	}
	if locked {
		_ = lock.Unlock()
		return false
	}
	return true
}
