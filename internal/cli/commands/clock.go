package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cafjs/iotcli/internal/timesync"
)

// NewClockCommand creates the clock subcommand.
func NewClockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clock",
		Short: "Estimate the clock offset to the CA",
		Long: `Probe the CA a few times and estimate the offset between the local clock
and the CA clock from the x-start-time and x-end-time response headers.`,
		Example: `  iotcli clock
  iotcli clock --samples 16 --url https://root.example.com/ca`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClock(cmd)
		},
	}
	cmd.Flags().Int("samples", timesync.WindowSize, "number of probes")
	cmd.Flags().String("url", "", "url to probe (default is sync.url, then ca.url)")
	cmd.Flags().Duration("gap", 100*time.Millisecond, "pause between probes")
	return cmd
}

func runClock(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg.Logging)

	target, _ := cmd.Flags().GetString("url")
	proxy := ""
	if target == "" {
		target, proxy = cfg.Sync.URL, cfg.Sync.Proxy
		if target == "" {
			target, proxy = cfg.CA.URL, cfg.CA.Proxy
		}
	}
	samples, _ := cmd.Flags().GetInt("samples")
	if samples <= 0 {
		return fmt.Errorf("--samples must be positive")
	}
	gap, _ := cmd.Flags().GetDuration("gap")

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	client := resty.New().SetTimeout(5 * time.Second)
	if proxy != "" {
		client.SetProxy(proxy)
	}
	estimator := newEstimator(cfg, logger)
	maxRTT := cfg.Clock.MaxRTT().Milliseconds()

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"#", "RTT (ms)", "Delta (ms)", "Used", "Offset (ms)"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)

	answered := 0
	for i := 1; i <= samples && ctx.Err() == nil; i++ {
		if i > 1 {
			select {
			case <-ctx.Done():
			case <-time.After(gap):
			}
		}

		t1 := time.Now().UnixMilli()
		estimator.StartRequest()
		resp, err := client.R().SetContext(ctx).Get(target)
		if err != nil {
			logger.Debug().Err(err).Int("probe", i).Msg("Probe failed")
			table.Append([]string{strconv.Itoa(i), "-", "-", "error", "-"})
			continue
		}
		t4 := time.Now().UnixMilli()
		estimator.EndRequest(resp.Header())

		t2, err2 := strconv.ParseInt(resp.Header().Get(timesync.HeaderStartTime), 10, 64)
		t3, err3 := strconv.ParseInt(resp.Header().Get(timesync.HeaderEndTime), 10, 64)
		if err2 != nil || err3 != nil {
			table.Append([]string{strconv.Itoa(i), "-", "-", "no headers", "-"})
			continue
		}
		answered++
		rtt, delta := timesync.Measure(t1, t2, t3, t4)
		used := "yes"
		if rtt >= maxRTT {
			used = "noisy"
		}
		table.Append([]string{
			strconv.Itoa(i),
			strconv.FormatInt(rtt, 10),
			strconv.FormatInt(delta, 10),
			used,
			strconv.FormatInt(estimator.Offset(), 10),
		})
	}
	table.Render()

	if answered == 0 {
		return fmt.Errorf("%s did not send clock headers", target)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\nEstimated offset: %d ms (CA minus local)\n", estimator.Offset())
	return nil
}
