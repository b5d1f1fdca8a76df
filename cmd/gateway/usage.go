package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vnmchuo/embedapi-gateway/config"
	"github.com/vnmchuo/embedapi-gateway/internal/billing"
	"github.com/vnmchuo/embedapi-gateway/internal/pricing"
	"github.com/vnmchuo/embedapi-gateway/internal/telemetry"
)

var usageFlags struct {
	period string
	yes    bool
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show recorded Pro usage",
	Long: `Summarize the usage ledger for a period.

Only Pro (platform-billed) calls are recorded. Solo callers are billed by
the upstream and never appear here.

Examples:
  # Last 30 days
  gateway usage

  # Last 24 hours
  gateway usage --period day`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd.Context(), func(l *billing.Ledger, period billing.Period) error {
			printStats(cmd.OutOrStdout(), l.UsageStats(period))
			return nil
		})
	},
}

var usageEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recorded usage events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd.Context(), func(l *billing.Ledger, period billing.Period) error {
			return printEvents(cmd.OutOrStdout(), l.UsageEvents(period))
		})
	},
}

var usageClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Erase all recorded usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !usageFlags.yes {
			return errClearNotConfirmed
		}
		return withLedger(cmd.Context(), func(l *billing.Ledger, _ billing.Period) error {
			if err := l.ClearAllUsage(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Usage history cleared.")
			return nil
		})
	},
}

var errClearNotConfirmed = errors.New("refusing to clear usage without --yes")

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.AddCommand(usageEventsCmd, usageClearCmd)

	usageCmd.PersistentFlags().StringVarP(&usageFlags.period, "period", "p", string(billing.DefaultPeriod), "period: day, week, month or all")
	usageClearCmd.Flags().BoolVar(&usageFlags.yes, "yes", false, "confirm erasing the usage history")
}

func withLedger(ctx context.Context, fn func(*billing.Ledger, billing.Period) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	period, err := billing.ParsePeriod(usageFlags.period)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := telemetry.NewLogger("warn")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	ledger, closeStore, err := openLedger(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	return fn(ledger, period)
}

func printStats(w io.Writer, stats billing.UsageStats) {
	formatted := billing.FormatStats(stats)
	fmt.Fprintf(w, "Period:   %s\n", stats.Period)
	fmt.Fprintf(w, "Requests: %s\n", formatted.Requests)
	fmt.Fprintf(w, "Tokens:   %s (%s in / %s out)\n", formatted.Tokens,
		humanize.Comma(int64(stats.TotalInputTokens)), humanize.Comma(int64(stats.TotalOutputTokens)))
	fmt.Fprintf(w, "Cost:     %s\n", formatted.Cost)
	if stats.MixedCurrencies {
		fmt.Fprintln(w, "Warning:  costs span more than one currency and were summed as-is")
	}
}

func printEvents(w io.Writer, events []billing.UsageEvent) error {
	if len(events) == 0 {
		fmt.Fprintln(w, "No usage recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tMODEL\tINPUT\tOUTPUT\tCACHED\tCOST")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime),
			e.Model,
			humanize.Comma(int64(e.InputTokens)),
			humanize.Comma(int64(e.OutputTokens)),
			humanize.Comma(int64(e.CacheReadTokens)),
			pricing.FormatCost(e.Cost, e.Currency),
		)
	}
	return tw.Flush()
}
