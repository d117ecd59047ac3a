package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/livetrack/internal/daemon"
	"github.com/harun/livetrack/internal/logger"
	"github.com/harun/livetrack/pkg/ledger"
	"github.com/harun/livetrack/pkg/report"
	"github.com/harun/livetrack/pkg/snapshot"
	"github.com/harun/livetrack/pkg/timesource"
	"github.com/spf13/cobra"
)

var (
	reportMarkdown bool
	reportTimeout  time.Duration
)

var reportCmd = &cobra.Command{
	Use:   "report [date]",
	Short: "Print the status report for a day",
	Long: `Print the same report /status sends, built offline from the ledger and
the snapshot file. The date is DD/MM/YYYY or YYYY-MM-DD; today if omitted.
Live shares reflect the last snapshot the daemon saved.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().BoolVar(&reportMarkdown, "markdown", false, "print Telegram markdown instead of plain text")
	reportCmd.Flags().DurationVar(&reportTimeout, "timeout", time.Minute, "timeout for reading the ledger")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	loc, err := timesource.LoadLocation(cfg.DisplayTimezone)
	if err != nil {
		return fmt.Errorf("invalid display timezone: %w", err)
	}
	ts := timesource.New(nil, loc)

	var arg string
	if len(args) > 0 {
		arg = args[0]
	}
	date, err := report.ParseDate(arg, ts.Now(), loc)
	if err != nil {
		return err
	}

	// Diagnostics go to stderr so the report can be piped
	level := cfg.Logging.Level
	if logLevel == "" {
		level = "warn"
	}
	log, err := logger.New(logger.Config{
		Level:     level,
		Console:   true,
		Pretty:    true,
		Redaction: true,
		Secrets:   []string{cfg.Telegram.BotToken},
		Output:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()
	zl := log.GetZerolog()

	ctx, cancel := context.WithTimeout(cmd.Context(), reportTimeout)
	defer cancel()

	entries := snapshot.New(cfg.StatePath(), zl).Load(ctx)

	writer := ledger.NewWriter(daemon.LedgerConnector(cfg, zl), ledger.Config{
		MaxRetries: cfg.Ledger.MaxRetries,
		RetryDelay: cfg.Ledger.RetryDelay(),
	}, ts, zl)
	defer writer.Close()

	agg := report.NewAggregator(writer, report.Entries(entries), ts, cfg.Tracking.InactiveThreshold(), zl)
	r := agg.Build(ctx, date)
	r.RequestedBy = "cli"

	text := report.Render(r)
	if !reportMarkdown {
		text = report.PlainText(text)
	}
	fmt.Fprintln(cmd.OutOrStdout(), text)

	return nil
}
