package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/commonsops/rostersync/audit"
	"github.com/commonsops/rostersync/config"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/report"
	"github.com/commonsops/rostersync/pkg/sync"
)

// History command flags.
var (
	historyLimit int
	historyRunID string
)

// HistoryStore is the slice of the audit store the history command reads.
type HistoryStore interface {
	RecentRuns(ctx context.Context, limit int) ([]audit.Run, error)
	RunResults(ctx context.Context, runID string) ([]sync.Result, error)
	Close()
}

// HistoryCommandDeps holds dependencies for the history command.
type HistoryCommandDeps struct {
	Config     *config.Config
	LoadConfig func() (*config.Config, error)
	OpenStore  func(ctx context.Context, cfg *config.AuditConfig, log logging.Logger) (HistoryStore, error)
}

// DefaultHistoryDeps returns default dependencies for production use.
func DefaultHistoryDeps() *HistoryCommandDeps {
	return &HistoryCommandDeps{
		LoadConfig: config.LoadConfig,
		OpenStore: func(ctx context.Context, cfg *config.AuditConfig, log logging.Logger) (HistoryStore, error) {
			return audit.Connect(ctx, cfg, log)
		},
	}
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(deps *HistoryCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultHistoryDeps()
	}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded sync runs",
		Long: `Query the audit store for past runs.

Without flags the most recent runs are listed. With --run the full grouped
result list of one run is shown.

Examples:
  rostersync history
  rostersync history --limit 50
  rostersync history --run 4f7c2e1a-... --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, deps)
		},
	}

	cmd.Flags().IntVar(&historyLimit, "limit", 20, "Runs to list")
	cmd.Flags().StringVar(&historyRunID, "run", "", "Show one run's results")

	return cmd
}

func runHistory(cmd *cobra.Command, deps *HistoryCommandDeps) error {
	format := outputFormat(cmd)
	if err := validateOutputFormat(format); err != nil {
		return err
	}

	cfg, err := loadConfigFrom(deps.Config, deps.LoadConfig)
	if err != nil {
		return err
	}
	if !cfg.Audit.IsConfigured() {
		return fmt.Errorf("audit store is not configured; set audit.dsn or ROSTERSYNC_AUDIT_DSN")
	}

	log := newLogger(cfg, false)
	store, err := deps.OpenStore(cmd.Context(), &cfg.Audit, log)
	if err != nil {
		return fmt.Errorf("connecting to audit store: %w", err)
	}
	defer store.Close()

	if historyRunID != "" {
		return showRunDetail(cmd.Context(), store, historyRunID, format)
	}
	return listRuns(cmd.Context(), store, historyLimit, format)
}

func listRuns(ctx context.Context, store HistoryStore, limit int, format string) error {
	runs, err := store.RecentRuns(ctx, limit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	if format == outputJSON {
		return printJSON(runs)
	}

	if len(runs) == 0 {
		fmt.Println("no recorded runs")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "RUN ID\tMODE\tTRIGGER\tSTARTED\tDURATION\tOK\tSKIP\tFAIL")
	for _, r := range runs {
		duration := r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			r.ID,
			r.Mode,
			r.Trigger,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			duration,
			r.Succeeded,
			r.Skipped,
			r.Failed)
	}
	return w.Flush()
}

func showRunDetail(ctx context.Context, store HistoryStore, runID, format string) error {
	results, err := store.RunResults(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", runID, err)
	}
	if len(results) == 0 {
		return fmt.Errorf("no results recorded for run %s", runID)
	}

	if format == outputJSON {
		summary := report.Summarize(results)
		summary.RunID = runID
		return printJSON(summary)
	}

	fmt.Printf("Run: %s\n\n", runID)
	fmt.Print(report.Text(results))
	return nil
}
