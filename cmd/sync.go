package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/commonsops/rostersync/audit"
	"github.com/commonsops/rostersync/config"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/report"
	"github.com/commonsops/rostersync/pkg/sync"
)

// Sync command flags.
var (
	syncModeFlag     string
	syncDifferential bool
	syncSkip         []string
	syncConcurrency  int
)

// SyncCommandDeps holds dependencies for the sync command.
type SyncCommandDeps struct {
	Config     *config.Config
	LoadConfig func() (*config.Config, error)

	// Run executes one reconciliation. Tests substitute it; production
	// wires a Runner.
	Run func(ctx context.Context, cfg *config.Config, log logging.Logger, spec RunSpec) (bool, []sync.Result, error)
}

// DefaultSyncDeps returns default dependencies for production use.
func DefaultSyncDeps() *SyncCommandDeps {
	return &SyncCommandDeps{
		LoadConfig: config.LoadConfig,
		Run:        executeWithRunner,
	}
}

// executeWithRunner builds a Runner for one run and tears it down after.
// One-shot runs carry no metrics registry and no status server.
func executeWithRunner(ctx context.Context, cfg *config.Config, log logging.Logger, spec RunSpec) (bool, []sync.Result, error) {
	runner, err := NewRunner(ctx, cfg, log, nil)
	if err != nil {
		return false, nil, err
	}
	defer runner.Close()
	ok, results := runner.Execute(ctx, spec)
	return ok, results, nil
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(deps *SyncCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultSyncDeps()
	}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation now",
		Long: `Run one reconciliation: read chat channel membership and drive every
configured downstream service toward it.

Upsert runs only add and update. Differential runs also remove users who are
no longer in any granting channel; prefer upsert for scheduled runs.

The exit code reflects only configuration and fatal orchestration errors.
Per-record failures are reported in the summary and leave the exit code 0.

Examples:
  # Upsert, discovering entities from identity-provider groups
  rostersync sync

  # Upsert, discovering entities from chat channel names
  rostersync sync --mode chat-to-tools

  # Full reconciliation including removals
  rostersync sync --differential

  # Leave the password store alone this run
  rostersync sync --skip vaultwarden

  # Machine-readable outcome
  rostersync sync --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, deps)
		},
	}

	cmd.Flags().StringVar(&syncModeFlag, "mode", "with-provider", "Upsert entity discovery: with-provider or chat-to-tools")
	cmd.Flags().BoolVar(&syncDifferential, "differential", false, "Remove users no longer in any granting channel")
	cmd.Flags().StringSliceVar(&syncSkip, "skip", nil, "Service to skip this run (repeatable)")
	cmd.Flags().IntVar(&syncConcurrency, "concurrency", 0, "Concurrent entities (0 uses the configured value)")

	return cmd
}

func runSync(cmd *cobra.Command, deps *SyncCommandDeps) error {
	format := outputFormat(cmd)
	if err := validateOutputFormat(format); err != nil {
		return err
	}

	cfg, err := loadConfigFrom(deps.Config, deps.LoadConfig)
	if err != nil {
		return err
	}
	if syncConcurrency > 0 {
		cfg.Concurrency = syncConcurrency
	}

	spec := RunSpec{
		Differential: syncDifferential,
		Skip:         syncSkip,
		Trigger:      audit.TriggerCLI,
	}
	if syncDifferential {
		if cmd.Flags().Changed("mode") {
			return fmt.Errorf("--mode applies to upsert runs and cannot be combined with --differential")
		}
	} else {
		mode, err := sync.ParseMode(syncModeFlag)
		if err != nil {
			return err
		}
		spec.Mode = mode
	}

	log := newLogger(cfg, false)

	// The id is minted here so the report, the logs, and the audit row
	// all agree before the run starts.
	id := uuid.NewString()
	ctx := context.WithValue(cmd.Context(), logging.RunIDKey, id)

	ok, results, err := deps.Run(ctx, cfg, log, spec)
	if err != nil {
		return err
	}

	if format == outputJSON {
		summary := report.Summarize(results)
		summary.RunID = id
		summary.Mode = spec.ModeLabel()
		if err := report.WriteJSON(os.Stdout, summary); err != nil {
			return err
		}
	} else {
		fmt.Print(report.Text(results))
	}

	if !ok {
		return fmt.Errorf("run %s did not complete", id)
	}
	return nil
}
