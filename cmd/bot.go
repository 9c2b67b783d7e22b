package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/commonsops/rostersync/audit"
	"github.com/commonsops/rostersync/config"
	"github.com/commonsops/rostersync/pkg/bot"
	"github.com/commonsops/rostersync/pkg/buildinfo"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/observability"
	"github.com/commonsops/rostersync/pkg/queue"
	"github.com/commonsops/rostersync/pkg/sync"
)

// BotCommandDeps holds dependencies for the bot command.
type BotCommandDeps struct {
	Config     *config.Config
	LoadConfig func() (*config.Config, error)
	NewQueue   func(cfg *config.QueueConfig) queue.Queue
	NewRunner  func(ctx context.Context, cfg *config.Config, log logging.Logger, metrics *observability.Metrics) (*Runner, error)
}

// DefaultBotDeps returns default dependencies for production use.
func DefaultBotDeps() *BotCommandDeps {
	return &BotCommandDeps{
		LoadConfig: config.LoadConfig,
		NewQueue:   func(cfg *config.QueueConfig) queue.Queue { return queue.New(cfg) },
		NewRunner:  NewRunner,
	}
}

// NewBotCommand creates the bot command.
func NewBotCommand(deps *BotCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultBotDeps()
	}

	return &cobra.Command{
		Use:   "bot",
		Short: "Listen for chat commands",
		Long: `Connect to the chat platform's event stream and dispatch commands
addressed to the bot account.

System administrators can trigger syncs from chat; everyone can ask for help
and status. When the queue is configured, sync commands become queued jobs
for the worker; otherwise the bot runs them inline, one at a time.

When status_addr is configured the bot serves /metrics, /healthz, /version,
and /lastrun while it runs.

Examples:
  rostersync bot`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), deps)
		},
	}
}

func runBot(ctx context.Context, deps *BotCommandDeps) error {
	cfg, err := loadConfigFrom(deps.Config, deps.LoadConfig)
	if err != nil {
		return err
	}
	if !cfg.Mattermost.IsConfigured() {
		return fmt.Errorf("mattermost is not configured; the bot has nothing to listen to")
	}

	log := newLogger(cfg, true)

	var metrics *observability.Metrics
	var status *observability.StatusServer
	if cfg.StatusAddr != "" {
		status = observability.NewStatusServer(cfg.StatusAddr, "rostersync-bot", nil, log)
		metrics = observability.NewMetrics(status.Registry())
	}

	runner, err := deps.NewRunner(ctx, cfg, log, metrics)
	if err != nil {
		return err
	}
	defer runner.Close()

	var q queue.Queue
	if cfg.Queue.IsConfigured() {
		q = deps.NewQueue(&cfg.Queue)
		defer q.Close()
		log.Info("sync commands will be queued", logging.F("redis_addr", cfg.Queue.RedisAddr))
	}

	if status != nil {
		for name, probe := range runner.Probes() {
			status.AddProbe(name, probe)
		}
		go func() {
			if err := status.Start(ctx); err != nil {
				log.Error("status server failed", logging.Err(err))
			}
		}()
	}

	chat := runner.Chat()
	b := bot.New(bot.Deps{
		Chat:    chat,
		Stream:  chat.Events(),
		Queue:   q,
		Run:     botRunFunc(runner, status),
		Logger:  log,
		Version: buildinfo.Get("rostersync").Version,
	})

	return b.Run(ctx)
}

// botRunFunc adapts the Runner for inline bot-triggered runs and publishes
// each outcome to /lastrun.
func botRunFunc(runner *Runner, status *observability.StatusServer) bot.RunFunc {
	return func(ctx context.Context, req bot.RunRequest) []sync.Result {
		spec := RunSpec{
			Differential: req.Differential,
			Mode:         req.Mode,
			Skip:         req.Skip,
			Trigger:      audit.TriggerBot,
		}

		started := time.Now().UTC()
		ok, results := runner.Execute(ctx, spec)
		finished := time.Now().UTC()

		if status != nil {
			id, _ := ctx.Value(logging.RunIDKey).(string)
			succeeded, skipped, failed := sync.Tally(results)
			status.SetLastRun(observability.RunSummary{
				RunID:      id,
				Mode:       spec.ModeLabel(),
				Trigger:    audit.TriggerBot,
				StartedAt:  started,
				FinishedAt: finished,
				Succeeded:  succeeded,
				Skipped:    skipped,
				Failed:     failed,
				Overall:    ok,
			})
		}

		return results
	}
}
