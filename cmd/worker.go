package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/commonsops/rostersync/audit"
	"github.com/commonsops/rostersync/config"
	"github.com/commonsops/rostersync/pkg/buildinfo"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/observability"
	"github.com/commonsops/rostersync/pkg/queue"
	"github.com/commonsops/rostersync/pkg/report"
	"github.com/commonsops/rostersync/pkg/sync"
)

// dequeueTimeout bounds each blocking pop so shutdown is never stuck behind
// an idle queue.
const dequeueTimeout = 5 * time.Second

// WorkerCommandDeps holds dependencies for the worker command.
type WorkerCommandDeps struct {
	Config     *config.Config
	LoadConfig func() (*config.Config, error)
	NewQueue   func(cfg *config.QueueConfig) queue.Queue
	NewRunner  func(ctx context.Context, cfg *config.Config, log logging.Logger, metrics *observability.Metrics) (*Runner, error)
}

// DefaultWorkerDeps returns default dependencies for production use.
func DefaultWorkerDeps() *WorkerCommandDeps {
	return &WorkerCommandDeps{
		LoadConfig: config.LoadConfig,
		NewQueue:   func(cfg *config.QueueConfig) queue.Queue { return queue.New(cfg) },
		NewRunner:  NewRunner,
	}
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(deps *WorkerCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultWorkerDeps()
	}

	return &cobra.Command{
		Use:   "worker",
		Short: "Consume queued sync jobs",
		Long: `Consume sync jobs from the Redis queue and run each one.

Jobs are produced by the enqueue command and by the chat bot. The worker is a
single consumer: one job runs at a time, in arrival order. A job that fails
is not retried; re-enqueue it if needed.

When status_addr is configured the worker serves /metrics, /healthz,
/version, and /lastrun while it runs.

Examples:
  rostersync worker`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), deps)
		},
	}
}

func runWorker(ctx context.Context, deps *WorkerCommandDeps) error {
	cfg, err := loadConfigFrom(deps.Config, deps.LoadConfig)
	if err != nil {
		return err
	}
	if !cfg.Queue.IsConfigured() {
		return fmt.Errorf("queue is not configured; set queue.redis_addr or ROSTERSYNC_REDIS_ADDR")
	}

	log := newLogger(cfg, true)

	var metrics *observability.Metrics
	var status *observability.StatusServer
	if cfg.StatusAddr != "" {
		status = observability.NewStatusServer(cfg.StatusAddr, "rostersync-worker", nil, log)
		metrics = observability.NewMetrics(status.Registry())
	}

	runner, err := deps.NewRunner(ctx, cfg, log, metrics)
	if err != nil {
		return err
	}
	defer runner.Close()

	q := deps.NewQueue(&cfg.Queue)
	defer q.Close()

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

	log.Info("worker consuming sync jobs",
		logging.F("redis_addr", cfg.Queue.RedisAddr),
		logging.F("version", buildinfo.String()))

	for {
		if ctx.Err() != nil {
			log.Info("worker stopping")
			return nil
		}

		publishDepth(ctx, q, metrics)

		job, err := q.Dequeue(ctx, dequeueTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping")
				return nil
			}
			log.Error("dequeue failed", logging.Err(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		processJob(ctx, runner, status, log, job)
	}
}

// processJob runs one dequeued job. A malformed job is discarded with an
// error log; the worker never crashes on queue contents.
func processJob(ctx context.Context, runner *Runner, status *observability.StatusServer, log logging.Logger, job *queue.Job) {
	spec := RunSpec{
		Differential: job.Differential,
		Skip:         job.Skip,
		Trigger:      audit.TriggerQueue,
	}
	if !job.Differential {
		mode, err := sync.ParseMode(job.Mode)
		if err != nil {
			log.Error("discarding job with invalid mode",
				logging.F("job_id", job.ID),
				logging.F("job_mode", job.Mode))
			return
		}
		spec.Mode = mode
	}

	log.Info("job started",
		logging.F("job_id", job.ID),
		logging.F("mode", spec.ModeLabel()),
		logging.F("requester", job.Requester))

	// The job id doubles as the run id so queue inspection, logs, and
	// audit rows line up.
	runCtx := context.WithValue(ctx, logging.RunIDKey, job.ID)
	started := time.Now().UTC()
	ok, results := runner.Execute(runCtx, spec)
	finished := time.Now().UTC()

	succeeded, skipped, failed := sync.Tally(results)
	log.Info("job finished",
		logging.F("job_id", job.ID),
		logging.F("summary", report.OneLine(results)),
		logging.F("overall_success", ok))

	if status != nil {
		status.SetLastRun(observability.RunSummary{
			RunID:      job.ID,
			Mode:       spec.ModeLabel(),
			Trigger:    audit.TriggerQueue,
			StartedAt:  started,
			FinishedAt: finished,
			Succeeded:  succeeded,
			Skipped:    skipped,
			Failed:     failed,
			Overall:    ok,
		})
	}
}

// publishDepth refreshes the queue-depth gauge; the queue being briefly
// unreadable is not worth a log line per poll.
func publishDepth(ctx context.Context, q queue.Queue, metrics *observability.Metrics) {
	if metrics == nil {
		return
	}
	if depth, err := q.Depth(ctx); err == nil {
		metrics.SetQueueDepth(depth)
	}
}
