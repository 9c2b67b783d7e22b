package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/commonsops/rostersync/config"
	"github.com/commonsops/rostersync/pkg/queue"
	"github.com/commonsops/rostersync/pkg/sync"
)

// Enqueue command flags.
var (
	enqueueModeFlag     string
	enqueueDifferential bool
	enqueueSkip         []string
)

// EnqueueCommandDeps holds dependencies for the enqueue command.
type EnqueueCommandDeps struct {
	Config     *config.Config
	LoadConfig func() (*config.Config, error)
	NewQueue   func(cfg *config.QueueConfig) queue.Queue
}

// DefaultEnqueueDeps returns default dependencies for production use.
func DefaultEnqueueDeps() *EnqueueCommandDeps {
	return &EnqueueCommandDeps{
		LoadConfig: config.LoadConfig,
		NewQueue:   func(cfg *config.QueueConfig) queue.Queue { return queue.New(cfg) },
	}
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(deps *EnqueueCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultEnqueueDeps()
	}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a sync job for the worker",
		Long: `Push a sync job onto the Redis queue for the worker to run.

The job carries the same parameters the sync command takes. The printed job
id doubles as the run id once the worker picks it up.

Examples:
  rostersync enqueue
  rostersync enqueue --differential
  rostersync enqueue --mode chat-to-tools --skip brevo`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, deps)
		},
	}

	cmd.Flags().StringVar(&enqueueModeFlag, "mode", "with-provider", "Upsert entity discovery: with-provider or chat-to-tools")
	cmd.Flags().BoolVar(&enqueueDifferential, "differential", false, "Remove users no longer in any granting channel")
	cmd.Flags().StringSliceVar(&enqueueSkip, "skip", nil, "Service to skip (repeatable)")

	return cmd
}

func runEnqueue(cmd *cobra.Command, deps *EnqueueCommandDeps) error {
	format := outputFormat(cmd)
	if err := validateOutputFormat(format); err != nil {
		return err
	}

	cfg, err := loadConfigFrom(deps.Config, deps.LoadConfig)
	if err != nil {
		return err
	}
	if !cfg.Queue.IsConfigured() {
		return fmt.Errorf("queue is not configured; set queue.redis_addr or ROSTERSYNC_REDIS_ADDR")
	}

	job := queue.Job{
		Differential: enqueueDifferential,
		Skip:         enqueueSkip,
		Requester:    requesterName(),
	}
	if enqueueDifferential {
		if cmd.Flags().Changed("mode") {
			return fmt.Errorf("--mode applies to upsert runs and cannot be combined with --differential")
		}
	} else {
		mode, err := sync.ParseMode(enqueueModeFlag)
		if err != nil {
			return err
		}
		job.Mode = string(mode)
	}

	q := deps.NewQueue(&cfg.Queue)
	defer q.Close()

	id, err := q.Enqueue(cmd.Context(), job)
	if err != nil {
		return err
	}

	depth, depthErr := q.Depth(cmd.Context())

	if format == outputJSON {
		out := struct {
			JobID string `json:"job_id"`
			Depth int64  `json:"queue_depth,omitempty"`
		}{JobID: id}
		if depthErr == nil {
			out.Depth = depth
		}
		return printJSON(out)
	}

	fmt.Printf("queued sync job %s\n", id)
	if depthErr == nil {
		fmt.Printf("queue depth: %d\n", depth)
	}
	return nil
}

// requesterName identifies who queued the job, for the audit trail.
func requesterName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
