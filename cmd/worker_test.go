package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonsops/rostersync/config"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/observability"
	"github.com/commonsops/rostersync/pkg/queue"
)

func TestNewWorkerCommand(t *testing.T) {
	cmd := NewWorkerCommand(&WorkerCommandDeps{Config: queueConfig(t)})

	assert.NotNil(t, cmd)
	assert.Equal(t, "worker", cmd.Use)
	assert.Contains(t, cmd.Short, "queued")
}

func TestNewWorkerCommand_WithNilDeps(t *testing.T) {
	cmd := NewWorkerCommand(nil)
	assert.NotNil(t, cmd)
	assert.Equal(t, "worker", cmd.Use)
}

func TestRunWorker_QueueNotConfigured(t *testing.T) {
	deps := &WorkerCommandDeps{Config: testConfig(t)}

	err := runWorker(context.Background(), deps)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue is not configured")
}

func TestRunWorker_RunnerConstructionFailure(t *testing.T) {
	cfg := queueConfig(t)
	cfg.MatrixPath = "/nonexistent/matrix.yml"
	deps := &WorkerCommandDeps{
		Config:   cfg,
		NewQueue: func(qc *config.QueueConfig) queue.Queue { return &fakeQueue{} },
		NewRunner: func(ctx context.Context, cfg *config.Config, log logging.Logger, metrics *observability.Metrics) (*Runner, error) {
			return NewRunner(ctx, cfg, log, metrics)
		},
	}

	err := runWorker(context.Background(), deps)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading permissions matrix")
}

func TestRunWorker_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	// The queue stays empty and cancels the context after a few polls, so
	// the loop must exit through the shutdown path without processing
	// anything.
	q := &fakeQueue{
		onDequeue: func(calls int) {
			if calls >= 3 {
				cancel()
			}
		},
	}

	cfg := queueConfig(t)
	cfg.MatrixPath = writeTestMatrix(t)
	deps := &WorkerCommandDeps{
		Config:   cfg,
		NewQueue: func(qc *config.QueueConfig) queue.Queue { return q },
		NewRunner: func(ctx context.Context, cfg *config.Config, log logging.Logger, metrics *observability.Metrics) (*Runner, error) {
			return NewRunner(ctx, cfg, log, metrics)
		},
	}

	err := runWorker(ctx, deps)

	assert.NoError(t, err, "cancellation is a clean stop, not an error")
	assert.GreaterOrEqual(t, q.calls, 3)
	assert.True(t, q.closed, "queue should be closed on shutdown")
}

func TestProcessJob_DiscardsInvalidMode(t *testing.T) {
	log := logging.NewNopLogger()
	job := &queue.Job{ID: "job-bad", Mode: "sideways"}

	// The job is rejected before the runner is touched.
	processJob(context.Background(), nil, nil, log, job)
}

func TestPublishDepth_NilMetricsIsNoop(t *testing.T) {
	publishDepth(context.Background(), &fakeQueue{depth: 9}, nil)
}

func TestDefaultWorkerDeps(t *testing.T) {
	deps := DefaultWorkerDeps()

	assert.NotNil(t, deps)
	assert.NotNil(t, deps.LoadConfig)
	assert.NotNil(t, deps.NewQueue)
	assert.NotNil(t, deps.NewRunner)
}
