package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonsops/rostersync/config"
	"github.com/commonsops/rostersync/pkg/queue"
)

// fakeQueue records enqueued jobs and serves canned dequeues.
type fakeQueue struct {
	jobs       []queue.Job
	dequeues   []*queue.Job
	enqueueErr error
	depth      int64
	depthErr   error
	closed     bool

	// onDequeue runs before each dequeue; tests use it to cancel contexts.
	onDequeue func(calls int)
	calls     int
}

func (q *fakeQueue) Enqueue(ctx context.Context, job queue.Job) (string, error) {
	if q.enqueueErr != nil {
		return "", q.enqueueErr
	}
	job.ID = "job-123"
	job.EnqueuedAt = time.Now()
	q.jobs = append(q.jobs, job)
	return job.ID, nil
}

func (q *fakeQueue) Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error) {
	q.calls++
	if q.onDequeue != nil {
		q.onDequeue(q.calls)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(q.dequeues) == 0 {
		return nil, queue.ErrEmpty
	}
	job := q.dequeues[0]
	q.dequeues = q.dequeues[1:]
	return job, nil
}

func (q *fakeQueue) Depth(ctx context.Context) (int64, error) {
	return q.depth, q.depthErr
}

func (q *fakeQueue) Close() error {
	q.closed = true
	return nil
}

// queueConfig is testConfig with the job queue configured.
func queueConfig(t *testing.T) *config.Config {
	cfg := testConfig(t)
	cfg.Queue.RedisAddr = "localhost:6379"
	return cfg
}

// resetEnqueueFlags restores the enqueue command's package flags after a test.
func resetEnqueueFlags(t *testing.T) {
	t.Helper()
	oldMode := enqueueModeFlag
	oldDiff := enqueueDifferential
	oldSkip := enqueueSkip
	t.Cleanup(func() {
		enqueueModeFlag = oldMode
		enqueueDifferential = oldDiff
		enqueueSkip = oldSkip
	})
	enqueueModeFlag = "with-provider"
	enqueueDifferential = false
	enqueueSkip = nil
}

// enqueueDeps builds deps around one fake queue.
func enqueueDeps(cfg *config.Config, q *fakeQueue) *EnqueueCommandDeps {
	return &EnqueueCommandDeps{
		Config:   cfg,
		NewQueue: func(qc *config.QueueConfig) queue.Queue { return q },
	}
}

func TestNewEnqueueCommand(t *testing.T) {
	cmd := NewEnqueueCommand(enqueueDeps(queueConfig(t), &fakeQueue{}))

	assert.NotNil(t, cmd)
	assert.Equal(t, "enqueue", cmd.Use)

	for _, name := range []string{"mode", "differential", "skip"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "enqueue command missing flag: %s", name)
	}
}

func TestNewEnqueueCommand_WithNilDeps(t *testing.T) {
	cmd := NewEnqueueCommand(nil)
	assert.NotNil(t, cmd)
	assert.Equal(t, "enqueue", cmd.Use)
}

func TestRunEnqueue_TextOutput(t *testing.T) {
	resetEnqueueFlags(t)

	q := &fakeQueue{depth: 3}
	deps := enqueueDeps(queueConfig(t), q)
	cmd := NewEnqueueCommand(deps)
	cmd.SetContext(context.Background())

	output, err := captureStdout(t, func() error {
		return runEnqueue(cmd, deps)
	})

	require.NoError(t, err)
	assert.Contains(t, output, "queued sync job job-123")
	assert.Contains(t, output, "queue depth: 3")
	assert.True(t, q.closed, "queue should be closed after enqueue")

	require.Len(t, q.jobs, 1)
	job := q.jobs[0]
	assert.Equal(t, "WITH_PROVIDER", job.Mode)
	assert.False(t, job.Differential)
	assert.NotEmpty(t, job.Requester)
}

func TestRunEnqueue_JSONOutput(t *testing.T) {
	resetEnqueueFlags(t)

	q := &fakeQueue{depth: 1}
	deps := enqueueDeps(queueConfig(t), q)
	cmd := NewEnqueueCommand(deps)
	cmd.SetContext(context.Background())
	cmd.Flags().String("output", "json", "")

	output, err := captureStdout(t, func() error {
		return runEnqueue(cmd, deps)
	})

	require.NoError(t, err)

	var out struct {
		JobID string `json:"job_id"`
		Depth int64  `json:"queue_depth"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &out))
	assert.Equal(t, "job-123", out.JobID)
	assert.Equal(t, int64(1), out.Depth)
}

func TestRunEnqueue_Differential(t *testing.T) {
	resetEnqueueFlags(t)
	enqueueDifferential = true
	enqueueSkip = []string{"nocodb"}

	q := &fakeQueue{}
	deps := enqueueDeps(queueConfig(t), q)
	cmd := NewEnqueueCommand(deps)
	cmd.SetContext(context.Background())

	_, err := captureStdout(t, func() error {
		return runEnqueue(cmd, deps)
	})

	require.NoError(t, err)
	require.Len(t, q.jobs, 1)
	assert.True(t, q.jobs[0].Differential)
	assert.Empty(t, q.jobs[0].Mode, "differential jobs carry no mode")
	assert.Equal(t, []string{"nocodb"}, q.jobs[0].Skip)
}

func TestRunEnqueue_DifferentialRejectsMode(t *testing.T) {
	resetEnqueueFlags(t)
	enqueueDifferential = true

	deps := enqueueDeps(queueConfig(t), &fakeQueue{})
	cmd := NewEnqueueCommand(deps)
	cmd.SetContext(context.Background())
	require.NoError(t, cmd.Flags().Set("mode", "chat-to-tools"))

	err := runEnqueue(cmd, deps)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be combined with --differential")
}

func TestRunEnqueue_QueueNotConfigured(t *testing.T) {
	resetEnqueueFlags(t)

	deps := enqueueDeps(testConfig(t), &fakeQueue{})
	cmd := NewEnqueueCommand(deps)
	cmd.SetContext(context.Background())

	err := runEnqueue(cmd, deps)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue is not configured")
}

func TestRunEnqueue_EnqueueError(t *testing.T) {
	resetEnqueueFlags(t)

	q := &fakeQueue{enqueueErr: errors.New("redis down")}
	deps := enqueueDeps(queueConfig(t), q)
	cmd := NewEnqueueCommand(deps)
	cmd.SetContext(context.Background())

	err := runEnqueue(cmd, deps)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
}

func TestRunEnqueue_DepthErrorOmitsDepth(t *testing.T) {
	resetEnqueueFlags(t)

	q := &fakeQueue{depthErr: errors.New("depth unavailable")}
	deps := enqueueDeps(queueConfig(t), q)
	cmd := NewEnqueueCommand(deps)
	cmd.SetContext(context.Background())

	output, err := captureStdout(t, func() error {
		return runEnqueue(cmd, deps)
	})

	require.NoError(t, err, "depth is informational; its failure must not fail the enqueue")
	assert.Contains(t, output, "queued sync job job-123")
	assert.NotContains(t, output, "queue depth")
}

func TestDefaultEnqueueDeps(t *testing.T) {
	deps := DefaultEnqueueDeps()

	assert.NotNil(t, deps)
	assert.NotNil(t, deps.LoadConfig)
	assert.NotNil(t, deps.NewQueue)
}
