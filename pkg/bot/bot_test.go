package bot

import (
	"context"
	"encoding/json"
	"fmt"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonsops/rostersync/clients/mattermost"
	rserrors "github.com/commonsops/rostersync/pkg/errors"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/queue"
	"github.com/commonsops/rostersync/pkg/sync"
)

type fakeChat struct {
	me    *mattermost.User
	users map[string]*mattermost.User

	mu    stdsync.Mutex
	posts []string
}

func (c *fakeChat) Me(ctx context.Context) (*mattermost.User, error) { return c.me, nil }

func (c *fakeChat) GetUser(ctx context.Context, userID string) (*mattermost.User, error) {
	u, ok := c.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, rserrors.ErrNotFound)
	}
	return u, nil
}

func (c *fakeChat) CreatePost(ctx context.Context, channelID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = append(c.posts, text)
	return nil
}

func (c *fakeChat) postCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.posts)
}

func (c *fakeChat) post(i int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.posts[i]
}

type fakeStream struct {
	events []mattermost.Event
}

func (s *fakeStream) Listen(ctx context.Context, handler func(mattermost.Event)) error {
	for _, ev := range s.events {
		handler(ev)
	}
	<-ctx.Done()
	return ctx.Err()
}

type fakeQueue struct {
	mu   stdsync.Mutex
	jobs []queue.Job
}

func (q *fakeQueue) Enqueue(ctx context.Context, job queue.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.ID = fmt.Sprintf("job-%d", len(q.jobs)+1)
	q.jobs = append(q.jobs, job)
	return job.ID, nil
}

func (q *fakeQueue) Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error) {
	return nil, queue.ErrEmpty
}

func (q *fakeQueue) Depth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), nil
}

func (q *fakeQueue) Close() error { return nil }

func postedEvent(t *testing.T, channelType string, post mattermost.Post) mattermost.Event {
	t.Helper()
	raw, err := json.Marshal(post)
	require.NoError(t, err)
	return mattermost.Event{
		Event: "posted",
		Data:  map[string]any{"post": string(raw), "channel_type": channelType},
	}
}

func newTestBot(chat *fakeChat, q queue.Queue, run RunFunc) *Bot {
	b := New(Deps{Chat: chat, Queue: q, Run: run, Version: "test"})
	b.me = chat.me
	return b
}

func adminChat() *fakeChat {
	return &fakeChat{
		me: &mattermost.User{ID: "bot1", Username: "rosterbot"},
		users: map[string]*mattermost.User{
			"admin1": {ID: "admin1", Username: "ada", Roles: "system_user system_admin"},
			"user1":  {ID: "user1", Username: "bob", Roles: "system_user"},
		},
	}
}

func TestParseSyncArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    RunRequest
		wantErr string
	}{
		{
			name: "upsert defaults to provider discovery",
			args: []string{"upsert"},
			want: RunRequest{Mode: sync.ModeWithProvider},
		},
		{
			name: "upsert with explicit mode",
			args: []string{"upsert", "chat-to-tools"},
			want: RunRequest{Mode: sync.ModeChatToTools},
		},
		{
			name: "upsert with skip list",
			args: []string{"upsert", "skip=brevo,nocodb"},
			want: RunRequest{Mode: sync.ModeWithProvider, Skip: []string{"brevo", "nocodb"}},
		},
		{
			name: "differential",
			args: []string{"differential"},
			want: RunRequest{Differential: true},
		},
		{
			name: "differential with skip",
			args: []string{"differential", "skip=vaultwarden"},
			want: RunRequest{Differential: true, Skip: []string{"vaultwarden"}},
		},
		{
			name:    "missing subcommand",
			args:    nil,
			wantErr: "missing subcommand",
		},
		{
			name:    "unknown subcommand",
			args:    []string{"sideways"},
			wantErr: "unknown subcommand",
		},
		{
			name:    "differential rejects mode token",
			args:    []string{"differential", "with-provider"},
			wantErr: "unexpected argument",
		},
		{
			name:    "upsert rejects unknown mode",
			args:    []string{"upsert", "sideways"},
			wantErr: "unknown sync mode",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSyncArgs(tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandle_IgnoresUnaddressedPosts(t *testing.T) {
	chat := adminChat()
	b := newTestBot(chat, nil, nil)
	ctx := context.Background()

	// Not a posted event.
	b.handle(ctx, mattermost.Event{Event: "typing"})
	// The bot's own post.
	b.handle(ctx, postedEvent(t, "D", mattermost.Post{UserID: "bot1", ChannelID: "ch1", Message: "help"}))
	// Open channel without a mention.
	b.handle(ctx, postedEvent(t, "O", mattermost.Post{UserID: "admin1", ChannelID: "ch1", Message: "help"}))

	assert.Zero(t, chat.postCount())
}

func TestHandle_HelpInDirectChannel(t *testing.T) {
	chat := adminChat()
	b := newTestBot(chat, nil, nil)

	b.handle(context.Background(), postedEvent(t, "D", mattermost.Post{UserID: "user1", ChannelID: "dm1", Message: "help"}))

	require.Equal(t, 1, chat.postCount())
	assert.Contains(t, chat.post(0), "sync upsert")
	assert.Contains(t, chat.post(0), "sync differential")
}

func TestHandle_MentionAddressing(t *testing.T) {
	chat := adminChat()
	b := newTestBot(chat, nil, nil)

	b.handle(context.Background(), postedEvent(t, "O", mattermost.Post{UserID: "user1", ChannelID: "town", Message: "@rosterbot help"}))

	require.Equal(t, 1, chat.postCount())
	assert.Contains(t, chat.post(0), "**Commands**")
}

func TestHandle_UnknownCommand(t *testing.T) {
	chat := adminChat()
	b := newTestBot(chat, nil, nil)

	b.handle(context.Background(), postedEvent(t, "D", mattermost.Post{UserID: "user1", ChannelID: "dm1", Message: "dance"}))

	require.Equal(t, 1, chat.postCount())
	assert.Contains(t, chat.post(0), "unknown command")
}

func TestHandleSync_RefusesNonAdmin(t *testing.T) {
	chat := adminChat()
	ran := false
	b := newTestBot(chat, nil, func(ctx context.Context, req RunRequest) []sync.Result {
		ran = true
		return nil
	})

	b.handle(context.Background(), postedEvent(t, "D", mattermost.Post{UserID: "user1", ChannelID: "dm1", Message: "sync upsert"}))

	require.Equal(t, 1, chat.postCount())
	assert.Contains(t, chat.post(0), "only system administrators")
	assert.False(t, ran)
}

func TestHandleSync_InlineRun(t *testing.T) {
	chat := adminChat()
	var (
		gotReq   RunRequest
		gotRunID string
	)
	results := []sync.Result{
		{Service: sync.ServiceProvider, Subject: "ada@example.org", Target: "project-website", Status: sync.StatusSuccess, Action: sync.ActionUserAddedToGroup},
	}
	b := newTestBot(chat, nil, func(ctx context.Context, req RunRequest) []sync.Result {
		gotReq = req
		gotRunID, _ = ctx.Value(logging.RunIDKey).(string)
		return results
	})

	b.handle(context.Background(), postedEvent(t, "D", mattermost.Post{UserID: "admin1", ChannelID: "dm1", Message: "sync upsert skip=brevo"}))

	require.Eventually(t, func() bool { return chat.postCount() >= 2 }, time.Second, 10*time.Millisecond)

	first := chat.post(0)
	assert.Contains(t, first, "sync started, run id")
	assert.NotEmpty(t, gotRunID)
	assert.Contains(t, first, gotRunID)

	assert.Equal(t, sync.ModeWithProvider, gotReq.Mode)
	assert.Equal(t, []string{"brevo"}, gotReq.Skip)
	assert.Equal(t, "ada", gotReq.Requester)

	summary := chat.post(1)
	assert.Contains(t, summary, ":checkered_flag:")
	assert.Contains(t, summary, "USER_ADDED_TO_GROUP")
}

func TestHandleSync_Enqueues(t *testing.T) {
	chat := adminChat()
	q := &fakeQueue{}
	b := newTestBot(chat, q, nil)

	b.handle(context.Background(), postedEvent(t, "D", mattermost.Post{UserID: "admin1", ChannelID: "dm1", Message: "sync differential skip=outline,brevo"}))

	require.Equal(t, 1, chat.postCount())
	assert.Contains(t, chat.post(0), "queued sync job `job-1`")

	require.Len(t, q.jobs, 1)
	job := q.jobs[0]
	assert.True(t, job.Differential)
	assert.Equal(t, []string{"outline", "brevo"}, job.Skip)
	assert.Equal(t, "ada", job.Requester)
}

func TestHandleSync_SingleInlineRunAtATime(t *testing.T) {
	chat := adminChat()
	block := make(chan struct{})
	b := newTestBot(chat, nil, func(ctx context.Context, req RunRequest) []sync.Result {
		<-block
		return nil
	})
	ctx := context.Background()

	b.handle(ctx, postedEvent(t, "D", mattermost.Post{UserID: "admin1", ChannelID: "dm1", Message: "sync upsert"}))
	require.Eventually(t, func() bool { return chat.postCount() >= 1 }, time.Second, 10*time.Millisecond)

	b.handle(ctx, postedEvent(t, "D", mattermost.Post{UserID: "admin1", ChannelID: "dm1", Message: "sync upsert"}))
	require.Equal(t, 2, chat.postCount())
	assert.Contains(t, chat.post(1), "already running")

	close(block)
	require.Eventually(t, func() bool { return chat.postCount() >= 3 }, time.Second, 10*time.Millisecond)
}

func TestStatus(t *testing.T) {
	chat := adminChat()
	q := &fakeQueue{}
	b := newTestBot(chat, q, nil)
	b.remember("run-9", []sync.Result{{Status: sync.StatusSuccess}})

	out := b.status(context.Background())

	assert.Contains(t, out, "rostersync test")
	assert.Contains(t, out, "@rosterbot")
	assert.Contains(t, out, "queue depth: 0")
	assert.Contains(t, out, "last run `run-9`")
	assert.Contains(t, out, ":rocket:")
}

func TestRun_ConsumesStreamUntilCanceled(t *testing.T) {
	chat := adminChat()
	stream := &fakeStream{events: []mattermost.Event{
		postedEvent(t, "D", mattermost.Post{UserID: "user1", ChannelID: "dm1", Message: "help"}),
	}}
	b := New(Deps{Chat: chat, Stream: stream, Version: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return chat.postCount() == 1 }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not exit on cancellation")
	}

	assert.Contains(t, chat.post(0), "**Commands**")
}

var _ Stream = (*mattermost.EventStream)(nil)
var _ Chat = (*mattermost.Client)(nil)
