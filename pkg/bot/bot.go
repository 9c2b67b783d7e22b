// Package bot dispatches chat commands from the websocket event stream.
// Admins trigger syncs by talking to the bot in a direct channel or by
// mentioning it; the bot queues a job when a queue is configured and runs
// the engine inline otherwise.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/commonsops/rostersync/clients/mattermost"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/queue"
	"github.com/commonsops/rostersync/pkg/report"
	"github.com/commonsops/rostersync/pkg/sync"
)

const helpText = "**Commands**\n" +
	"- `sync upsert [with-provider|chat-to-tools] [skip=svc1,svc2]`\n" +
	"- `sync differential [skip=svc1,svc2]`\n" +
	"- `status`\n" +
	"- `help`"

// Chat is the slice of the chat client the dispatcher needs.
type Chat interface {
	Me(ctx context.Context) (*mattermost.User, error)
	GetUser(ctx context.Context, userID string) (*mattermost.User, error)
	CreatePost(ctx context.Context, channelID, text string) error
}

// Stream delivers websocket events until the context ends.
type Stream interface {
	Listen(ctx context.Context, handler func(mattermost.Event)) error
}

// RunRequest is a parsed sync command.
type RunRequest struct {
	Differential bool
	Mode         sync.Mode
	Skip         []string
	Requester    string
}

// RunFunc executes one engine run. The caller owns orchestration wiring,
// audit recording, and metrics; the bot only renders the outcome.
type RunFunc func(ctx context.Context, req RunRequest) []sync.Result

// Deps wires the dispatcher.
type Deps struct {
	Chat   Chat
	Stream Stream

	// Queue, when non-nil, receives sync jobs instead of running inline.
	Queue queue.Queue

	// Run executes an inline sync. Required when Queue is nil.
	Run RunFunc

	Logger  logging.Logger
	Version string
}

// Bot consumes posted events and reacts to the command grammar.
type Bot struct {
	chat    Chat
	stream  Stream
	queue   queue.Queue
	run     RunFunc
	log     logging.Logger
	version string

	me *mattermost.User

	mu      stdsync.Mutex
	syncing bool
	last    string
}

// New builds a dispatcher from deps.
func New(deps Deps) *Bot {
	log := deps.Logger
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Bot{
		chat:    deps.Chat,
		stream:  deps.Stream,
		queue:   deps.Queue,
		run:     deps.Run,
		log:     log,
		version: deps.Version,
	}
}

// Run resolves the bot's own account, then consumes events until ctx ends.
func (b *Bot) Run(ctx context.Context) error {
	me, err := b.chat.Me(ctx)
	if err != nil {
		return fmt.Errorf("resolving bot user: %w", err)
	}
	b.me = me
	b.log.Info("bot listening",
		logging.F("username", me.Username),
		logging.F("user_id", me.ID))

	return b.stream.Listen(ctx, func(ev mattermost.Event) {
		b.handle(ctx, ev)
	})
}

// handle filters one event down to an addressed command and dispatches it.
func (b *Bot) handle(ctx context.Context, ev mattermost.Event) {
	if ev.Event != "posted" {
		return
	}
	post, err := ev.Post()
	if err != nil {
		b.log.Debug("undecodable posted event", logging.Err(err))
		return
	}
	if post.UserID == "" || post.UserID == b.me.ID {
		return
	}

	text := b.addressedText(ev, post)
	if text == "" {
		return
	}

	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}
	b.log.Debug("command received",
		logging.F("user_id", post.UserID),
		logging.F("command", fields[0]))

	switch strings.ToLower(fields[0]) {
	case "help":
		b.reply(ctx, post, helpText)
	case "status":
		b.reply(ctx, post, b.status(ctx))
	case "sync":
		b.handleSync(ctx, post, fields[1:])
	default:
		b.reply(ctx, post, fmt.Sprintf("unknown command `%s`, try `help`", fields[0]))
	}
}

// addressedText returns the command text when the post is for the bot: the
// whole message in a direct channel, or the message with the @mention
// stripped elsewhere. Unaddressed posts return "".
func (b *Bot) addressedText(ev mattermost.Event, post *mattermost.Post) string {
	msg := strings.TrimSpace(post.Message)
	if ev.ChannelType() == "D" {
		return msg
	}

	mention := "@" + b.me.Username
	if !strings.Contains(msg, mention) {
		return ""
	}
	return strings.TrimSpace(strings.Replace(msg, mention, "", 1))
}

func (b *Bot) handleSync(ctx context.Context, post *mattermost.Post, args []string) {
	user, err := b.chat.GetUser(ctx, post.UserID)
	if err != nil {
		b.log.Warn("could not resolve command author", logging.Err(err))
		b.reply(ctx, post, "could not verify your permissions, try again later")
		return
	}
	if !user.IsSystemAdmin() {
		b.log.Warn("sync refused, not a system admin",
			logging.F("username", user.Username))
		b.reply(ctx, post, "sorry, only system administrators can trigger a sync")
		return
	}

	req, err := parseSyncArgs(args)
	if err != nil {
		b.reply(ctx, post, fmt.Sprintf("%s\n\n%s", err, helpText))
		return
	}
	req.Requester = user.Username

	if b.queue != nil {
		job := queue.Job{
			Mode:         string(req.Mode),
			Differential: req.Differential,
			Skip:         req.Skip,
			Requester:    req.Requester,
		}
		id, err := b.queue.Enqueue(ctx, job)
		if err != nil {
			b.log.Error("enqueueing sync job failed", logging.Err(err))
			b.reply(ctx, post, "enqueueing the sync job failed, check the bot logs")
			return
		}
		b.log.Info("sync job queued",
			logging.F("job_id", id),
			logging.F("requester", req.Requester))
		b.reply(ctx, post, fmt.Sprintf("queued sync job `%s`", id))
		return
	}

	if !b.tryAcquire() {
		b.reply(ctx, post, "a sync is already running, try again when it finishes")
		return
	}

	id := uuid.NewString()
	b.reply(ctx, post, fmt.Sprintf("sync started, run id `%s`", id))

	// The run happens off the event loop so the websocket read deadline
	// keeps being serviced.
	go func() {
		defer b.release()
		runCtx := context.WithValue(ctx, logging.RunIDKey, id)
		results := b.run(runCtx, req)
		b.remember(id, results)
		b.reply(ctx, post, report.Markdown(results))
	}()
}

// parseSyncArgs maps the command grammar onto a RunRequest. Upsert runs
// default to provider-driven discovery.
func parseSyncArgs(args []string) (RunRequest, error) {
	if len(args) == 0 {
		return RunRequest{}, errors.New("missing subcommand, want `upsert` or `differential`")
	}

	var req RunRequest
	switch strings.ToLower(args[0]) {
	case "upsert":
		req.Mode = sync.ModeWithProvider
	case "differential":
		req.Differential = true
	default:
		return RunRequest{}, fmt.Errorf("unknown subcommand `%s`, want `upsert` or `differential`", args[0])
	}

	for _, arg := range args[1:] {
		lower := strings.ToLower(arg)
		switch {
		case strings.HasPrefix(lower, "skip="):
			req.Skip = splitList(arg[len("skip="):])
		case !req.Differential:
			mode, err := sync.ParseMode(arg)
			if err != nil {
				return RunRequest{}, err
			}
			req.Mode = mode
		default:
			return RunRequest{}, fmt.Errorf("unexpected argument `%s`", arg)
		}
	}
	return req, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (b *Bot) status(ctx context.Context) string {
	lines := []string{fmt.Sprintf("rostersync %s listening as `@%s`", b.version, b.me.Username)}
	if b.queue != nil {
		if depth, err := b.queue.Depth(ctx); err == nil {
			lines = append(lines, fmt.Sprintf("queue depth: %d", depth))
		} else {
			lines = append(lines, "queue depth: unavailable")
		}
	}
	if last := b.lastRun(); last != "" {
		lines = append(lines, last)
	}
	return strings.Join(lines, "\n")
}

func (b *Bot) reply(ctx context.Context, post *mattermost.Post, text string) {
	if err := b.chat.CreatePost(ctx, post.ChannelID, text); err != nil {
		b.log.Warn("posting reply failed",
			logging.F("channel_id", post.ChannelID),
			logging.Err(err))
	}
}

// tryAcquire claims the single inline-run slot.
func (b *Bot) tryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.syncing {
		return false
	}
	b.syncing = true
	return true
}

func (b *Bot) release() {
	b.mu.Lock()
	b.syncing = false
	b.mu.Unlock()
}

func (b *Bot) remember(id string, results []sync.Result) {
	line := fmt.Sprintf("last run `%s` at %s: %s",
		id, time.Now().UTC().Format(time.RFC3339), report.OneLine(results))
	b.mu.Lock()
	b.last = line
	b.mu.Unlock()
}

func (b *Bot) lastRun() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}
