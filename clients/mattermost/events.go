package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/commonsops/rostersync/pkg/logging"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 75 * time.Second
	defaultMinBackoff   = time.Second
	defaultMaxBackoff   = 30 * time.Second

	// A session shorter than this counts as a failed connection and keeps
	// the backoff growing.
	stableSession = time.Minute
)

// Event is one frame from the platform's websocket. Frames without an event
// name (auth responses, acks) are filtered out before delivery.
type Event struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
	Seq   int64          `json:"seq"`
}

// Post is the chat post carried inside posted events.
type Post struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	RootID    string `json:"root_id"`
	Message   string `json:"message"`
}

// Post decodes the posted event's payload. The platform double-encodes the
// post as a JSON string under data.post.
func (e *Event) Post() (*Post, error) {
	raw, ok := e.Data["post"].(string)
	if !ok {
		return nil, fmt.Errorf("event %q carries no post payload", e.Event)
	}
	var p Post
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decoding post payload: %w", err)
	}
	return &p, nil
}

// ChannelType returns the event's channel type ("D" for a direct channel);
// empty when the event carries none.
func (e *Event) ChannelType() string {
	s, _ := e.Data["channel_type"].(string)
	return s
}

// EventStream maintains an authenticated websocket session against the
// platform, redialing with bounded backoff after any failure.
type EventStream struct {
	url   string
	token string
	log   logging.Logger

	dialer       *websocket.Dialer
	pingInterval time.Duration
	pongWait     time.Duration
	minBackoff   time.Duration
	maxBackoff   time.Duration
}

// Events returns a stream over the platform websocket, authenticated with
// the client's bot token.
func (c *Client) Events() *EventStream {
	return &EventStream{
		url:          wsURL(c.serverURL),
		token:        c.token,
		log:          c.log,
		dialer:       websocket.DefaultDialer,
		pingInterval: defaultPingInterval,
		pongWait:     defaultPongWait,
		minBackoff:   defaultMinBackoff,
		maxBackoff:   defaultMaxBackoff,
	}
}

// wsURL rewrites the REST base URL into the websocket endpoint.
func wsURL(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil {
		return serverURL
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v4/websocket"
	return u.String()
}

// Listen connects and delivers events to handler until ctx is canceled,
// reconnecting with exponential backoff in between. The handler runs on the
// read loop; long work belongs in the handler's own goroutines.
func (s *EventStream) Listen(ctx context.Context, handler func(Event)) error {
	backoff := s.minBackoff
	for {
		started := time.Now()
		err := s.session(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > stableSession {
			backoff = s.minBackoff
		}

		s.log.Warn("event stream disconnected, reconnecting",
			logging.Err(err),
			logging.F("backoff", backoff.String()))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

// session runs one connect-auth-read cycle and returns on any failure.
func (s *EventStream) session(ctx context.Context, handler func(Event)) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dialing event stream: %w", err)
	}
	defer conn.Close()

	challenge := map[string]any{
		"seq":    1,
		"action": "authentication_challenge",
		"data":   map[string]string{"token": s.token},
	}
	if err := conn.WriteJSON(challenge); err != nil {
		return fmt.Errorf("sending auth challenge: %w", err)
	}

	// Closing the socket is the only way to unblock the read loop when the
	// context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go s.pingLoop(conn, done)

	if err := conn.SetReadDeadline(time.Now().Add(s.pongWait)); err != nil {
		return fmt.Errorf("setting read deadline: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	s.log.Info("event stream connected", logging.F("url", s.url))
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return fmt.Errorf("reading event: %w", err)
		}
		if err := conn.SetReadDeadline(time.Now().Add(s.pongWait)); err != nil {
			return fmt.Errorf("setting read deadline: %w", err)
		}
		if ev.Event == "" {
			continue
		}
		handler(ev)
	}
}

func (s *EventStream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
