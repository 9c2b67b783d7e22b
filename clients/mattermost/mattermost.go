// Package mattermost is a typed client for the chat platform's REST v4 API
// and its websocket event stream.
package mattermost

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	stdsync "sync"

	"github.com/commonsops/rostersync/clients/httpapi"
	"github.com/commonsops/rostersync/config"
	rserrors "github.com/commonsops/rostersync/pkg/errors"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/roster"
	"github.com/commonsops/rostersync/pkg/sync"
)

// pageSize is the platform's per_page ceiling for listing endpoints.
const pageSize = 200

// Client talks to the chat platform over REST v4. All calls authenticate
// with the bot access token.
type Client struct {
	api       *httpapi.Client
	log       logging.Logger
	serverURL string
	token     string

	mu    stdsync.Mutex
	botID string
}

// User is a chat platform account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Roles    string `json:"roles"`
}

// IsSystemAdmin reports whether the space-separated role list carries the
// platform's administrator role.
func (u *User) IsSystemAdmin() bool {
	for _, role := range strings.Fields(u.Roles) {
		if role == "system_admin" {
			return true
		}
	}
	return false
}

// wireChannel is the platform's channel shape; name is the URL slug.
type wireChannel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Type        string `json:"type"`
}

type wireUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// New builds a client from config. opts may be nil for defaults; the bot
// token is attached to every request.
func New(cfg *config.MattermostConfig, log logging.Logger, opts *httpapi.Options) *Client {
	if log == nil {
		log = logging.NewNopLogger()
	}
	if opts == nil {
		opts = httpapi.DefaultOptions()
	}

	o := *opts
	o.Logger = log
	headers := map[string]string{"Authorization": "Bearer " + cfg.BotToken}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	o.Headers = headers

	serverURL := strings.TrimSuffix(cfg.URL, "/")
	return &Client{
		api:       httpapi.New("mattermost", serverURL+"/api/v4", &o),
		log:       log,
		serverURL: serverURL,
		token:     cfg.BotToken,
	}
}

// Me returns the bot's own account.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.api.DoJSON(ctx, http.MethodGet, "/users/me", nil, nil, &u); err != nil {
		return nil, fmt.Errorf("fetching own user: %w", err)
	}
	return &u, nil
}

// GetUser fetches one account by id.
func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	path := "/users/" + url.PathEscape(userID)
	if err := c.api.DoJSON(ctx, http.MethodGet, path, nil, nil, &u); err != nil {
		return nil, fmt.Errorf("fetching user %s: %w", userID, err)
	}
	return &u, nil
}

// ListChannels returns the team's channels, public and private merged. The
// private listing needs a permission not every bot role has; its absence is
// tolerated.
func (c *Client) ListChannels(ctx context.Context, teamID string) ([]sync.Channel, error) {
	seen := make(map[string]bool)
	var channels []sync.Channel

	paths := []string{
		fmt.Sprintf("/teams/%s/channels", url.PathEscape(teamID)),
		fmt.Sprintf("/teams/%s/channels/private", url.PathEscape(teamID)),
	}
	for _, path := range paths {
		private := strings.HasSuffix(path, "/private")
		for page := 0; ; page++ {
			q := url.Values{
				"page":     {strconv.Itoa(page)},
				"per_page": {strconv.Itoa(pageSize)},
			}
			var batch []wireChannel
			if err := c.api.DoJSON(ctx, http.MethodGet, path, q, nil, &batch); err != nil {
				if private && (rserrors.IsForbidden(err) || rserrors.IsNotFound(err)) {
					c.log.Debug("private channel listing unavailable", logging.Err(err))
					break
				}
				return nil, fmt.Errorf("listing team channels: %w", err)
			}
			for _, ch := range batch {
				if seen[ch.ID] {
					continue
				}
				seen[ch.ID] = true
				channels = append(channels, sync.Channel{
					ID:          ch.ID,
					Slug:        ch.Name,
					DisplayName: ch.DisplayName,
				})
			}
			if len(batch) < pageSize {
				break
			}
		}
	}
	return channels, nil
}

// GetChannelByName resolves a channel by URL slug within the team.
func (c *Client) GetChannelByName(ctx context.Context, teamID, slug string) (*sync.Channel, error) {
	path := fmt.Sprintf("/teams/%s/channels/name/%s", url.PathEscape(teamID), url.PathEscape(slug))
	var ch wireChannel
	if err := c.api.DoJSON(ctx, http.MethodGet, path, nil, nil, &ch); err != nil {
		return nil, fmt.Errorf("fetching channel %q: %w", slug, err)
	}
	return &sync.Channel{ID: ch.ID, Slug: ch.Name, DisplayName: ch.DisplayName}, nil
}

// ListChannelMembers returns the channel's members with profile email and
// username.
func (c *Client) ListChannelMembers(ctx context.Context, channelID string) ([]roster.ChannelUser, error) {
	var members []roster.ChannelUser
	for page := 0; ; page++ {
		q := url.Values{
			"in_channel": {channelID},
			"page":       {strconv.Itoa(page)},
			"per_page":   {strconv.Itoa(pageSize)},
		}
		var batch []wireUser
		if err := c.api.DoJSON(ctx, http.MethodGet, "/users", q, nil, &batch); err != nil {
			return nil, fmt.Errorf("listing channel members: %w", err)
		}
		for _, u := range batch {
			members = append(members, roster.ChannelUser{
				ID:       u.ID,
				Username: u.Username,
				Email:    u.Email,
			})
		}
		if len(batch) < pageSize {
			break
		}
	}
	return members, nil
}

// SendDirectMessage opens (or reuses) the direct channel between the bot and
// the user, then posts the message into it.
func (c *Client) SendDirectMessage(ctx context.Context, userID, text string) error {
	botID, err := c.botUserID(ctx)
	if err != nil {
		return fmt.Errorf("resolving bot user: %w", err)
	}

	var ch wireChannel
	if err := c.api.DoJSON(ctx, http.MethodPost, "/channels/direct", nil, []string{botID, userID}, &ch); err != nil {
		return fmt.Errorf("creating direct channel: %w", err)
	}
	return c.CreatePost(ctx, ch.ID, text)
}

// CreatePost posts a message into any channel the bot can write to.
func (c *Client) CreatePost(ctx context.Context, channelID, text string) error {
	post := map[string]string{"channel_id": channelID, "message": text}
	if err := c.api.DoJSON(ctx, http.MethodPost, "/posts", nil, post, nil); err != nil {
		return fmt.Errorf("creating post: %w", err)
	}
	return nil
}

// botUserID resolves and caches the bot's own user id.
func (c *Client) botUserID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.botID != "" {
		return c.botID, nil
	}
	me, err := c.Me(ctx)
	if err != nil {
		return "", err
	}
	c.botID = me.ID
	return c.botID, nil
}
