// Package authentik is a typed client for the identity provider's v3 core
// API. Group primary keys are UUID strings; user primary keys are integers
// and cross the capability boundary as decimal strings.
package authentik

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/commonsops/rostersync/clients/httpapi"
	"github.com/commonsops/rostersync/config"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/sync"
)

// Client talks to the identity provider's core API with a bearer token.
type Client struct {
	api *httpapi.Client
	log logging.Logger
}

// pagination is the provider's list envelope. next is the next page number,
// zero on the last page.
type pagination struct {
	Next       float64 `json:"next"`
	TotalPages int     `json:"total_pages"`
}

type wireUser struct {
	PK       int    `json:"pk"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type wireGroup struct {
	PK       string     `json:"pk"`
	Name     string     `json:"name"`
	UsersObj []wireUser `json:"users_obj"`
}

// New builds a client from config. opts may be nil for defaults.
func New(cfg *config.AuthentikConfig, log logging.Logger, opts *httpapi.Options) *Client {
	if log == nil {
		log = logging.NewNopLogger()
	}
	if opts == nil {
		opts = httpapi.DefaultOptions()
	}

	o := *opts
	o.Logger = log
	headers := map[string]string{"Authorization": "Bearer " + cfg.Token}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	o.Headers = headers

	base := strings.TrimSuffix(cfg.URL, "/") + "/api/v3"
	return &Client{api: httpapi.New("authentik", base, &o), log: log}
}

// ListGroupsWithUsers returns every group with its member accounts inlined.
func (c *Client) ListGroupsWithUsers(ctx context.Context) ([]sync.Group, error) {
	var groups []sync.Group
	for page := 1; ; page++ {
		q := url.Values{
			"include_users": {"true"},
			"page":          {strconv.Itoa(page)},
		}
		var env struct {
			Pagination pagination  `json:"pagination"`
			Results    []wireGroup `json:"results"`
		}
		if err := c.api.DoJSON(ctx, http.MethodGet, "/core/groups/", q, nil, &env); err != nil {
			return nil, fmt.Errorf("listing groups: %w", err)
		}
		for _, g := range env.Results {
			group := sync.Group{ID: g.PK, Name: g.Name}
			for _, u := range g.UsersObj {
				group.Users = append(group.Users, sync.GroupUser{
					ID:       strconv.Itoa(u.PK),
					Username: u.Username,
					Email:    u.Email,
				})
			}
			groups = append(groups, group)
		}
		if int(env.Pagination.Next) <= 0 {
			break
		}
	}
	return groups, nil
}

// ListUsers returns every provider account.
func (c *Client) ListUsers(ctx context.Context) ([]sync.GroupUser, error) {
	var users []sync.GroupUser
	for page := 1; ; page++ {
		q := url.Values{"page": {strconv.Itoa(page)}}
		var env struct {
			Pagination pagination `json:"pagination"`
			Results    []wireUser `json:"results"`
		}
		if err := c.api.DoJSON(ctx, http.MethodGet, "/core/users/", q, nil, &env); err != nil {
			return nil, fmt.Errorf("listing users: %w", err)
		}
		for _, u := range env.Results {
			users = append(users, sync.GroupUser{
				ID:       strconv.Itoa(u.PK),
				Username: u.Username,
				Email:    u.Email,
			})
		}
		if int(env.Pagination.Next) <= 0 {
			break
		}
	}
	return users, nil
}

// AddUserToGroup adds an account to a group. A response saying the user is
// already a member counts as success.
func (c *Client) AddUserToGroup(ctx context.Context, groupID, userID string) error {
	pk, err := strconv.Atoi(userID)
	if err != nil {
		return fmt.Errorf("provider user id %q is not numeric: %w", userID, err)
	}
	path := fmt.Sprintf("/core/groups/%s/add_user/", url.PathEscape(groupID))
	if err := c.api.DoJSON(ctx, http.MethodPost, path, nil, map[string]int{"pk": pk}, nil); err != nil {
		if se, ok := httpapi.AsStatusError(err); ok && strings.Contains(strings.ToLower(se.Body), "already a member") {
			c.log.Debug("user already in group",
				logging.F("group", groupID),
				logging.F("user", userID))
			return nil
		}
		return fmt.Errorf("adding user %s to group %s: %w", userID, groupID, err)
	}
	return nil
}

// RemoveUserFromGroup removes an account from a group.
func (c *Client) RemoveUserFromGroup(ctx context.Context, groupID, userID string) error {
	pk, err := strconv.Atoi(userID)
	if err != nil {
		return fmt.Errorf("provider user id %q is not numeric: %w", userID, err)
	}
	path := fmt.Sprintf("/core/groups/%s/remove_user/", url.PathEscape(groupID))
	if err := c.api.DoJSON(ctx, http.MethodPost, path, nil, map[string]int{"pk": pk}, nil); err != nil {
		return fmt.Errorf("removing user %s from group %s: %w", userID, groupID, err)
	}
	return nil
}
