// Package nocodb is a typed client for the database platform's v2 meta API.
// Access is scoped per base; membership writes go through invite and role
// update calls.
package nocodb

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/commonsops/rostersync/clients/httpapi"
	"github.com/commonsops/rostersync/config"
	rserrors "github.com/commonsops/rostersync/pkg/errors"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/sync"
)

// Client talks to the database platform's meta API with an xc-token.
type Client struct {
	api *httpapi.Client
	log logging.Logger
}

type pageInfo struct {
	TotalRows  int  `json:"totalRows"`
	Page       int  `json:"page"`
	IsLastPage bool `json:"isLastPage"`
}

type wireBase struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type wireBaseUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Roles string `json:"roles"`
}

// New builds a client from config. opts may be nil for defaults.
func New(cfg *config.NocoDBConfig, log logging.Logger, opts *httpapi.Options) *Client {
	if log == nil {
		log = logging.NewNopLogger()
	}
	if opts == nil {
		opts = httpapi.DefaultOptions()
	}

	o := *opts
	o.Logger = log
	headers := map[string]string{"xc-token": cfg.Token}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	o.Headers = headers

	base := strings.TrimSuffix(cfg.URL, "/") + "/api/v2/meta"
	return &Client{api: httpapi.New("nocodb", base, &o), log: log}
}

// ListBases returns every base the token can see.
func (c *Client) ListBases(ctx context.Context) ([]sync.Base, error) {
	var bases []sync.Base
	for page := 1; ; page++ {
		q := url.Values{"page": {strconv.Itoa(page)}}
		var env struct {
			List     []wireBase `json:"list"`
			PageInfo pageInfo   `json:"pageInfo"`
		}
		if err := c.api.DoJSON(ctx, http.MethodGet, "/bases", q, nil, &env); err != nil {
			return nil, fmt.Errorf("listing bases: %w", err)
		}
		for _, b := range env.List {
			bases = append(bases, sync.Base{ID: b.ID, Title: b.Title})
		}
		if env.PageInfo.IsLastPage || len(env.List) == 0 {
			break
		}
	}
	return bases, nil
}

// FindBaseByTitle resolves a base by exact title. Returns ErrNotFound when
// no base matches; bases are never created by this client.
func (c *Client) FindBaseByTitle(ctx context.Context, title string) (*sync.Base, error) {
	bases, err := c.ListBases(ctx)
	if err != nil {
		return nil, err
	}
	for i := range bases {
		if bases[i].Title == title {
			return &bases[i], nil
		}
	}
	return nil, fmt.Errorf("base %q: %w", title, rserrors.ErrNotFound)
}

// ListBaseUsers returns the base's user roster with roles.
func (c *Client) ListBaseUsers(ctx context.Context, baseID string) ([]sync.BaseUser, error) {
	path := fmt.Sprintf("/bases/%s/users", url.PathEscape(baseID))
	var env struct {
		Users struct {
			List []wireBaseUser `json:"list"`
		} `json:"users"`
	}
	if err := c.api.DoJSON(ctx, http.MethodGet, path, nil, nil, &env); err != nil {
		return nil, fmt.Errorf("listing users of base %s: %w", baseID, err)
	}
	users := make([]sync.BaseUser, 0, len(env.Users.List))
	for _, u := range env.Users.List {
		users = append(users, sync.BaseUser{ID: u.ID, Email: u.Email, Role: u.Roles})
	}
	return users, nil
}

// InviteUser invites an email into a base with the given role. The platform
// emails the invite itself.
func (c *Client) InviteUser(ctx context.Context, baseID, email, role string) error {
	path := fmt.Sprintf("/bases/%s/users", url.PathEscape(baseID))
	body := map[string]string{"email": email, "roles": role}
	if err := c.api.DoJSON(ctx, http.MethodPost, path, nil, body, nil); err != nil {
		return fmt.Errorf("inviting %s to base %s as %s: %w", email, baseID, role, err)
	}
	return nil
}

// UpdateUserRole changes an existing base member's role. Demoting to
// no-access is the platform's removal idiom.
func (c *Client) UpdateUserRole(ctx context.Context, baseID, userID, role string) error {
	path := fmt.Sprintf("/bases/%s/users/%s", url.PathEscape(baseID), url.PathEscape(userID))
	body := map[string]string{"roles": role}
	if err := c.api.DoJSON(ctx, http.MethodPatch, path, nil, body, nil); err != nil {
		return fmt.Errorf("updating role of user %s in base %s to %s: %w", userID, baseID, role, err)
	}
	return nil
}
