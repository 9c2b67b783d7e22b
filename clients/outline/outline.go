// Package outline is a typed client for the documentation platform's RPC
// API. Every call is a POST with a JSON body; responses wrap their payload
// in a data envelope.
package outline

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/commonsops/rostersync/clients/httpapi"
	"github.com/commonsops/rostersync/config"
	rserrors "github.com/commonsops/rostersync/pkg/errors"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/sync"
)

// rpcPageSize is the platform's per-request item ceiling.
const rpcPageSize = 100

// Client talks to the documentation platform with a bearer token.
type Client struct {
	api       *httpapi.Client
	log       logging.Logger
	serverURL string
}

type wireCollection struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	URLID string `json:"urlId"`
}

type wireUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type wireMembership struct {
	UserID     string `json:"userId"`
	Permission string `json:"permission"`
}

// New builds a client from config. opts may be nil for defaults.
func New(cfg *config.OutlineConfig, log logging.Logger, opts *httpapi.Options) *Client {
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

	serverURL := strings.TrimSuffix(cfg.URL, "/")
	return &Client{
		api:       httpapi.New("outline", serverURL+"/api", &o),
		log:       log,
		serverURL: serverURL,
	}
}

// ListCollections returns every collection, paging by offset until the
// reported total is reached.
func (c *Client) ListCollections(ctx context.Context) ([]sync.Collection, error) {
	var collections []sync.Collection
	for offset := 0; ; {
		body := map[string]int{"limit": rpcPageSize, "offset": offset}
		var env struct {
			Data       []wireCollection `json:"data"`
			Pagination struct {
				Total int `json:"total"`
			} `json:"pagination"`
		}
		if err := c.api.DoJSON(ctx, http.MethodPost, "/collections.list", nil, body, &env); err != nil {
			return nil, fmt.Errorf("listing collections: %w", err)
		}
		for _, wc := range env.Data {
			collections = append(collections, c.toCollection(wc))
		}
		if len(env.Data) == 0 || len(collections) >= env.Pagination.Total {
			break
		}
		offset = len(collections)
	}
	return collections, nil
}

// CreateCollection creates a collection with the platform's default access
// settings.
func (c *Client) CreateCollection(ctx context.Context, name string) (*sync.Collection, error) {
	var env struct {
		Data wireCollection `json:"data"`
	}
	if err := c.api.DoJSON(ctx, http.MethodPost, "/collections.create", nil, map[string]string{"name": name}, &env); err != nil {
		return nil, fmt.Errorf("creating collection %q: %w", name, err)
	}
	coll := c.toCollection(env.Data)
	return &coll, nil
}

// CollectionMemberships returns the collection's explicit members. The
// response carries memberships and user profiles in parallel arrays; emails
// are joined up from the profiles.
func (c *Client) CollectionMemberships(ctx context.Context, collectionID string) ([]sync.CollectionMember, error) {
	var members []sync.CollectionMember
	emailByID := make(map[string]string)

	for offset := 0; ; {
		body := map[string]any{"id": collectionID, "offset": offset, "limit": rpcPageSize}
		var env struct {
			Data struct {
				Memberships []wireMembership `json:"memberships"`
				Users       []wireUser       `json:"users"`
			} `json:"data"`
		}
		if err := c.api.DoJSON(ctx, http.MethodPost, "/collections.memberships", nil, body, &env); err != nil {
			return nil, fmt.Errorf("listing memberships of collection %s: %w", collectionID, err)
		}

		for _, u := range env.Data.Users {
			emailByID[u.ID] = u.Email
		}
		for _, m := range env.Data.Memberships {
			members = append(members, sync.CollectionMember{
				UserID:     m.UserID,
				Email:      emailByID[m.UserID],
				Permission: m.Permission,
			})
		}

		if len(env.Data.Memberships) < rpcPageSize {
			break
		}
		offset += len(env.Data.Memberships)
	}
	return members, nil
}

// AddUserToCollection grants (or updates) a member's permission on a
// collection. Re-adding an existing member resets their permission, so the
// call is safe to repeat.
func (c *Client) AddUserToCollection(ctx context.Context, collectionID, userID, permission string) error {
	body := map[string]string{"id": collectionID, "userId": userID, "permission": permission}
	if err := c.api.DoJSON(ctx, http.MethodPost, "/collections.add_user", nil, body, nil); err != nil {
		return fmt.Errorf("adding user %s to collection %s: %w", userID, collectionID, err)
	}
	return nil
}

// RemoveUserFromCollection revokes a member's access to a collection.
func (c *Client) RemoveUserFromCollection(ctx context.Context, collectionID, userID string) error {
	body := map[string]string{"id": collectionID, "userId": userID}
	if err := c.api.DoJSON(ctx, http.MethodPost, "/collections.remove_user", nil, body, nil); err != nil {
		return fmt.Errorf("removing user %s from collection %s: %w", userID, collectionID, err)
	}
	return nil
}

// GetUserByEmail resolves an account by email. Returns ErrNotFound when the
// platform has no account for the address.
func (c *Client) GetUserByEmail(ctx context.Context, email string) (*sync.OutlineUser, error) {
	body := map[string]any{"emails": []string{strings.ToLower(email)}, "limit": 1}
	var env struct {
		Data []wireUser `json:"data"`
	}
	if err := c.api.DoJSON(ctx, http.MethodPost, "/users.list", nil, body, &env); err != nil {
		return nil, fmt.Errorf("looking up user %s: %w", email, err)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("user %s: %w", email, rserrors.ErrNotFound)
	}
	u := env.Data[0]
	return &sync.OutlineUser{ID: u.ID, Name: u.Name, Email: u.Email}, nil
}

// toCollection maps a wire collection, deriving the shareable URL from the
// platform's urlId.
func (c *Client) toCollection(wc wireCollection) sync.Collection {
	coll := sync.Collection{ID: wc.ID, Name: wc.Name}
	if wc.URLID != "" {
		coll.URL = c.serverURL + "/collection/" + wc.URLID
	}
	return coll
}
