// Package brevo is a typed client for the mailing platform's contacts API.
// Authentication is an api-key header; list and folder ids are numeric.
package brevo

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

// pageSize is the platform's page ceiling for list and folder listings.
const pageSize = 50

// duplicateCode marks a 400 response for a resource that already exists.
const duplicateCode = "duplicate_parameter"

// Client talks to the mailing platform's v3 API.
type Client struct {
	api *httpapi.Client
	log logging.Logger
}

type wireList struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type wireFolder struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// New builds a client from config. opts may be nil for defaults. cfg.APIURL
// already carries the version prefix.
func New(cfg *config.BrevoConfig, log logging.Logger, opts *httpapi.Options) *Client {
	if log == nil {
		log = logging.NewNopLogger()
	}
	if opts == nil {
		opts = httpapi.DefaultOptions()
	}

	o := *opts
	o.Logger = log
	headers := map[string]string{"api-key": cfg.APIKey}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	o.Headers = headers

	base := strings.TrimSuffix(cfg.APIURL, "/")
	return &Client{api: httpapi.New("brevo", base, &o), log: log}
}

// FindListByName resolves a contact list by name, comparing trimmed and
// case-folded. Returns ErrNotFound when no list matches.
func (c *Client) FindListByName(ctx context.Context, name string) (*sync.ContactList, error) {
	want := strings.ToLower(strings.TrimSpace(name))
	for offset := 0; ; offset += pageSize {
		q := url.Values{
			"limit":  {strconv.Itoa(pageSize)},
			"offset": {strconv.Itoa(offset)},
		}
		var env struct {
			Lists []wireList `json:"lists"`
			Count int        `json:"count"`
		}
		if err := c.api.DoJSON(ctx, http.MethodGet, "/contacts/lists", q, nil, &env); err != nil {
			return nil, fmt.Errorf("listing contact lists: %w", err)
		}
		for _, l := range env.Lists {
			if strings.ToLower(strings.TrimSpace(l.Name)) == want {
				return &sync.ContactList{ID: l.ID, Name: l.Name}, nil
			}
		}
		if len(env.Lists) < pageSize {
			return nil, fmt.Errorf("contact list %q: %w", name, rserrors.ErrNotFound)
		}
	}
}

// CreateList creates a contact list inside a folder. A duplicate-name
// rejection resolves to the existing list.
func (c *Client) CreateList(ctx context.Context, name string, folderID int64) (*sync.ContactList, error) {
	body := map[string]any{"name": name, "folderId": folderID}
	var created struct {
		ID int64 `json:"id"`
	}
	if err := c.api.DoJSON(ctx, http.MethodPost, "/contacts/lists", nil, body, &created); err != nil {
		if se, ok := httpapi.AsStatusError(err); ok && se.Code == http.StatusBadRequest && strings.Contains(se.Body, duplicateCode) {
			c.log.Debug("contact list already exists", logging.F("list", name))
			return c.FindListByName(ctx, name)
		}
		return nil, fmt.Errorf("creating contact list %q: %w", name, err)
	}
	return &sync.ContactList{ID: created.ID, Name: name}, nil
}

// FindFolderID resolves a folder id by exact name.
func (c *Client) FindFolderID(ctx context.Context, name string) (int64, error) {
	total := -1
	for offset := 0; ; {
		q := url.Values{
			"limit":  {strconv.Itoa(pageSize)},
			"offset": {strconv.Itoa(offset)},
			"sort":   {"desc"},
		}
		var env struct {
			Folders []wireFolder `json:"folders"`
			Count   int          `json:"count"`
		}
		if err := c.api.DoJSON(ctx, http.MethodGet, "/contacts/folders", q, nil, &env); err != nil {
			return 0, fmt.Errorf("listing folders: %w", err)
		}
		if total < 0 {
			total = env.Count
		}
		for _, f := range env.Folders {
			if f.Name == name {
				return f.ID, nil
			}
		}
		offset += len(env.Folders)
		if len(env.Folders) == 0 || offset >= total {
			return 0, fmt.Errorf("folder %q: %w", name, rserrors.ErrNotFound)
		}
	}
}

// UpsertContact creates the contact if needed and links it to the list.
// Existing contacts are updated in place; a duplicate rejection counts as
// linked.
func (c *Client) UpsertContact(ctx context.Context, email string, listID int64) error {
	body := map[string]any{
		"email":         email,
		"listIds":       []int64{listID},
		"updateEnabled": true,
	}
	if err := c.api.DoJSON(ctx, http.MethodPost, "/contacts", nil, body, nil); err != nil {
		if se, ok := httpapi.AsStatusError(err); ok && se.Code == http.StatusBadRequest && strings.Contains(se.Body, duplicateCode) {
			c.log.Debug("contact already present in list",
				logging.F("email", email),
				logging.F("list_id", listID))
			return nil
		}
		return fmt.Errorf("upserting contact %s into list %d: %w", email, listID, err)
	}
	return nil
}
