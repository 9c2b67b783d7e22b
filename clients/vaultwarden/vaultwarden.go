// Package vaultwarden is a typed client for the password store. REST calls
// authenticate with a short-lived bearer token from the password grant;
// collection and member listings go through the bw CLI, which decrypts
// names locally.
package vaultwarden

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	stdsync "sync"
	"time"

	"github.com/commonsops/rostersync/clients/httpapi"
	"github.com/commonsops/rostersync/config"
	rserrors "github.com/commonsops/rostersync/pkg/errors"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/observability"
	"github.com/commonsops/rostersync/pkg/sync"
)

// Device fields the identity endpoint requires on password grants.
const (
	tokenScope       = "api offline_access"
	tokenClientID    = "w"
	deviceIdentifier = "2eb66678-b76e-4940-93cd-633d5e66e42f"
	deviceName       = "firefoxeb"
	deviceType       = "10"
)

// memberTypeUser is the organization member type for a regular user.
const memberTypeUser = 2

// expirySlack refreshes the token ahead of its reported expiry.
const expirySlack = time.Minute

// putTimeout bounds the detached collection update.
const putTimeout = 30 * time.Second

// invitedPhrases mark a 400 invite rejection that means the user already
// holds access. Matched against the lowercased response body.
var invitedPhrases = []string{
	"already a member",
	"user already invited",
	"is already a member",
	"already in this collection",
	"user is already confirmed",
}

// Client talks to the password store's public API and the bw CLI.
type Client struct {
	log       logging.Logger
	serverURL string
	orgID     string
	username  string
	password  string

	baseOpts httpapi.Options
	identity *httpapi.Client
	metrics  *observability.Metrics

	mu     stdsync.Mutex
	api    *httpapi.Client
	token  string
	expiry time.Time

	collMu   stdsync.Mutex
	collMeta map[string]collectionMeta

	bwRun    func(ctx context.Context, args ...string) ([]byte, error)
	syncOnce stdsync.Once
}

// collectionMeta carries the fields a collection update must round-trip
// unchanged. The name is an encrypted blob only the CLI can read.
type collectionMeta struct {
	Name       json.RawMessage
	ExternalID json.RawMessage
	Groups     json.RawMessage
}

type wireCollectionDetails struct {
	ID         string                     `json:"id"`
	Name       json.RawMessage            `json:"name"`
	ExternalID json.RawMessage            `json:"externalId"`
	Groups     json.RawMessage            `json:"groups"`
	Users      []sync.VaultCollectionUser `json:"users"`
}

// New builds a client from config. opts may be nil for defaults. All bearer
// clients built over the token's lifetime share one transport.
func New(cfg *config.VaultwardenConfig, log logging.Logger, opts *httpapi.Options) *Client {
	if log == nil {
		log = logging.NewNopLogger()
	}
	if opts == nil {
		opts = httpapi.DefaultOptions()
	}

	o := *opts
	o.Logger = log
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}

	serverURL := strings.TrimSuffix(cfg.ServerURL, "/")
	return &Client{
		log:       log,
		serverURL: serverURL,
		orgID:     cfg.OrganizationID,
		username:  cfg.APIUsername,
		password:  cfg.APIPassword,
		baseOpts:  o,
		identity:  httpapi.New("vaultwarden", serverURL, &o),
		metrics:   o.Metrics,
		collMeta:  make(map[string]collectionMeta),
		bwRun:     runBW,
	}
}

// authed returns the cached bearer client, refreshing the token when absent
// or near expiry.
func (c *Client) authed(ctx context.Context) (*httpapi.Client, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil && time.Now().Before(c.expiry) {
		return c.api, c.token, nil
	}
	api, err := c.refreshLocked(ctx)
	return api, c.token, err
}

// refreshAfter replaces a token the server just rejected. When another
// caller already refreshed, the newer client is reused.
func (c *Client) refreshAfter(ctx context.Context, stale string) (*httpapi.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != stale && c.api != nil && time.Now().Before(c.expiry) {
		return c.api, nil
	}
	return c.refreshLocked(ctx)
}

// refreshLocked runs the password grant and rebuilds the bearer client.
// Callers hold mu.
func (c *Client) refreshLocked(ctx context.Context) (*httpapi.Client, error) {
	form := url.Values{
		"grant_type":       {"password"},
		"username":         {c.username},
		"password":         {c.password},
		"scope":            {tokenScope},
		"client_id":        {tokenClientID},
		"deviceIdentifier": {deviceIdentifier},
		"deviceName":       {deviceName},
		"deviceType":       {deviceType},
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := c.identity.DoForm(ctx, "/identity/connect/token", form, &tok); err != nil {
		return nil, fmt.Errorf("acquiring access token: %w: %v", rserrors.ErrUnauthorized, err)
	}
	if tok.ExpiresIn <= 0 {
		tok.ExpiresIn = 3600
	}

	o := c.baseOpts
	o.Headers = map[string]string{"Authorization": "Bearer " + tok.AccessToken}
	c.api = httpapi.New("vaultwarden", c.serverURL+"/api", &o)
	c.token = tok.AccessToken
	c.expiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - expirySlack)
	c.metrics.ObserveTokenRefresh()
	c.log.Debug("password store token refreshed",
		logging.F("expires_in", tok.ExpiresIn))
	return c.api, nil
}

// do issues an authenticated request, refreshing the token and retrying
// once when the server rejects it.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	api, token, err := c.authed(ctx)
	if err != nil {
		return err
	}
	err = api.DoJSON(ctx, method, path, query, body, out)
	if err != nil && rserrors.IsUnauthorized(err) {
		api, err = c.refreshAfter(ctx, token)
		if err != nil {
			return err
		}
		err = api.DoJSON(ctx, method, path, query, body, out)
	}
	return err
}

// InviteUser invites an email into the organization scoped to one
// collection with read-only access. Returns ErrAlreadyExists when the store
// reports the user already invited or confirmed.
func (c *Client) InviteUser(ctx context.Context, collectionID, email string) error {
	body := map[string]any{
		"emails": []string{email},
		"collections": []map[string]any{{
			"id":            collectionID,
			"readOnly":      true,
			"hidePasswords": false,
			"manage":        false,
		}},
		"permissions":          map[string]any{"response": nil},
		"type":                 memberTypeUser,
		"groups":               []string{},
		"accessSecretsManager": false,
	}
	path := fmt.Sprintf("/organizations/%s/users/invite", url.PathEscape(c.orgID))
	if err := c.do(ctx, http.MethodPost, path, nil, body, nil); err != nil {
		if isAlreadyInvited(err) {
			return fmt.Errorf("inviting %s: %w", email, rserrors.ErrAlreadyExists)
		}
		return fmt.Errorf("inviting %s to collection %s: %w", email, collectionID, err)
	}
	return nil
}

// CollectionDetails returns one collection's explicit user assignments. The
// details listing covers every collection; the others' round-trip fields
// are cached for later updates.
func (c *Client) CollectionDetails(ctx context.Context, collectionID string) (*sync.VaultCollectionDetails, error) {
	path := fmt.Sprintf("/organizations/%s/collections/details", url.PathEscape(c.orgID))
	var env struct {
		Data []wireCollectionDetails `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &env); err != nil {
		return nil, fmt.Errorf("fetching collection details: %w", err)
	}

	var found *wireCollectionDetails
	c.collMu.Lock()
	for i := range env.Data {
		d := &env.Data[i]
		c.collMeta[d.ID] = collectionMeta{Name: d.Name, ExternalID: d.ExternalID, Groups: d.Groups}
		if d.ID == collectionID {
			found = d
		}
	}
	c.collMu.Unlock()

	if found == nil {
		return nil, fmt.Errorf("collection %s: %w", collectionID, rserrors.ErrNotFound)
	}
	return &sync.VaultCollectionDetails{
		ID:    found.ID,
		Name:  rawString(found.Name),
		Users: found.Users,
	}, nil
}

// PutCollectionUsers replaces the collection's user assignments, carrying
// name, groups, and externalId over unchanged. The write runs on a detached
// context so caller cancellation cannot strand a half-applied removal set.
func (c *Client) PutCollectionUsers(ctx context.Context, collectionID string, users []sync.VaultCollectionUser) error {
	c.collMu.Lock()
	meta, ok := c.collMeta[collectionID]
	c.collMu.Unlock()
	if !ok {
		if _, err := c.CollectionDetails(ctx, collectionID); err != nil {
			return fmt.Errorf("resolving collection %s before update: %w", collectionID, err)
		}
		c.collMu.Lock()
		meta = c.collMeta[collectionID]
		c.collMu.Unlock()
	}
	if users == nil {
		users = []sync.VaultCollectionUser{}
	}

	body := map[string]any{
		"users":      users,
		"groups":     rawOr(meta.Groups, "[]"),
		"externalId": rawOr(meta.ExternalID, "null"),
		"name":       rawOr(meta.Name, "null"),
	}

	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), putTimeout)
	defer cancel()

	path := fmt.Sprintf("/organizations/%s/collections/%s", url.PathEscape(c.orgID), url.PathEscape(collectionID))
	if err := c.do(putCtx, http.MethodPut, path, nil, body, nil); err != nil {
		return fmt.Errorf("updating users of collection %s: %w", collectionID, err)
	}
	return nil
}

// ListCollections lists the organization's collections through the bw CLI.
func (c *Client) ListCollections(ctx context.Context) ([]sync.VaultCollection, error) {
	c.bwSync(ctx)
	out, err := c.bwRun(ctx, "list", "org-collections", "--organizationid", c.orgID)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	var raw []struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		OrganizationID string `json:"organizationId"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("decoding collection listing: %w", err)
	}
	collections := make([]sync.VaultCollection, 0, len(raw))
	for _, col := range raw {
		collections = append(collections, sync.VaultCollection{
			ID:    col.ID,
			Name:  col.Name,
			OrgID: col.OrganizationID,
		})
	}
	return collections, nil
}

// ListMembers lists the organization's members through the bw CLI.
func (c *Client) ListMembers(ctx context.Context) ([]sync.VaultMember, error) {
	c.bwSync(ctx)
	out, err := c.bwRun(ctx, "list", "org-members", "--organizationid", c.orgID)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	var raw []struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("decoding member listing: %w", err)
	}
	members := make([]sync.VaultMember, 0, len(raw))
	for _, m := range raw {
		members = append(members, sync.VaultMember{ID: m.ID, Name: m.Name, Email: m.Email})
	}
	return members, nil
}

// bwSync refreshes the CLI's local vault once per client. Failure is
// tolerated; listings then read the last synced state.
func (c *Client) bwSync(ctx context.Context) {
	c.syncOnce.Do(func() {
		if _, err := c.bwRun(ctx, "sync"); err != nil {
			c.log.Warn("bw sync failed, data might be stale", logging.Err(err))
		}
	})
}

// runBW invokes the bw CLI and returns its stdout.
func runBW(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "bw", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("bw %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// isAlreadyInvited reports a 400 invite rejection that means the user
// already holds access.
func isAlreadyInvited(err error) bool {
	se, ok := httpapi.AsStatusError(err)
	if !ok || se.Code != http.StatusBadRequest {
		return false
	}
	body := strings.ToLower(se.Body)
	for _, phrase := range invitedPhrases {
		if strings.Contains(body, phrase) {
			return true
		}
	}
	return false
}

// rawString decodes a raw JSON string, returning "" for null or absent.
func rawString(raw json.RawMessage) string {
	var s string
	if len(raw) > 0 && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return ""
}

// rawOr returns the raw value, or the fallback literal when absent.
func rawOr(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}
