package outline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonsops/rostersync/clients/httpapi"
	"github.com/commonsops/rostersync/config"
	rserrors "github.com/commonsops/rostersync/pkg/errors"
	"github.com/commonsops/rostersync/pkg/logging"
)

func testClient(serverURL string) *Client {
	opts := httpapi.DefaultOptions()
	opts.MaxRetries = 0
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 2 * time.Millisecond
	cfg := &config.OutlineConfig{URL: serverURL, Token: "ol-token"}
	return New(cfg, logging.NewNopLogger(), opts)
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func TestListCollections_PagesByOffset(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/collections.list", r.URL.Path)
		assert.Equal(t, "Bearer ol-token", r.Header.Get("Authorization"))

		body := decodeBody(t, r)
		offset := int(body["offset"].(float64))

		type coll struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			URLID string `json:"urlId"`
		}
		var page []coll
		switch offset {
		case 0:
			for i := 0; i < rpcPageSize; i++ {
				page = append(page, coll{
					ID:    fmt.Sprintf("coll-%d", i),
					Name:  fmt.Sprintf("Space %d", i),
					URLID: fmt.Sprintf("space-%d-abc123", i),
				})
			}
		case rpcPageSize:
			page = append(page, coll{ID: "coll-last", Name: "Last", URLID: "last-xyz789"})
		default:
			t.Errorf("unexpected offset %d", offset)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data":       page,
			"pagination": map[string]int{"total": rpcPageSize + 1},
		})
	}))
	defer server.Close()

	collections, err := testClient(server.URL).ListCollections(context.Background())
	require.NoError(t, err)
	require.Len(t, collections, rpcPageSize+1)
	assert.Equal(t, server.URL+"/collection/space-0-abc123", collections[0].URL)
	assert.Equal(t, "Last", collections[rpcPageSize].Name)
}

func TestCreateCollection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/collections.create", r.URL.Path)
		body := decodeBody(t, r)
		assert.Equal(t, "Website", body["name"])
		w.Write([]byte(`{"data": {"id": "coll-new", "name": "Website", "urlId": "website-abc123"}}`))
	}))
	defer server.Close()

	coll, err := testClient(server.URL).CreateCollection(context.Background(), "Website")
	require.NoError(t, err)
	assert.Equal(t, "coll-new", coll.ID)
	assert.Equal(t, server.URL+"/collection/website-abc123", coll.URL)
}

func TestCollectionMemberships_JoinsUserEmails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/collections.memberships", r.URL.Path)
		body := decodeBody(t, r)
		assert.Equal(t, "coll-1", body["id"])
		w.Write([]byte(`{
			"data": {
				"memberships": [
					{"userId": "u1", "permission": "read"},
					{"userId": "u2", "permission": "read_write"}
				],
				"users": [
					{"id": "u1", "name": "Ada", "email": "ada@example.org"},
					{"id": "u2", "name": "Bob", "email": "bob@example.org"}
				]
			}
		}`))
	}))
	defer server.Close()

	members, err := testClient(server.URL).CollectionMemberships(context.Background(), "coll-1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "ada@example.org", members[0].Email)
	assert.Equal(t, "read", members[0].Permission)
	assert.Equal(t, "read_write", members[1].Permission)
}

func TestAddUserToCollection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/collections.add_user", r.URL.Path)
		body := decodeBody(t, r)
		assert.Equal(t, "coll-1", body["id"])
		assert.Equal(t, "u1", body["userId"])
		assert.Equal(t, "read_write", body["permission"])
		w.Write([]byte(`{"data": {"users": []}}`))
	}))
	defer server.Close()

	err := testClient(server.URL).AddUserToCollection(context.Background(), "coll-1", "u1", "read_write")
	require.NoError(t, err)
}

func TestRemoveUserFromCollection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/collections.remove_user", r.URL.Path)
		body := decodeBody(t, r)
		assert.Equal(t, "coll-1", body["id"])
		assert.Equal(t, "u9", body["userId"])
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	err := testClient(server.URL).RemoveUserFromCollection(context.Background(), "coll-1", "u9")
	require.NoError(t, err)
}

func TestGetUserByEmail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/users.list", r.URL.Path)
		body := decodeBody(t, r)
		assert.Equal(t, []any{"ada@example.org"}, body["emails"], "email is lowercased")
		w.Write([]byte(`{"data": [{"id": "u1", "name": "Ada", "email": "ada@example.org"}]}`))
	}))
	defer server.Close()

	u, err := testClient(server.URL).GetUserByEmail(context.Background(), "Ada@Example.org")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
}

func TestGetUserByEmail_Absent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": []}`))
	}))
	defer server.Close()

	_, err := testClient(server.URL).GetUserByEmail(context.Background(), "ghost@example.org")
	require.Error(t, err)
	assert.True(t, rserrors.IsNotFound(err))
}
