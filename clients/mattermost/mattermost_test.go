package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
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
	cfg := &config.MattermostConfig{URL: serverURL, BotToken: "bot-token"}
	return New(cfg, logging.NewNopLogger(), opts)
}

func TestMe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/users/me", r.URL.Path)
		assert.Equal(t, "Bearer bot-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":"bot1","username":"rostersync","email":"bot@example.org","roles":"system_user"}`))
	}))
	defer server.Close()

	me, err := testClient(server.URL).Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bot1", me.ID)
	assert.Equal(t, "rostersync", me.Username)
	assert.False(t, me.IsSystemAdmin())
}

func TestIsSystemAdmin(t *testing.T) {
	tests := []struct {
		roles string
		want  bool
	}{
		{"system_admin system_user", true},
		{"system_user system_admin", true},
		{"system_user", false},
		{"system_administrator", false},
		{"", false},
	}
	for _, tt := range tests {
		u := &User{Roles: tt.roles}
		assert.Equal(t, tt.want, u.IsSystemAdmin(), "roles %q", tt.roles)
	}
}

func TestListChannels_MergesPublicAndPrivate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/teams/t1/channels":
			w.Write([]byte(`[
				{"id":"c1","name":"general","display_name":"General","type":"O"},
				{"id":"c2","name":"ops","display_name":"Ops","type":"O"}
			]`))
		case "/api/v4/teams/t1/channels/private":
			w.Write([]byte(`[
				{"id":"c2","name":"ops","display_name":"Ops","type":"O"},
				{"id":"c3","name":"board","display_name":"Board","type":"P"}
			]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	channels, err := testClient(server.URL).ListChannels(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, channels, 3)
	assert.Equal(t, "general", channels[0].Slug)
	assert.Equal(t, "c2", channels[1].ID)
	assert.Equal(t, "Board", channels[2].DisplayName)
}

func TestListChannels_PrivateListingForbidden(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/teams/t1/channels":
			w.Write([]byte(`[{"id":"c1","name":"general","display_name":"General","type":"O"}]`))
		case "/api/v4/teams/t1/channels/private":
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"message":"permission denied"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	channels, err := testClient(server.URL).ListChannels(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "c1", channels[0].ID)
}

func TestGetChannelByName(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/teams/t1/channels/name/ops", r.URL.Path)
		w.Write([]byte(`{"id":"c2","name":"ops","display_name":"Ops","type":"O"}`))
	}))
	defer server.Close()

	ch, err := testClient(server.URL).GetChannelByName(context.Background(), "t1", "ops")
	require.NoError(t, err)
	assert.Equal(t, "c2", ch.ID)
	assert.Equal(t, "ops", ch.Slug)
}

func TestGetChannelByName_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := testClient(server.URL).GetChannelByName(context.Background(), "t1", "gone")
	require.Error(t, err)
	assert.True(t, rserrors.IsNotFound(err))
}

func TestListChannelMembers_Paginates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/users", r.URL.Path)
		assert.Equal(t, "c9", r.URL.Query().Get("in_channel"))
		assert.Equal(t, "200", r.URL.Query().Get("per_page"))

		var batch []map[string]string
		switch r.URL.Query().Get("page") {
		case "0":
			for i := 0; i < pageSize; i++ {
				batch = append(batch, map[string]string{
					"id":       fmt.Sprintf("u%d", i),
					"username": fmt.Sprintf("user%d", i),
					"email":    fmt.Sprintf("user%d@example.org", i),
				})
			}
		case "1":
			batch = append(batch, map[string]string{
				"id": "u-last", "username": "last", "email": "last@example.org",
			})
		default:
			t.Errorf("unexpected page %s", r.URL.Query().Get("page"))
		}
		json.NewEncoder(w).Encode(batch)
	}))
	defer server.Close()

	members, err := testClient(server.URL).ListChannelMembers(context.Background(), "c9")
	require.NoError(t, err)
	require.Len(t, members, pageSize+1)
	assert.Equal(t, "last@example.org", members[pageSize].Email)
}

func TestSendDirectMessage(t *testing.T) {
	var meCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/users/me":
			meCalls.Add(1)
			w.Write([]byte(`{"id":"bot1","username":"rostersync"}`))
		case "/api/v4/channels/direct":
			var ids []string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&ids))
			assert.Equal(t, []string{"bot1", "u7"}, ids)
			w.Write([]byte(`{"id":"dm1","name":"bot1__u7","type":"D"}`))
		case "/api/v4/posts":
			var post map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&post))
			assert.Equal(t, "dm1", post["channel_id"])
			assert.Equal(t, "access granted", post["message"])
			w.Write([]byte(`{"id":"p1"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := testClient(server.URL)
	require.NoError(t, client.SendDirectMessage(context.Background(), "u7", "access granted"))
	require.NoError(t, client.SendDirectMessage(context.Background(), "u7", "access granted"))
	assert.Equal(t, int32(1), meCalls.Load(), "bot id resolves once")
}
