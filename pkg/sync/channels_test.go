package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonsops/rostersync/config"
	"github.com/commonsops/rostersync/pkg/roster"
)

func TestPrefetch_DiscoversEntities(t *testing.T) {
	matrix := testMatrix(t)
	chat := newFakeChat()
	chat.addChannel("c1", "proj-beta", roster.ChannelUser{ID: "u1", Username: "alice", Email: "alice@example.test"})
	chat.addChannel("c2", "proj-alpha-admin")
	chat.addChannel("c3", "town-square")

	view := viewFor(chat, matrix, nil)
	require.NoError(t, view.Prefetch(context.Background()))

	assert.Equal(t, []Entity{
		{Kind: "project", Base: "alpha"},
		{Kind: "project", Base: "beta"},
	}, view.Entities())
}

func TestPrefetch_ListFailure(t *testing.T) {
	matrix := testMatrix(t)
	chat := newFakeChat()
	chat.listErr = assert.AnError

	view := viewFor(chat, matrix, nil)
	require.Error(t, view.Prefetch(context.Background()))
}

func TestEntityMembership_MergesAdminChannel(t *testing.T) {
	matrix := testMatrix(t)
	kc := projectKind(t, matrix)

	chat := newFakeChat()
	chat.addChannel("c1", "proj-alpha",
		roster.ChannelUser{ID: "u1", Username: "alice", Email: "alice@example.test"},
		roster.ChannelUser{ID: "u2", Username: "bob", Email: "bob@example.test"},
	)
	chat.addChannel("c2", "proj-alpha-admin",
		roster.ChannelUser{ID: "u2", Username: "bob", Email: "bob@example.test"},
	)

	view := viewFor(chat, matrix, nil)
	m, err := view.EntityMembership(context.Background(), kc, "alpha")
	require.NoError(t, err)

	require.Len(t, m.Set, 2)
	assert.False(t, m.Set["alice@example.test"].IsAdmin)
	assert.True(t, m.Set["bob@example.test"].IsAdmin)
	assert.Equal(t, "proj-alpha", m.Channel)
}

func TestEntityMembership_Memoizes(t *testing.T) {
	matrix := testMatrix(t)
	kc := projectKind(t, matrix)

	chat := newFakeChat()
	chat.addChannel("c1", "proj-alpha",
		roster.ChannelUser{ID: "u1", Username: "alice", Email: "alice@example.test"})

	view := viewFor(chat, matrix, nil)
	_, err := view.EntityMembership(context.Background(), kc, "alpha")
	require.NoError(t, err)
	calls := chat.memberCalls

	_, err = view.EntityMembership(context.Background(), kc, "alpha")
	require.NoError(t, err)
	assert.Equal(t, calls, chat.memberCalls, "second assembly should hit the cache")
}

func TestEntityMembership_MissingChannels(t *testing.T) {
	matrix := testMatrix(t)
	kc := projectKind(t, matrix)

	view := viewFor(newFakeChat(), matrix, nil)
	m, err := view.EntityMembership(context.Background(), kc, "ghost")
	require.NoError(t, err)
	assert.Empty(t, m.Set)
	assert.Empty(t, m.NoEmail)
}

func TestEntityMembership_WithholdsExcluded(t *testing.T) {
	matrix := testMatrix(t)
	kc := projectKind(t, matrix)

	chat := newFakeChat()
	chat.addChannel("c1", "proj-alpha",
		roster.ChannelUser{ID: "u1", Username: "alice", Email: "alice@example.test"},
		roster.ChannelUser{ID: "u9", Username: "svc-bot", Email: "bot@example.test"},
	)

	view := viewFor(chat, matrix, config.Exclusions{"svc-bot": {}})
	m, err := view.EntityMembership(context.Background(), kc, "alpha")
	require.NoError(t, err)

	assert.False(t, m.Set.Contains("bot@example.test"))
	require.Len(t, m.Excluded, 1)
	assert.Equal(t, "bot@example.test", m.Excluded[0].Email)
	assert.True(t, m.ExcludedEmails()["bot@example.test"])
}

func TestMatchAdminOrStandard_PrefersAdminPattern(t *testing.T) {
	matrix := testMatrix(t)
	kinds := matrix.GroupPatterns()

	kind, base, admin, ok := matchAdminOrStandard("grp_proj_alpha_admin", kinds)
	require.True(t, ok)
	assert.Equal(t, "project", kind)
	assert.Equal(t, "alpha", base)
	assert.True(t, admin)

	kind, base, admin, ok = matchAdminOrStandard("grp_proj_alpha", kinds)
	require.True(t, ok)
	assert.Equal(t, "project", kind)
	assert.Equal(t, "alpha", base)
	assert.False(t, admin)

	_, _, _, ok = matchAdminOrStandard("unrelated", kinds)
	assert.False(t, ok)
}
