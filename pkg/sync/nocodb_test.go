package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonsops/rostersync/config"
	"github.com/commonsops/rostersync/pkg/roster"
)

const nocoURL = "https://db.example.test"

func TestNocoDBUpsert_InvitesAndAlignsRoles(t *testing.T) {
	matrix := testMatrix(t)
	kc := projectKind(t, matrix)

	noco := newFakeNocoDB()
	noco.bases = []Base{{ID: "b1", Title: "proj-alpha"}}
	noco.users["b1"] = []BaseUser{
		{ID: "nu-c", Email: "carol@example.test", Role: "editor"},
		{ID: "nu-d", Email: "dave@example.test", Role: "viewer"},
	}

	chat := newFakeChat()
	m := membershipFor(kc, "alpha", setOf(
		member("alice@example.test", "alice", "u1", false),
		member("bob@example.test", "bob", "", true),
		member("carol@example.test", "carol", "u3", false),
		member("dave@example.test", "dave", "u4", false),
	))

	r := NewNocoDBReconciler(noco, chat, matrix, nocoURL, nil)
	results := r.UpsertSync(context.Background(), m)
	require.Len(t, results, 4)

	// New member at the default role, with the invitation DM.
	alice := resultFor(t, results, "alice@example.test")
	assert.Equal(t, "USER_INVITED_AS_EDITOR_AND_DM_SENT", alice.Action)
	require.Len(t, chat.dms["u1"], 1)
	assert.Contains(t, chat.dms["u1"][0], nocoURL+"/#/nc/b1/dashboard")

	// New admin member at the elevated role; no chat id, so a bare tag.
	bob := resultFor(t, results, "bob@example.test")
	assert.Equal(t, "USER_INVITED_AS_OWNER", bob.Action)

	carol := resultFor(t, results, "carol@example.test")
	assert.Equal(t, ActionUserAlreadyInBase, carol.Action)

	dave := resultFor(t, results, "dave@example.test")
	assert.Equal(t, "USER_ROLE_UPDATED_TO_EDITOR", dave.Action)

	assert.ElementsMatch(t, []nocoInvite{
		{"b1", "alice@example.test", "editor"},
		{"b1", "bob@example.test", "owner"},
	}, noco.invites)
	assert.Equal(t, []nocoRoleChange{{"b1", "nu-d", "editor"}}, noco.roles)
}

func TestNocoDBUpsert_MissingBaseIsSkipped(t *testing.T) {
	matrix := testMatrix(t)
	kc := projectKind(t, matrix)

	noco := newFakeNocoDB()
	m := membershipFor(kc, "alpha", setOf(member("alice@example.test", "alice", "u1", false)))

	r := NewNocoDBReconciler(noco, newFakeChat(), matrix, nocoURL, nil)
	results := r.UpsertSync(context.Background(), m)

	require.Len(t, results, 1)
	assert.Equal(t, StatusSkipped, results[0].Status)
	assert.Equal(t, ActionSkippedBaseNotFound, results[0].Action)
	assert.Equal(t, "proj-alpha", results[0].Target)
	assert.Empty(t, noco.invites)
}

func TestNocoDBUpsert_InviteFailure(t *testing.T) {
	matrix := testMatrix(t)
	kc := projectKind(t, matrix)

	noco := newFakeNocoDB()
	noco.bases = []Base{{ID: "b1", Title: "proj-alpha"}}
	noco.inviteErr = assert.AnError

	m := membershipFor(kc, "alpha", setOf(member("alice@example.test", "alice", "u1", false)))

	r := NewNocoDBReconciler(noco, newFakeChat(), matrix, nocoURL, nil)
	results := r.UpsertSync(context.Background(), m)

	alice := resultFor(t, results, "alice@example.test")
	assert.Equal(t, StatusFailure, alice.Status)
	assert.Equal(t, ActionFailedToInviteUser, alice.Action)
}

func TestNocoDBUpsert_NoDMWithoutServerURL(t *testing.T) {
	matrix := testMatrix(t)
	kc := projectKind(t, matrix)

	noco := newFakeNocoDB()
	noco.bases = []Base{{ID: "b1", Title: "proj-alpha"}}

	chat := newFakeChat()
	m := membershipFor(kc, "alpha", setOf(member("alice@example.test", "alice", "u1", false)))

	r := NewNocoDBReconciler(noco, chat, matrix, "", nil)
	results := r.UpsertSync(context.Background(), m)

	alice := resultFor(t, results, "alice@example.test")
	assert.Equal(t, "USER_INVITED_AS_EDITOR_DM_SKIPPED_NO_URL", alice.Action)
	assert.Empty(t, chat.dms)
}

func TestNocoDBDifferential_RevokesDeparted(t *testing.T) {
	matrix := testMatrix(t)

	noco := newFakeNocoDB()
	noco.bases = []Base{
		{ID: "b1", Title: "proj-alpha"},
		{ID: "b2", Title: "Crew Manifest"},
	}
	noco.users["b1"] = []BaseUser{
		{ID: "nu-a", Email: "alice@example.test", Role: "editor"},
		{ID: "nu-m", Email: "mallory@example.test", Role: "editor"},
		{ID: "nu-x", Email: "bot@example.test", Role: "owner"},
		{ID: "nu-g", Email: "gone@example.test", Role: RoleNoAccess},
	}

	chat := newFakeChat()
	chat.addChannel("c1", "proj-alpha",
		roster.ChannelUser{ID: "u1", Username: "alice", Email: "alice@example.test"},
		roster.ChannelUser{ID: "u9", Username: "svc-bot", Email: "bot@example.test"},
	)

	excluded := config.Exclusions{"svc-bot": {}}
	view := viewFor(chat, matrix, excluded)

	r := NewNocoDBReconciler(noco, chat, matrix, nocoURL, nil)
	results := r.DifferentialSync(context.Background(), view)

	alice := resultFor(t, results, "alice@example.test")
	assert.Equal(t, ActionUserAlreadyInBase, alice.Action)

	// Revocation is a role change to no-access, and only mallory gets one:
	// the excluded account is preserved and the already-revoked one skipped.
	mallory := resultFor(t, results, "mallory@example.test")
	assert.Equal(t, StatusSuccess, mallory.Status)
	assert.Equal(t, "USER_ROLE_UPDATED_TO_NO_ACCESS", mallory.Action)
	assert.Equal(t, []nocoRoleChange{{"b1", "nu-m", RoleNoAccess}}, noco.roles)

	for _, res := range results {
		assert.NotEqual(t, "bot@example.test", res.Subject)
		assert.NotEqual(t, "gone@example.test", res.Subject)
	}
}

func TestNocoDBDifferential_ListBasesFailure(t *testing.T) {
	matrix := testMatrix(t)

	noco := newFakeNocoDB()
	noco.listErr = assert.AnError

	view := viewFor(newFakeChat(), matrix, nil)
	r := NewNocoDBReconciler(noco, newFakeChat(), matrix, nocoURL, nil)
	results := r.DifferentialSync(context.Background(), view)

	require.Len(t, results, 1)
	assert.Equal(t, ActionFailedToListBases, results[0].Action)
}
