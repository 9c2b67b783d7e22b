package sync

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/commonsops/rostersync/config"
	rserrors "github.com/commonsops/rostersync/pkg/errors"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/naming"
	"github.com/commonsops/rostersync/pkg/roster"
)

const testTeamID = "team-ops"

const testMatrixYAML = `
permissions:
  project:
    standard:
      channel_name_pattern: "proj-{base_name}"
      channel_type: "P"
      provider_group_pattern: "grp_proj_{base_name}"
    admin:
      channel_name_pattern: "proj-{base_name}-admin"
      channel_type: "P"
      provider_group_pattern: "grp_proj_{base_name}_admin"
    outline:
      collection_name_pattern: "Proj {base_name}"
      default_access: "read"
      admin_access: "read_write"
    brevo:
      list_name_pattern: "proj-{base_name}"
      folder_name: "Projects"
    nocodb:
      base_title_pattern: "proj-{base_name}"
      default_access: "editor"
      admin_access: "owner"
    vaultwarden:
      collection_name_pattern: "proj-{base_name}"
`

func testMatrix(t *testing.T) *config.Matrix {
	t.Helper()
	m, err := config.ParseMatrix([]byte(testMatrixYAML))
	require.NoError(t, err)
	return m
}

func projectKind(t *testing.T, m *config.Matrix) *config.KindConfig {
	t.Helper()
	kc, ok := m.Kind("project")
	require.True(t, ok)
	return kc
}

func member(email, username, chatID string, admin bool) roster.Member {
	return roster.Member{Email: email, Username: username, ChatUserID: chatID, IsAdmin: admin}
}

func setOf(members ...roster.Member) roster.MembershipSet {
	set := make(roster.MembershipSet, len(members))
	for _, m := range members {
		set[m.Email] = m
	}
	return set
}

// membershipFor builds an assembled membership directly, bypassing the chat
// view, for upsert tests that exercise a single reconciler.
func membershipFor(kc *config.KindConfig, base string, set roster.MembershipSet) *Membership {
	return &Membership{
		Entity:  Entity{Kind: kc.Kind, Base: base},
		Cfg:     kc,
		Set:     set,
		Channel: naming.Render(kc.Standard.ChannelNamePattern, base),
	}
}

// resultFor returns the single result recorded for a subject.
func resultFor(t *testing.T, results []Result, subject string) Result {
	t.Helper()
	var found []Result
	for _, r := range results {
		if r.Subject == subject {
			found = append(found, r)
		}
	}
	require.Len(t, found, 1, "expected exactly one result for subject %s, got %v", subject, found)
	return found[0]
}

func subjects(results []Result) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Subject)
	}
	return out
}

// fakeChat is an in-memory chat platform.
type fakeChat struct {
	mu          sync.Mutex
	channels    []Channel
	members     map[string][]roster.ChannelUser
	dms         map[string][]string
	memberCalls int

	listErr error
	dmErr   error
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		members: make(map[string][]roster.ChannelUser),
		dms:     make(map[string][]string),
	}
}

func (f *fakeChat) addChannel(id, displayName string, users ...roster.ChannelUser) {
	f.channels = append(f.channels, Channel{ID: id, Slug: naming.Slugify(displayName), DisplayName: displayName})
	f.members[id] = users
}

func (f *fakeChat) ListChannels(ctx context.Context, teamID string) ([]Channel, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.channels, nil
}

func (f *fakeChat) GetChannelByName(ctx context.Context, teamID, slug string) (*Channel, error) {
	for i := range f.channels {
		if f.channels[i].Slug == slug {
			return &f.channels[i], nil
		}
	}
	return nil, rserrors.ErrNotFound
}

func (f *fakeChat) ListChannelMembers(ctx context.Context, channelID string) ([]roster.ChannelUser, error) {
	f.mu.Lock()
	f.memberCalls++
	f.mu.Unlock()
	return f.members[channelID], nil
}

func (f *fakeChat) SendDirectMessage(ctx context.Context, userID, text string) error {
	if f.dmErr != nil {
		return f.dmErr
	}
	f.mu.Lock()
	f.dms[userID] = append(f.dms[userID], text)
	f.mu.Unlock()
	return nil
}

// fakeProvider is an in-memory identity provider.
type fakeProvider struct {
	mu      sync.Mutex
	groups  []Group
	users   []GroupUser
	added   []string // groupID/userID
	removed []string

	listGroupsErr error
	listUsersErr  error
	addErr        error
	removeErr     error
}

func (f *fakeProvider) ListGroupsWithUsers(ctx context.Context) ([]Group, error) {
	if f.listGroupsErr != nil {
		return nil, f.listGroupsErr
	}
	return f.groups, nil
}

func (f *fakeProvider) ListUsers(ctx context.Context) ([]GroupUser, error) {
	if f.listUsersErr != nil {
		return nil, f.listUsersErr
	}
	return f.users, nil
}

func (f *fakeProvider) AddUserToGroup(ctx context.Context, groupID, userID string) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.mu.Lock()
	f.added = append(f.added, groupID+"/"+userID)
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) RemoveUserFromGroup(ctx context.Context, groupID, userID string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.mu.Lock()
	f.removed = append(f.removed, groupID+"/"+userID)
	f.mu.Unlock()
	return nil
}

// fakeOutline is an in-memory documentation platform.
type outlineGrant struct {
	collectionID string
	userID       string
	permission   string
}

type fakeOutline struct {
	mu          sync.Mutex
	colls       []Collection
	memberships map[string][]CollectionMember
	users       map[string]*OutlineUser

	created []string
	grants  []outlineGrant
	removed []string // collectionID/userID

	listErr    error
	createErr  error
	membersErr error
	addErr     error
	removeErr  error
}

func newFakeOutline() *fakeOutline {
	return &fakeOutline{
		memberships: make(map[string][]CollectionMember),
		users:       make(map[string]*OutlineUser),
	}
}

func (f *fakeOutline) ListCollections(ctx context.Context) ([]Collection, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.colls, nil
}

func (f *fakeOutline) CreateCollection(ctx context.Context, name string) (*Collection, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	coll := Collection{
		ID:   "coll-" + naming.Slugify(name),
		Name: name,
		URL:  "https://docs.example.test/collection/" + naming.Slugify(name),
	}
	f.mu.Lock()
	f.colls = append(f.colls, coll)
	f.created = append(f.created, name)
	f.mu.Unlock()
	return &coll, nil
}

func (f *fakeOutline) CollectionMemberships(ctx context.Context, collectionID string) ([]CollectionMember, error) {
	if f.membersErr != nil {
		return nil, f.membersErr
	}
	return f.memberships[collectionID], nil
}

func (f *fakeOutline) AddUserToCollection(ctx context.Context, collectionID, userID, permission string) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.mu.Lock()
	f.grants = append(f.grants, outlineGrant{collectionID, userID, permission})
	f.mu.Unlock()
	return nil
}

func (f *fakeOutline) RemoveUserFromCollection(ctx context.Context, collectionID, userID string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.mu.Lock()
	f.removed = append(f.removed, collectionID+"/"+userID)
	f.mu.Unlock()
	return nil
}

func (f *fakeOutline) GetUserByEmail(ctx context.Context, email string) (*OutlineUser, error) {
	if u, ok := f.users[email]; ok {
		return u, nil
	}
	return nil, rserrors.ErrNotFound
}

// fakeBrevo is an in-memory email platform.
type listCreate struct {
	name     string
	folderID int64
}

type fakeBrevo struct {
	mu      sync.Mutex
	lists   map[string]*ContactList
	folders map[string]int64
	nextID  int64

	created []listCreate
	upserts []contactUpsert

	findErr   error
	createErr error
	upsertErr error
}

type contactUpsert struct {
	email  string
	listID int64
}

func newFakeBrevo() *fakeBrevo {
	return &fakeBrevo{
		lists:   make(map[string]*ContactList),
		folders: make(map[string]int64),
		nextID:  100,
	}
}

func (f *fakeBrevo) FindListByName(ctx context.Context, name string) (*ContactList, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	if l, ok := f.lists[name]; ok {
		return l, nil
	}
	return nil, rserrors.ErrNotFound
}

func (f *fakeBrevo) CreateList(ctx context.Context, name string, folderID int64) (*ContactList, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.mu.Lock()
	f.nextID++
	l := &ContactList{ID: f.nextID, Name: name}
	f.lists[name] = l
	f.created = append(f.created, listCreate{name, folderID})
	f.mu.Unlock()
	return l, nil
}

func (f *fakeBrevo) FindFolderID(ctx context.Context, name string) (int64, error) {
	if id, ok := f.folders[name]; ok {
		return id, nil
	}
	return 0, rserrors.ErrNotFound
}

func (f *fakeBrevo) UpsertContact(ctx context.Context, email string, listID int64) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.mu.Lock()
	f.upserts = append(f.upserts, contactUpsert{email, listID})
	f.mu.Unlock()
	return nil
}

// fakeNocoDB is an in-memory database platform.
type nocoInvite struct {
	baseID string
	email  string
	role   string
}

type nocoRoleChange struct {
	baseID string
	userID string
	role   string
}

type fakeNocoDB struct {
	mu    sync.Mutex
	bases []Base
	users map[string][]BaseUser

	invites []nocoInvite
	roles   []nocoRoleChange

	listErr   error
	usersErr  error
	inviteErr error
	roleErr   error
}

func newFakeNocoDB() *fakeNocoDB {
	return &fakeNocoDB{users: make(map[string][]BaseUser)}
}

func (f *fakeNocoDB) ListBases(ctx context.Context) ([]Base, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.bases, nil
}

func (f *fakeNocoDB) FindBaseByTitle(ctx context.Context, title string) (*Base, error) {
	for i := range f.bases {
		if f.bases[i].Title == title {
			return &f.bases[i], nil
		}
	}
	return nil, rserrors.ErrNotFound
}

func (f *fakeNocoDB) ListBaseUsers(ctx context.Context, baseID string) ([]BaseUser, error) {
	if f.usersErr != nil {
		return nil, f.usersErr
	}
	return f.users[baseID], nil
}

func (f *fakeNocoDB) InviteUser(ctx context.Context, baseID, email, role string) error {
	if f.inviteErr != nil {
		return f.inviteErr
	}
	f.mu.Lock()
	f.invites = append(f.invites, nocoInvite{baseID, email, role})
	f.mu.Unlock()
	return nil
}

func (f *fakeNocoDB) UpdateUserRole(ctx context.Context, baseID, userID, role string) error {
	if f.roleErr != nil {
		return f.roleErr
	}
	f.mu.Lock()
	f.roles = append(f.roles, nocoRoleChange{baseID, userID, role})
	f.mu.Unlock()
	return nil
}

// fakeVault is an in-memory password store.
type vaultInvite struct {
	collectionID string
	email        string
}

type fakeVault struct {
	mu      sync.Mutex
	colls   []VaultCollection
	members []VaultMember
	details map[string]*VaultCollectionDetails

	invites []vaultInvite
	puts    map[string][]VaultCollectionUser

	listErr    error
	membersErr error
	detailsErr error
	inviteErr  error
	inviteErrs map[string]error // per-email override
	putErr     error
}

func newFakeVault() *fakeVault {
	return &fakeVault{
		details:    make(map[string]*VaultCollectionDetails),
		puts:       make(map[string][]VaultCollectionUser),
		inviteErrs: make(map[string]error),
	}
}

func (f *fakeVault) ListCollections(ctx context.Context) ([]VaultCollection, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.colls, nil
}

func (f *fakeVault) ListMembers(ctx context.Context) ([]VaultMember, error) {
	if f.membersErr != nil {
		return nil, f.membersErr
	}
	return f.members, nil
}

func (f *fakeVault) InviteUser(ctx context.Context, collectionID, email string) error {
	if err, ok := f.inviteErrs[email]; ok {
		return err
	}
	if f.inviteErr != nil {
		return f.inviteErr
	}
	f.mu.Lock()
	f.invites = append(f.invites, vaultInvite{collectionID, email})
	f.mu.Unlock()
	return nil
}

func (f *fakeVault) CollectionDetails(ctx context.Context, collectionID string) (*VaultCollectionDetails, error) {
	if f.detailsErr != nil {
		return nil, f.detailsErr
	}
	return f.details[collectionID], nil
}

func (f *fakeVault) PutCollectionUsers(ctx context.Context, collectionID string, users []VaultCollectionUser) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.mu.Lock()
	f.puts[collectionID] = users
	f.mu.Unlock()
	return nil
}

var (
	_ ChatCapability     = (*fakeChat)(nil)
	_ ProviderCapability = (*fakeProvider)(nil)
	_ OutlineCapability  = (*fakeOutline)(nil)
	_ BrevoCapability    = (*fakeBrevo)(nil)
	_ NocoDBCapability   = (*fakeNocoDB)(nil)
	_ VaultCapability    = (*fakeVault)(nil)
)

// viewFor builds a chat view for differential tests.
func viewFor(chat ChatCapability, matrix *config.Matrix, excluded config.Exclusions) *ChannelRoster {
	return NewChannelRoster(chat, testTeamID, matrix, excluded, logging.NewNopLogger())
}
