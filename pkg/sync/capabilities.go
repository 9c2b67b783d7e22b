package sync

import (
	"context"

	"github.com/commonsops/rostersync/pkg/roster"
)

// Capability interfaces are the narrow surfaces the engine needs from each
// external system. clients/* satisfy them over HTTP (or subprocess, for the
// password store's directory listing); tests substitute in-memory fakes. The
// reconcilers never see transport concerns.

// Channel is a chat-platform channel.
type Channel struct {
	ID          string
	Slug        string
	DisplayName string
}

// ChatCapability is the chat-platform surface consumed by the engine. A nil
// capability is never passed to the engine; the chat platform is mandatory.
type ChatCapability interface {
	// ListChannels returns every channel of the team the bot can see.
	ListChannels(ctx context.Context, teamID string) ([]Channel, error)

	// GetChannelByName resolves a channel by its URL slug. Absence is
	// reported with pkg/errors.ErrNotFound.
	GetChannelByName(ctx context.Context, teamID, slug string) (*Channel, error)

	// ListChannelMembers returns the channel's members with their profile
	// email and username.
	ListChannelMembers(ctx context.Context, channelID string) ([]roster.ChannelUser, error)

	// SendDirectMessage posts a direct message to a user from the bot
	// account.
	SendDirectMessage(ctx context.Context, userID, text string) error
}

// Group is an identity-provider group with its current members.
type Group struct {
	ID    string
	Name  string
	Users []GroupUser
}

// GroupUser is one identity-provider account.
type GroupUser struct {
	ID       string
	Username string
	Email    string
}

// ProviderCapability is the identity-provider surface.
type ProviderCapability interface {
	// ListGroupsWithUsers returns all groups, each with its member list.
	ListGroupsWithUsers(ctx context.Context) ([]Group, error)

	// ListUsers returns every provider account, for the email → id map.
	ListUsers(ctx context.Context) ([]GroupUser, error)

	AddUserToGroup(ctx context.Context, groupID, userID string) error
	RemoveUserFromGroup(ctx context.Context, groupID, userID string) error
}

// Collection is a documentation collection. URL is the shareable location
// used in notification DMs; empty when the client cannot derive one.
type Collection struct {
	ID   string
	Name string
	URL  string
}

// CollectionMember is one documentation-collection membership.
type CollectionMember struct {
	UserID     string
	Email      string
	Permission string
}

// OutlineUser is a documentation-platform account.
type OutlineUser struct {
	ID    string
	Name  string
	Email string
}

// OutlineCapability is the documentation-platform surface.
type OutlineCapability interface {
	ListCollections(ctx context.Context) ([]Collection, error)
	CreateCollection(ctx context.Context, name string) (*Collection, error)

	// CollectionMemberships returns the collection's individual members
	// with email and permission.
	CollectionMemberships(ctx context.Context, collectionID string) ([]CollectionMember, error)

	// AddUserToCollection grants or updates a user's permission on the
	// collection; the call is idempotent on the permission.
	AddUserToCollection(ctx context.Context, collectionID, userID, permission string) error

	RemoveUserFromCollection(ctx context.Context, collectionID, userID string) error

	// GetUserByEmail resolves a platform account; absence is
	// pkg/errors.ErrNotFound.
	GetUserByEmail(ctx context.Context, email string) (*OutlineUser, error)
}

// ContactList is an email-platform contact list.
type ContactList struct {
	ID   int64
	Name string
}

// BrevoCapability is the email-platform surface. Contact-list sync is
// additive only, so no removal operation exists here.
type BrevoCapability interface {
	// FindListByName resolves a list; absence is pkg/errors.ErrNotFound.
	FindListByName(ctx context.Context, name string) (*ContactList, error)

	// CreateList creates a list inside the given folder.
	CreateList(ctx context.Context, name string, folderID int64) (*ContactList, error)

	// FindFolderID resolves a folder by name; absence is
	// pkg/errors.ErrNotFound.
	FindFolderID(ctx context.Context, name string) (int64, error)

	// UpsertContact creates the contact if needed and ensures list
	// membership, as a single idempotent call.
	UpsertContact(ctx context.Context, email string, listID int64) error
}

// Base is a database-platform base.
type Base struct {
	ID    string
	Title string
}

// BaseUser is one database-base membership with its current role.
type BaseUser struct {
	ID    string
	Email string
	Role  string
}

// RoleNoAccess models removal from a database base; the platform has no
// first-class base-user delete.
const RoleNoAccess = "no-access"

// NocoDBCapability is the database-platform surface.
type NocoDBCapability interface {
	ListBases(ctx context.Context) ([]Base, error)

	// FindBaseByTitle resolves a base; absence is pkg/errors.ErrNotFound.
	FindBaseByTitle(ctx context.Context, title string) (*Base, error)

	ListBaseUsers(ctx context.Context, baseID string) ([]BaseUser, error)
	InviteUser(ctx context.Context, baseID, email, role string) error
	UpdateUserRole(ctx context.Context, baseID, userID, role string) error
}

// VaultCollection is a password-store collection.
type VaultCollection struct {
	ID    string
	Name  string
	OrgID string
}

// VaultMember is an organization member of the password store. ID is the
// organization-user id referenced by collection access lists.
type VaultMember struct {
	ID    string
	Name  string
	Email string
}

// VaultCollectionUser is one entry of a collection's access list, in the
// shape the update endpoint expects back.
type VaultCollectionUser struct {
	ID            string `json:"id"`
	ReadOnly      bool   `json:"readOnly"`
	HidePasswords bool   `json:"hidePasswords"`
	Manage        bool   `json:"manage"`
}

// VaultCollectionDetails is a collection with its full access list.
type VaultCollectionDetails struct {
	ID    string
	Name  string
	Users []VaultCollectionUser
}

// VaultCapability is the password-store surface. Invitations are idempotent:
// an already-member or already-invited response surfaces as
// pkg/errors.ErrAlreadyExists, a rejected or expired token as
// pkg/errors.ErrUnauthorized.
type VaultCapability interface {
	// ListCollections enumerates the organization's collections. The
	// production implementation shells out to the vendor CLI; the
	// capability hides that.
	ListCollections(ctx context.Context) ([]VaultCollection, error)

	// ListMembers enumerates organization members, mapping org-user ids
	// to emails.
	ListMembers(ctx context.Context) ([]VaultMember, error)

	InviteUser(ctx context.Context, collectionID, email string) error

	CollectionDetails(ctx context.Context, collectionID string) (*VaultCollectionDetails, error)

	// PutCollectionUsers replaces the collection's access list. The call
	// must run to completion once issued; implementations detach it from
	// caller cancellation.
	PutCollectionUsers(ctx context.Context, collectionID string, users []VaultCollectionUser) error
}
