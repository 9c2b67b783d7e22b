// Package sync reconciles chat channel membership into downstream services.
//
// Channel membership is authoritative: the engine assembles a membership set
// per entity (pkg/roster), then drives each configured service toward it
// through a narrow capability interface. Upsert mode only adds and updates;
// differential mode also removes users no longer in any granting channel.
// Every subject considered yields exactly one Result carrying a stable action
// tag; reporters, the audit store, and tests consume that tag set, so it is a
// closed namespace.
package sync

import (
	"regexp"
	"strings"
)

// Status classifies a Result.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusSkipped Status = "SKIPPED"
)

// Service identifiers carried in Result.Service and used in skip-lists.
const (
	ServiceChat         = "mattermost"
	ServiceProvider     = "authentik"
	ServiceOutline      = "outline"
	ServiceBrevo        = "brevo"
	ServiceNocoDB       = "nocodb"
	ServiceVaultwarden  = "vaultwarden"
	ServiceOrchestrator = "orchestrator"
)

// Result is one reconciliation outcome for a (subject, resource) pair.
type Result struct {
	Service string `json:"service"`
	Target  string `json:"target_resource_name,omitempty"`
	Subject string `json:"subject_identifier,omitempty"`
	Channel string `json:"chat_channel_context,omitempty"`
	Status  Status `json:"status"`
	Action  string `json:"action_tag"`
	Error   string `json:"error_message,omitempty"`
}

// Action tags. The set is part of the public contract; additions are fine,
// renames are breaking.
const (
	ActionUserAddedToGroup     = "USER_ADDED_TO_GROUP"
	ActionUserAlreadyInGroup   = "USER_ALREADY_IN_GROUP"
	ActionUserRemovedFromGroup = "USER_REMOVED_FROM_GROUP"

	ActionUserEnsuredInList = "USER_ENSURED_IN_LIST"

	ActionUserRemovedFromCollection = "USER_REMOVED_FROM_COLLECTION"

	ActionUserAlreadyInBase = "USER_ALREADY_IN_BASE_WITH_CORRECT_ROLE"

	ActionUserInvitedToVault   = "USER_INVITED_TO_VAULT_COLLECTION"
	ActionUserRemovedFromVault = "USER_REMOVED_FROM_VAULT_COLLECTION"
	ActionUserAlreadyInvited   = "USER_ALREADY_INVITED"

	ActionSkippedNoEmail            = "SKIPPED_NO_EMAIL"
	ActionSkippedUserNotInProvider  = "SKIPPED_USER_NOT_IN_PROVIDER"
	ActionSkippedUserNotInOutline   = "SKIPPED_USER_NOT_IN_OUTLINE"
	ActionSkippedBaseNotFound       = "SKIPPED_BASE_NOT_FOUND"
	ActionSkippedCollectionNotFound = "SKIPPED_COLLECTION_NOT_FOUND"

	ActionFailedToAddUserToGroup        = "FAILED_TO_ADD_USER_TO_GROUP"
	ActionFailedToRemoveUserFromGroup   = "FAILED_TO_REMOVE_USER_FROM_GROUP"
	ActionFailedToListGroups            = "FAILED_TO_LIST_GROUPS"
	ActionFailedToEnsureCollection      = "FAILED_TO_ENSURE_COLLECTION"
	ActionFailedToListCollectionMembers = "FAILED_TO_LIST_COLLECTION_MEMBERS"
	ActionFailedToResolveUser           = "FAILED_TO_RESOLVE_USER"
	ActionFailedToAddUserToCollection   = "FAILED_TO_ADD_USER_TO_COLLECTION"
	ActionFailedToRemoveFromCollection  = "FAILED_TO_REMOVE_USER_FROM_COLLECTION"
	ActionFailedToListCollections       = "FAILED_TO_LIST_COLLECTIONS"
	ActionFailedToEnsureList            = "FAILED_TO_ENSURE_LIST"
	ActionFailedToEnsureContact         = "FAILED_TO_ENSURE_CONTACT"
	ActionFailedToFindBase              = "FAILED_TO_FIND_BASE"
	ActionFailedToListBases             = "FAILED_TO_LIST_BASES"
	ActionFailedToListBaseUsers         = "FAILED_TO_LIST_BASE_USERS"
	ActionFailedToInviteUser            = "FAILED_TO_INVITE_USER"
	ActionFailedToUpdateUserRole        = "FAILED_TO_UPDATE_USER_ROLE"
	ActionFailedToInviteToCollection    = "FAILED_TO_INVITE_TO_COLLECTION"
	ActionFailedToGetToken              = "FAILED_TO_GET_TOKEN"
	ActionFailedToUpdateCollectionUsers = "FAILED_TO_UPDATE_COLLECTION_USERS"
	ActionFailedToListMembers           = "FAILED_TO_LIST_MEMBERS"

	ActionInvalidSyncMode = "INVALID_SYNC_MODE"
	ActionUnexpectedError = "UNEXPECTED_ERROR"
)

var nonTagRun = regexp.MustCompile(`[^A-Z0-9]+`)

// tagCase folds a permission or role label into action-tag form:
// "read_write" → "READ_WRITE", "no-access" → "NO_ACCESS".
func tagCase(label string) string {
	up := strings.ToUpper(strings.TrimSpace(label))
	up = nonTagRun.ReplaceAllString(up, "_")
	return strings.Trim(up, "_")
}

// AddedToCollectionAction is the tag for a documentation-collection add or
// permission ensure at the given permission.
func AddedToCollectionAction(permission string) string {
	return "USER_ADDED_TO_COLLECTION_WITH_" + tagCase(permission) + "_ACCESS"
}

// InvitedAsAction is the tag for a database-base invitation at the given role.
func InvitedAsAction(role string) string {
	return "USER_INVITED_AS_" + tagCase(role)
}

// RoleUpdatedAction is the tag for a database-base role change to the given
// role. Differential removal is a role change to "no-access".
func RoleUpdatedAction(role string) string {
	return "USER_ROLE_UPDATED_TO_" + tagCase(role)
}

// DMOutcome records what happened to the notification direct message sent on
// a first-time grant.
type DMOutcome int

const (
	// DMNone means no DM was attempted (not a first-time grant, or the
	// subject has no chat user id). The action tag is left bare.
	DMNone DMOutcome = iota
	DMSent
	DMFailed
	DMSkippedNoURL
)

// Decorate appends the DM outcome suffix to an action tag. The sent variant
// reads "<TAG>_AND_DM_SENT"; failure variants drop the "AND". The asymmetry
// is part of the stable tag namespace.
func (o DMOutcome) Decorate(action string) string {
	switch o {
	case DMSent:
		return action + "_AND_DM_SENT"
	case DMFailed:
		return action + "_DM_FAILED"
	case DMSkippedNoURL:
		return action + "_DM_SKIPPED_NO_URL"
	default:
		return action
	}
}

// Tally counts results by status.
func Tally(results []Result) (succeeded, skipped, failed int) {
	for _, r := range results {
		switch r.Status {
		case StatusSuccess:
			succeeded++
		case StatusSkipped:
			skipped++
		case StatusFailure:
			failed++
		}
	}
	return succeeded, skipped, failed
}
