package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddedToCollectionAction(t *testing.T) {
	assert.Equal(t, "USER_ADDED_TO_COLLECTION_WITH_READ_ACCESS", AddedToCollectionAction("read"))
	assert.Equal(t, "USER_ADDED_TO_COLLECTION_WITH_READ_WRITE_ACCESS", AddedToCollectionAction("read_write"))
}

func TestInvitedAsAction(t *testing.T) {
	assert.Equal(t, "USER_INVITED_AS_EDITOR", InvitedAsAction("editor"))
	assert.Equal(t, "USER_INVITED_AS_OWNER", InvitedAsAction("owner"))
}

func TestRoleUpdatedAction(t *testing.T) {
	assert.Equal(t, "USER_ROLE_UPDATED_TO_VIEWER", RoleUpdatedAction("viewer"))
	assert.Equal(t, "USER_ROLE_UPDATED_TO_NO_ACCESS", RoleUpdatedAction(RoleNoAccess))
}

func TestDecorate(t *testing.T) {
	tests := []struct {
		name    string
		outcome DMOutcome
		want    string
	}{
		{"sent appends AND_DM_SENT", DMSent, "USER_INVITED_TO_VAULT_COLLECTION_AND_DM_SENT"},
		{"failed appends DM_FAILED", DMFailed, "USER_INVITED_TO_VAULT_COLLECTION_DM_FAILED"},
		{"no url appends DM_SKIPPED_NO_URL", DMSkippedNoURL, "USER_INVITED_TO_VAULT_COLLECTION_DM_SKIPPED_NO_URL"},
		{"none leaves tag bare", DMNone, "USER_INVITED_TO_VAULT_COLLECTION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.outcome.Decorate(ActionUserInvitedToVault))
		})
	}
}

func TestTally(t *testing.T) {
	results := []Result{
		{Status: StatusSuccess},
		{Status: StatusSuccess},
		{Status: StatusSkipped},
		{Status: StatusFailure},
	}
	succeeded, skipped, failed := Tally(results)
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, 1, failed)
}
