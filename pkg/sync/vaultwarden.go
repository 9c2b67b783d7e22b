package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/commonsops/rostersync/config"
	rserrors "github.com/commonsops/rostersync/pkg/errors"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/naming"
	"github.com/commonsops/rostersync/pkg/roster"
)

// VaultReconciler drives password-store collection access. Upsert is
// strictly additive (invitations only); differential mode additionally
// rewrites the collection's access list to drop users who lost every
// granting channel. Collections are provisioned elsewhere, so a missing
// collection is a skip.
type VaultReconciler struct {
	api       VaultCapability
	chat      ChatCapability
	matrix    *config.Matrix
	serverURL string
	log       logging.Logger

	collOnce sync.Once
	collErr  error
	colls    []VaultCollection

	membersOnce sync.Once
	membersErr  error
	emailByID   map[string]string
}

// NewVaultReconciler builds the password-store reconciler for one run.
// serverURL is the store's public URL for invitation DMs; empty disables
// DMs.
func NewVaultReconciler(api VaultCapability, chat ChatCapability, matrix *config.Matrix, serverURL string, log logging.Logger) *VaultReconciler {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &VaultReconciler{
		api:       api,
		chat:      chat,
		matrix:    matrix,
		serverURL: serverURL,
		log:       log,
	}
}

// Name implements Reconciler.
func (r *VaultReconciler) Name() string { return ServiceVaultwarden }

// collections enumerates the organization's collections once per run.
func (r *VaultReconciler) collections(ctx context.Context) ([]VaultCollection, error) {
	r.collOnce.Do(func() {
		r.colls, r.collErr = r.api.ListCollections(ctx)
	})
	return r.colls, r.collErr
}

// loadMembers builds the org-user id → email map once per run.
func (r *VaultReconciler) loadMembers(ctx context.Context) error {
	r.membersOnce.Do(func() {
		members, err := r.api.ListMembers(ctx)
		if err != nil {
			r.membersErr = err
			return
		}
		r.emailByID = make(map[string]string, len(members))
		for _, m := range members {
			r.emailByID[m.ID] = lowerEmail(m.Email)
		}
	})
	return r.membersErr
}

// findCollection resolves the entity's collection by rendered name.
func (r *VaultReconciler) findCollection(ctx context.Context, name string) (*VaultCollection, error) {
	colls, err := r.collections(ctx)
	if err != nil {
		return nil, err
	}
	for i := range colls {
		if colls[i].Name == name {
			return &colls[i], nil
		}
	}
	return nil, nil
}

// UpsertSync implements Reconciler.
func (r *VaultReconciler) UpsertSync(ctx context.Context, m *Membership) []Result {
	if r.api == nil || m.Cfg.Vaultwarden == nil {
		return nil
	}

	name := naming.Render(m.Cfg.Vaultwarden.CollectionNamePattern, m.Entity.Base)
	coll, err := r.findCollection(ctx, name)
	if err != nil {
		return []Result{{
			Service: ServiceVaultwarden,
			Target:  name,
			Channel: m.Channel,
			Status:  StatusFailure,
			Action:  ActionFailedToListCollections,
			Error:   err.Error(),
		}}
	}
	if coll == nil {
		r.log.Warn("password collection not found, skipping",
			logging.F("collection", name),
			logging.F("kind", m.Entity.Kind))
		return []Result{{
			Service: ServiceVaultwarden,
			Target:  name,
			Channel: m.Channel,
			Status:  StatusSkipped,
			Action:  ActionSkippedCollectionNotFound,
		}}
	}

	var results []Result
	for _, member := range m.Set.Sorted() {
		results = append(results, r.inviteMember(ctx, member, coll, m.Channel))
	}
	return results
}

// inviteMember issues one idempotent invitation and classifies the outcome.
func (r *VaultReconciler) inviteMember(ctx context.Context, member roster.Member, coll *VaultCollection, channelCtx string) Result {
	res := Result{
		Service: ServiceVaultwarden,
		Target:  coll.Name,
		Subject: member.Email,
		Channel: channelCtx,
	}

	err := r.api.InviteUser(ctx, coll.ID, member.Email)
	switch {
	case err == nil:
		res.Status = StatusSuccess
		res.Action = r.notify(ctx, member, coll).Decorate(ActionUserInvitedToVault)

	case rserrors.IsAlreadyExists(err):
		res.Status = StatusSuccess
		res.Action = ActionUserAlreadyInvited

	case rserrors.IsUnauthorized(err):
		res.Status = StatusFailure
		res.Action = ActionFailedToGetToken
		res.Error = err.Error()

	default:
		res.Status = StatusFailure
		res.Action = ActionFailedToInviteToCollection
		res.Error = err.Error()
	}
	return res
}

// notify sends the invitation DM pointing at the store's login page.
func (r *VaultReconciler) notify(ctx context.Context, member roster.Member, coll *VaultCollection) DMOutcome {
	if member.ChatUserID == "" {
		return DMNone
	}
	if r.serverURL == "" {
		r.log.Warn("password store URL not configured, skipping invitation DM",
			logging.F("collection", coll.Name),
			logging.F("username", member.Username))
		return DMSkippedNoURL
	}

	text := fmt.Sprintf("Hi @%s, you have been invited to the password collection **%s**.\nAccept the invitation here: %s",
		member.Username, coll.Name, r.serverURL)
	if err := r.chat.SendDirectMessage(ctx, member.ChatUserID, text); err != nil {
		r.log.Warn("invitation DM failed",
			logging.F("username", member.Username),
			logging.Err(err))
		return DMFailed
	}
	return DMSent
}

// DifferentialSync implements Reconciler: every collection whose name
// matches a matrix pattern converges. Missing members are invited; the
// access list is then rewritten without the users who are neither
// authoritative nor excluded-and-present. The rewrite is all-or-nothing per
// collection.
func (r *VaultReconciler) DifferentialSync(ctx context.Context, view *ChannelRoster) []Result {
	if r.api == nil {
		return nil
	}

	colls, err := r.collections(ctx)
	if err != nil {
		return []Result{{
			Service: ServiceVaultwarden,
			Status:  StatusFailure,
			Action:  ActionFailedToListCollections,
			Error:   err.Error(),
		}}
	}
	if err := r.loadMembers(ctx); err != nil {
		return []Result{{
			Service: ServiceVaultwarden,
			Status:  StatusFailure,
			Action:  ActionFailedToListMembers,
			Error:   err.Error(),
		}}
	}

	kinds := r.matrix.VaultwardenPatterns()
	ordered := make([]*VaultCollection, 0, len(colls))
	for i := range colls {
		ordered = append(ordered, &colls[i])
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	var results []Result
	for _, coll := range ordered {
		kind, base, ok := naming.Match(coll.Name, kinds)
		if !ok {
			continue
		}
		kc, ok := r.matrix.Kind(kind)
		if !ok || kc.Vaultwarden == nil {
			continue
		}

		m, err := view.EntityMembership(ctx, kc, base)
		if err != nil {
			results = append(results, Result{
				Service: ServiceVaultwarden,
				Target:  coll.Name,
				Status:  StatusFailure,
				Action:  ActionUnexpectedError,
				Error:   err.Error(),
			})
			continue
		}

		results = append(results, r.convergeCollection(ctx, m, coll)...)
	}
	return results
}

// convergeCollection reconciles one collection: invitations first, then the
// access-list rewrite.
func (r *VaultReconciler) convergeCollection(ctx context.Context, m *Membership, coll *VaultCollection) []Result {
	details, err := r.api.CollectionDetails(ctx, coll.ID)
	if err != nil {
		return []Result{{
			Service: ServiceVaultwarden,
			Target:  coll.Name,
			Channel: m.Channel,
			Status:  StatusFailure,
			Action:  ActionFailedToListCollectionMembers,
			Error:   err.Error(),
		}}
	}

	currentEmails := make(map[string]bool, len(details.Users))
	for _, cu := range details.Users {
		if email := r.emailByID[cu.ID]; email != "" {
			currentEmails[email] = true
		}
	}

	var results []Result
	for _, member := range m.Set.Sorted() {
		if currentEmails[member.Email] {
			// Confirmed members need no invitation round-trip.
			results = append(results, Result{
				Service: ServiceVaultwarden,
				Target:  coll.Name,
				Subject: member.Email,
				Channel: m.Channel,
				Status:  StatusSuccess,
				Action:  ActionUserAlreadyInvited,
			})
			continue
		}
		results = append(results, r.inviteMember(ctx, member, coll, m.Channel))
	}

	excludedEmails := m.ExcludedEmails()
	retained := make([]VaultCollectionUser, 0, len(details.Users))
	var removed []string

	for _, cu := range details.Users {
		email := r.emailByID[cu.ID]
		switch {
		case email == "":
			// Unmapped org-user ids are preserved; dropping an access
			// entry we cannot attribute is worse than keeping it.
			r.log.Warn("collection user not in member listing, preserving",
				logging.F("collection", coll.Name),
				logging.F("org_user_id", cu.ID))
			retained = append(retained, cu)
		case m.Set.Contains(email) || excludedEmails[email]:
			retained = append(retained, cu)
		default:
			removed = append(removed, email)
		}
	}

	if len(removed) == 0 {
		return results
	}

	if err := r.api.PutCollectionUsers(ctx, coll.ID, retained); err != nil {
		return append(results, Result{
			Service: ServiceVaultwarden,
			Target:  coll.Name,
			Channel: m.Channel,
			Status:  StatusFailure,
			Action:  ActionFailedToUpdateCollectionUsers,
			Error:   err.Error(),
		})
	}

	sort.Strings(removed)
	for _, email := range removed {
		results = append(results, Result{
			Service: ServiceVaultwarden,
			Target:  coll.Name,
			Subject: email,
			Channel: m.Channel,
			Status:  StatusSuccess,
			Action:  ActionUserRemovedFromVault,
		})
	}
	return results
}

var _ Reconciler = (*VaultReconciler)(nil)
