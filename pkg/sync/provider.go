package sync

import (
	"context"
	"sort"
	"sync"

	"github.com/commonsops/rostersync/config"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/naming"
	"github.com/commonsops/rostersync/pkg/roster"
)

// ProviderReconciler drives identity-provider group membership. Each entity
// maps to a standard group (every channel member) and, when configured, an
// admin group (admin-channel members only).
type ProviderReconciler struct {
	api      ProviderCapability
	matrix   *config.Matrix
	excluded config.Exclusions
	log      logging.Logger

	groupsOnce   sync.Once
	groupsErr    error
	groupsByName map[string]*Group
	groups       []Group

	usersOnce sync.Once
	usersErr  error
	idByEmail map[string]string
}

// NewProviderReconciler builds the identity-provider reconciler for one run.
func NewProviderReconciler(api ProviderCapability, matrix *config.Matrix, excluded config.Exclusions, log logging.Logger) *ProviderReconciler {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &ProviderReconciler{api: api, matrix: matrix, excluded: excluded, log: log}
}

// Name implements Reconciler.
func (r *ProviderReconciler) Name() string { return ServiceProvider }

// loadGroups fetches all groups once per run and indexes them by name.
func (r *ProviderReconciler) loadGroups(ctx context.Context) ([]Group, map[string]*Group, error) {
	r.groupsOnce.Do(func() {
		groups, err := r.api.ListGroupsWithUsers(ctx)
		if err != nil {
			r.groupsErr = err
			return
		}
		r.groups = groups
		r.groupsByName = make(map[string]*Group, len(groups))
		for i := range r.groups {
			r.groupsByName[r.groups[i].Name] = &r.groups[i]
		}
	})
	return r.groups, r.groupsByName, r.groupsErr
}

// userID resolves a provider account id by email from the once-per-run user
// listing. ok is false when the provider has no account for the email.
func (r *ProviderReconciler) userID(ctx context.Context, email string) (string, bool, error) {
	r.usersOnce.Do(func() {
		users, err := r.api.ListUsers(ctx)
		if err != nil {
			r.usersErr = err
			return
		}
		r.idByEmail = make(map[string]string, len(users))
		for _, u := range users {
			if u.Email == "" {
				continue
			}
			r.idByEmail[lowerEmail(u.Email)] = u.ID
		}
	})
	if r.usersErr != nil {
		return "", false, r.usersErr
	}
	id, ok := r.idByEmail[email]
	return id, ok, nil
}

// UpsertSync implements Reconciler. The standard group receives the full
// membership set (admin members included); the admin group receives only
// admin-channel members.
func (r *ProviderReconciler) UpsertSync(ctx context.Context, m *Membership) []Result {
	if r.api == nil {
		return nil
	}

	var results []Result
	for _, tier := range r.entityGroups(m) {
		_, byName, err := r.loadGroups(ctx)
		if err != nil {
			return append(results, Result{
				Service: ServiceProvider,
				Target:  tier.groupName,
				Channel: m.Channel,
				Status:  StatusFailure,
				Action:  ActionFailedToListGroups,
				Error:   err.Error(),
			})
		}
		g, ok := byName[tier.groupName]
		if !ok {
			r.log.Warn("provider group not found, skipping",
				logging.F("group", tier.groupName),
				logging.F("kind", m.Entity.Kind),
				logging.F("base_name", m.Entity.Base))
			continue
		}
		results = append(results, r.syncGroup(ctx, g, tier.members, m.Channel, false)...)
	}
	return results
}

// groupTier pairs a rendered group name with the emails it should hold.
type groupTier struct {
	groupName string
	members   []string
}

// entityGroups renders the entity's configured group tiers.
func (r *ProviderReconciler) entityGroups(m *Membership) []groupTier {
	var tiers []groupTier
	if p := m.Cfg.Standard.ProviderGroupPattern; p != "" {
		tiers = append(tiers, groupTier{
			groupName: naming.Render(p, m.Entity.Base),
			members:   flatten(m.Set.Sorted()),
		})
	}
	if m.Cfg.HasAdmin() && m.Cfg.Admin.ProviderGroupPattern != "" {
		tiers = append(tiers, groupTier{
			groupName: naming.Render(m.Cfg.Admin.ProviderGroupPattern, m.Entity.Base),
			members:   flatten(m.Set.Admins()),
		})
	}
	return tiers
}

// syncGroup converges one group: adds missing members, reports existing
// ones, and (differential only) removes members no longer authoritative.
// Adds precede removes.
func (r *ProviderReconciler) syncGroup(ctx context.Context, g *Group, emails []string, channelCtx string, removeExtras bool) []Result {
	var results []Result

	inGroup := make(map[string]bool, len(g.Users))
	for _, u := range g.Users {
		inGroup[u.ID] = true
	}

	targeted := make(map[string]bool, len(emails))
	for _, email := range emails {
		targeted[email] = true

		res := Result{
			Service: ServiceProvider,
			Target:  g.Name,
			Subject: email,
			Channel: channelCtx,
		}

		uid, ok, err := r.userID(ctx, email)
		if err != nil {
			res.Status = StatusFailure
			res.Action = ActionFailedToAddUserToGroup
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		if !ok {
			res.Status = StatusSkipped
			res.Action = ActionSkippedUserNotInProvider
			results = append(results, res)
			continue
		}

		if inGroup[uid] {
			res.Status = StatusSuccess
			res.Action = ActionUserAlreadyInGroup
		} else if err := r.api.AddUserToGroup(ctx, g.ID, uid); err != nil {
			res.Status = StatusFailure
			res.Action = ActionFailedToAddUserToGroup
			res.Error = err.Error()
		} else {
			res.Status = StatusSuccess
			res.Action = ActionUserAddedToGroup
		}
		results = append(results, res)
	}

	if !removeExtras {
		return results
	}

	current := make([]GroupUser, len(g.Users))
	copy(current, g.Users)
	sort.Slice(current, func(i, j int) bool { return current[i].Email < current[j].Email })

	for _, u := range current {
		email := lowerEmail(u.Email)
		if email != "" && targeted[email] {
			continue
		}
		if r.excluded.Excluded(u.Username) {
			r.log.Debug("excluded user preserved in group",
				logging.F("group", g.Name),
				logging.F("username", u.Username))
			continue
		}

		subject := email
		if subject == "" {
			subject = u.Username
		}
		res := Result{
			Service: ServiceProvider,
			Target:  g.Name,
			Subject: subject,
			Channel: channelCtx,
		}
		if err := r.api.RemoveUserFromGroup(ctx, g.ID, u.ID); err != nil {
			res.Status = StatusFailure
			res.Action = ActionFailedToRemoveUserFromGroup
			res.Error = err.Error()
		} else {
			res.Status = StatusSuccess
			res.Action = ActionUserRemovedFromGroup
		}
		results = append(results, res)
	}

	return results
}

// flatten projects sorted members onto their emails.
func flatten(members []roster.Member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.Email)
	}
	return out
}

// DifferentialSync implements Reconciler: every provider group whose name
// matches a matrix pattern is converged against the channels of its entity,
// removals included. The admin pattern is tried first, so admin groups
// converge on the admin-channel subset.
func (r *ProviderReconciler) DifferentialSync(ctx context.Context, view *ChannelRoster) []Result {
	if r.api == nil {
		return nil
	}

	groups, _, err := r.loadGroups(ctx)
	if err != nil {
		return []Result{{
			Service: ServiceProvider,
			Status:  StatusFailure,
			Action:  ActionFailedToListGroups,
			Error:   err.Error(),
		}}
	}

	kinds := r.matrix.GroupPatterns()
	ordered := make([]*Group, 0, len(groups))
	for i := range groups {
		ordered = append(ordered, &groups[i])
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	var results []Result
	for _, g := range ordered {
		kind, base, isAdminGroup, ok := matchAdminOrStandard(g.Name, kinds)
		if !ok {
			continue
		}
		kc, ok := r.matrix.Kind(kind)
		if !ok {
			continue
		}

		m, err := view.EntityMembership(ctx, kc, base)
		if err != nil {
			results = append(results, Result{
				Service: ServiceProvider,
				Target:  g.Name,
				Status:  StatusFailure,
				Action:  ActionUnexpectedError,
				Error:   err.Error(),
			})
			continue
		}

		members := m.Set.Sorted()
		if isAdminGroup {
			members = m.Set.Admins()
		}
		results = append(results, r.syncGroup(ctx, g, flatten(members), m.Channel, true)...)
	}
	return results
}

var _ Reconciler = (*ProviderReconciler)(nil)
