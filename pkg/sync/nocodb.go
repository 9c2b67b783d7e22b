package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/commonsops/rostersync/config"
	rserrors "github.com/commonsops/rostersync/pkg/errors"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/naming"
	"github.com/commonsops/rostersync/pkg/roster"
)

// NocoDBReconciler drives database-base membership. Bases are provisioned
// elsewhere, so a missing base is a skip, not a create. The platform has no
// base-user delete; revocation sets the role to no-access.
type NocoDBReconciler struct {
	api       NocoDBCapability
	chat      ChatCapability
	matrix    *config.Matrix
	serverURL string
	log       logging.Logger

	basesOnce sync.Once
	basesErr  error
	bases     []Base
}

// NewNocoDBReconciler builds the database reconciler for one run. serverURL
// is the platform's public URL for invitation DM links; empty disables DMs.
func NewNocoDBReconciler(api NocoDBCapability, chat ChatCapability, matrix *config.Matrix, serverURL string, log logging.Logger) *NocoDBReconciler {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &NocoDBReconciler{
		api:       api,
		chat:      chat,
		matrix:    matrix,
		serverURL: serverURL,
		log:       log,
	}
}

// Name implements Reconciler.
func (r *NocoDBReconciler) Name() string { return ServiceNocoDB }

// listBases fetches all bases once per run.
func (r *NocoDBReconciler) listBases(ctx context.Context) ([]Base, error) {
	r.basesOnce.Do(func() {
		r.bases, r.basesErr = r.api.ListBases(ctx)
	})
	return r.bases, r.basesErr
}

// UpsertSync implements Reconciler.
func (r *NocoDBReconciler) UpsertSync(ctx context.Context, m *Membership) []Result {
	if r.api == nil || m.Cfg.NocoDB == nil {
		return nil
	}

	title := naming.Render(m.Cfg.NocoDB.BaseTitlePattern, m.Entity.Base)
	base, err := r.api.FindBaseByTitle(ctx, title)
	if err != nil {
		if rserrors.IsNotFound(err) {
			r.log.Warn("database base not found, skipping",
				logging.F("base", title),
				logging.F("kind", m.Entity.Kind))
			return []Result{{
				Service: ServiceNocoDB,
				Target:  title,
				Channel: m.Channel,
				Status:  StatusSkipped,
				Action:  ActionSkippedBaseNotFound,
			}}
		}
		return []Result{{
			Service: ServiceNocoDB,
			Target:  title,
			Channel: m.Channel,
			Status:  StatusFailure,
			Action:  ActionFailedToFindBase,
			Error:   err.Error(),
		}}
	}

	current, err := r.api.ListBaseUsers(ctx, base.ID)
	if err != nil {
		return []Result{{
			Service: ServiceNocoDB,
			Target:  title,
			Channel: m.Channel,
			Status:  StatusFailure,
			Action:  ActionFailedToListBaseUsers,
			Error:   err.Error(),
		}}
	}

	return r.converge(ctx, m, base, current, false)
}

// converge invites missing users, aligns divergent roles, and (differential
// only) revokes access from users who are neither authoritative nor
// excluded-and-present.
func (r *NocoDBReconciler) converge(ctx context.Context, m *Membership, base *Base, current []BaseUser, removeExtras bool) []Result {
	var results []Result

	byEmail := make(map[string]*BaseUser, len(current))
	for i := range current {
		if e := lowerEmail(current[i].Email); e != "" {
			byEmail[e] = &current[i]
		}
	}

	targeted := make(map[string]bool, len(m.Set))
	for _, member := range m.Set.Sorted() {
		role := m.Cfg.NocoDB.DefaultAccess
		if member.IsAdmin {
			role = m.Cfg.NocoDB.AdminAccess
		}
		targeted[member.Email] = true

		res := Result{
			Service: ServiceNocoDB,
			Target:  base.Title,
			Subject: member.Email,
			Channel: m.Channel,
		}

		existing := byEmail[member.Email]
		switch {
		case existing == nil:
			if err := r.api.InviteUser(ctx, base.ID, member.Email, role); err != nil {
				res.Status = StatusFailure
				res.Action = ActionFailedToInviteUser
				res.Error = err.Error()
				break
			}
			res.Status = StatusSuccess
			res.Action = r.notify(ctx, member, base, role).Decorate(InvitedAsAction(role))

		case existing.Role == role:
			res.Status = StatusSuccess
			res.Action = ActionUserAlreadyInBase

		default:
			if err := r.api.UpdateUserRole(ctx, base.ID, existing.ID, role); err != nil {
				res.Status = StatusFailure
				res.Action = ActionFailedToUpdateUserRole
				res.Error = err.Error()
				break
			}
			res.Status = StatusSuccess
			res.Action = RoleUpdatedAction(role)
		}
		results = append(results, res)
	}

	if !removeExtras {
		return results
	}

	excludedEmails := m.ExcludedEmails()
	ordered := make([]BaseUser, len(current))
	copy(ordered, current)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Email < ordered[j].Email })

	for _, u := range ordered {
		email := lowerEmail(u.Email)
		if email == "" || targeted[email] {
			continue
		}
		if excludedEmails[email] {
			r.log.Debug("excluded user preserved in base",
				logging.F("base", base.Title),
				logging.F("email", email))
			continue
		}
		if u.Role == RoleNoAccess {
			continue
		}

		res := Result{
			Service: ServiceNocoDB,
			Target:  base.Title,
			Subject: email,
			Channel: m.Channel,
		}
		if err := r.api.UpdateUserRole(ctx, base.ID, u.ID, RoleNoAccess); err != nil {
			res.Status = StatusFailure
			res.Action = ActionFailedToUpdateUserRole
			res.Error = err.Error()
		} else {
			res.Status = StatusSuccess
			res.Action = RoleUpdatedAction(RoleNoAccess)
		}
		results = append(results, res)
	}

	return results
}

// notify sends the invitation DM with a dashboard link.
func (r *NocoDBReconciler) notify(ctx context.Context, member roster.Member, base *Base, role string) DMOutcome {
	if member.ChatUserID == "" {
		return DMNone
	}
	if r.serverURL == "" {
		r.log.Warn("database URL not configured, skipping invitation DM",
			logging.F("base", base.Title),
			logging.F("username", member.Username))
		return DMSkippedNoURL
	}

	link := strings.TrimRight(r.serverURL, "/") + "/#/nc/" + base.ID + "/dashboard"
	text := fmt.Sprintf("Hi @%s, you have been invited to the database base **%s** (role: %s).\nYou can reach it here: %s",
		member.Username, base.Title, role, link)
	if err := r.chat.SendDirectMessage(ctx, member.ChatUserID, text); err != nil {
		r.log.Warn("invitation DM failed",
			logging.F("username", member.Username),
			logging.Err(err))
		return DMFailed
	}
	return DMSent
}

// DifferentialSync implements Reconciler: every base whose title matches a
// matrix pattern is converged, revocations included.
func (r *NocoDBReconciler) DifferentialSync(ctx context.Context, view *ChannelRoster) []Result {
	if r.api == nil {
		return nil
	}

	bases, err := r.listBases(ctx)
	if err != nil {
		return []Result{{
			Service: ServiceNocoDB,
			Status:  StatusFailure,
			Action:  ActionFailedToListBases,
			Error:   err.Error(),
		}}
	}

	kinds := r.matrix.NocoDBPatterns()
	ordered := make([]*Base, 0, len(bases))
	for i := range bases {
		ordered = append(ordered, &bases[i])
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Title < ordered[j].Title })

	var results []Result
	for _, base := range ordered {
		kind, baseName, ok := naming.Match(base.Title, kinds)
		if !ok {
			continue
		}
		kc, ok := r.matrix.Kind(kind)
		if !ok || kc.NocoDB == nil {
			continue
		}

		m, err := view.EntityMembership(ctx, kc, baseName)
		if err != nil {
			results = append(results, Result{
				Service: ServiceNocoDB,
				Target:  base.Title,
				Status:  StatusFailure,
				Action:  ActionUnexpectedError,
				Error:   err.Error(),
			})
			continue
		}

		current, err := r.api.ListBaseUsers(ctx, base.ID)
		if err != nil {
			results = append(results, Result{
				Service: ServiceNocoDB,
				Target:  base.Title,
				Channel: m.Channel,
				Status:  StatusFailure,
				Action:  ActionFailedToListBaseUsers,
				Error:   err.Error(),
			})
			continue
		}

		results = append(results, r.converge(ctx, m, base, current, true)...)
	}
	return results
}

var _ Reconciler = (*NocoDBReconciler)(nil)
