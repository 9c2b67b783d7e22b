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

// Fallback permissions when a matrix block leaves them unset.
const (
	defaultReadAccess  = "read"
	defaultWriteAccess = "read_write"
)

// OutlineReconciler drives documentation-collection membership. Each entity
// maps to one collection; admin-channel members get the admin permission,
// everyone else the default. First-time grants trigger a notification DM.
type OutlineReconciler struct {
	api    OutlineCapability
	chat   ChatCapability
	matrix *config.Matrix
	log    logging.Logger

	collOnce sync.Once
	collErr  error
	colls    []Collection

	mu          sync.Mutex
	collByName  map[string]*Collection
	userByEmail map[string]*OutlineUser // nil value = known-absent account
}

// NewOutlineReconciler builds the documentation reconciler for one run.
func NewOutlineReconciler(api OutlineCapability, chat ChatCapability, matrix *config.Matrix, log logging.Logger) *OutlineReconciler {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &OutlineReconciler{
		api:         api,
		chat:        chat,
		matrix:      matrix,
		log:         log,
		collByName:  make(map[string]*Collection),
		userByEmail: make(map[string]*OutlineUser),
	}
}

// Name implements Reconciler.
func (r *OutlineReconciler) Name() string { return ServiceOutline }

// collections lists all collections once per run and indexes them by name.
func (r *OutlineReconciler) collections(ctx context.Context) ([]Collection, error) {
	r.collOnce.Do(func() {
		colls, err := r.api.ListCollections(ctx)
		if err != nil {
			r.collErr = err
			return
		}
		r.colls = colls
		r.mu.Lock()
		for i := range r.colls {
			r.collByName[r.colls[i].Name] = &r.colls[i]
		}
		r.mu.Unlock()
	})
	return r.colls, r.collErr
}

// user resolves a documentation account by email through the per-run cache.
// (nil, nil) means the platform has no account for the email.
func (r *OutlineReconciler) user(ctx context.Context, email string) (*OutlineUser, error) {
	r.mu.Lock()
	ou, hit := r.userByEmail[email]
	r.mu.Unlock()
	if hit {
		return ou, nil
	}

	ou, err := r.api.GetUserByEmail(ctx, email)
	if err != nil {
		if rserrors.IsNotFound(err) {
			r.mu.Lock()
			r.userByEmail[email] = nil
			r.mu.Unlock()
			return nil, nil
		}
		return nil, err
	}

	r.mu.Lock()
	r.userByEmail[email] = ou
	r.mu.Unlock()
	return ou, nil
}

// ensureCollection resolves the entity's collection, creating it when
// missing. On failure the single Result describes the whole entity.
func (r *OutlineReconciler) ensureCollection(ctx context.Context, name, channelCtx string) (*Collection, *Result) {
	fail := func(err error) *Result {
		return &Result{
			Service: ServiceOutline,
			Target:  name,
			Channel: channelCtx,
			Status:  StatusFailure,
			Action:  ActionFailedToEnsureCollection,
			Error:   err.Error(),
		}
	}

	if _, err := r.collections(ctx); err != nil {
		return nil, fail(err)
	}

	r.mu.Lock()
	coll := r.collByName[name]
	r.mu.Unlock()
	if coll != nil {
		return coll, nil
	}

	created, err := r.api.CreateCollection(ctx, name)
	if err != nil {
		return nil, fail(err)
	}
	r.log.Info("created documentation collection", logging.F("collection", name))

	r.mu.Lock()
	r.collByName[name] = created
	r.mu.Unlock()
	return created, nil
}

// UpsertSync implements Reconciler.
func (r *OutlineReconciler) UpsertSync(ctx context.Context, m *Membership) []Result {
	if r.api == nil || m.Cfg.Outline == nil {
		return nil
	}

	name := naming.Render(m.Cfg.Outline.CollectionNamePattern, m.Entity.Base)
	coll, failure := r.ensureCollection(ctx, name, m.Channel)
	if failure != nil {
		return []Result{*failure}
	}

	current, err := r.api.CollectionMemberships(ctx, coll.ID)
	if err != nil {
		return []Result{{
			Service: ServiceOutline,
			Target:  name,
			Channel: m.Channel,
			Status:  StatusFailure,
			Action:  ActionFailedToListCollectionMembers,
			Error:   err.Error(),
		}}
	}

	return r.converge(ctx, m, coll, current, false)
}

// converge adds and updates members, then (differential only) removes
// current members who are neither authoritative nor excluded-and-present.
func (r *OutlineReconciler) converge(ctx context.Context, m *Membership, coll *Collection, current []CollectionMember, removeExtras bool) []Result {
	var results []Result

	currentIDs := make(map[string]bool, len(current))
	for _, cm := range current {
		currentIDs[cm.UserID] = true
	}

	defaultPerm := m.Cfg.Outline.DefaultAccess
	if defaultPerm == "" {
		defaultPerm = defaultReadAccess
	}
	adminPerm := m.Cfg.Outline.AdminAccess
	if adminPerm == "" {
		adminPerm = defaultWriteAccess
	}

	targeted := make(map[string]bool, len(m.Set))
	for _, member := range m.Set.Sorted() {
		perm := defaultPerm
		if member.IsAdmin {
			perm = adminPerm
		}

		res := Result{
			Service: ServiceOutline,
			Target:  coll.Name,
			Subject: member.Email,
			Channel: m.Channel,
		}

		ou, err := r.user(ctx, member.Email)
		if err != nil {
			res.Status = StatusFailure
			res.Action = ActionFailedToResolveUser
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		if ou == nil {
			res.Status = StatusSkipped
			res.Action = ActionSkippedUserNotInOutline
			results = append(results, res)
			continue
		}

		targeted[ou.ID] = true
		firstTime := !currentIDs[ou.ID]

		if err := r.api.AddUserToCollection(ctx, coll.ID, ou.ID, perm); err != nil {
			res.Status = StatusFailure
			res.Action = ActionFailedToAddUserToCollection
			res.Error = err.Error()
			results = append(results, res)
			continue
		}

		action := AddedToCollectionAction(perm)
		if firstTime {
			action = r.notify(ctx, member, coll).Decorate(action)
		}
		res.Status = StatusSuccess
		res.Action = action
		results = append(results, res)
	}

	if !removeExtras {
		return results
	}

	// Excluded users keep access they already hold: resolve their account
	// ids and fold them into the targeted set before removal.
	for _, em := range m.Excluded {
		ou, err := r.user(ctx, em.Email)
		if err != nil || ou == nil {
			continue
		}
		if currentIDs[ou.ID] {
			targeted[ou.ID] = true
			r.log.Debug("excluded user preserved in collection",
				logging.F("collection", coll.Name),
				logging.F("username", em.Username))
		}
	}

	ordered := make([]CollectionMember, len(current))
	copy(ordered, current)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Email != ordered[j].Email {
			return ordered[i].Email < ordered[j].Email
		}
		return ordered[i].UserID < ordered[j].UserID
	})

	for _, cm := range ordered {
		if targeted[cm.UserID] {
			continue
		}

		subject := lowerEmail(cm.Email)
		if subject == "" {
			subject = cm.UserID
		}
		res := Result{
			Service: ServiceOutline,
			Target:  coll.Name,
			Subject: subject,
			Channel: m.Channel,
		}
		if err := r.api.RemoveUserFromCollection(ctx, coll.ID, cm.UserID); err != nil {
			res.Status = StatusFailure
			res.Action = ActionFailedToRemoveFromCollection
			res.Error = err.Error()
		} else {
			res.Status = StatusSuccess
			res.Action = ActionUserRemovedFromCollection
		}
		results = append(results, res)
	}

	return results
}

// notify sends the first-grant DM and reports the outcome for tag
// decoration.
func (r *OutlineReconciler) notify(ctx context.Context, member roster.Member, coll *Collection) DMOutcome {
	if member.ChatUserID == "" {
		return DMNone
	}
	if coll.URL == "" {
		r.log.Warn("collection has no URL, skipping notification DM",
			logging.F("collection", coll.Name),
			logging.F("username", member.Username))
		return DMSkippedNoURL
	}

	text := fmt.Sprintf("Hi @%s, you now have access to the documentation collection **%s**.\nYou can reach it here: %s",
		member.Username, coll.Name, coll.URL)
	if err := r.chat.SendDirectMessage(ctx, member.ChatUserID, text); err != nil {
		r.log.Warn("notification DM failed",
			logging.F("username", member.Username),
			logging.Err(err))
		return DMFailed
	}
	return DMSent
}

// DifferentialSync implements Reconciler: every collection whose name
// matches a matrix pattern is converged, removals included.
func (r *OutlineReconciler) DifferentialSync(ctx context.Context, view *ChannelRoster) []Result {
	if r.api == nil {
		return nil
	}

	colls, err := r.collections(ctx)
	if err != nil {
		return []Result{{
			Service: ServiceOutline,
			Status:  StatusFailure,
			Action:  ActionFailedToListCollections,
			Error:   err.Error(),
		}}
	}

	kinds := r.matrix.OutlinePatterns()
	ordered := make([]*Collection, 0, len(colls))
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
		if !ok || kc.Outline == nil {
			continue
		}

		m, err := view.EntityMembership(ctx, kc, base)
		if err != nil {
			results = append(results, Result{
				Service: ServiceOutline,
				Target:  coll.Name,
				Status:  StatusFailure,
				Action:  ActionUnexpectedError,
				Error:   err.Error(),
			})
			continue
		}

		current, err := r.api.CollectionMemberships(ctx, coll.ID)
		if err != nil {
			results = append(results, Result{
				Service: ServiceOutline,
				Target:  coll.Name,
				Channel: m.Channel,
				Status:  StatusFailure,
				Action:  ActionFailedToListCollectionMembers,
				Error:   err.Error(),
			})
			continue
		}

		results = append(results, r.converge(ctx, m, coll, current, true)...)
	}
	return results
}

var _ Reconciler = (*OutlineReconciler)(nil)
