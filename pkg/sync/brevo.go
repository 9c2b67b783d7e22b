package sync

import (
	"context"
	"sync"

	"github.com/commonsops/rostersync/config"
	rserrors "github.com/commonsops/rostersync/pkg/errors"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/naming"
)

// defaultFolderID is the email platform's root folder, used when no folder
// is configured or the configured one cannot be resolved.
const defaultFolderID int64 = 1

// BrevoReconciler drives contact-list membership. Contact lists are
// additive only: unsubscribe flows belong to the email platform, so neither
// mode removes contacts.
type BrevoReconciler struct {
	api    BrevoCapability
	matrix *config.Matrix
	log    logging.Logger

	mu         sync.Mutex
	listByName map[string]*ContactList
	folderIDs  map[string]int64
}

// NewBrevoReconciler builds the contact-list reconciler for one run.
func NewBrevoReconciler(api BrevoCapability, matrix *config.Matrix, log logging.Logger) *BrevoReconciler {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &BrevoReconciler{
		api:        api,
		matrix:     matrix,
		log:        log,
		listByName: make(map[string]*ContactList),
		folderIDs:  make(map[string]int64),
	}
}

// Name implements Reconciler.
func (r *BrevoReconciler) Name() string { return ServiceBrevo }

// folderID resolves the configured folder name, falling back to the default
// folder when the name is unset or cannot be found.
func (r *BrevoReconciler) folderID(ctx context.Context, name string) int64 {
	if name == "" {
		return defaultFolderID
	}

	r.mu.Lock()
	id, hit := r.folderIDs[name]
	r.mu.Unlock()
	if hit {
		return id
	}

	id, err := r.api.FindFolderID(ctx, name)
	if err != nil {
		r.log.Warn("folder not resolved, using default",
			logging.F("folder", name),
			logging.F("default_id", defaultFolderID),
			logging.Err(err))
		id = defaultFolderID
	}

	r.mu.Lock()
	r.folderIDs[name] = id
	r.mu.Unlock()
	return id
}

// ensureList resolves the entity's contact list, creating it when missing.
func (r *BrevoReconciler) ensureList(ctx context.Context, name, folderName, channelCtx string) (*ContactList, *Result) {
	fail := func(err error) *Result {
		return &Result{
			Service: ServiceBrevo,
			Target:  name,
			Channel: channelCtx,
			Status:  StatusFailure,
			Action:  ActionFailedToEnsureList,
			Error:   err.Error(),
		}
	}

	r.mu.Lock()
	list := r.listByName[name]
	r.mu.Unlock()
	if list != nil {
		return list, nil
	}

	list, err := r.api.FindListByName(ctx, name)
	if err != nil && !rserrors.IsNotFound(err) {
		return nil, fail(err)
	}
	if list == nil || rserrors.IsNotFound(err) {
		folder := r.folderID(ctx, folderName)
		list, err = r.api.CreateList(ctx, name, folder)
		if err != nil {
			return nil, fail(err)
		}
		r.log.Info("created contact list",
			logging.F("list", name),
			logging.F("folder_id", folder))
	}

	r.mu.Lock()
	r.listByName[name] = list
	r.mu.Unlock()
	return list, nil
}

// UpsertSync implements Reconciler.
func (r *BrevoReconciler) UpsertSync(ctx context.Context, m *Membership) []Result {
	if r.api == nil || m.Cfg.Brevo == nil {
		return nil
	}

	name := naming.Render(m.Cfg.Brevo.ListNamePattern, m.Entity.Base)
	list, failure := r.ensureList(ctx, name, m.Cfg.Brevo.FolderName, m.Channel)
	if failure != nil {
		return []Result{*failure}
	}

	var results []Result
	for _, member := range m.Set.Sorted() {
		res := Result{
			Service: ServiceBrevo,
			Target:  list.Name,
			Subject: member.Email,
			Channel: m.Channel,
		}
		if err := r.api.UpsertContact(ctx, member.Email, list.ID); err != nil {
			res.Status = StatusFailure
			res.Action = ActionFailedToEnsureContact
			res.Error = err.Error()
		} else {
			res.Status = StatusSuccess
			res.Action = ActionUserEnsuredInList
		}
		results = append(results, res)
	}
	return results
}

// DifferentialSync implements Reconciler. The email platform's capability
// has no list enumeration, and contact sync never removes, so differential
// mode reruns the additive upsert over the entities discovered from the
// chat platform.
func (r *BrevoReconciler) DifferentialSync(ctx context.Context, view *ChannelRoster) []Result {
	if r.api == nil {
		return nil
	}

	var results []Result
	for _, e := range view.Entities() {
		kc, ok := r.matrix.Kind(e.Kind)
		if !ok || kc.Brevo == nil {
			continue
		}

		m, err := view.EntityMembership(ctx, kc, e.Base)
		if err != nil {
			results = append(results, Result{
				Service: ServiceBrevo,
				Target:  naming.Render(kc.Brevo.ListNamePattern, e.Base),
				Status:  StatusFailure,
				Action:  ActionUnexpectedError,
				Error:   err.Error(),
			})
			continue
		}

		results = append(results, r.UpsertSync(ctx, m)...)
	}
	return results
}

var _ Reconciler = (*BrevoReconciler)(nil)
