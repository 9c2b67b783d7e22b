// Package cmd provides CLI commands for the rostersync tool.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/commonsops/rostersync/audit"
	"github.com/commonsops/rostersync/clients/authentik"
	"github.com/commonsops/rostersync/clients/brevo"
	"github.com/commonsops/rostersync/clients/httpapi"
	"github.com/commonsops/rostersync/clients/mattermost"
	"github.com/commonsops/rostersync/clients/nocodb"
	"github.com/commonsops/rostersync/clients/outline"
	"github.com/commonsops/rostersync/clients/vaultwarden"
	"github.com/commonsops/rostersync/config"
	rserrors "github.com/commonsops/rostersync/pkg/errors"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/observability"
	"github.com/commonsops/rostersync/pkg/sync"
)

// Each HTTP client must satisfy the engine capability it is registered for.
var (
	_ sync.ChatCapability     = (*mattermost.Client)(nil)
	_ sync.ProviderCapability = (*authentik.Client)(nil)
	_ sync.OutlineCapability  = (*outline.Client)(nil)
	_ sync.BrevoCapability    = (*brevo.Client)(nil)
	_ sync.NocoDBCapability   = (*nocodb.Client)(nil)
	_ sync.VaultCapability    = (*vaultwarden.Client)(nil)
)

// RunSpec describes one reconciliation run regardless of what triggered it.
type RunSpec struct {
	// Differential selects removal-capable reconciliation. Mode is
	// ignored when set.
	Differential bool

	// Mode selects upsert entity discovery.
	Mode sync.Mode

	// Skip lists service names excluded from this run.
	Skip []string

	// Trigger records what started the run: cli, bot, or queue.
	Trigger string
}

// ModeLabel is the mode string carried in metrics, audit rows, and logs.
func (s RunSpec) ModeLabel() string {
	if s.Differential {
		return "DIFFERENTIAL"
	}
	return string(s.Mode)
}

// clientSet holds one constructed client per configured service. Unconfigured
// services stay nil and their reconcilers are never registered.
type clientSet struct {
	chat  *mattermost.Client
	idp   *authentik.Client
	docs  *outline.Client
	mail  *brevo.Client
	db    *nocodb.Client
	vault *vaultwarden.Client
}

// newClientSet builds clients for every configured service block. Each client
// copies the shared options, so one set is safe across all of them.
func newClientSet(cfg *config.Config, log logging.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *clientSet {
	opts := httpapi.DefaultOptions()
	opts.Logger = log
	opts.Metrics = metrics
	opts.Tracer = tracer

	cs := &clientSet{}
	if cfg.Mattermost.IsConfigured() {
		cs.chat = mattermost.New(&cfg.Mattermost, log, opts)
	}
	if cfg.Authentik.IsConfigured() {
		cs.idp = authentik.New(&cfg.Authentik, log, opts)
	}
	if cfg.Outline.IsConfigured() {
		cs.docs = outline.New(&cfg.Outline, log, opts)
	}
	if cfg.Brevo.IsConfigured() {
		cs.mail = brevo.New(&cfg.Brevo, log, opts)
	}
	if cfg.NocoDB.IsConfigured() {
		cs.db = nocodb.New(&cfg.NocoDB, log, opts)
	}
	if cfg.Vaultwarden.IsConfigured() {
		cs.vault = vaultwarden.New(&cfg.Vaultwarden, log, opts)
	}
	return cs
}

// probeListName is an improbable contact-list name; a NotFound answer still
// proves the email platform is reachable and the key works.
const probeListName = "rostersync-reachability-probe"

// probes returns a reachability check per constructed client, keyed by
// service name. The check command and /healthz both consult these.
func (cs *clientSet) probes() map[string]observability.HealthProbe {
	out := make(map[string]observability.HealthProbe)
	if cs.chat != nil {
		out[sync.ServiceChat] = func(ctx context.Context) error {
			_, err := cs.chat.Me(ctx)
			return err
		}
	}
	if cs.idp != nil {
		out[sync.ServiceProvider] = func(ctx context.Context) error {
			_, err := cs.idp.ListUsers(ctx)
			return err
		}
	}
	if cs.docs != nil {
		out[sync.ServiceOutline] = func(ctx context.Context) error {
			_, err := cs.docs.ListCollections(ctx)
			return err
		}
	}
	if cs.mail != nil {
		out[sync.ServiceBrevo] = func(ctx context.Context) error {
			_, err := cs.mail.FindListByName(ctx, probeListName)
			if err != nil && !rserrors.IsNotFound(err) {
				return err
			}
			return nil
		}
	}
	if cs.db != nil {
		out[sync.ServiceNocoDB] = func(ctx context.Context) error {
			_, err := cs.db.ListBases(ctx)
			return err
		}
	}
	if cs.vault != nil {
		out[sync.ServiceVaultwarden] = func(ctx context.Context) error {
			_, err := cs.vault.ListCollections(ctx)
			return err
		}
	}
	return out
}

// Runner executes reconciliation runs for every trigger: the one-shot sync
// command, the queue worker, and the chat bot. It owns the long-lived
// clients; engine deps are rebuilt per run because reconcilers cache
// per-run state.
type Runner struct {
	cfg      *config.Config
	matrix   *config.Matrix
	excluded config.Exclusions

	clients *clientSet

	log     logging.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	audit   *audit.Store
}

// NewRunner loads the matrix and exclusions, builds clients, and connects
// the audit store when configured. An unreachable audit store logs a warning
// and history recording is skipped; everything else fails construction.
func NewRunner(ctx context.Context, cfg *config.Config, log logging.Logger, metrics *observability.Metrics) (*Runner, error) {
	if log == nil {
		log = logging.NewNopLogger()
	}
	if !cfg.Mattermost.IsConfigured() {
		return nil, fmt.Errorf("mattermost is not configured; sync has no membership source")
	}

	matrixPath, err := cfg.EffectiveMatrixPath()
	if err != nil {
		return nil, err
	}
	matrix, err := config.LoadMatrix(matrixPath)
	if err != nil {
		return nil, fmt.Errorf("loading permissions matrix: %w", err)
	}

	exclusionsPath, err := cfg.EffectiveExclusionsPath()
	if err != nil {
		return nil, err
	}
	excluded, err := config.LoadExclusions(exclusionsPath)
	if err != nil {
		return nil, fmt.Errorf("loading excluded users: %w", err)
	}

	tracer := observability.NewTracer()

	r := &Runner{
		cfg:      cfg,
		matrix:   matrix,
		excluded: excluded,
		clients:  newClientSet(cfg, log, metrics, tracer),
		log:      log,
		metrics:  metrics,
		tracer:   tracer,
	}

	if cfg.Audit.IsConfigured() {
		store, err := audit.Connect(ctx, &cfg.Audit, log)
		if err != nil {
			log.Warn("audit store unavailable, run history disabled", logging.Err(err))
		} else if err := store.EnsureSchema(ctx); err != nil {
			log.Warn("audit schema bootstrap failed, run history disabled", logging.Err(err))
			store.Close()
		} else {
			r.audit = store
		}
	}

	return r, nil
}

// Chat exposes the chat client for the bot front-end.
func (r *Runner) Chat() *mattermost.Client {
	return r.clients.chat
}

// Probes exposes per-service reachability checks.
func (r *Runner) Probes() map[string]observability.HealthProbe {
	return r.clients.probes()
}

// Close releases the audit pool. Clients hold no connections of their own.
func (r *Runner) Close() {
	if r.audit != nil {
		r.audit.Close()
	}
}

// buildDeps assembles fresh engine dependencies for one run. The clients
// underneath are long-lived, so the password store keeps its bearer token
// across runs.
func (r *Runner) buildDeps() sync.Deps {
	reg := sync.NewRegistry()
	register := func(rec sync.Reconciler) {
		if err := reg.Register(rec); err != nil {
			r.log.Warn("reconciler registration failed",
				logging.F("service", rec.Name()),
				logging.Err(err))
		}
	}

	if r.clients.idp != nil {
		register(sync.NewProviderReconciler(r.clients.idp, r.matrix, r.excluded, r.log))
	}
	if r.clients.docs != nil {
		register(sync.NewOutlineReconciler(r.clients.docs, r.clients.chat, r.matrix, r.log))
	}
	if r.clients.mail != nil {
		register(sync.NewBrevoReconciler(r.clients.mail, r.matrix, r.log))
	}
	if r.clients.db != nil {
		register(sync.NewNocoDBReconciler(r.clients.db, r.clients.chat, r.matrix, r.cfg.NocoDB.URL, r.log))
	}
	if r.clients.vault != nil {
		register(sync.NewVaultReconciler(r.clients.vault, r.clients.chat, r.matrix, r.cfg.Vaultwarden.ServerURL, r.log))
	}

	deps := sync.Deps{
		Chat:        r.clients.chat,
		Matrix:      r.matrix,
		Excluded:    r.excluded,
		Registry:    reg,
		Concurrency: r.cfg.Concurrency,
		Logger:      r.log,
		Metrics:     r.metrics,
		Tracer:      r.tracer,
	}
	if r.clients.idp != nil {
		deps.Provider = r.clients.idp
	}
	return deps
}

// Execute performs one run: orchestrate, observe run metrics, and record
// history. The returned bool reflects only fatal orchestration errors;
// per-record failures ride in the results.
func (r *Runner) Execute(ctx context.Context, spec RunSpec) (bool, []sync.Result) {
	id, _ := ctx.Value(logging.RunIDKey).(string)
	if id == "" {
		id = uuid.NewString()
		ctx = context.WithValue(ctx, logging.RunIDKey, id)
	}

	deps := r.buildDeps()
	started := time.Now().UTC()

	var ok bool
	var results []sync.Result
	if spec.Differential {
		ok, results = sync.DifferentialSync(ctx, deps, r.cfg.Mattermost.TeamID, spec.Skip)
	} else {
		ok, results = sync.Orchestrate(ctx, deps, r.cfg.Mattermost.TeamID, spec.Mode, spec.Skip)
	}
	finished := time.Now().UTC()

	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	r.metrics.ObserveRun(spec.ModeLabel(), spec.Trigger, outcome, finished.Sub(started).Seconds())

	if r.audit != nil {
		// History is recorded even when the run context was cancelled,
		// so the write gets its own deadline.
		recordCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		run := audit.NewRun(id, spec.ModeLabel(), spec.Trigger, r.cfg.Mattermost.TeamID, started, finished, results)
		if err := r.audit.RecordRun(recordCtx, run); err != nil {
			r.log.Warn("recording run history failed",
				logging.F("run_id", id),
				logging.Err(err))
		}
	}

	return ok, results
}
