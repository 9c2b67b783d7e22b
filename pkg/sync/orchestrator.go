package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/commonsops/rostersync/config"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/naming"
	"github.com/commonsops/rostersync/pkg/observability"
)

// Mode selects how upsert runs discover entities. Reconciliation itself is
// identical: every configured reconciler runs either way.
type Mode string

const (
	// ModeWithProvider discovers entities from identity-provider group
	// names.
	ModeWithProvider Mode = "WITH_PROVIDER"

	// ModeChatToTools discovers entities from chat channel names.
	ModeChatToTools Mode = "CHAT_TO_TOOLS"
)

// ParseMode normalizes a user-supplied mode string.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case string(ModeWithProvider):
		return ModeWithProvider, nil
	case string(ModeChatToTools):
		return ModeChatToTools, nil
	default:
		return "", fmt.Errorf("unknown sync mode %q", s)
	}
}

// DefaultConcurrency bounds concurrent per-entity tasks when Deps leaves
// Concurrency unset.
const DefaultConcurrency = 4

// Deps carries everything a run needs. Registry reconcilers hold per-run
// caches, so build Deps fresh for every run.
type Deps struct {
	Chat     ChatCapability
	Provider ProviderCapability
	Matrix   *config.Matrix
	Excluded config.Exclusions
	Registry *Registry

	// Concurrency bounds concurrent per-entity tasks (upsert) or
	// concurrent reconcilers (differential). <= 0 means
	// DefaultConcurrency.
	Concurrency int

	Logger  logging.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

func (d *Deps) logger() logging.Logger {
	if d.Logger == nil {
		return logging.NewNopLogger()
	}
	return d.Logger
}

func (d *Deps) tracer() *observability.Tracer {
	if d.Tracer == nil {
		return observability.NewTracer()
	}
	return d.Tracer
}

// runID reuses the id the caller stowed in the context, so log lines, spans,
// and audit rows correlate; absent that, each run mints its own.
func runID(ctx context.Context) string {
	if id, ok := ctx.Value(logging.RunIDKey).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// skipSet normalizes a skip-list for lookups.
func skipSet(skipServices []string) map[string]bool {
	out := make(map[string]bool, len(skipServices))
	for _, s := range skipServices {
		out[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return out
}

// resultCollector serializes concurrent appends to the run's result list.
type resultCollector struct {
	mu      sync.Mutex
	results []Result
}

func (c *resultCollector) add(rs ...Result) {
	if len(rs) == 0 {
		return
	}
	c.mu.Lock()
	c.results = append(c.results, rs...)
	c.mu.Unlock()
}

// Orchestrate runs one upsert sync: discover entities per mode, assemble
// each entity's authoritative membership, and invoke every configured,
// non-skipped reconciler. The bool reflects only fatal orchestration
// errors; per-record failures ride in the results.
func Orchestrate(ctx context.Context, deps Deps, teamID string, mode Mode, skipServices []string) (bool, []Result) {
	id := runID(ctx)
	log := deps.logger().With(logging.F("run_id", id), logging.F("mode", string(mode)))
	tracer := deps.tracer()

	ctx, span := tracer.StartRunSpan(ctx, id, string(mode))
	defer span.End()
	helper := observability.NewSpanHelper(span)

	if mode != ModeWithProvider && mode != ModeChatToTools {
		err := fmt.Errorf("unknown sync mode %q", mode)
		log.Error("invalid sync mode", logging.Err(err))
		helper.SetError(err)
		return false, []Result{{
			Service: ServiceOrchestrator,
			Status:  StatusFailure,
			Action:  ActionInvalidSyncMode,
			Error:   err.Error(),
		}}
	}
	if deps.Chat == nil {
		log.Error("chat client not configured, aborting sync")
		return false, nil
	}
	if teamID == "" {
		log.Error("chat team id not configured, aborting sync")
		return false, nil
	}

	view := NewChannelRoster(deps.Chat, teamID, deps.Matrix, deps.Excluded, log)

	entities, err := discoverEntities(ctx, deps, teamID, mode)
	if err != nil {
		log.Error("entity discovery failed", logging.Err(err))
		helper.SetError(err)
		return false, nil
	}
	log.Info("entities discovered", logging.F("count", len(entities)))
	deps.Metrics.ObserveEntities(string(mode), len(entities))

	skip := skipSet(skipServices)
	collector := &resultCollector{}

	conc := deps.Concurrency
	if conc <= 0 {
		conc = DefaultConcurrency
	}
	sem := make(chan struct{}, conc)
	var wg sync.WaitGroup

	for _, e := range entities {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			collector.add(reconcileEntity(ctx, deps, view, e, skip, log, tracer)...)
		}()
	}
	wg.Wait()

	helper.SetCounts(Tally(collector.results))
	helper.SetSuccess()
	recordMetrics(deps.Metrics, collector.results)
	return true, collector.results
}

// discoverEntities enumerates the mode's source of truth and reverse-matches
// names onto matrix patterns.
func discoverEntities(ctx context.Context, deps Deps, teamID string, mode Mode) ([]Entity, error) {
	seen := make(map[string]bool)
	var entities []Entity
	keep := func(kind, base string) {
		e := Entity{Kind: kind, Base: base}
		if !seen[e.key()] {
			seen[e.key()] = true
			entities = append(entities, e)
		}
	}

	switch mode {
	case ModeWithProvider:
		if deps.Provider == nil {
			return nil, fmt.Errorf("identity provider not configured for %s", ModeWithProvider)
		}
		groups, err := deps.Provider.ListGroupsWithUsers(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing provider groups: %w", err)
		}
		kinds := deps.Matrix.GroupPatterns()
		for _, g := range groups {
			if kind, base, _, ok := matchAdminOrStandard(g.Name, kinds); ok {
				keep(kind, base)
			}
		}

	case ModeChatToTools:
		channels, err := deps.Chat.ListChannels(ctx, teamID)
		if err != nil {
			return nil, fmt.Errorf("listing channels: %w", err)
		}
		kinds := deps.Matrix.ChannelPatterns()
		for _, ch := range channels {
			if kind, base, ok := naming.MatchChannel(ch.DisplayName, ch.Slug, kinds); ok {
				keep(kind, base)
			}
		}
	}

	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Kind != entities[j].Kind {
			return entities[i].Kind < entities[j].Kind
		}
		return entities[i].Base < entities[j].Base
	})
	return entities, nil
}

// reconcileEntity assembles one entity's membership and runs each
// reconciler over it in registry order.
func reconcileEntity(ctx context.Context, deps Deps, view *ChannelRoster, e Entity, skip map[string]bool, log logging.Logger, tracer *observability.Tracer) []Result {
	ctx, span := tracer.StartEntitySpan(ctx, e.Kind, e.Base)
	defer span.End()

	kc, ok := deps.Matrix.Kind(e.Kind)
	if !ok {
		return nil
	}

	m, err := view.EntityMembership(ctx, kc, e.Base)
	if err != nil {
		log.Error("membership assembly failed",
			logging.F("kind", e.Kind),
			logging.F("base_name", e.Base),
			logging.Err(err))
		observability.NewSpanHelper(span).SetError(err)
		return []Result{{
			Service: ServiceChat,
			Target:  e.Base,
			Status:  StatusFailure,
			Action:  ActionUnexpectedError,
			Error:   err.Error(),
		}}
	}

	var out []Result
	for _, username := range m.NoEmail {
		out = append(out, Result{
			Service: ServiceChat,
			Target:  m.Channel,
			Subject: username,
			Channel: m.Channel,
			Status:  StatusSkipped,
			Action:  ActionSkippedNoEmail,
		})
	}

	for _, rec := range deps.Registry.All() {
		if skip[rec.Name()] {
			continue
		}
		out = append(out, runUpsert(ctx, rec, m, log, tracer)...)
	}
	return out
}

// runUpsert invokes one reconciler, converting a panic into a synthetic
// failure record so the run continues.
func runUpsert(ctx context.Context, rec Reconciler, m *Membership, log logging.Logger, tracer *observability.Tracer) (results []Result) {
	ctx, span := tracer.StartReconcilerSpan(ctx, rec.Name())
	defer span.End()
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("panic: %v", p)
			log.Error("reconciler panicked",
				logging.F("service", rec.Name()),
				logging.Err(err))
			observability.NewSpanHelper(span).SetError(err)
			results = append(results, Result{
				Service: rec.Name(),
				Target:  m.Channel,
				Channel: m.Channel,
				Status:  StatusFailure,
				Action:  ActionUnexpectedError,
				Error:   err.Error(),
			})
		}
	}()
	return rec.UpsertSync(ctx, m)
}

// DifferentialSync runs one differential sync: prefetch every channel that
// maps to an entity, then let each configured, non-skipped reconciler
// enumerate its own resources and converge them, removals included.
func DifferentialSync(ctx context.Context, deps Deps, teamID string, skipServices []string) (bool, []Result) {
	id := runID(ctx)
	log := deps.logger().With(logging.F("run_id", id), logging.F("mode", "DIFFERENTIAL"))
	tracer := deps.tracer()

	ctx, span := tracer.StartRunSpan(ctx, id, "DIFFERENTIAL")
	defer span.End()
	helper := observability.NewSpanHelper(span)

	if deps.Chat == nil {
		log.Error("chat client not configured, aborting sync")
		return false, nil
	}
	if teamID == "" {
		log.Error("chat team id not configured, aborting sync")
		return false, nil
	}

	view := NewChannelRoster(deps.Chat, teamID, deps.Matrix, deps.Excluded, log)
	if err := view.Prefetch(ctx); err != nil {
		log.Error("channel prefetch failed", logging.Err(err))
		helper.SetError(err)
		return false, nil
	}
	deps.Metrics.ObserveEntities("DIFFERENTIAL", len(view.Entities()))

	skip := skipSet(skipServices)
	collector := &resultCollector{}

	conc := deps.Concurrency
	if conc <= 0 {
		conc = DefaultConcurrency
	}
	sem := make(chan struct{}, conc)
	var wg sync.WaitGroup

	for _, rec := range deps.Registry.All() {
		if skip[rec.Name()] {
			continue
		}
		rec := rec
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			collector.add(runDifferential(ctx, rec, view, log, tracer)...)
		}()
	}
	wg.Wait()

	helper.SetCounts(Tally(collector.results))
	helper.SetSuccess()
	recordMetrics(deps.Metrics, collector.results)
	return true, collector.results
}

// runDifferential mirrors runUpsert for the differential entry point.
func runDifferential(ctx context.Context, rec Reconciler, view *ChannelRoster, log logging.Logger, tracer *observability.Tracer) (results []Result) {
	ctx, span := tracer.StartReconcilerSpan(ctx, rec.Name())
	defer span.End()
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("panic: %v", p)
			log.Error("reconciler panicked",
				logging.F("service", rec.Name()),
				logging.Err(err))
			observability.NewSpanHelper(span).SetError(err)
			results = append(results, Result{
				Service: rec.Name(),
				Status:  StatusFailure,
				Action:  ActionUnexpectedError,
				Error:   err.Error(),
			})
		}
	}()
	return rec.DifferentialSync(ctx, view)
}

// recordMetrics publishes per-record counters.
func recordMetrics(m *observability.Metrics, results []Result) {
	for _, r := range results {
		m.ObserveRecord(r.Service, string(r.Status), r.Action)
	}
}
