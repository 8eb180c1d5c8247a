package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/example/hermes-sync/internal/allocation"
	"github.com/example/hermes-sync/internal/gateway"
	"github.com/example/hermes-sync/internal/ledger"
	"github.com/example/hermes-sync/internal/mirror"
	"github.com/example/hermes-sync/internal/notify"
	"github.com/example/hermes-sync/internal/remote"
	"github.com/example/hermes-sync/internal/trigger"
	"github.com/example/hermes-sync/internal/types"
	"github.com/example/hermes-sync/internal/undo"
)

const (
	DefaultGoals      types.CollectionID = "finance_goals"
	DefaultBills      types.CollectionID = "fixed_bills"
	DefaultSettings   types.CollectionID = "configuracoes"
	DefaultSettingsID types.DocumentID   = "geral"

	DefaultFinanceSettings   types.CollectionID = "finance_settings"
	DefaultFinanceSettingsID types.DocumentID   = "config"

	shutdownGrace = 5 * time.Second
)

var feedApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coordinator",
	Name:      "feed_changes_total",
	Help:      "Remote changes applied to the mirror by status.",
}, []string{"collection", "status"})

func init() {
	prometheus.MustRegister(feedApplied)
}

// Collections names the collections the derived computations read.
// Settings holds the reminder configuration; FinanceSettings holds the
// emergency reserve that gates the goal pool.
type Collections struct {
	Goals             types.CollectionID
	Bills             types.CollectionID
	Settings          types.CollectionID
	SettingsID        types.DocumentID
	FinanceSettings   types.CollectionID
	FinanceSettingsID types.DocumentID
	// Extra collections are mirrored without feeding any computation.
	Extra []types.CollectionID
}

// Options configures a Coordinator. Zero values select defaults.
type Options struct {
	Collections    Collections
	ConfirmTimeout time.Duration
	TriggerEvery   time.Duration
	UndoCapacity   int
	Rules          []trigger.Rule
	// SettingsRules adds the reminders configured in the settings document.
	SettingsRules bool
	Location      *time.Location
	Clock         trigger.Clock
}

// Coordinator wires the change feeds, the mirror, mutations, undo and the
// derived computations together.
type Coordinator struct {
	store     remote.Store
	mirror    *mirror.Mirror
	gateway   *gateway.Gateway
	undo      *undo.Stack
	scheduler *trigger.Scheduler
	sink      notify.Sink
	opts      Options
	logger    zerolog.Logger

	dirty chan struct{}

	recomputeMu     sync.Mutex
	settingsVersion uint64

	allocMu    sync.RWMutex
	allocation allocation.Summary
}

// New builds a coordinator on store, recording fired triggers in fired and
// emitting notifications to sink.
func New(store remote.Store, fired ledger.Ledger, sink notify.Sink, logger zerolog.Logger, opts Options) *Coordinator {
	opts = withDefaults(opts)
	logger = logger.With().Str("component", "coordinator").Logger()
	now := opts.Clock.Now

	c := &Coordinator{
		store:  store,
		sink:   sink,
		opts:   opts,
		logger: logger,
		dirty:  make(chan struct{}, 1),
	}
	c.mirror = mirror.New(logger, mirror.WithClock(now))
	c.gateway = gateway.New(c.mirror, store, logger,
		gateway.WithConfirmTimeout(opts.ConfirmTimeout),
		gateway.WithClock(now),
	)
	c.undo = undo.New(undo.ProposerFunc(func(ctx context.Context, intent types.MutationIntent) undo.Proposal {
		return c.gateway.Propose(ctx, intent)
	}), c.mirror, logger,
		undo.WithCapacity(opts.UndoCapacity),
		undo.WithRetryable(gateway.IsRetryable),
		undo.WithClock(now),
		undo.WithDriftHook(c.undoDrifted),
	)
	c.gateway.SetRecorder(c.undo)
	c.scheduler = trigger.NewScheduler(fired, sink, logger,
		trigger.WithClock(opts.Clock),
		trigger.WithInterval(opts.TriggerEvery),
		trigger.WithRules(opts.Rules...),
	)
	c.allocation = allocation.Summarize(nil, decimal.Zero)

	for _, coll := range c.collections() {
		c.mirror.Track(coll)
	}
	return c
}

func withDefaults(opts Options) Options {
	if opts.Collections.Goals == "" {
		opts.Collections.Goals = DefaultGoals
	}
	if opts.Collections.Bills == "" {
		opts.Collections.Bills = DefaultBills
	}
	if opts.Collections.Settings == "" {
		opts.Collections.Settings = DefaultSettings
	}
	if opts.Collections.SettingsID == "" {
		opts.Collections.SettingsID = DefaultSettingsID
	}
	if opts.Collections.FinanceSettings == "" {
		opts.Collections.FinanceSettings = DefaultFinanceSettings
	}
	if opts.Collections.FinanceSettingsID == "" {
		opts.Collections.FinanceSettingsID = DefaultFinanceSettingsID
	}
	if opts.ConfirmTimeout == 0 {
		opts.ConfirmTimeout = 10 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = trigger.SystemClock{}
	}
	return opts
}

// Mirror exposes the mirror for reads.
func (c *Coordinator) Mirror() *mirror.Mirror { return c.mirror }

// Scheduler exposes the trigger scheduler.
func (c *Coordinator) Scheduler() *trigger.Scheduler { return c.scheduler }

// UndoStack exposes the undo stack.
func (c *Coordinator) UndoStack() *undo.Stack { return c.undo }

// Run consumes the change feeds and drives the dependents until ctx is
// done. Feed failures are retried; Run only returns once ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, coll := range c.collections() {
		events, cancel := c.mirror.Subscribe(coll)
		g.Go(func() error {
			defer cancel()
			return c.watch(gctx, events)
		})
		g.Go(func() error {
			return c.consume(gctx, coll)
		})
	}
	g.Go(func() error {
		return c.dependents(gctx)
	})
	g.Go(func() error {
		return c.scheduler.Run(gctx)
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if cerr := c.gateway.Close(shutdownCtx); cerr != nil {
		c.logger.Warn().Err(cerr).Msg("pending mutations still in flight at shutdown")
	}
	return err
}

// Propose submits a user mutation. Failures are also emitted as
// notifications.
func (c *Coordinator) Propose(ctx context.Context, intent types.MutationIntent) *gateway.Proposal {
	p := c.gateway.Propose(ctx, intent)
	go func() {
		<-p.Done()
		if err := p.Err(); err != nil {
			c.mutationFailed(p.Intent(), err)
		}
	}()
	return p
}

// Undo reverts the most recent user mutation.
func (c *Coordinator) Undo(ctx context.Context) (undo.Entry, error) {
	entry, err := c.undo.Undo(ctx)
	switch {
	case err == nil:
		c.emit(notify.Event{
			ID:      "undo_" + string(entry.Inverse.CorrelationID),
			Kind:    notify.KindUndo,
			Level:   notify.LevelSuccess,
			Title:   "Ação desfeita",
			Message: entry.Label,
		})
	case errors.Is(err, undo.ErrNothingToUndo), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		c.emit(notify.Event{
			ID:      "undo_failed_" + string(entry.Inverse.CorrelationID),
			Kind:    notify.KindUndo,
			Level:   notify.LevelError,
			Title:   "Não foi possível desfazer",
			Message: err.Error(),
		})
	}
	return entry, err
}

// Allocation returns the latest goal allocation.
func (c *Coordinator) Allocation() allocation.Summary {
	c.allocMu.RLock()
	defer c.allocMu.RUnlock()
	return c.allocation
}

// ReorderGoals renumbers goal priorities to follow order and waits for the
// writes to resolve.
func (c *Coordinator) ReorderGoals(ctx context.Context, order []types.DocumentID) error {
	goals, _ := allocation.GoalsFromDocuments(c.mirror.Read(c.opts.Collections.Goals))
	patches, err := allocation.Reprioritize(goals, order)
	if err != nil {
		return fmt.Errorf("reorder goals: %w", err)
	}

	proposals := make([]*gateway.Proposal, 0, len(patches))
	for _, id := range order {
		patch, ok := patches[id]
		if !ok {
			continue
		}
		proposals = append(proposals, c.Propose(ctx, types.MutationIntent{
			Collection: c.opts.Collections.Goals,
			TargetID:   id,
			Patch:      patch,
			Label:      "reorder goals",
		}))
	}

	var errs []error
	for _, p := range proposals {
		if err := p.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recompute refreshes the derived values immediately.
func (c *Coordinator) Recompute(ctx context.Context) {
	c.recomputeMu.Lock()
	defer c.recomputeMu.Unlock()
	c.refreshRules()
	c.recomputeAllocation()
	c.scheduler.Tick(ctx)
}

func (c *Coordinator) collections() []types.CollectionID {
	cols := c.opts.Collections
	seen := make(map[types.CollectionID]struct{})
	var out []types.CollectionID
	for _, coll := range append([]types.CollectionID{cols.Goals, cols.Bills, cols.Settings, cols.FinanceSettings}, cols.Extra...) {
		if _, dup := seen[coll]; dup || coll == "" {
			continue
		}
		seen[coll] = struct{}{}
		out = append(out, coll)
	}
	return out
}

// consume is the single consumer of one collection's change feed.
func (c *Coordinator) consume(ctx context.Context, coll types.CollectionID) error {
	logger := c.logger.With().Str("collection", string(coll)).Logger()
	backoff := time.Second
	for {
		changes, err := c.store.Subscribe(ctx, coll)
		if err == nil {
			backoff = time.Second
			for change := range changes {
				status := c.mirror.Apply(change)
				feedApplied.WithLabelValues(string(coll), string(status)).Inc()
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn().Err(err).Dur("backoff", backoff).Msg("change feed ended; resubscribing")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
			backoff = min(backoff*2, 30*time.Second)
		}
	}
}

// watch drains mirror events and flags the dependents. It never calls back
// into the gateway, since the mirror blocks until the event is taken.
func (c *Coordinator) watch(ctx context.Context, events <-chan mirror.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-events:
			select {
			case c.dirty <- struct{}{}:
			default:
			}
		}
	}
}

func (c *Coordinator) dependents(ctx context.Context) error {
	c.Recompute(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.dirty:
			c.Recompute(ctx)
		}
	}
}

func (c *Coordinator) recomputeAllocation() {
	cols := c.opts.Collections
	goals, errs := allocation.GoalsFromDocuments(c.mirror.Read(cols.Goals))
	for _, err := range errs {
		c.logger.Warn().Err(err).Msg("skipping malformed goal")
	}
	finance, _ := c.mirror.Get(cols.FinanceSettings, cols.FinanceSettingsID)
	pool := allocation.PoolFromDocuments(c.mirror.Read(cols.Bills), finance)
	summary := allocation.Summarize(goals, pool)

	c.allocMu.Lock()
	changed := !sameSummary(c.allocation, summary)
	c.allocation = summary
	c.allocMu.Unlock()

	if !changed {
		return
	}
	c.emit(notify.Event{
		ID:      "allocation",
		Kind:    notify.KindAllocation,
		Level:   notify.LevelInfo,
		Title:   "Metas atualizadas",
		Message: fmt.Sprintf("%s de %s distribuídos entre %d metas", summary.Allocated.StringFixed(2), summary.Pool.StringFixed(2), len(summary.Goals)),
		Link:    "financas",
		Data:    map[string]any{"allocation": summary},
	})
}

func (c *Coordinator) refreshRules() {
	if !c.opts.SettingsRules {
		return
	}
	cols := c.opts.Collections
	version := c.mirror.Version(cols.Settings, cols.SettingsID)
	if version == c.settingsVersion {
		return
	}
	c.settingsVersion = version

	rules := append([]trigger.Rule(nil), c.opts.Rules...)
	if settings, ok := c.mirror.Get(cols.Settings, cols.SettingsID); ok {
		rules = append(rules, trigger.RulesFromSettings(settings.Fields, c.opts.Location)...)
	}
	c.scheduler.SetRules(rules)
	c.logger.Info().Int("rules", len(rules)).Msg("reminder rules reloaded")
}

func (c *Coordinator) mutationFailed(intent types.MutationIntent, err error) {
	level := notify.LevelError
	if gateway.IsRetryable(err) {
		level = notify.LevelWarning
	}
	c.emit(notify.Event{
		ID:      "mutation_failed_" + string(intent.CorrelationID),
		Kind:    notify.KindMutationFailed,
		Level:   level,
		Title:   "Alteração não salva",
		Message: err.Error(),
		Data: map[string]any{
			"collection": intent.Collection,
			"document":   intent.TargetID,
			"label":      intent.Label,
		},
	})
}

func (c *Coordinator) undoDrifted(entry undo.Entry, live uint64) {
	c.emit(notify.Event{
		ID:      "undo_drift_" + string(entry.Inverse.CorrelationID),
		Kind:    notify.KindUndo,
		Level:   notify.LevelWarning,
		Title:   "Documento alterado desde a ação",
		Message: entry.Label,
		Data:    map[string]any{"captured_version": entry.CapturedVersion, "live_version": live},
	})
}

func (c *Coordinator) emit(evt notify.Event) {
	if c.sink == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = c.opts.Clock.Now()
	}
	c.sink.Emit(evt)
}

func sameSummary(a, b allocation.Summary) bool {
	if !a.Pool.Equal(b.Pool) || !a.Allocated.Equal(b.Allocated) || len(a.Goals) != len(b.Goals) {
		return false
	}
	for i := range a.Goals {
		ga, gb := a.Goals[i], b.Goals[i]
		if ga.ID != gb.ID || ga.Name != gb.Name || ga.Priority != gb.Priority ||
			!ga.Target.Equal(gb.Target) || !ga.Current.Equal(gb.Current) {
			return false
		}
	}
	return true
}
