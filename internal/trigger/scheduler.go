package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/hermes-sync/internal/ledger"
	"github.com/example/hermes-sync/internal/notify"
)

const defaultInterval = 30 * time.Second

// Status is the outcome of evaluating one rule.
type Status string

const (
	StatusFired              Status = "fired"
	StatusAlreadyFired       Status = "already_fired"
	StatusNotDue             Status = "not_due"
	StatusLedgerWriteFailure Status = "ledger_write_failure"
)

// Result reports what happened to a rule during one evaluation.
type Result struct {
	RuleID    string
	PeriodKey string
	Status    Status
	Event     *notify.Event
	Err       error
}

var (
	evaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trigger",
		Name:      "evaluations_total",
		Help:      "Rule evaluations by status.",
	}, []string{"rule", "status"})

	lastEvaluation = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trigger",
		Name:      "last_evaluation_timestamp_seconds",
		Help:      "Unix time of the most recent evaluation pass.",
	})
)

func init() {
	prometheus.MustRegister(evaluations, lastEvaluation)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRules installs the initial rule set.
func WithRules(rules ...Rule) Option {
	return func(s *Scheduler) {
		s.rules = append([]Rule(nil), rules...)
	}
}

// Scheduler evaluates rules against the clock and emits each rule at most
// once per period, deduplicated by the fired ledger.
type Scheduler struct {
	ledger   ledger.Ledger
	sink     notify.Sink
	clock    Clock
	interval time.Duration
	logger   zerolog.Logger

	evalMu  sync.Mutex
	rulesMu sync.RWMutex
	rules   []Rule
}

// NewScheduler constructs a scheduler.
func NewScheduler(l ledger.Ledger, sink notify.Sink, logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		ledger:   l,
		sink:     sink,
		clock:    SystemClock{},
		interval: defaultInterval,
		logger:   logger.With().Str("component", "trigger_scheduler").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetRules replaces the rule set.
func (s *Scheduler) SetRules(rules []Rule) {
	s.rulesMu.Lock()
	s.rules = append([]Rule(nil), rules...)
	s.rulesMu.Unlock()
}

// Rules returns the current rule set.
func (s *Scheduler) Rules() []Rule {
	s.rulesMu.RLock()
	defer s.rulesMu.RUnlock()
	return append([]Rule(nil), s.rules...)
}

// Run evaluates once immediately and then on every interval until ctx is
// done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Tick evaluates all rules at the clock's current time.
func (s *Scheduler) Tick(ctx context.Context) []Result {
	return s.Evaluate(ctx, s.clock.Now())
}

// Evaluate considers only the period containing now. The ledger entry is
// written before the event is emitted; if the write fails nothing is
// emitted and the rule stays eligible for the next evaluation.
func (s *Scheduler) Evaluate(ctx context.Context, now time.Time) []Result {
	s.evalMu.Lock()
	defer s.evalMu.Unlock()

	rules := s.Rules()
	results := make([]Result, 0, len(rules))
	for _, rule := range rules {
		res := s.evaluate(ctx, rule, now)
		evaluations.WithLabelValues(res.RuleID, string(res.Status)).Inc()
		results = append(results, res)
	}
	lastEvaluation.Set(float64(now.Unix()))
	return results
}

func (s *Scheduler) evaluate(ctx context.Context, rule Rule, now time.Time) Result {
	res := Result{RuleID: rule.ID(), PeriodKey: rule.PeriodKey(now), Status: StatusNotDue}
	if !rule.ShouldFire(now) {
		return res
	}

	inserted, err := s.ledger.Record(ctx, ledger.Entry{RuleID: res.RuleID, PeriodKey: res.PeriodKey, FiredAt: now.UTC()})
	if err != nil {
		s.logger.Warn().Err(err).
			Str("rule", res.RuleID).
			Str("period", res.PeriodKey).
			Msg("fired ledger write failed; will retry")
		res.Status = StatusLedgerWriteFailure
		res.Err = err
		return res
	}
	if !inserted {
		res.Status = StatusAlreadyFired
		return res
	}

	evt := rule.Notification(now)
	res.Status = StatusFired
	res.Event = &evt
	if s.sink != nil {
		s.sink.Emit(evt)
	}
	s.logger.Info().Str("rule", res.RuleID).Str("period", res.PeriodKey).Msg("trigger fired")
	return res
}
