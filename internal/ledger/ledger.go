package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrUnavailable wraps backend failures so the scheduler can report a
// ledger write failure without knowing the backend.
var ErrUnavailable = errors.New("fired ledger unavailable")

// Entry records that a rule fired for one logical period.
type Entry struct {
	RuleID    string    `json:"rule_id"`
	PeriodKey string    `json:"period_key"`
	FiredAt   time.Time `json:"fired_at"`
}

// Key returns the composite identity used by every backend.
func (e Entry) Key() string {
	return key(e.RuleID, e.PeriodKey)
}

func key(ruleID, periodKey string) string {
	return fmt.Sprintf("%s|%s", ruleID, periodKey)
}

// Ledger persists fired triggers. Record is insert-if-absent: it reports
// false without error when the pair was already recorded.
type Ledger interface {
	Record(ctx context.Context, entry Entry) (bool, error)
	Lookup(ctx context.Context, ruleID, periodKey string) (Entry, bool, error)
}

var ledgerWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ledger",
	Name:      "writes_total",
	Help:      "Fired ledger writes by backend and result.",
}, []string{"backend", "result"})

func init() {
	prometheus.MustRegister(ledgerWrites)
}

func observe(backend string, inserted bool, err error) {
	switch {
	case err != nil:
		ledgerWrites.WithLabelValues(backend, "error").Inc()
	case inserted:
		ledgerWrites.WithLabelValues(backend, "inserted").Inc()
	default:
		ledgerWrites.WithLabelValues(backend, "duplicate").Inc()
	}
}

// Memory is a process-local ledger. It does not survive restarts and is
// meant for tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
	fail    error
}

// NewMemory constructs an empty ledger.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

// FailWith makes subsequent calls return err until cleared with nil.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Record implements Ledger.
func (m *Memory) Record(_ context.Context, entry Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		err := fmt.Errorf("%w: %v", ErrUnavailable, m.fail)
		observe("memory", false, err)
		return false, err
	}
	if _, ok := m.entries[entry.Key()]; ok {
		observe("memory", false, nil)
		return false, nil
	}
	m.entries[entry.Key()] = entry
	observe("memory", true, nil)
	return true, nil
}

// Lookup implements Ledger.
func (m *Memory) Lookup(_ context.Context, ruleID, periodKey string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return Entry{}, false, fmt.Errorf("%w: %v", ErrUnavailable, m.fail)
	}
	e, ok := m.entries[key(ruleID, periodKey)]
	return e, ok, nil
}

// Len returns the number of recorded entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
