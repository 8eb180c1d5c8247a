package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the table used by Postgres.
const Schema = `
CREATE TABLE IF NOT EXISTS fired_triggers (
	rule_id    TEXT        NOT NULL,
	period_key TEXT        NOT NULL,
	fired_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (rule_id, period_key)
)`

// Postgres stores the ledger in a shared database so several client
// processes for the same user dedupe against each other.
type Postgres struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// PostgresOption configures the Postgres ledger.
type PostgresOption func(*Postgres)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) PostgresOption {
	return func(p *Postgres) {
		p.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) PostgresOption {
	return func(p *Postgres) {
		p.retryDelay = d
	}
}

// NewPostgres constructs a ledger on the provided pool.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Migrate creates the ledger table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	return p.retry(ctx, func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx, Schema)
		return err
	})
}

// Record implements Ledger with INSERT .. ON CONFLICT DO NOTHING.
func (p *Postgres) Record(ctx context.Context, entry Entry) (bool, error) {
	if entry.FiredAt.IsZero() {
		entry.FiredAt = time.Now().UTC()
	}

	var inserted bool
	err := p.retry(ctx, func(ctx context.Context) error {
		tag, err := p.pool.Exec(ctx, `
INSERT INTO fired_triggers (rule_id, period_key, fired_at)
VALUES ($1, $2, $3)
ON CONFLICT (rule_id, period_key) DO NOTHING`,
			entry.RuleID, entry.PeriodKey, entry.FiredAt,
		)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		inserted = false
	}
	observe("postgres", inserted, err)
	return inserted, err
}

// Lookup implements Ledger.
func (p *Postgres) Lookup(ctx context.Context, ruleID, periodKey string) (Entry, bool, error) {
	entry := Entry{RuleID: ruleID, PeriodKey: periodKey}
	err := p.pool.QueryRow(ctx, `
SELECT fired_at FROM fired_triggers WHERE rule_id = $1 AND period_key = $2`,
		ruleID, periodKey,
	).Scan(&entry.FiredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return entry, true, nil
}

func (p *Postgres) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := p.retryDelay
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == p.maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
