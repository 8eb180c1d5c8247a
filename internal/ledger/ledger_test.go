package ledger

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func openBadger(t *testing.T) *Badger {
	t.Helper()
	b, err := OpenBadger(BadgerConfig{InMemory: true}, zerolog.New(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func backends(t *testing.T) map[string]Ledger {
	return map[string]Ledger{
		"memory": NewMemory(),
		"badger": openBadger(t),
	}
}

func TestRecordIsInsertIfAbsent(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			firedAt := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

			inserted, err := l.Record(ctx, Entry{RuleID: "habits", PeriodKey: "2026-03-02", FiredAt: firedAt})
			require.NoError(t, err)
			require.True(t, inserted)

			inserted, err = l.Record(ctx, Entry{RuleID: "habits", PeriodKey: "2026-03-02", FiredAt: firedAt.Add(time.Minute)})
			require.NoError(t, err)
			require.False(t, inserted)

			entry, ok, err := l.Lookup(ctx, "habits", "2026-03-02")
			require.NoError(t, err)
			require.True(t, ok)
			require.True(t, entry.FiredAt.Equal(firedAt))

			_, ok, err = l.Lookup(ctx, "habits", "2026-03-03")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestConcurrentRecordInsertsOnce(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var (
				wg       sync.WaitGroup
				inserted atomic.Int32
			)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := l.Record(context.Background(), Entry{RuleID: "weigh_in", PeriodKey: "2026-W10", FiredAt: time.Now()})
					if err == nil && ok {
						inserted.Add(1)
					}
				}()
			}
			wg.Wait()
			require.Equal(t, int32(1), inserted.Load())
		})
	}
}

func TestBadgerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	logger := zerolog.New(io.Discard)

	b, err := OpenBadger(BadgerConfig{Path: dir, SyncWrites: true}, logger)
	require.NoError(t, err)
	inserted, err := b.Record(context.Background(), Entry{RuleID: "habits", PeriodKey: "2026-03-02", FiredAt: time.Now()})
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, b.Close())

	b, err = OpenBadger(BadgerConfig{Path: dir}, logger)
	require.NoError(t, err)
	defer b.Close()
	inserted, err = b.Record(context.Background(), Entry{RuleID: "habits", PeriodKey: "2026-03-02", FiredAt: time.Now()})
	require.NoError(t, err)
	require.False(t, inserted)
}

func TestMemoryFailure(t *testing.T) {
	m := NewMemory()
	m.FailWith(errors.New("disk full"))
	_, err := m.Record(context.Background(), Entry{RuleID: "r", PeriodKey: "p"})
	require.ErrorIs(t, err, ErrUnavailable)

	m.FailWith(nil)
	ok, err := m.Record(context.Background(), Entry{RuleID: "r", PeriodKey: "p"})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestIsTransient(t *testing.T) {
	require.True(t, isTransient(&pgconn.PgError{Code: "40001"}))
	require.True(t, isTransient(&pgconn.PgError{Code: "40P01"}))
	require.False(t, isTransient(&pgconn.PgError{Code: "23505"}))
	require.False(t, isTransient(context.DeadlineExceeded))
	require.False(t, isTransient(errors.New("boom")))
}

func TestPostgresRetryStopsOnPermanentError(t *testing.T) {
	p := NewPostgres(nil, WithMaxRetries(3), WithRetryDelay(time.Millisecond))
	calls := 0
	err := p.retry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return &pgconn.PgError{Code: "23505"}
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}
