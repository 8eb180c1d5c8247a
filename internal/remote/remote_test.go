package remote

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/hermes-sync/internal/types"
)

func next(t *testing.T, ch <-chan types.Change) types.Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "feed closed")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return types.Change{}
	}
}

func TestMemoryEchoesWritesWithCorrelation(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Put("budgets", "a", types.Fields{"amount": 1})
	feed, err := m.Subscribe(ctx, "budgets")
	require.NoError(t, err)

	replayed := next(t, feed)
	require.Equal(t, types.DocumentID("a"), replayed.ID)
	require.Empty(t, replayed.CorrelationID)

	ack, err := m.WriteDocument(ctx, "budgets", "a", types.SetField("amount", 2), "c-1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), ack.Version)

	echo := next(t, feed)
	require.Equal(t, types.CorrelationID("c-1"), echo.CorrelationID)
	require.Equal(t, uint64(2), echo.SourceVersion)
	require.Equal(t, 2, echo.Fields["amount"])
}

func TestMemoryFaults(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.RejectAll()
	_, err := m.WriteDocument(ctx, "c", "a", types.SetField("x", 1), "c-1")
	require.ErrorIs(t, err, ErrRejected)
	m.SetFault(nil)

	_, err = m.WriteDocument(ctx, "c", "a", types.AppendItem("x", 1), "c-2")
	require.NoError(t, err)
	_, err = m.WriteDocument(ctx, "c", "a", types.SetField("x", 1), "c-3")
	require.NoError(t, err)
	_, err = m.WriteDocument(ctx, "c", "a", types.AppendItem("x", 2), "c-4")
	require.ErrorIs(t, err, ErrRejected)

	m.HoldAcks()
	wctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = m.WriteDocument(wctx, "c", "a", types.SetField("x", 3), "c-5")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	m.ReleaseAcks()

	require.Len(t, m.Writes(), 2)
}

func TestFrameRoundTrip(t *testing.T) {
	patch := types.SetFields(types.Fields{"amount": 12.5, "tags": []any{"a", "b"}}, "old")
	data, err := encodeFrame(frame{Type: frameWrite, RequestID: "7", Collection: "budgets", ID: "d1", CorrelationID: "c", Patch: &patch})
	require.NoError(t, err)

	f, err := decodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, frameWrite, f.Type)
	require.Equal(t, "7", f.RequestID)
	require.NotNil(t, f.Patch)
	require.Equal(t, types.PatchSetField, f.Patch.Kind)
	require.Equal(t, 12.5, f.Patch.Set["amount"])
	require.Equal(t, []string{"old"}, f.Patch.Unset)

	_, err = decodeFrame([]byte("not a proto"))
	require.Error(t, err)
}

func TestWSClientAgainstRelay(t *testing.T) {
	logger := zerolog.New(io.Discard)
	backend := NewMemory()
	backend.Put("budgets", "d1", types.Fields{"amount": 10})

	srv := httptest.NewServer(NewWSHandler(backend, logger, WSHandlerConfig{}))
	defer srv.Close()

	client := NewWSClient(WSClientConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, logger)
	client.Start(context.Background())
	defer client.Close()
	require.Eventually(t, client.Connected, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed, err := client.Subscribe(ctx, "budgets")
	require.NoError(t, err)

	replayed := next(t, feed)
	require.Equal(t, types.DocumentID("d1"), replayed.ID)
	require.Equal(t, float64(10), replayed.Fields["amount"])

	ack, err := client.WriteDocument(ctx, "budgets", "d1", types.SetField("amount", 20), "c-1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), ack.Version)

	echo := next(t, feed)
	require.Equal(t, types.CorrelationID("c-1"), echo.CorrelationID)
	require.Equal(t, float64(20), echo.Fields["amount"])

	backend.RejectAll()
	_, err = client.WriteDocument(ctx, "budgets", "d1", types.SetField("amount", 30), "c-2")
	require.ErrorIs(t, err, ErrRejected)
}

func TestWSClientWriteWhileDisconnected(t *testing.T) {
	client := NewWSClient(WSClientConfig{URL: "ws://127.0.0.1:1/never"}, zerolog.New(io.Discard))
	_, err := client.WriteDocument(context.Background(), "c", "a", types.SetField("x", 1), "c-1")
	require.ErrorIs(t, err, ErrDisconnected)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("HERMES_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HERMES_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewRedisStore(client, zerolog.New(io.Discard))
	store.prefix = "hermes-test:" + time.Now().Format("150405.000000") + ":"

	feed, err := store.Subscribe(ctx, "budgets")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	ack, err := store.WriteDocument(ctx, "budgets", "d1", types.SetField("amount", 10), "c-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), ack.Version)

	echo := next(t, feed)
	require.Equal(t, types.CorrelationID("c-1"), echo.CorrelationID)
	require.Equal(t, float64(10), echo.Fields["amount"])

	_, err = store.WriteDocument(ctx, "budgets", "d1", types.AppendItem("amount", 1), "c-2")
	require.ErrorIs(t, err, ErrRejected)
}
