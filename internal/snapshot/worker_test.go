package snapshot

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/hermes-sync/internal/mirror"
	"github.com/example/hermes-sync/internal/types"
)

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.New(io.Discard)
	objects := NewMemoryObjects()

	src := mirror.New(logger)
	src.Apply(types.Change{Collection: "tasks", ID: "a", Fields: types.Fields{"title": "pay rent"}, SourceVersion: 1})
	src.Apply(types.Change{Collection: "tasks", ID: "b", Fields: types.Fields{"title": "call"}, SourceVersion: 2})
	src.Apply(types.Change{Collection: "tasks", ID: "c", Tombstone: true, SourceVersion: 3})
	_, err := src.ApplyOptimistic("tasks", "b", types.SetField("title", "call mom"), "c-1")
	require.NoError(t, err)

	w := NewWorker(src, objects, time.Hour, logger)
	w.RunOnce(ctx)

	data, err := objects.Get(ctx, Key("tasks"))
	require.NoError(t, err)
	payload, err := DecodePayload(data)
	require.NoError(t, err)
	require.Len(t, payload.Documents, 2)

	dst := mirror.New(logger)
	n, err := Restore(ctx, dst, objects, []types.CollectionID{"tasks", "missing"})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	docs := dst.Read("tasks")
	require.Len(t, docs, 1)
	require.Equal(t, "pay rent", docs[0].Fields["title"])

	// Older pushes than the restored state are stale.
	require.Equal(t, mirror.StatusStale, dst.Apply(types.Change{Collection: "tasks", ID: "a", Fields: types.Fields{"title": "old"}, SourceVersion: 1}))
}

func TestWorkerSkipsUnchangedCollections(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.New(io.Discard)
	objects := &countingObjects{MemoryObjects: NewMemoryObjects()}

	m := mirror.New(logger)
	m.Apply(types.Change{Collection: "tasks", ID: "a", Fields: types.Fields{"title": "x"}, SourceVersion: 1})

	w := NewWorker(m, objects, time.Hour, logger)
	w.RunOnce(ctx)
	w.RunOnce(ctx)
	require.Equal(t, 1, objects.puts)

	m.Apply(types.Change{Collection: "tasks", ID: "a", Fields: types.Fields{"title": "y"}, SourceVersion: 2})
	w.RunOnce(ctx)
	require.Equal(t, 2, objects.puts)
}

type countingObjects struct {
	*MemoryObjects
	puts int
}

func (c *countingObjects) Put(ctx context.Context, key string, data []byte) error {
	c.puts++
	return c.MemoryObjects.Put(ctx, key, data)
}
