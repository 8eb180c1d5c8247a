package mirror

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/hermes-sync/internal/types"
)

const goals = types.CollectionID("finance_goals")

func newMirror() *Mirror {
	return New(zerolog.New(io.Discard))
}

func push(id types.DocumentID, version uint64, fields types.Fields) types.Change {
	return types.Change{Collection: goals, ID: id, Fields: fields, SourceVersion: version}
}

func TestStalePushNeverChangesConfirmedDocument(t *testing.T) {
	m := newMirror()
	require.Equal(t, StatusApplied, m.Apply(push("a", 5, types.Fields{"amount": 10})))

	before, ok := m.Get(goals, "a")
	require.True(t, ok)

	require.Equal(t, StatusStale, m.Apply(push("a", 5, types.Fields{"amount": 99})))
	require.Equal(t, StatusStale, m.Apply(push("a", 3, types.Fields{"amount": 42})))

	after, ok := m.Get(goals, "a")
	require.True(t, ok)
	require.Equal(t, before, after)
	require.Equal(t, types.GenerationConfirmed, after.Generation)
}

func TestReadKeepsFirstSeenOrderAndHidesTombstones(t *testing.T) {
	m := newMirror()
	m.Apply(push("b", 1, types.Fields{"n": 1}))
	m.Apply(push("a", 1, types.Fields{"n": 2}))
	m.Apply(push("c", 1, types.Fields{"n": 3}))
	m.Apply(types.Change{Collection: goals, ID: "a", Tombstone: true, SourceVersion: 2})

	docs := m.Read(goals)
	require.Len(t, docs, 2)
	require.Equal(t, types.DocumentID("b"), docs[0].ID)
	require.Equal(t, types.DocumentID("c"), docs[1].ID)

	require.Len(t, m.Export(goals), 3)
	_, ok := m.Get(goals, "a")
	require.False(t, ok)
}

func TestPushesBufferWhilePendingAndReplayAfterConfirm(t *testing.T) {
	m := newMirror()
	m.Apply(push("d", 1, types.Fields{"amount": 10, "label": "rent"}))

	opt, err := m.ApplyOptimistic(goals, "d", types.SetField("amount", 20), "c-1")
	require.NoError(t, err)
	require.Equal(t, types.Fields{"amount": 10}, opt.Inverse.Set)
	require.Equal(t, uint64(2), opt.After.Version)

	// A push that predates our write must not revert the optimistic value.
	require.Equal(t, StatusBuffered, m.Apply(push("d", 2, types.Fields{"amount": 10, "label": "x"})))
	doc, _ := m.Get(goals, "d")
	require.Equal(t, 20, doc.Fields["amount"])
	require.Equal(t, types.GenerationPending, doc.Generation)

	require.Equal(t, StatusConfirmed, m.Confirm(goals, "d", "c-1", 0))
	select {
	case <-opt.Pending.Done():
	default:
		t.Fatal("pending handle not resolved")
	}
	require.Equal(t, OutcomeConfirmed, opt.Pending.Outcome())

	doc, _ = m.Get(goals, "d")
	require.Equal(t, types.GenerationConfirmed, doc.Generation)
	require.Equal(t, "x", doc.Fields["label"])
	require.Equal(t, uint64(2), doc.SourceVersion)
}

func TestConfirmWithAckVersionDropsOlderBufferedPushes(t *testing.T) {
	m := newMirror()
	m.Apply(push("d", 1, types.Fields{"amount": 10}))

	_, err := m.ApplyOptimistic(goals, "d", types.SetField("amount", 20), "c-1")
	require.NoError(t, err)
	m.Apply(push("d", 2, types.Fields{"amount": 10, "label": "x"}))

	require.Equal(t, StatusConfirmed, m.Confirm(goals, "d", "c-1", 3))
	doc, _ := m.Get(goals, "d")
	require.Equal(t, 20, doc.Fields["amount"])

	// The echo of the acknowledged write still lands.
	require.Equal(t, StatusApplied, m.Apply(push("d", 3, types.Fields{"amount": 20, "label": "x"})))
	doc, _ = m.Get(goals, "d")
	require.Equal(t, "x", doc.Fields["label"])
}

func TestEchoWithCorrelationConfirms(t *testing.T) {
	m := newMirror()
	opt, err := m.ApplyOptimistic(goals, "new", types.SetField("name", "trip"), "c-9")
	require.NoError(t, err)
	require.Equal(t, types.PatchDelete, opt.Inverse.Kind)

	echo := push("new", 1, types.Fields{"name": "trip"})
	echo.CorrelationID = "c-9"
	require.Equal(t, StatusConfirmed, m.Apply(echo))
	require.Equal(t, OutcomeConfirmed, opt.Pending.Outcome())

	require.Equal(t, StatusIgnored, m.Confirm(goals, "new", "c-9", 1))
}

func TestSecondOptimisticWriteWhilePendingFails(t *testing.T) {
	m := newMirror()
	_, err := m.ApplyOptimistic(goals, "d", types.SetField("amount", 1), "c-1")
	require.NoError(t, err)
	_, err = m.ApplyOptimistic(goals, "d", types.SetField("amount", 2), "c-2")
	require.ErrorIs(t, err, ErrPendingMutation)
}

func TestRollbackThenAbandonReplaysBuffered(t *testing.T) {
	m := newMirror()
	m.Apply(push("d", 1, types.Fields{"amount": 10}))

	opt, err := m.ApplyOptimistic(goals, "d", types.SetField("amount", 20), "c-1")
	require.NoError(t, err)
	m.Apply(push("d", 2, types.Fields{"amount": 10, "label": "remote"}))

	handle, err := m.Rollback(goals, "d", "c-1", opt.Inverse, "rb-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeRolledBack, opt.Pending.Outcome())

	doc, _ := m.Get(goals, "d")
	require.Equal(t, 10, doc.Fields["amount"])
	require.Equal(t, types.GenerationPending, doc.Generation)

	require.Equal(t, StatusAbandoned, m.Abandon(goals, "d", "rb-1"))
	require.Equal(t, OutcomeAbandoned, handle.Outcome())

	doc, _ = m.Get(goals, "d")
	require.Equal(t, "remote", doc.Fields["label"])
	require.Equal(t, types.GenerationConfirmed, doc.Generation)
}

func TestSubscribeDeliversEvents(t *testing.T) {
	m := newMirror()
	events, cancel := m.Subscribe(goals)
	defer cancel()

	m.Apply(push("a", 1, types.Fields{"n": 1}))
	_, err := m.ApplyOptimistic(goals, "a", types.SetField("n", 2), "c-1")
	require.NoError(t, err)

	for _, want := range []Cause{CauseRemote, CauseOptimistic} {
		select {
		case evt := <-events:
			require.Equal(t, want, evt.Cause)
			require.Equal(t, types.DocumentID("a"), evt.Document.ID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestRestoreSeedsOnlyUnknownDocuments(t *testing.T) {
	m := newMirror()
	m.Apply(push("a", 4, types.Fields{"n": "live"}))

	n := m.Restore(goals, []types.Document{
		{ID: "a", Fields: types.Fields{"n": "old"}, SourceVersion: 2, Version: 7},
		{ID: "b", Fields: types.Fields{"n": "snap"}, SourceVersion: 3, Version: 1},
	})
	require.Equal(t, 1, n)

	a, _ := m.Get(goals, "a")
	require.Equal(t, "live", a.Fields["n"])
	require.Equal(t, StatusStale, m.Apply(push("b", 3, types.Fields{"n": "replayed"})))
}

func TestIdenticalEchoKeepsVersion(t *testing.T) {
	m := newMirror()
	m.Apply(push("a", 1, types.Fields{"n": 1}))

	opt, err := m.ApplyOptimistic(goals, "a", types.SetField("n", 2), "c-1")
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, m.Confirm(goals, "a", "c-1", 2))

	require.Equal(t, StatusApplied, m.Apply(push("a", 2, types.Fields{"n": 2})))
	require.Equal(t, opt.After.Version, m.Version(goals, "a"))

	doc, _ := m.Get(goals, "a")
	require.Equal(t, uint64(2), doc.SourceVersion)
}
