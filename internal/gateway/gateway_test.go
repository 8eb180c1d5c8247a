package gateway

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/hermes-sync/internal/mirror"
	"github.com/example/hermes-sync/internal/remote"
	"github.com/example/hermes-sync/internal/types"
)

const budgets = types.CollectionID("budgets")

type recorded struct {
	label   string
	inverse types.MutationIntent
	version uint64
}

type fakeRecorder struct {
	mu       sync.Mutex
	reserved []types.CorrelationID
	entries  []recorded
}

func (r *fakeRecorder) Reserve(correlation types.CorrelationID, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserved = append(r.reserved, correlation)
}

func (r *fakeRecorder) Record(label string, inverse types.MutationIntent, capturedVersion uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, recorded{label: label, inverse: inverse, version: capturedVersion})
}

func (r *fakeRecorder) Forget(correlation types.CorrelationID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.reserved {
		if c == correlation {
			r.reserved = append(r.reserved[:i], r.reserved[i+1:]...)
			break
		}
	}
	for i, e := range r.entries {
		if e.inverse.CorrelationID == correlation {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

func (r *fakeRecorder) reservations() []types.CorrelationID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.CorrelationID(nil), r.reserved...)
}

func (r *fakeRecorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.entries...)
}

type fixture struct {
	mirror   *mirror.Mirror
	store    *remote.Memory
	gateway  *Gateway
	recorder *fakeRecorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := zerolog.New(io.Discard)
	m := mirror.New(logger)
	store := remote.NewMemory()

	version := store.Put(budgets, "d1", types.Fields{"amount": 10, "label": "rent"})
	m.Apply(types.Change{Collection: budgets, ID: "d1", Fields: types.Fields{"amount": 10, "label": "rent"}, SourceVersion: version})

	g := New(m, store, logger, opts...)
	rec := &fakeRecorder{}
	g.SetRecorder(rec)
	t.Cleanup(func() {
		store.ReleaseAcks()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.Close(ctx)
	})
	return &fixture{mirror: m, store: store, gateway: g, recorder: rec}
}

func setAmount(v any) types.MutationIntent {
	return types.MutationIntent{Collection: budgets, TargetID: "d1", Patch: types.SetField("amount", v), Label: "edit amount"}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestProposeAppliesOptimisticallyBeforeAck(t *testing.T) {
	f := newFixture(t)
	f.store.HoldAcks()

	p := f.gateway.Propose(context.Background(), setAmount(20))

	doc, ok := f.mirror.Get(budgets, "d1")
	require.True(t, ok)
	require.Equal(t, 20, doc.Fields["amount"])
	require.Equal(t, types.GenerationPending, doc.Generation)
	require.Equal(t, types.Fields{"amount": 10}, p.Intent().Inverse.Set)

	f.store.ReleaseAcks()
	require.NoError(t, p.Wait(waitCtx(t)))

	doc, _ = f.mirror.Get(budgets, "d1")
	require.Equal(t, types.GenerationConfirmed, doc.Generation)
	require.Equal(t, 20, doc.Fields["amount"])

	entries := f.recorder.all()
	require.Len(t, entries, 1)
	require.Equal(t, "edit amount", entries[0].label)
	require.Equal(t, types.OriginUndo, entries[0].inverse.Origin)
	require.Equal(t, types.Fields{"amount": 10}, entries[0].inverse.Patch.Set)
	require.Equal(t, doc.Version, entries[0].version)
}

func TestRejectedWriteRollsBack(t *testing.T) {
	f := newFixture(t)
	f.store.SetFault(func(_ types.CollectionID, _ types.DocumentID, patch types.Patch) error {
		if patch.Set["amount"] == 20 {
			return remote.ErrRejected
		}
		return nil
	})

	err := f.gateway.Submit(waitCtx(t), setAmount(20))
	require.ErrorIs(t, err, ErrRemoteRejected)
	require.True(t, IsRetryable(err))

	var mutErr *MutationError
	require.ErrorAs(t, err, &mutErr)
	require.Equal(t, types.DocumentID("d1"), mutErr.Intent.TargetID)
	require.ErrorIs(t, mutErr.Cause, remote.ErrRejected)

	doc, _ := f.mirror.Get(budgets, "d1")
	require.Equal(t, 10, doc.Fields["amount"])
	require.Equal(t, "rent", doc.Fields["label"])
	require.Equal(t, types.GenerationConfirmed, doc.Generation)

	writes := f.store.Writes()
	require.Len(t, writes, 1)
	require.Equal(t, types.Fields{"amount": 10}, writes[0].Patch.Set)

	require.Empty(t, f.recorder.all())
	require.Empty(t, f.recorder.reservations())
}

func TestUnconfirmedWriteTimesOut(t *testing.T) {
	f := newFixture(t, WithConfirmTimeout(30*time.Millisecond))
	f.store.HoldAcks()

	err := f.gateway.Submit(waitCtx(t), setAmount(20))
	require.ErrorIs(t, err, ErrConflictTimeout)
	require.True(t, IsRetryable(err))

	doc, _ := f.mirror.Get(budgets, "d1")
	require.Equal(t, 10, doc.Fields["amount"])
	require.Equal(t, types.GenerationConfirmed, doc.Generation)
}

func TestInvalidPatchFailsWithoutWriting(t *testing.T) {
	f := newFixture(t)

	err := f.gateway.Submit(waitCtx(t), types.MutationIntent{
		Collection: budgets,
		TargetID:   "d1",
		Patch:      types.AppendItem("label", "x"),
	})
	require.ErrorIs(t, err, ErrInvalidPatch)
	require.False(t, IsRetryable(err))
	require.Empty(t, f.store.Writes())

	err = f.gateway.Submit(waitCtx(t), types.MutationIntent{Collection: budgets, TargetID: "d1", Patch: types.Patch{Kind: "merge"}})
	require.ErrorIs(t, err, ErrInvalidPatch)
	require.Empty(t, f.recorder.all())
}

func TestSameTargetProposalsRunInOrder(t *testing.T) {
	f := newFixture(t)
	f.store.HoldAcks()

	first := f.gateway.Propose(context.Background(), setAmount(20))
	second := f.gateway.Propose(context.Background(), setAmount(30))

	require.Equal(t, types.Patch{}, second.Intent().Inverse)
	select {
	case <-second.Done():
		t.Fatal("second proposal resolved while first in flight")
	default:
	}

	f.store.ReleaseAcks()
	require.NoError(t, first.Wait(waitCtx(t)))
	require.NoError(t, second.Wait(waitCtx(t)))

	require.Equal(t, types.Fields{"amount": 20}, second.Intent().Inverse.Set)

	writes := f.store.Writes()
	require.Len(t, writes, 2)
	require.Equal(t, 20, writes[0].Patch.Set["amount"])
	require.Equal(t, 30, writes[1].Patch.Set["amount"])

	doc, _ := f.mirror.Get(budgets, "d1")
	require.Equal(t, 30, doc.Fields["amount"])
}

func TestUndoOriginIsNotRecorded(t *testing.T) {
	f := newFixture(t)
	intent := setAmount(5)
	intent.Origin = types.OriginUndo

	require.NoError(t, f.gateway.Submit(waitCtx(t), intent))
	require.Empty(t, f.recorder.all())
}

func TestWaitGivesUpWithoutCancellingWrite(t *testing.T) {
	f := newFixture(t)
	f.store.HoldAcks()

	p := f.gateway.Propose(context.Background(), setAmount(20))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Wait(ctx), context.Canceled)

	f.store.ReleaseAcks()
	require.NoError(t, p.Wait(waitCtx(t)))
	require.Len(t, f.store.Writes(), 1)
}

func TestQueuedProposalsReserveUndoSlotsInProposalOrder(t *testing.T) {
	f := newFixture(t)
	f.store.HoldAcks()

	var proposals []*Proposal
	for _, v := range []int{20, 30, 40} {
		proposals = append(proposals, f.gateway.Propose(context.Background(), setAmount(v)))
	}

	reserved := f.recorder.reservations()
	require.Len(t, reserved, 3)
	for i, p := range proposals {
		require.Equal(t, p.Intent().CorrelationID, reserved[i])
	}
	require.Len(t, f.recorder.all(), 1)

	f.store.ReleaseAcks()
	for _, p := range proposals {
		require.NoError(t, p.Wait(waitCtx(t)))
	}

	entries := f.recorder.all()
	require.Len(t, entries, 3)
	for i, want := range []int{10, 20, 30} {
		require.Equal(t, proposals[i].Intent().CorrelationID, entries[i].inverse.CorrelationID)
		require.Equal(t, want, entries[i].inverse.Patch.Set["amount"])
	}
}

func TestNoopProposalReleasesReservation(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.gateway.Submit(waitCtx(t), types.MutationIntent{Collection: budgets, TargetID: "d1", Patch: types.Noop()}))
	require.Empty(t, f.recorder.reservations())
	require.Empty(t, f.recorder.all())
}

func TestFailureMatchesExactlyOneClass(t *testing.T) {
	f := newFixture(t)
	f.store.SetFault(func(types.CollectionID, types.DocumentID, types.Patch) error {
		return fmt.Errorf("backend validation: %w", types.ErrInvalidPatch)
	})

	err := f.gateway.Submit(waitCtx(t), setAmount(20))
	require.ErrorIs(t, err, ErrRemoteRejected)
	require.NotErrorIs(t, err, ErrInvalidPatch)
	require.NotErrorIs(t, err, ErrConflictTimeout)

	var mutErr *MutationError
	require.ErrorAs(t, err, &mutErr)
	require.ErrorIs(t, mutErr.Cause, types.ErrInvalidPatch)
	require.Contains(t, err.Error(), "backend validation")
}
