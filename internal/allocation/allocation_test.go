package allocation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/example/hermes-sync/internal/types"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func currents(goals []Goal) map[types.DocumentID]string {
	out := make(map[types.DocumentID]string, len(goals))
	for _, g := range goals {
		out[g.ID] = g.Current.String()
	}
	return out
}

func TestAllocateWaterfall(t *testing.T) {
	goals := []Goal{
		{ID: "B", Priority: 2, Target: d("200")},
		{ID: "A", Priority: 1, Target: d("100")},
	}
	got := Allocate(goals, d("250"))

	require.Equal(t, types.DocumentID("A"), got[0].ID)
	require.Equal(t, map[types.DocumentID]string{"A": "100", "B": "150"}, currents(got))
	// Input is untouched.
	require.True(t, goals[0].Current.IsZero())
}

func TestAllocateEdgeCases(t *testing.T) {
	goals := []Goal{
		{ID: "zero", Priority: 1, Target: d("0")},
		{ID: "neg", Priority: 1, Target: d("-5")},
		{ID: "first", Priority: 2, Target: d("30")},
		{ID: "tie", Priority: 2, Target: d("30")},
		{ID: "last", Priority: 3, Target: d("10")},
	}

	got := Allocate(goals, d("40"))
	require.Equal(t, map[types.DocumentID]string{
		"zero": "0", "neg": "0", "first": "30", "tie": "10", "last": "0",
	}, currents(got))
	require.Equal(t, []types.DocumentID{"zero", "neg", "first", "tie", "last"}, ids(got))

	for _, g := range Allocate(goals, d("-100")) {
		require.True(t, g.Current.IsZero(), g.ID)
	}
}

func TestAllocateIsDeterministicAndBounded(t *testing.T) {
	goals := []Goal{
		{ID: "a", Priority: 3, Target: d("12.50")},
		{ID: "b", Priority: 1, Target: d("7.25")},
		{ID: "c", Priority: 2, Target: d("40")},
		{ID: "d", Priority: 1, Target: d("3")},
	}
	pool := d("33.33")

	first := Allocate(goals, pool)
	require.Equal(t, first, Allocate(goals, pool))

	sum := decimal.Zero
	for _, g := range first {
		require.True(t, g.Current.LessThanOrEqual(g.Target), g.ID)
		sum = sum.Add(g.Current)
	}
	require.True(t, sum.LessThanOrEqual(pool))
}

func TestSummarize(t *testing.T) {
	s := Summarize([]Goal{
		{ID: "A", Priority: 1, Target: d("100")},
		{ID: "B", Priority: 2, Target: d("200")},
	}, d("250"))

	require.Equal(t, "250", s.Allocated.String())
	require.True(t, s.Remaining.IsZero())
	require.Equal(t, 1, s.FullyFunded)
}

func TestGoalsFromDocuments(t *testing.T) {
	goals, errs := GoalsFromDocuments([]types.Document{
		{ID: "trip", Fields: types.Fields{"name": "Trip", "priority": float64(2), "targetAmount": float64(1500.5)}},
		{ID: "car", Fields: types.Fields{"name": "Car", "priority": 1, "targetAmount": "9000"}},
		{ID: "gone", Deleted: true},
		{ID: "bad", Fields: types.Fields{"priority": 3, "targetAmount": []any{1}}},
	})
	require.Len(t, errs, 1)
	require.Len(t, goals, 2)
	require.Equal(t, "Trip", goals[0].Name)
	require.Equal(t, 2, goals[0].Priority)
	require.Equal(t, "1500.5", goals[0].Target.String())
	require.Equal(t, "9000", goals[1].Target.String())
}

func TestPoolFromDocuments(t *testing.T) {
	bills := []types.Document{
		{ID: "1", Fields: types.Fields{"category": SavingsCategory, "isPaid": true, "amount": float64(200)}},
		{ID: "2", Fields: types.Fields{"category": SavingsCategory, "isPaid": false, "amount": float64(100)}},
		{ID: "3", Fields: types.Fields{"category": "Moradia", "isPaid": true, "amount": float64(900)}},
		{ID: "4", Fields: types.Fields{"category": SavingsCategory, "isPaid": true, "amount": "50"}},
	}

	full := types.Document{Fields: types.Fields{"emergencyReserveCurrent": 1000, "emergencyReserveTarget": 1000}}
	require.Equal(t, "250", PoolFromDocuments(bills, full).String())

	short := types.Document{Fields: types.Fields{"emergencyReserveCurrent": 10, "emergencyReserveTarget": 1000}}
	require.True(t, PoolFromDocuments(bills, short).IsZero())
}

func TestReprioritize(t *testing.T) {
	goals := []Goal{
		{ID: "a", Priority: 1},
		{ID: "b", Priority: 2},
		{ID: "c", Priority: 3},
	}
	patches, err := Reprioritize(goals, []types.DocumentID{"c", "b", "a"})
	require.NoError(t, err)
	require.Len(t, patches, 2)
	require.Equal(t, types.SetField(FieldPriority, 1), patches["c"])
	require.Equal(t, types.SetField(FieldPriority, 3), patches["a"])

	_, err = Reprioritize(goals, []types.DocumentID{"a", "a"})
	require.Error(t, err)
	_, err = Reprioritize(goals, []types.DocumentID{"x"})
	require.Error(t, err)
}

func ids(goals []Goal) []types.DocumentID {
	out := make([]types.DocumentID, len(goals))
	for i, g := range goals {
		out[i] = g.ID
	}
	return out
}
