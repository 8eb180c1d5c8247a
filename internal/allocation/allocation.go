package allocation

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/example/hermes-sync/internal/types"
)

// Goal is a savings goal funded in priority order.
type Goal struct {
	ID       types.DocumentID `json:"id"`
	Name     string           `json:"name"`
	Priority int              `json:"priority"`
	Target   decimal.Decimal  `json:"target_amount"`
	Current  decimal.Decimal  `json:"current_amount"`
}

// Allocate distributes pool across goals in ascending priority. Goals with
// equal priority keep their input order. Each goal receives
// min(remaining, target); a non-positive target receives zero without
// consuming the pool, and a negative pool funds nothing. The input slice is
// not modified.
func Allocate(goals []Goal, pool decimal.Decimal) []Goal {
	out := make([]Goal, len(goals))
	copy(out, goals)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})

	remaining := pool
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	for i := range out {
		if !out[i].Target.IsPositive() {
			out[i].Current = decimal.Zero
			continue
		}
		allocated := decimal.Min(remaining, out[i].Target)
		out[i].Current = allocated
		remaining = remaining.Sub(allocated)
	}
	return out
}

// Summary describes an allocation result.
type Summary struct {
	Pool        decimal.Decimal `json:"pool"`
	Allocated   decimal.Decimal `json:"allocated"`
	Remaining   decimal.Decimal `json:"remaining"`
	FullyFunded int             `json:"fully_funded"`
	Goals       []Goal          `json:"goals"`
}

// Summarize allocates and totals in one step.
func Summarize(goals []Goal, pool decimal.Decimal) Summary {
	allocated := Allocate(goals, pool)
	s := Summary{Pool: pool, Allocated: decimal.Zero, Goals: allocated}
	for _, g := range allocated {
		s.Allocated = s.Allocated.Add(g.Current)
		if g.Target.IsPositive() && g.Current.Equal(g.Target) {
			s.FullyFunded++
		}
	}
	s.Remaining = decimal.Max(pool.Sub(s.Allocated), decimal.Zero)
	return s
}

// Document field names as stored remotely.
const (
	FieldName                    = "name"
	FieldPriority                = "priority"
	FieldTargetAmount            = "targetAmount"
	FieldAmount                  = "amount"
	FieldCategory                = "category"
	FieldIsPaid                  = "isPaid"
	FieldEmergencyReserveCurrent = "emergencyReserveCurrent"
	FieldEmergencyReserveTarget  = "emergencyReserveTarget"

	// SavingsCategory marks bills that feed the goal pool.
	SavingsCategory = "Poupança"
)

// GoalsFromDocuments decodes goal documents. Documents with undecodable
// amounts are skipped and reported in the returned error slice.
func GoalsFromDocuments(docs []types.Document) ([]Goal, []error) {
	goals := make([]Goal, 0, len(docs))
	var errs []error
	for _, doc := range docs {
		if doc.Deleted {
			continue
		}
		target, err := Decimal(doc.Fields[FieldTargetAmount])
		if err != nil {
			errs = append(errs, fmt.Errorf("goal %s: %s: %w", doc.ID, FieldTargetAmount, err))
			continue
		}
		priority, err := Decimal(doc.Fields[FieldPriority])
		if err != nil {
			errs = append(errs, fmt.Errorf("goal %s: %s: %w", doc.ID, FieldPriority, err))
			continue
		}
		name, _ := doc.Fields[FieldName].(string)
		goals = append(goals, Goal{
			ID:       doc.ID,
			Name:     name,
			Priority: int(priority.IntPart()),
			Target:   target,
			Current:  decimal.Zero,
		})
	}
	return goals, errs
}

// PoolFromDocuments computes the money available to goals: the sum of paid
// savings bills, but only once the emergency reserve recorded in the finance
// settings document is full.
func PoolFromDocuments(bills []types.Document, finance types.Document) decimal.Decimal {
	current, _ := Decimal(finance.Fields[FieldEmergencyReserveCurrent])
	target, _ := Decimal(finance.Fields[FieldEmergencyReserveTarget])
	if current.LessThan(target) {
		return decimal.Zero
	}

	total := decimal.Zero
	for _, bill := range bills {
		if bill.Deleted {
			continue
		}
		if category, _ := bill.Fields[FieldCategory].(string); category != SavingsCategory {
			continue
		}
		if paid, _ := bill.Fields[FieldIsPaid].(bool); !paid {
			continue
		}
		amount, err := Decimal(bill.Fields[FieldAmount])
		if err != nil {
			continue
		}
		total = total.Add(amount)
	}
	return total
}

// Reprioritize returns the patches that renumber goals 1..n in the given
// order. Goals already at their position are left out.
func Reprioritize(goals []Goal, order []types.DocumentID) (map[types.DocumentID]types.Patch, error) {
	current := make(map[types.DocumentID]int, len(goals))
	for _, g := range goals {
		current[g.ID] = g.Priority
	}

	patches := make(map[types.DocumentID]types.Patch, len(order))
	seen := make(map[types.DocumentID]bool, len(order))
	for i, id := range order {
		priority, ok := current[id]
		if !ok {
			return nil, fmt.Errorf("unknown goal %q", id)
		}
		if seen[id] {
			return nil, fmt.Errorf("goal %q listed twice", id)
		}
		seen[id] = true
		if priority != i+1 {
			patches[id] = types.SetField(FieldPriority, i+1)
		}
	}
	return patches, nil
}

// Decimal converts a remote field value to a decimal. Missing values are zero.
func Decimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case nil:
		return decimal.Zero, nil
	case decimal.Decimal:
		return t, nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int32:
		return decimal.NewFromInt32(t), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case float32:
		return decimal.NewFromFloat32(t), nil
	case float64:
		return decimal.NewFromFloat(t), nil
	case json.Number:
		return decimal.NewFromString(t.String())
	case string:
		if t == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(t)
	default:
		return decimal.Zero, fmt.Errorf("unsupported amount type %T", v)
	}
}
