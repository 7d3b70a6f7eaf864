package ledger

import (
	"sort"

	"conti/internal/core"
)

// ComputeBalancesFromHistory rebuilds balances from zero by applying every
// expense in chronological order. The paid flag is ignored. Members keep
// their order; only balances change.
func ComputeBalancesFromHistory(members []core.Member, expenses []core.Expense) ([]core.Member, error) {
	g := core.Group{Members: make([]core.Member, len(members))}
	for i, m := range members {
		g.Members[i] = core.Member{ID: m.ID, Name: m.Name}
	}
	for _, e := range chronological(expenses) {
		if err := applyEffect(&g, e, 1); err != nil {
			return nil, err
		}
	}
	return g.Members, nil
}

// ComputeTotalSpending sums every non-settlement expense.
func ComputeTotalSpending(expenses []core.Expense) core.Money {
	var total core.Money
	for _, e := range expenses {
		if !e.Category.IsSettlement() {
			total = total.Add(e.Amount)
		}
	}
	return total
}

// Verify checks stored balances and total spending against a full
// recomputation and the conservation invariant. It returns a
// *core.ConsistencyError describing every disagreement, including a
// history that names members the group does not have.
func Verify(g core.Group) error {
	computed, err := ComputeBalancesFromHistory(g.Members, g.Expenses)
	if err != nil {
		return unreplayable(g, err)
	}

	cerr := &core.ConsistencyError{
		GroupID:          g.ID,
		StoredSpending:   g.TotalSpending,
		ComputedSpending: ComputeTotalSpending(g.Expenses),
	}
	for i, m := range g.Members {
		cerr.Imbalance = cerr.Imbalance.Add(m.Balance)
		if m.Balance != computed[i].Balance {
			cerr.Diffs = append(cerr.Diffs, core.BalanceDiff{
				MemberID: m.ID,
				Stored:   m.Balance,
				Computed: computed[i].Balance,
			})
		}
	}

	if len(cerr.Diffs) == 0 && cerr.Imbalance.IsZero() && cerr.StoredSpending == cerr.ComputedSpending {
		return nil
	}
	return cerr
}

// Reconcile returns a copy of g whose balances and total spending are
// rebuilt from history. It is the repair path after Verify fails.
func Reconcile(g core.Group) (core.Group, error) {
	members, err := ComputeBalancesFromHistory(g.Members, g.Expenses)
	if err != nil {
		return g, unreplayable(g, err)
	}
	out := g.Clone()
	out.Members = members
	out.TotalSpending = ComputeTotalSpending(g.Expenses)
	return out, nil
}

func unreplayable(g core.Group, err error) error {
	return &core.ConsistencyError{
		GroupID:          g.ID,
		StoredSpending:   g.TotalSpending,
		ComputedSpending: ComputeTotalSpending(g.Expenses),
		History:          err.Error(),
	}
}

func chronological(expenses []core.Expense) []core.Expense {
	out := make([]core.Expense, len(expenses))
	// history is newest first
	for i, e := range expenses {
		out[len(expenses)-1-i] = e
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time.Before(out[j].Time)
	})
	return out
}
