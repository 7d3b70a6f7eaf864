package report

import (
	"conti/internal/core"
	"conti/internal/ledger"
)

type MemberShare struct {
	Member core.MemberRef `json:"member"`
	Share  core.Money     `json:"share"`
}

// Selection totals a hand-picked set of expenses.
type Selection struct {
	ExpenseIDs []string      `json:"expense_ids"`
	Total      core.Money    `json:"total"`
	Shares     []MemberShare `json:"shares"`
}

// SelectionTotals sums the chosen expenses and how much of them each member
// was a beneficiary of. Members appear in group order. Unknown expense ids
// fail with a NotFoundError.
func SelectionTotals(g core.Group, expenseIDs []string) (Selection, error) {
	sel := Selection{ExpenseIDs: make([]string, 0, len(expenseIDs))}
	perMember := make(map[string]core.Money, len(g.Members))
	seen := make(map[string]struct{}, len(expenseIDs))

	for _, id := range expenseIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		e, _, ok := g.Expense(id)
		if !ok {
			return Selection{}, core.NewExpenseNotFound(id)
		}
		shares, err := ledger.Shares(e.Amount, e.BeneficiaryIDs())
		if err != nil {
			return Selection{}, err
		}
		for mid, s := range shares {
			perMember[mid] = perMember[mid].Add(s)
		}
		sel.Total = sel.Total.Add(e.Amount)
		sel.ExpenseIDs = append(sel.ExpenseIDs, id)
	}

	sel.Shares = make([]MemberShare, 0, len(g.Members))
	for _, m := range g.Members {
		sel.Shares = append(sel.Shares, MemberShare{
			Member: core.MemberRef{ID: m.ID, Name: m.Name},
			Share:  perMember[m.ID],
		})
	}
	return sel, nil
}
