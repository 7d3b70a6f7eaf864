package report

import (
	"sort"

	"conti/internal/core"
)

// Transfer is one suggested payment from a debtor to a creditor.
type Transfer struct {
	From   core.MemberRef `json:"from"`
	To     core.MemberRef `json:"to"`
	Amount core.Money     `json:"amount"`
}

type party struct {
	ref   core.MemberRef
	cents int64
}

// SuggestSettlements proposes transfers that bring every balance to zero,
// matching the largest debt with the largest credit until nothing is left.
// Ties are broken by member id so the result is deterministic.
func SuggestSettlements(members []core.Member) []Transfer {
	var debtors, creditors []party
	for _, m := range members {
		ref := core.MemberRef{ID: m.ID, Name: m.Name}
		switch {
		case m.Balance.Cents < 0:
			debtors = append(debtors, party{ref: ref, cents: -m.Balance.Cents})
		case m.Balance.Cents > 0:
			creditors = append(creditors, party{ref: ref, cents: m.Balance.Cents})
		}
	}
	byAmount := func(ps []party) func(i, j int) bool {
		return func(i, j int) bool {
			if ps[i].cents != ps[j].cents {
				return ps[i].cents > ps[j].cents
			}
			return ps[i].ref.ID < ps[j].ref.ID
		}
	}
	sort.Slice(debtors, byAmount(debtors))
	sort.Slice(creditors, byAmount(creditors))

	var out []Transfer
	i, j := 0, 0
	for i < len(debtors) && j < len(creditors) {
		amount := min(debtors[i].cents, creditors[j].cents)
		out = append(out, Transfer{
			From:   debtors[i].ref,
			To:     creditors[j].ref,
			Amount: core.Money{Cents: amount},
		})
		debtors[i].cents -= amount
		creditors[j].cents -= amount
		if debtors[i].cents == 0 {
			i++
		}
		if creditors[j].cents == 0 {
			j++
		}
	}
	return out
}
