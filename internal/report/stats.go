package report

import (
	"sort"

	"conti/internal/core"

	"github.com/shopspring/decimal"
)

type CategoryAmount struct {
	Category core.Category `json:"category"`
	Amount   core.Money    `json:"amount"`
	Count    int           `json:"count"`
	Percent  float64       `json:"percent"`
}

type PayerAmount struct {
	Payer  core.MemberRef `json:"payer"`
	Amount core.Money     `json:"amount"`
	Count  int            `json:"count"`
}

// Stats summarizes spending. Settlements are payments between members,
// not spending, and are left out.
type Stats struct {
	Total      core.Money       `json:"total"`
	Count      int              `json:"count"`
	ByCategory []CategoryAmount `json:"by_category"`
	ByPayer    []PayerAmount    `json:"by_payer"`
}

// Aggregate computes totals per category and per payer, largest first.
func Aggregate(expenses []core.Expense) Stats {
	var st Stats
	cats := make(map[core.Category]*CategoryAmount)
	payers := make(map[string]*PayerAmount)

	for _, e := range expenses {
		if e.Category.IsSettlement() {
			continue
		}
		st.Total = st.Total.Add(e.Amount)
		st.Count++

		c, ok := cats[e.Category]
		if !ok {
			c = &CategoryAmount{Category: e.Category}
			cats[e.Category] = c
		}
		c.Amount = c.Amount.Add(e.Amount)
		c.Count++

		p, ok := payers[e.Payer.ID]
		if !ok {
			p = &PayerAmount{Payer: e.Payer}
			payers[e.Payer.ID] = p
		}
		p.Amount = p.Amount.Add(e.Amount)
		p.Count++
	}

	st.ByCategory = make([]CategoryAmount, 0, len(cats))
	for _, c := range cats {
		c.Percent = percent(c.Amount, st.Total)
		st.ByCategory = append(st.ByCategory, *c)
	}
	sort.Slice(st.ByCategory, func(i, j int) bool {
		a, b := st.ByCategory[i], st.ByCategory[j]
		if a.Amount != b.Amount {
			return a.Amount.Cents > b.Amount.Cents
		}
		return a.Category < b.Category
	})

	st.ByPayer = make([]PayerAmount, 0, len(payers))
	for _, p := range payers {
		st.ByPayer = append(st.ByPayer, *p)
	}
	sort.Slice(st.ByPayer, func(i, j int) bool {
		a, b := st.ByPayer[i], st.ByPayer[j]
		if a.Amount != b.Amount {
			return a.Amount.Cents > b.Amount.Cents
		}
		return a.Payer.ID < b.Payer.ID
	})

	return st
}

// percent returns part/total*100 rounded to one decimal.
func percent(part, total core.Money) float64 {
	if total.Cents == 0 {
		return 0
	}
	p := decimal.NewFromInt(part.Cents).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(total.Cents)).
		Round(1)
	f, _ := p.Float64()
	return f
}
