// Package ledger is the balance engine for a group's shared expenses.
//
// Balances are signed cents: positive means the group owes the member,
// negative means the member owes the group. Every operation works on a copy
// of the group it is given and either returns the fully updated copy or an
// error, never a partially updated group.
//
// Two strategies produce balances. Incremental mutation (ApplyCreate,
// ApplyDelete, ApplyEdit, Settle) touches only the members an expense
// involves. ComputeBalancesFromHistory folds the whole history from zero and
// is the reference; Verify compares the two.
package ledger

import (
	"slices"
	"strings"
	"time"

	"conti/internal/core"

	"github.com/google/uuid"
)

// Engine applies expense mutations to groups. The zero value is not usable;
// construct with New.
type Engine struct {
	newID func() string
	now   func() time.Time
}

type Option func(*Engine)

// WithIDGenerator overrides how ids are assigned to new expenses.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithClock overrides the time stamped on expenses that carry none.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.now = fn }
}

func New(opts ...Option) *Engine {
	e := &Engine{
		newID: uuid.NewString,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Patch holds the fields of an edit. Nil fields keep their old value.
type Patch struct {
	Title    *string
	Amount   *core.Money
	Time     *time.Time
	Category *core.Category
	PayerID  *string
	PaidFor  []string
	Paid     *bool
}

// ApplyCreate records a new expense: the payer's balance rises by the
// amount and each beneficiary's balance drops by its share. The expense is
// inserted into history newest first and, unless it is a settlement, added
// to total spending. A missing id or time is filled in.
func (en *Engine) ApplyCreate(g core.Group, e core.Expense) (core.Group, error) {
	e = e.Clone()
	if strings.TrimSpace(e.ID) == "" {
		e.ID = en.newID()
	}
	if e.Time.IsZero() {
		e.Time = en.now()
	}
	return applyCreate(g, e)
}

// ApplyDelete removes an expense and reverses its effect exactly.
func (en *Engine) ApplyDelete(g core.Group, expenseID string) (core.Group, error) {
	return applyDelete(g, expenseID)
}

// ApplyEdit replaces an expense with the merge of its old fields and p.
// It is a delete of the old state followed by a create of the new one, so
// the new state passes the same validation as any created expense. The
// expense keeps its place in history unless its time changes.
func (en *Engine) ApplyEdit(g core.Group, expenseID string, p Patch) (core.Group, error) {
	old, idx, ok := g.Expense(expenseID)
	if !ok {
		return g, core.NewExpenseNotFound(expenseID)
	}

	merged := old.Clone()
	if p.Title != nil {
		merged.Title = *p.Title
	}
	if p.Amount != nil {
		merged.Amount = *p.Amount
	}
	if p.Time != nil {
		merged.Time = *p.Time
	}
	if p.Category != nil {
		merged.Category = *p.Category
	}
	if p.PayerID != nil {
		merged.Payer = core.MemberRef{ID: *p.PayerID}
	}
	if p.PaidFor != nil {
		merged.PaidFor = make([]core.MemberRef, len(p.PaidFor))
		for i, id := range p.PaidFor {
			merged.PaidFor[i] = core.MemberRef{ID: id}
		}
	}
	if p.Paid != nil {
		merged.Paid = *p.Paid
	}
	if merged.Time.IsZero() {
		merged.Time = old.Time
	}

	at := -1
	if merged.Time.Equal(old.Time) {
		at = idx
	}

	out, err := applyDelete(g, expenseID)
	if err != nil {
		return g, err
	}
	out, err = applyCreateAt(out, merged, at)
	if err != nil {
		return g, err
	}
	return out, nil
}

// MarkPaid sets the paid flag of an expense. Balances do not depend on it.
func (en *Engine) MarkPaid(g core.Group, expenseID string, paid bool) (core.Group, error) {
	return en.ApplyEdit(g, expenseID, Patch{Paid: &paid})
}

// Settle records a "Paid Off" payment that brings fromID's balance to zero.
// The member who owes pays the other one: when fromID is in debt it pays
// toID, when fromID is owed money toID pays it.
func (en *Engine) Settle(g core.Group, fromID, toID string) (core.Group, error) {
	from, _, ok := g.Member(fromID)
	if !ok {
		return g, &core.ValidationError{Field: "from", Reason: "unknown member " + fromID, Err: core.ErrUnknownMember}
	}
	to, _, ok := g.Member(toID)
	if !ok {
		return g, &core.ValidationError{Field: "to", Reason: "unknown member " + toID, Err: core.ErrUnknownMember}
	}
	if fromID == toID {
		return g, &core.ValidationError{Field: "to", Reason: "cannot settle a member with themselves", Err: core.ErrSelfSettlement}
	}
	if from.Balance.IsZero() {
		return g, &core.ValidationError{Field: "from", Reason: from.Name + " has nothing to settle", Err: core.ErrZeroBalance}
	}

	payer, beneficiary := from, to
	if from.Balance.Cents > 0 {
		payer, beneficiary = to, from
	}

	return en.ApplyCreate(g, core.Expense{
		Title:    core.SettlementTitle,
		Amount:   from.Balance.Abs(),
		Category: core.CategoryPayment,
		Payer:    core.MemberRef{ID: payer.ID, Name: payer.Name},
		PaidFor:  []core.MemberRef{{ID: beneficiary.ID, Name: beneficiary.Name}},
		Paid:     true,
	})
}

// AddMember appends a member with a zero balance.
func (en *Engine) AddMember(g core.Group, name string) (core.Group, core.Member, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return g, core.Member{}, &core.ValidationError{Field: "name", Reason: "member name is required", Err: core.ErrEmptyName}
	}
	m := core.Member{ID: en.newID(), Name: name}
	out := g.Clone()
	out.Members = append(out.Members, m)
	if err := out.Validate(); err != nil {
		return g, core.Member{}, err
	}
	return out, m, nil
}

func applyCreate(g core.Group, e core.Expense) (core.Group, error) {
	return applyCreateAt(g, e, -1)
}

// applyCreateAt is applyCreate with the history position fixed at index
// at; a negative at places the expense by time.
func applyCreateAt(g core.Group, e core.Expense, at int) (core.Group, error) {
	if strings.TrimSpace(e.ID) == "" {
		return g, &core.ValidationError{Field: "id", Reason: "expense id is required"}
	}
	if e.Time.IsZero() {
		return g, &core.ValidationError{Field: "time", Reason: "expense time is required"}
	}
	if _, _, dup := g.Expense(e.ID); dup {
		return g, &core.ValidationError{Field: "id", Reason: "duplicate expense id " + e.ID}
	}
	cat, err := core.ParseCategory(string(e.Category))
	if err != nil {
		return g, err
	}
	e.Category = cat
	if err := e.Validate(); err != nil {
		return g, err
	}

	out := g.Clone()
	if err := resolveNames(&out, &e); err != nil {
		return g, err
	}
	if err := applyEffect(&out, e, 1); err != nil {
		return g, err
	}
	if at < 0 || at > len(out.Expenses) {
		at = insertPosition(out.Expenses, e.Time)
	}
	out.Expenses = slices.Insert(out.Expenses, at, e)
	if !e.Category.IsSettlement() {
		out.TotalSpending = out.TotalSpending.Add(e.Amount)
	}
	return out, nil
}

func applyDelete(g core.Group, expenseID string) (core.Group, error) {
	e, idx, ok := g.Expense(expenseID)
	if !ok {
		return g, core.NewExpenseNotFound(expenseID)
	}

	out := g.Clone()
	if err := applyEffect(&out, e, -1); err != nil {
		return g, err
	}
	out.Expenses = append(out.Expenses[:idx], out.Expenses[idx+1:]...)
	if !e.Category.IsSettlement() {
		out.TotalSpending = out.TotalSpending.Sub(e.Amount)
	}
	return out, nil
}

// applyEffect adds (sign=1) or removes (sign=-1) an expense's effect on
// member balances. g must be a copy owned by the caller.
func applyEffect(g *core.Group, e core.Expense, sign int64) error {
	shares, err := Shares(e.Amount, e.BeneficiaryIDs())
	if err != nil {
		return &core.ValidationError{Field: "paid_for", Reason: err.Error(), Err: err}
	}

	index := make(map[string]int, len(g.Members))
	for i, m := range g.Members {
		index[m.ID] = i
	}

	pi, ok := index[e.Payer.ID]
	if !ok {
		return &core.ValidationError{Field: "paid_by", Reason: "unknown member " + e.Payer.ID, Err: core.ErrUnknownMember}
	}
	for id := range shares {
		if _, ok := index[id]; !ok {
			return &core.ValidationError{Field: "paid_for", Reason: "unknown member " + id, Err: core.ErrUnknownMember}
		}
	}

	g.Members[pi].Balance.Cents += sign * e.Amount.Cents
	for id, s := range shares {
		g.Members[index[id]].Balance.Cents -= sign * s.Cents
	}
	return nil
}

// resolveNames copies current member names onto the expense references.
func resolveNames(g *core.Group, e *core.Expense) error {
	p, _, ok := g.Member(e.Payer.ID)
	if !ok {
		return &core.ValidationError{Field: "paid_by", Reason: "unknown member " + e.Payer.ID, Err: core.ErrUnknownMember}
	}
	e.Payer.Name = p.Name
	for i, ref := range e.PaidFor {
		m, _, ok := g.Member(ref.ID)
		if !ok {
			return &core.ValidationError{Field: "paid_for", Reason: "unknown member " + ref.ID, Err: core.ErrUnknownMember}
		}
		e.PaidFor[i].Name = m.Name
	}
	return nil
}

// insertPosition keeps history newest first; among equal times the most
// recently recorded expense comes first.
func insertPosition(history []core.Expense, t time.Time) int {
	for i, x := range history {
		if !x.Time.After(t) {
			return i
		}
	}
	return len(history)
}
