package ledger

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"conti/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestEngine returns an engine with sequential ids and a clock that
// advances one minute per call.
func newTestEngine() *Engine {
	var n int
	var tick int
	return New(
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("e%03d", n)
		}),
		WithClock(func() time.Time {
			tick++
			return t0.Add(time.Duration(tick) * time.Minute)
		}),
	)
}

func twoMemberGroup() core.Group {
	return core.Group{
		ID:     "g1",
		Name:   "Flat",
		Symbol: "$",
		Members: []core.Member{
			{ID: "raphael", Name: "Raphael"},
			{ID: "sammy", Name: "Sammy"},
		},
	}
}

func expense(amount int64, payer string, paidFor ...string) core.Expense {
	refs := make([]core.MemberRef, len(paidFor))
	for i, id := range paidFor {
		refs[i] = core.MemberRef{ID: id}
	}
	return core.Expense{
		Title:   "Groceries run",
		Amount:  core.Money{Cents: amount},
		Payer:   core.MemberRef{ID: payer},
		PaidFor: refs,
	}
}

func balance(t *testing.T, g core.Group, id string) int64 {
	t.Helper()
	m, _, ok := g.Member(id)
	require.True(t, ok, "member %s missing", id)
	return m.Balance.Cents
}

func sumBalances(g core.Group) int64 {
	var s int64
	for _, m := range g.Members {
		s += m.Balance.Cents
	}
	return s
}

func TestApplyCreate_SplitBetweenTwo(t *testing.T) {
	en := newTestEngine()

	g, err := en.ApplyCreate(twoMemberGroup(), expense(10000, "sammy", "raphael", "sammy"))
	require.NoError(t, err)

	assert.Equal(t, int64(-5000), balance(t, g, "raphael"))
	assert.Equal(t, int64(5000), balance(t, g, "sammy"))
	assert.Equal(t, int64(10000), g.TotalSpending.Cents)
	require.Len(t, g.Expenses, 1)

	e := g.Expenses[0]
	assert.Equal(t, "e001", e.ID)
	assert.Equal(t, core.CategoryOther, e.Category)
	assert.Equal(t, "Sammy", e.Payer.Name)
	assert.Equal(t, "Raphael", e.PaidFor[0].Name)
	assert.False(t, e.Paid)
}

func TestApplyCreate_DoesNotMutateInput(t *testing.T) {
	en := newTestEngine()
	g := twoMemberGroup()

	_, err := en.ApplyCreate(g, expense(10000, "sammy", "raphael"))
	require.NoError(t, err)

	assert.Zero(t, balance(t, g, "raphael"))
	assert.Zero(t, balance(t, g, "sammy"))
	assert.Empty(t, g.Expenses)
}

func TestApplyCreate_Validation(t *testing.T) {
	tests := []struct {
		name   string
		e      core.Expense
		target error
	}{
		{"unknown payer", expense(100, "ghost", "sammy"), core.ErrUnknownMember},
		{"unknown beneficiary", expense(100, "sammy", "sammy", "ghost"), core.ErrUnknownMember},
		{"zero amount", expense(0, "sammy", "raphael"), core.ErrInvalidAmount},
		{"negative amount", expense(-100, "sammy", "raphael"), core.ErrInvalidAmount},
		{"no beneficiaries", expense(100, "sammy"), core.ErrNoBeneficiaries},
		{"duplicate beneficiary", expense(100, "sammy", "raphael", "raphael"), core.ErrDuplicateMember},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			en := newTestEngine()
			g := twoMemberGroup()

			out, err := en.ApplyCreate(g, tt.e)
			require.Error(t, err)
			assert.True(t, core.IsValidation(err), "expected ValidationError, got %T", err)
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, g, out)
		})
	}
}

func TestApplyCreate_UnknownCategory(t *testing.T) {
	en := newTestEngine()
	e := expense(100, "sammy", "raphael")
	e.Category = "Lottery"

	_, err := en.ApplyCreate(twoMemberGroup(), e)
	assert.ErrorIs(t, err, core.ErrInvalidCategory)
}

func TestApplyCreate_HistoryNewestFirst(t *testing.T) {
	en := newTestEngine()
	g := twoMemberGroup()

	older := expense(100, "sammy", "raphael")
	older.Time = t0.Add(-48 * time.Hour)

	var err error
	g, err = en.ApplyCreate(g, expense(100, "sammy", "raphael"))
	require.NoError(t, err)
	g, err = en.ApplyCreate(g, expense(200, "raphael", "sammy"))
	require.NoError(t, err)
	g, err = en.ApplyCreate(g, older)
	require.NoError(t, err)

	require.Len(t, g.Expenses, 3)
	assert.Equal(t, "e002", g.Expenses[0].ID)
	assert.Equal(t, "e001", g.Expenses[1].ID)
	assert.Equal(t, "e003", g.Expenses[2].ID)
}

func TestApplyDelete_ReversesCreate(t *testing.T) {
	en := newTestEngine()
	g := twoMemberGroup()

	var err error
	g, err = en.ApplyCreate(g, expense(1000, "raphael", "raphael", "sammy"))
	require.NoError(t, err)
	g, err = en.ApplyCreate(g, expense(333, "sammy", "raphael"))
	require.NoError(t, err)

	withNew, err := en.ApplyCreate(g, expense(1001, "sammy", "raphael", "sammy"))
	require.NoError(t, err)
	back, err := en.ApplyDelete(withNew, withNew.Expenses[0].ID)
	require.NoError(t, err)

	assert.Equal(t, g.Members, back.Members)
	assert.Equal(t, g.Expenses, back.Expenses)
	assert.Equal(t, g.TotalSpending, back.TotalSpending)
}

func TestApplyDelete_NotFound(t *testing.T) {
	en := newTestEngine()
	g, err := en.ApplyCreate(twoMemberGroup(), expense(10000, "sammy", "raphael", "sammy"))
	require.NoError(t, err)

	out, err := en.ApplyDelete(g, "missing")
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
	assert.Equal(t, g, out)
	assert.Equal(t, int64(-5000), balance(t, out, "raphael"))
}

func TestApplyEdit_Amount(t *testing.T) {
	en := newTestEngine()
	g, err := en.ApplyCreate(twoMemberGroup(), expense(10000, "sammy", "raphael", "sammy"))
	require.NoError(t, err)
	id := g.Expenses[0].ID

	amount := core.Money{Cents: 6000}
	g, err = en.ApplyEdit(g, id, Patch{Amount: &amount})
	require.NoError(t, err)

	assert.Equal(t, int64(-3000), balance(t, g, "raphael"))
	assert.Equal(t, int64(3000), balance(t, g, "sammy"))
	assert.Equal(t, int64(6000), g.TotalSpending.Cents)
	require.Len(t, g.Expenses, 1)
	assert.Equal(t, id, g.Expenses[0].ID)
	assert.Equal(t, "Groceries run", g.Expenses[0].Title)
}

func TestApplyEdit_PayerAndBeneficiaries(t *testing.T) {
	en := newTestEngine()
	g, err := en.ApplyCreate(twoMemberGroup(), expense(10000, "sammy", "raphael", "sammy"))
	require.NoError(t, err)

	payer := "raphael"
	g, err = en.ApplyEdit(g, g.Expenses[0].ID, Patch{PayerID: &payer, PaidFor: []string{"sammy"}})
	require.NoError(t, err)

	assert.Equal(t, int64(10000), balance(t, g, "raphael"))
	assert.Equal(t, int64(-10000), balance(t, g, "sammy"))
	assert.Equal(t, "Raphael", g.Expenses[0].Payer.Name)
	assert.NoError(t, Verify(g))
}

func TestApplyEdit_InvalidLeavesGroupUnchanged(t *testing.T) {
	en := newTestEngine()
	g, err := en.ApplyCreate(twoMemberGroup(), expense(10000, "sammy", "raphael", "sammy"))
	require.NoError(t, err)

	zero := core.Money{}
	out, err := en.ApplyEdit(g, g.Expenses[0].ID, Patch{Amount: &zero})
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
	assert.Equal(t, g, out)

	_, err = en.ApplyEdit(g, "missing", Patch{Amount: &zero})
	assert.True(t, core.IsNotFound(err))
}

func TestMarkPaid_KeepsBalances(t *testing.T) {
	en := newTestEngine()
	g, err := en.ApplyCreate(twoMemberGroup(), expense(10000, "sammy", "raphael", "sammy"))
	require.NoError(t, err)

	paid, err := en.MarkPaid(g, g.Expenses[0].ID, true)
	require.NoError(t, err)

	assert.True(t, paid.Expenses[0].Paid)
	assert.Equal(t, g.Members, paid.Members)
	assert.Equal(t, g.TotalSpending, paid.TotalSpending)
	assert.NoError(t, Verify(paid))
}

func TestMarkPaid_KeepsHistoryOrder(t *testing.T) {
	en := New()
	g := twoMemberGroup()
	for _, title := range []string{"Rent", "Power", "Water"} {
		e := expense(3000, "sammy", "raphael", "sammy")
		e.Title = title
		e.Time = t0
		var err error
		g, err = en.ApplyCreate(g, e)
		require.NoError(t, err)
	}
	before := expenseIDs(g)

	last := before[len(before)-1]
	paid, err := en.MarkPaid(g, last, true)
	require.NoError(t, err)
	assert.Equal(t, before, expenseIDs(paid))

	title := "Water bill"
	edited, err := en.ApplyEdit(paid, before[1], Patch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, before, expenseIDs(edited))
	assert.Equal(t, title, edited.Expenses[1].Title)
}

func TestApplyEdit_TimeChangeReorders(t *testing.T) {
	en := newTestEngine()
	g, err := en.ApplyCreate(twoMemberGroup(), expense(1000, "sammy", "raphael"))
	require.NoError(t, err)
	g, err = en.ApplyCreate(g, expense(2000, "raphael", "sammy"))
	require.NoError(t, err)
	older, newer := g.Expenses[1].ID, g.Expenses[0].ID

	later := g.Expenses[0].Time.Add(time.Hour)
	g, err = en.ApplyEdit(g, older, Patch{Time: &later})
	require.NoError(t, err)
	assert.Equal(t, []string{older, newer}, expenseIDs(g))
}

func expenseIDs(g core.Group) []string {
	ids := make([]string, len(g.Expenses))
	for i, e := range g.Expenses {
		ids[i] = e.ID
	}
	return ids
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name     string
		from, to string
	}{
		{"debtor settles with creditor", "raphael", "sammy"},
		{"creditor settles with debtor", "sammy", "raphael"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			en := newTestEngine()
			g, err := en.ApplyCreate(twoMemberGroup(), expense(10000, "sammy", "raphael", "sammy"))
			require.NoError(t, err)

			g, err = en.Settle(g, tt.from, tt.to)
			require.NoError(t, err)

			assert.Zero(t, balance(t, g, "raphael"))
			assert.Zero(t, balance(t, g, "sammy"))
			assert.Equal(t, int64(10000), g.TotalSpending.Cents, "settlements are not spending")

			require.Len(t, g.Expenses, 2)
			s := g.Expenses[0]
			assert.Equal(t, core.SettlementTitle, s.Title)
			assert.Equal(t, core.CategoryPayment, s.Category)
			assert.Equal(t, int64(5000), s.Amount.Cents)
			assert.True(t, s.Paid)
			assert.Equal(t, "raphael", s.Payer.ID)
			assert.Equal(t, []core.MemberRef{{ID: "sammy", Name: "Sammy"}}, s.PaidFor)
			assert.NoError(t, Verify(g))
		})
	}
}

func TestSettle_Errors(t *testing.T) {
	en := newTestEngine()
	g := twoMemberGroup()

	_, err := en.Settle(g, "raphael", "sammy")
	assert.ErrorIs(t, err, core.ErrZeroBalance)

	_, err = en.Settle(g, "ghost", "sammy")
	assert.ErrorIs(t, err, core.ErrUnknownMember)

	_, err = en.Settle(g, "raphael", "ghost")
	assert.ErrorIs(t, err, core.ErrUnknownMember)

	g, err = en.ApplyCreate(g, expense(100, "sammy", "raphael"))
	require.NoError(t, err)
	_, err = en.Settle(g, "raphael", "raphael")
	assert.ErrorIs(t, err, core.ErrSelfSettlement)
	assert.True(t, core.IsValidation(err))
}

func TestSettle_ThreeMembers(t *testing.T) {
	en := newTestEngine()
	g := core.Group{ID: "g", Name: "Trip", Members: []core.Member{
		{ID: "a", Name: "A"}, {ID: "b", Name: "B"}, {ID: "c", Name: "C"},
	}}

	g, err := en.ApplyCreate(g, expense(9000, "a", "a", "b", "c"))
	require.NoError(t, err)
	g, err = en.Settle(g, "b", "a")
	require.NoError(t, err)

	assert.Equal(t, int64(3000), balance(t, g, "a"))
	assert.Zero(t, balance(t, g, "b"))
	assert.Equal(t, int64(-3000), balance(t, g, "c"))
	assert.Zero(t, sumBalances(g))
}

func TestAddMember(t *testing.T) {
	en := newTestEngine()
	g, err := en.ApplyCreate(twoMemberGroup(), expense(10000, "sammy", "raphael", "sammy"))
	require.NoError(t, err)

	g, m, err := en.AddMember(g, "  Nina ")
	require.NoError(t, err)
	assert.Equal(t, "Nina", m.Name)
	assert.Len(t, g.Members, 3)
	assert.Zero(t, sumBalances(g))
	assert.NoError(t, Verify(g))

	_, _, err = en.AddMember(g, " ")
	assert.ErrorIs(t, err, core.ErrEmptyName)
}

func TestRemainderConservation(t *testing.T) {
	en := newTestEngine()
	g := core.Group{ID: "g", Name: "Trip", Members: []core.Member{
		{ID: "a", Name: "A"}, {ID: "b", Name: "B"}, {ID: "c", Name: "C"},
	}}

	g, err := en.ApplyCreate(g, expense(1000, "a", "a", "b", "c"))
	require.NoError(t, err)

	// a paid 10.00 and keeps a 3.34 share
	assert.Equal(t, int64(666), balance(t, g, "a"))
	assert.Equal(t, int64(-333), balance(t, g, "b"))
	assert.Equal(t, int64(-333), balance(t, g, "c"))
	assert.Zero(t, sumBalances(g))
}

// TestRandomSequences applies random operations and checks after every
// step that balances sum to zero and agree with a full recomputation.
func TestRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ids := []string{"m1", "m2", "m3", "m4", "m5"}

	for run := 0; run < 20; run++ {
		en := newTestEngine()
		g := core.Group{ID: "g", Name: "Random"}
		for _, id := range ids {
			g.Members = append(g.Members, core.Member{ID: id, Name: id})
		}

		for step := 0; step < 100; step++ {
			var err error
			switch op := rng.Intn(10); {
			case op < 5 || len(g.Expenses) == 0:
				g, err = en.ApplyCreate(g, randomExpense(rng, ids))
			case op < 7:
				victim := g.Expenses[rng.Intn(len(g.Expenses))].ID
				g, err = en.ApplyDelete(g, victim)
			case op < 9:
				victim := g.Expenses[rng.Intn(len(g.Expenses))]
				if victim.Category.IsSettlement() {
					continue
				}
				e := randomExpense(rng, ids)
				payer := e.Payer.ID
				g, err = en.ApplyEdit(g, victim.ID, Patch{Amount: &e.Amount, PayerID: &payer, PaidFor: e.BeneficiaryIDs()})
			default:
				from, to := ids[rng.Intn(len(ids))], ids[rng.Intn(len(ids))]
				if m, _, _ := g.Member(from); from == to || m.Balance.IsZero() {
					continue
				}
				g, err = en.Settle(g, from, to)
			}
			require.NoError(t, err, "run %d step %d", run, step)
			require.Zero(t, sumBalances(g), "run %d step %d", run, step)
			require.NoError(t, Verify(g), "run %d step %d", run, step)
		}
	}
}

func randomExpense(rng *rand.Rand, ids []string) core.Expense {
	perm := rng.Perm(len(ids))
	n := 1 + rng.Intn(len(ids))
	paidFor := make([]string, n)
	for i := 0; i < n; i++ {
		paidFor[i] = ids[perm[i]]
	}
	return expense(1+rng.Int63n(100000), ids[rng.Intn(len(ids))], paidFor...)
}
