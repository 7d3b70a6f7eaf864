package core

import (
	"errors"
	"testing"
	"time"
)

func TestMoneyValidate(t *testing.T) {
	if err := (Money{Cents: 1}).Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	if err := (Money{Cents: 0}).Validate(); err == nil {
		t.Fatalf("expected error for zero")
	}
}

func TestParseCategory(t *testing.T) {
	cases := []struct {
		in   string
		want Category
		ok   bool
	}{
		{"", CategoryOther, true},
		{"food", CategoryFood, true},
		{"  Rent ", CategoryRent, true},
		{"Payments", CategoryPayment, true},
		{"payment", CategoryPayment, true},
		{"Gambling", "", false},
	}
	for _, tc := range cases {
		got, err := ParseCategory(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("%q: got %q err=%v, want %q", tc.in, got, err, tc.want)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			if !IsValidation(err) || !errors.Is(err, ErrInvalidCategory) {
				t.Fatalf("%q: expected validation error wrapping ErrInvalidCategory, got %v", tc.in, err)
			}
		}
	}
}

func TestExpenseValidate(t *testing.T) {
	good := Expense{
		ID:       "e1",
		Title:    "Dinner",
		Amount:   Money{Cents: 1000},
		Time:     time.Date(2025, 1, 1, 20, 0, 0, 0, time.UTC),
		Category: CategoryFood,
		Payer:    MemberRef{ID: "m1", Name: "Sammy"},
		PaidFor:  []MemberRef{{ID: "m1", Name: "Sammy"}, {ID: "m2", Name: "Raphael"}},
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}

	payment := good.Clone()
	payment.Category = CategoryPayment
	payment.PaidFor = []MemberRef{{ID: "m2", Name: "Raphael"}}
	if err := payment.Validate(); err != nil {
		t.Fatalf("expected two-party payment to be ok, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Expense)
		target error
	}{
		{"empty title", func(e *Expense) { e.Title = "  " }, ErrEmptyTitle},
		{"zero amount", func(e *Expense) { e.Amount = Money{} }, ErrInvalidAmount},
		{"negative amount", func(e *Expense) { e.Amount = Money{Cents: -1} }, ErrInvalidAmount},
		{"no payer", func(e *Expense) { e.Payer = MemberRef{} }, ErrUnknownMember},
		{"no beneficiaries", func(e *Expense) { e.PaidFor = nil }, ErrNoBeneficiaries},
		{"duplicate beneficiary", func(e *Expense) { e.PaidFor = append(e.PaidFor, MemberRef{ID: "m1"}) }, ErrDuplicateMember},
		{"bad category", func(e *Expense) { e.Category = "Nope" }, ErrInvalidCategory},
		{"payment to several members", func(e *Expense) { e.Category = CategoryPayment }, ErrInvalidPayment},
		{"payment to self", func(e *Expense) {
			e.Category = CategoryPayment
			e.PaidFor = []MemberRef{{ID: "m1"}}
		}, ErrInvalidPayment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := good.Clone()
			tt.mutate(&e)
			err := e.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !IsValidation(err) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
			if !errors.Is(err, tt.target) {
				t.Fatalf("expected %v, got %v", tt.target, err)
			}
		})
	}
}

func TestGroupCloneIsDeep(t *testing.T) {
	g := Group{
		ID:      "g1",
		Name:    "Flat",
		Members: []Member{{ID: "m1", Name: "A"}},
		Expenses: []Expense{{
			ID:      "e1",
			PaidFor: []MemberRef{{ID: "m1", Name: "A"}},
		}},
	}
	c := g.Clone()
	c.Members[0].Balance = Money{Cents: 10}
	c.Expenses[0].PaidFor[0].Name = "changed"
	c.Expenses[0].Title = "changed"

	if g.Members[0].Balance.Cents != 0 {
		t.Fatalf("member mutated through clone")
	}
	if g.Expenses[0].PaidFor[0].Name != "A" || g.Expenses[0].Title != "" {
		t.Fatalf("expense mutated through clone")
	}
}

func TestGroupValidate(t *testing.T) {
	g := Group{Name: "Trip", Members: []Member{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}}}
	if err := g.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	g.Members = append(g.Members, Member{ID: "a", Name: "A again"})
	if err := g.Validate(); !errors.Is(err, ErrDuplicateMember) {
		t.Fatalf("expected duplicate member error, got %v", err)
	}
	if err := (Group{}).Validate(); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("expected empty name error, got %v", err)
	}
}

func TestConsistencyErrorMessage(t *testing.T) {
	err := &ConsistencyError{
		GroupID: "g1",
		Diffs:   []BalanceDiff{{MemberID: "m1", Stored: Money{Cents: 100}, Computed: Money{Cents: 50}}},
	}
	want := "group g1 inconsistent: m1 stored=1.00 computed=0.50"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
	var wrapped error = err
	if !IsConsistency(wrapped) {
		t.Fatalf("IsConsistency should match")
	}
}
