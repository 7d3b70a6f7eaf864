package core

import (
	"errors"
	"strings"
	"time"
)

const (
	CategoryFood           Category = "Food"
	CategoryGroceries      Category = "Groceries"
	CategoryGeneral        Category = "General"
	CategoryUtilities      Category = "Utilities"
	CategoryRent           Category = "Rent"
	CategoryShopping       Category = "Shopping"
	CategoryTransportation Category = "Transportation"
	CategoryEntertainment  Category = "Entertainment"
	CategoryTravel         Category = "Travel"
	CategoryHealth         Category = "Health"
	CategoryPets           Category = "Pets"
	CategoryPayment        Category = "Payment"
	CategoryOther          Category = "Other"
)

// SettlementTitle is the title given to expenses created by a settlement.
const SettlementTitle = "Paid Off"

const DefaultSymbol = "$"

type (
	Category string

	Money struct {
		Cents int64
	}

	// MemberRef is a denormalized member reference stored on expenses.
	// ID is the identity; Name is kept for display only.
	MemberRef struct {
		ID   string `json:"id" bson:"id"`
		Name string `json:"name" bson:"name"`
	}

	Member struct {
		ID      string `json:"id" bson:"id"`
		Name    string `json:"name" bson:"name"`
		Balance Money  `json:"balance" bson:"balance"`
	}

	Expense struct {
		ID       string      `json:"id" bson:"id"`
		Title    string      `json:"title" bson:"title"`
		Amount   Money       `json:"amount" bson:"amount"`
		Time     time.Time   `json:"time" bson:"time"`
		Category Category    `json:"category" bson:"category"`
		Payer    MemberRef   `json:"paid_by" bson:"paid_by"`
		PaidFor  []MemberRef `json:"paid_for" bson:"paid_for"`
		Paid     bool        `json:"paid" bson:"paid"`
	}

	Group struct {
		ID            string    `json:"id" bson:"_id"`
		Name          string    `json:"name" bson:"name"`
		Symbol        string    `json:"symbol" bson:"symbol"`
		Members       []Member  `json:"members" bson:"members"`
		Expenses      []Expense `json:"expenses" bson:"expenses"`
		TotalSpending Money     `json:"total_spending" bson:"total_spending"`
		Version       int64     `json:"version" bson:"version"`
		CreatedAt     time.Time `json:"created_at" bson:"created_at"`
		UpdatedAt     time.Time `json:"updated_at" bson:"updated_at"`
	}

	// GroupSummary is the list view of a group.
	GroupSummary struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		Symbol        string `json:"symbol"`
		MemberCount   int    `json:"member_count"`
		ExpenseCount  int    `json:"expense_count"`
		TotalSpending Money  `json:"total_spending"`
	}
)

var categories = []Category{
	CategoryFood, CategoryGroceries, CategoryGeneral, CategoryUtilities, CategoryRent,
	CategoryShopping, CategoryTransportation, CategoryEntertainment, CategoryTravel,
	CategoryHealth, CategoryPets, CategoryPayment, CategoryOther,
}

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrEmptyTitle      = errors.New("empty title")
	ErrEmptyName       = errors.New("empty name")
	ErrNoBeneficiaries = errors.New("no beneficiaries")
	ErrUnknownMember   = errors.New("unknown member")
	ErrDuplicateMember = errors.New("duplicate member")
	ErrInvalidCategory = errors.New("invalid category")
	ErrVersionConflict = errors.New("version conflict")
	ErrZeroBalance     = errors.New("balance already settled")
	ErrSelfSettlement  = errors.New("cannot settle with self")
	ErrInvalidPayment  = errors.New("invalid payment")
)

// Categories returns every known category in display order.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// ParseCategory matches s case-insensitively against the known categories.
// An empty string yields CategoryOther.
func ParseCategory(s string) (Category, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return CategoryOther, nil
	}
	// "Payments" is what older clients send
	if strings.EqualFold(s, "payments") {
		return CategoryPayment, nil
	}
	for _, c := range categories {
		if strings.EqualFold(string(c), s) {
			return c, nil
		}
	}
	return "", &ValidationError{Field: "category", Reason: "unknown category " + s, Err: ErrInvalidCategory}
}

// IsSettlement reports whether expenses in this category are payoffs
// rather than spending.
func (c Category) IsSettlement() bool {
	return c == CategoryPayment
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (m Money) Add(o Money) Money { return Money{Cents: m.Cents + o.Cents} }
func (m Money) Sub(o Money) Money { return Money{Cents: m.Cents - o.Cents} }
func (m Money) Neg() Money        { return Money{Cents: -m.Cents} }
func (m Money) IsZero() bool      { return m.Cents == 0 }

func (m Money) Abs() Money {
	if m.Cents < 0 {
		return m.Neg()
	}
	return m
}

// Validate checks the expense shape. Membership of payer and beneficiaries
// is checked by the ledger against a concrete group.
func (e Expense) Validate() error {
	if len(strings.TrimSpace(e.Title)) == 0 {
		return &ValidationError{Field: "title", Reason: "title is required", Err: ErrEmptyTitle}
	}
	if len(e.Title) > 200 {
		return &ValidationError{Field: "title", Reason: "title too long (max 200 characters)"}
	}
	if err := e.Amount.Validate(); err != nil {
		return &ValidationError{Field: "amount", Reason: "amount must be positive", Err: err}
	}
	if strings.TrimSpace(e.Payer.ID) == "" {
		return &ValidationError{Field: "paid_by", Reason: "payer is required", Err: ErrUnknownMember}
	}
	if len(e.PaidFor) == 0 {
		return &ValidationError{Field: "paid_for", Reason: "at least one beneficiary is required", Err: ErrNoBeneficiaries}
	}
	seen := make(map[string]struct{}, len(e.PaidFor))
	for _, b := range e.PaidFor {
		if _, dup := seen[b.ID]; dup {
			return &ValidationError{Field: "paid_for", Reason: "duplicate beneficiary " + b.ID, Err: ErrDuplicateMember}
		}
		seen[b.ID] = struct{}{}
	}
	cat, err := ParseCategory(string(e.Category))
	if err != nil {
		return err
	}
	// A payment moves money between exactly two members.
	if cat.IsSettlement() && (len(e.PaidFor) != 1 || e.PaidFor[0].ID == e.Payer.ID) {
		return &ValidationError{Field: "paid_for", Reason: "a payment needs exactly one beneficiary other than the payer", Err: ErrInvalidPayment}
	}
	return nil
}

// BeneficiaryIDs returns the ids of the members the expense was paid for.
func (e Expense) BeneficiaryIDs() []string {
	ids := make([]string, len(e.PaidFor))
	for i, b := range e.PaidFor {
		ids[i] = b.ID
	}
	return ids
}

// Member returns the member with the given id and its position.
func (g *Group) Member(id string) (Member, int, bool) {
	for i, m := range g.Members {
		if m.ID == id {
			return m, i, true
		}
	}
	return Member{}, -1, false
}

// Expense returns the expense with the given id and its position in history.
func (g *Group) Expense(id string) (Expense, int, bool) {
	for i, e := range g.Expenses {
		if e.ID == id {
			return e, i, true
		}
	}
	return Expense{}, -1, false
}

// Clone returns a deep copy; mutating the copy never affects g.
func (g Group) Clone() Group {
	c := g
	if g.Members != nil {
		c.Members = make([]Member, len(g.Members))
		copy(c.Members, g.Members)
	}
	if g.Expenses != nil {
		c.Expenses = make([]Expense, len(g.Expenses))
		for i, e := range g.Expenses {
			c.Expenses[i] = e.Clone()
		}
	}
	return c
}

func (e Expense) Clone() Expense {
	c := e
	if e.PaidFor != nil {
		c.PaidFor = make([]MemberRef, len(e.PaidFor))
		copy(c.PaidFor, e.PaidFor)
	}
	return c
}

// Summary returns the list view of the group.
func (g Group) Summary() GroupSummary {
	return GroupSummary{
		ID:            g.ID,
		Name:          g.Name,
		Symbol:        g.Symbol,
		MemberCount:   len(g.Members),
		ExpenseCount:  len(g.Expenses),
		TotalSpending: g.TotalSpending,
	}
}

// Validate checks group-level fields and member id uniqueness.
func (g Group) Validate() error {
	if strings.TrimSpace(g.Name) == "" {
		return &ValidationError{Field: "name", Reason: "group name is required", Err: ErrEmptyName}
	}
	if len(g.Name) > 100 {
		return &ValidationError{Field: "name", Reason: "group name too long (max 100 characters)"}
	}
	ids := make(map[string]struct{}, len(g.Members))
	for _, m := range g.Members {
		if strings.TrimSpace(m.ID) == "" {
			return &ValidationError{Field: "members", Reason: "member id is required"}
		}
		if strings.TrimSpace(m.Name) == "" {
			return &ValidationError{Field: "members", Reason: "member name is required", Err: ErrEmptyName}
		}
		if _, dup := ids[m.ID]; dup {
			return &ValidationError{Field: "members", Reason: "duplicate member id " + m.ID, Err: ErrDuplicateMember}
		}
		ids[m.ID] = struct{}{}
	}
	return nil
}
