package core

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports bad input shape or values.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NotFoundError reports a missing group or expense.
type NotFoundError struct {
	Kind string // "group" or "expense"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// BalanceDiff is one member whose stored balance disagrees with history.
type BalanceDiff struct {
	MemberID string `json:"member_id"`
	Stored   Money  `json:"stored"`
	Computed Money  `json:"computed"`
}

// ConsistencyError reports that incrementally maintained state disagrees
// with a recomputation from expense history.
type ConsistencyError struct {
	GroupID          string        `json:"group_id"`
	Diffs            []BalanceDiff `json:"diffs,omitempty"`
	StoredSpending   Money         `json:"stored_spending"`
	ComputedSpending Money         `json:"computed_spending"`
	Imbalance        Money         `json:"imbalance"`
	// History is set when the stored history cannot be replayed at all.
	History          string        `json:"history,omitempty"`
}

func (e *ConsistencyError) Error() string {
	parts := make([]string, 0, len(e.Diffs)+3)
	if e.History != "" {
		parts = append(parts, "history: "+e.History)
	}
	for _, d := range e.Diffs {
		parts = append(parts, fmt.Sprintf("%s stored=%s computed=%s", d.MemberID, d.Stored, d.Computed))
	}
	if e.StoredSpending != e.ComputedSpending {
		parts = append(parts, fmt.Sprintf("total spending stored=%s computed=%s", e.StoredSpending, e.ComputedSpending))
	}
	if !e.Imbalance.IsZero() {
		parts = append(parts, fmt.Sprintf("balances sum to %s", e.Imbalance))
	}
	return fmt.Sprintf("group %s inconsistent: %s", e.GroupID, strings.Join(parts, "; "))
}

func NewGroupNotFound(id string) error   { return &NotFoundError{Kind: "group", ID: id} }
func NewExpenseNotFound(id string) error { return &NotFoundError{Kind: "expense", ID: id} }

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsConsistency(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}
