// Package report derives read-only views from a group's expense history:
// filtered listings, spending statistics, selection totals and suggested
// settlements. Nothing here mutates a group.
package report

import (
	"net/url"
	"strings"
	"time"

	"conti/internal/core"
)

// Filter narrows an expense listing. Zero fields do not filter.
type Filter struct {
	Category core.Category
	PayerID  string
	Min      core.Money
	Max      core.Money
	From     time.Time
	To       time.Time
}

// ParseFilter reads filter bounds from query parameters: category, payer,
// min, max, from, to. Malformed or inverted bounds are dropped rather than
// rejected.
func ParseFilter(q url.Values) Filter {
	var f Filter

	if c := strings.TrimSpace(q.Get("category")); c != "" && !strings.EqualFold(c, "all") {
		if cat, err := core.ParseCategory(c); err == nil {
			f.Category = cat
		}
	}
	f.PayerID = strings.TrimSpace(q.Get("payer"))

	if m, err := core.ParseAmount(q.Get("min")); err == nil {
		f.Min = m
	}
	if m, err := core.ParseAmount(q.Get("max")); err == nil {
		f.Max = m
	}
	if !f.Min.IsZero() && !f.Max.IsZero() && f.Min.Cents > f.Max.Cents {
		f.Min, f.Max = core.Money{}, core.Money{}
	}

	if t, ok := parseBound(q.Get("from"), false); ok {
		f.From = t
	}
	if t, ok := parseBound(q.Get("to"), true); ok {
		f.To = t
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		f.From, f.To = time.Time{}, time.Time{}
	}
	return f
}

// parseBound accepts RFC 3339 timestamps, "2006-01-02T15:04" (what a
// datetime-local input sends) and plain dates. Times without a zone are
// local. A plain date used as an upper bound covers the whole day.
func parseBound(s string, upper bool) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04", s, time.Local); err == nil {
		return t.UTC(), true
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, time.Local); err == nil {
		if upper {
			t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		return t.UTC(), true
	}
	return time.Time{}, false
}

// IsEmpty reports whether the filter lets everything through.
func (f Filter) IsEmpty() bool {
	return f == Filter{}
}

// Match reports whether e passes every set bound. Bounds are inclusive.
func (f Filter) Match(e core.Expense) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.PayerID != "" && e.Payer.ID != f.PayerID {
		return false
	}
	if !f.Min.IsZero() && e.Amount.Cents < f.Min.Cents {
		return false
	}
	if !f.Max.IsZero() && e.Amount.Cents > f.Max.Cents {
		return false
	}
	if !f.From.IsZero() && e.Time.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Time.After(f.To) {
		return false
	}
	return true
}

// Apply returns the matching expenses in their original order.
func (f Filter) Apply(expenses []core.Expense) []core.Expense {
	out := make([]core.Expense, 0, len(expenses))
	for _, e := range expenses {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// Values renders the filter back into query parameters.
func (f Filter) Values() url.Values {
	v := url.Values{}
	if f.Category != "" {
		v.Set("category", string(f.Category))
	}
	if f.PayerID != "" {
		v.Set("payer", f.PayerID)
	}
	if !f.Min.IsZero() {
		v.Set("min", f.Min.String())
	}
	if !f.Max.IsZero() {
		v.Set("max", f.Max.String())
	}
	if !f.From.IsZero() {
		v.Set("from", f.From.Format(time.RFC3339))
	}
	if !f.To.IsZero() {
		v.Set("to", f.To.Format(time.RFC3339))
	}
	return v
}
