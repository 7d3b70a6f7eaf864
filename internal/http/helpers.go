package http

import (
	"html/template"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"conti/internal/core"
)

// isHTMX reports whether the request was issued by htmx.
func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}

// splitNames splits a comma or newline separated list, dropping blanks.
func splitNames(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' || r == ';' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = sanitizeInput(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Layouts accepted for expense times. A datetime-local input sends the
// second one.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseTime parses an expense time. An empty string yields now. Times
// without a zone are local, the zone the templates render in.
func parseTime(s string, now func() time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return now().UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &core.ValidationError{Field: "time", Reason: "invalid time " + s}
}

// templateFuncs are the helpers available to every page and partial.
var templateFuncs = template.FuncMap{
	"money": func(m core.Money, symbol string) string { return m.Format(symbol) },
	"abs":   func(m core.Money) core.Money { return m.Abs() },
	"positive": func(m core.Money) bool {
		return m.Cents > 0
	},
	"negative": func(m core.Money) bool {
		return m.Cents < 0
	},
	"datetime": func(t time.Time) string { return t.Local().Format("2006-01-02 15:04") },
	"inputTime": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Local().Format("2006-01-02T15:04")
	},
	"beneficiaries": func(e core.Expense) string {
		names := make([]string, len(e.PaidFor))
		for i, b := range e.PaidFor {
			names[i] = b.Name
		}
		return strings.Join(names, ", ")
	},
	"paidFor": func(e core.Expense, memberID string) bool {
		return slices.Contains(e.BeneficiaryIDs(), memberID)
	},
	"isSettlement": func(e core.Expense) bool { return e.Category.IsSettlement() },
	"percent":      func(f float64) string { return strconv.FormatFloat(f, 'f', 1, 64) + "%" },
}
