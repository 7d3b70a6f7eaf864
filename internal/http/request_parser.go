// Package http provides HTTP server and handler implementations.
//
// This file implements utilities for parsing and validating HTTP request data.
// Every mutating endpoint accepts either a JSON body (API clients) or a
// form-encoded body (the htmx UI); the parsers below turn both into the same
// service inputs.

package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"conti/internal/core"
	"conti/internal/ledger"
	"conti/internal/services"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// RequestBodyParser handles different content types for request body parsing.
// It supports both JSON and form-encoded data, commonly used with HTMX.
type RequestBodyParser struct {
	body        []byte
	contentType string
	formData    url.Values
	parsed      bool
	err         error
}

// NewRequestBodyParser creates a parser for the given request.
// It reads the body once and stores it for subsequent parsing.
func NewRequestBodyParser(r *http.Request) *RequestBodyParser {
	p := &RequestBodyParser{
		contentType: r.Header.Get("Content-Type"),
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	p.body, p.err = body, bodyError(err)
	return p
}

// IsJSON reports whether the body is JSON, by content type or by its first byte.
func (p *RequestBodyParser) IsJSON() bool {
	if strings.HasPrefix(p.contentType, "application/json") {
		return true
	}
	b := bytes.TrimSpace(p.body)
	return len(b) > 0 && (b[0] == '{' || b[0] == '[')
}

// Decode unmarshals a JSON body into v. Unknown fields are rejected.
func (p *RequestBodyParser) Decode(v any) error {
	if p.err != nil {
		return p.err
	}
	if p.Empty() {
		return &core.ValidationError{Field: "body", Reason: "request body is empty"}
	}
	dec := json.NewDecoder(bytes.NewReader(p.body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &core.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error(), Err: err}
	}
	return nil
}

// Form parses the body as form values.
func (p *RequestBodyParser) Form() (url.Values, error) {
	if p.parsed {
		return p.formData, p.err
	}
	p.parsed = true
	if p.err != nil {
		return nil, p.err
	}
	p.formData, p.err = url.ParseQuery(string(p.body))
	if p.err != nil {
		p.err = &core.ValidationError{Field: "body", Reason: "invalid form data", Err: p.err}
	}
	return p.formData, p.err
}

// Empty reports whether the body carried nothing.
func (p *RequestBodyParser) Empty() bool {
	return len(bytes.TrimSpace(p.body)) == 0
}

// GetRaw returns the raw body bytes.
func (p *RequestBodyParser) GetRaw() []byte {
	return p.body
}

type createGroupRequest struct {
	Name    string   `json:"name"`
	Symbol  string   `json:"symbol"`
	Members []string `json:"members"`
}

type memberRequest struct {
	Name string `json:"name"`
}

type expenseRequest struct {
	Title    string     `json:"title"`
	Amount   core.Money `json:"amount"`
	Time     string     `json:"time"`
	Category string     `json:"category"`
	PaidBy   string     `json:"paid_by"`
	PaidFor  []string   `json:"paid_for"`
	Paid     bool       `json:"paid"`
}

// patchRequest mirrors expenseRequest with every field optional.
type patchRequest struct {
	Title    *string     `json:"title"`
	Amount   *core.Money `json:"amount"`
	Time     *string     `json:"time"`
	Category *string     `json:"category"`
	PaidBy   *string     `json:"paid_by"`
	PaidFor  []string    `json:"paid_for"`
	Paid     *bool       `json:"paid"`
}

type paidRequest struct {
	Paid *bool `json:"paid"`
}

type settleRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type selectionRequest struct {
	ExpenseIDs []string `json:"expense_ids"`
}

// parseCreateGroup reads a new group from JSON or a form with name, symbol
// and a comma or newline separated members field.
func parseCreateGroup(p *RequestBodyParser) (services.CreateGroupInput, error) {
	var req createGroupRequest
	if p.IsJSON() {
		if err := p.Decode(&req); err != nil {
			return services.CreateGroupInput{}, err
		}
	} else {
		form, err := p.Form()
		if err != nil {
			return services.CreateGroupInput{}, err
		}
		req.Name = form.Get("name")
		req.Symbol = form.Get("symbol")
		for _, v := range form["members"] {
			req.Members = append(req.Members, splitNames(v)...)
		}
	}
	in := services.CreateGroupInput{
		Name:   sanitizeInput(req.Name),
		Symbol: sanitizeInput(req.Symbol),
	}
	for _, m := range req.Members {
		in.Members = append(in.Members, sanitizeInput(m))
	}
	return in, nil
}

func parseMember(p *RequestBodyParser) (string, error) {
	if p.IsJSON() {
		var req memberRequest
		if err := p.Decode(&req); err != nil {
			return "", err
		}
		return sanitizeInput(req.Name), nil
	}
	form, err := p.Form()
	if err != nil {
		return "", err
	}
	return sanitizeInput(form.Get("name")), nil
}

// parseExpense reads a full expense. Form amounts are decimal text with
// dot or comma separators; beneficiaries come from repeated paid_for fields.
func parseExpense(p *RequestBodyParser, now func() time.Time) (services.ExpenseInput, error) {
	var req expenseRequest
	if p.IsJSON() {
		if err := p.Decode(&req); err != nil {
			return services.ExpenseInput{}, err
		}
	} else {
		form, err := p.Form()
		if err != nil {
			return services.ExpenseInput{}, err
		}
		amount, err := core.ParseAmount(form.Get("amount"))
		if err != nil {
			return services.ExpenseInput{}, &core.ValidationError{Field: "amount", Reason: "amount must be a positive number", Err: err}
		}
		req = expenseRequest{
			Title:    form.Get("title"),
			Amount:   amount,
			Time:     form.Get("time"),
			Category: form.Get("category"),
			PaidBy:   form.Get("paid_by"),
			PaidFor:  form["paid_for"],
			Paid:     parseBool(form.Get("paid")),
		}
	}

	t, err := parseTime(req.Time, now)
	if err != nil {
		return services.ExpenseInput{}, err
	}
	cat, err := core.ParseCategory(req.Category)
	if err != nil {
		return services.ExpenseInput{}, err
	}
	in := services.ExpenseInput{
		Title:    sanitizeInput(req.Title),
		Amount:   req.Amount,
		Time:     t,
		Category: cat,
		PayerID:  sanitizeInput(req.PaidBy),
		Paid:     req.Paid,
	}
	for _, id := range req.PaidFor {
		if id = sanitizeInput(id); id != "" {
			in.PaidFor = append(in.PaidFor, id)
		}
	}
	return in, nil
}

// parsePatch reads an edit. Absent fields keep their stored value; a form
// submission always carries every field of the edit form.
func parsePatch(p *RequestBodyParser, now func() time.Time) (ledger.Patch, error) {
	if !p.IsJSON() {
		in, err := parseExpense(p, now)
		if err != nil {
			return ledger.Patch{}, err
		}
		return ledger.Patch{
			Title:    &in.Title,
			Amount:   &in.Amount,
			Time:     &in.Time,
			Category: &in.Category,
			PayerID:  &in.PayerID,
			PaidFor:  nonNil(in.PaidFor),
			Paid:     &in.Paid,
		}, nil
	}

	var req patchRequest
	if err := p.Decode(&req); err != nil {
		return ledger.Patch{}, err
	}
	patch := ledger.Patch{Amount: req.Amount, Paid: req.Paid}
	if req.Title != nil {
		title := sanitizeInput(*req.Title)
		patch.Title = &title
	}
	if req.Time != nil {
		t, err := parseTime(*req.Time, now)
		if err != nil {
			return ledger.Patch{}, err
		}
		patch.Time = &t
	}
	if req.Category != nil {
		cat, err := core.ParseCategory(*req.Category)
		if err != nil {
			return ledger.Patch{}, err
		}
		patch.Category = &cat
	}
	if req.PaidBy != nil {
		payer := sanitizeInput(*req.PaidBy)
		patch.PayerID = &payer
	}
	if req.PaidFor != nil {
		patch.PaidFor = nonNil(req.PaidFor)
	}
	return patch, nil
}

// parsePaid reads the paid flag. A missing flag means paid.
func parsePaid(p *RequestBodyParser) (bool, error) {
	if p.Empty() {
		return true, nil
	}
	if p.IsJSON() {
		var req paidRequest
		if err := p.Decode(&req); err != nil {
			return false, err
		}
		return req.Paid == nil || *req.Paid, nil
	}
	form, err := p.Form()
	if err != nil {
		return false, err
	}
	if v := form.Get("paid"); v != "" {
		return parseBool(v), nil
	}
	return true, nil
}

func parseSettle(p *RequestBodyParser) (settleRequest, error) {
	var req settleRequest
	if p.IsJSON() {
		if err := p.Decode(&req); err != nil {
			return req, err
		}
	} else {
		form, err := p.Form()
		if err != nil {
			return req, err
		}
		req = settleRequest{From: form.Get("from"), To: form.Get("to")}
	}
	req.From, req.To = sanitizeInput(req.From), sanitizeInput(req.To)
	if req.From == "" || req.To == "" {
		return req, &core.ValidationError{Field: "from", Reason: "both members are required", Err: core.ErrUnknownMember}
	}
	return req, nil
}

func parseSelection(p *RequestBodyParser) ([]string, error) {
	var ids []string
	if p.IsJSON() {
		var req selectionRequest
		if err := p.Decode(&req); err != nil {
			return nil, err
		}
		ids = req.ExpenseIDs
	} else {
		form, err := p.Form()
		if err != nil {
			return nil, err
		}
		ids = form["expense_ids"]
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = sanitizeInput(id); id != "" {
			out = append(out, id)
		}
	}
	return out, nil
}

// parseBool treats checkbox values ("on") and the usual boolean spellings
// as true.
func parseBool(s string) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "on" || s == "yes" {
		return true
	}
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

// nonNil keeps an explicitly empty list distinguishable from an absent one.
func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// bodyError wraps a failure to read the request body.
func bodyError(err error) error {
	if err == nil {
		return nil
	}
	var ve *core.ValidationError
	if errors.As(err, &ve) {
		return err
	}
	return &core.ValidationError{Field: "body", Reason: fmt.Sprintf("unreadable request body: %v", err), Err: err}
}
