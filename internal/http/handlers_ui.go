package http

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"conti/internal/core"
	"conti/internal/log"
	"conti/internal/report"
)

type indexView struct {
	Title  string
	Groups []core.GroupSummary
}

// groupView feeds the group page and every fragment inside it.
type groupView struct {
	Title       string
	Group       core.Group
	Expenses    []core.Expense
	Filter      report.Filter
	FilterQuery string
	Stats       report.Stats
	Transfers   []report.Transfer
	Categories  []core.Category
}

type expenseEditView struct {
	Group      core.Group
	Expense    core.Expense
	Categories []core.Category
}

var errNoTemplates = errors.New("templates not loaded")

// renderTemplate executes name into a buffer so a failing template never
// leaves a half-written response.
func (s *Server) renderTemplate(name string, data any) ([]byte, error) {
	if s.templates == nil {
		return nil, errNoTemplates
	}
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Server) writePage(w http.ResponseWriter, r *http.Request, name string, data any) {
	html, err := s.renderTemplate(name, data)
	if err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Template execution failed",
			log.FieldComponent, log.ComponentTemplate,
			log.FieldOperation, log.OpRender,
			log.FieldPath, r.URL.Path,
			"template", name,
			log.FieldError, err)
		InternalServerError("Page could not be rendered").Write(w)
		return
	}
	NewHTMXResponse().BodyHTML(html).Write(w)
}

// uiFail logs err and answers with an inline error fragment.
func (s *Server) uiFail(w http.ResponseWriter, r *http.Request, op string, err error) {
	logFailure(r, op, err)
	htmxError(err).Write(w)
}

// groupView assembles the page data for g, listing only expenses that
// match f. Statistics come from the service so they share its cache.
func (s *Server) groupView(ctx context.Context, g core.Group, f report.Filter) (groupView, error) {
	st, err := s.ledger.Stats(ctx, g.ID, report.Filter{})
	if err != nil {
		return groupView{}, err
	}
	return groupView{
		Title:       g.Name,
		Group:       g,
		Expenses:    f.Apply(g.Expenses),
		Filter:      f,
		FilterQuery: f.Values().Encode(),
		Stats:       st,
		Transfers:   report.SuggestSettlements(g.Members),
		Categories:  core.Categories(),
	}, nil
}

// writeGroupBody re-renders the group body after a mutation, carrying the
// triggers already set on b.
func (s *Server) writeGroupBody(w http.ResponseWriter, r *http.Request, op string, g core.Group, b *HTMXResponseBuilder) {
	view, err := s.groupView(r.Context(), g, report.Filter{})
	if err != nil {
		s.uiFail(w, r, op, err)
		return
	}
	html, err := s.renderTemplate("group-body", view)
	if err != nil {
		s.uiFail(w, r, log.OpRender, err)
		return
	}
	b.TriggerLedgerChanged(g.ID, g.Version).BodyHTML(html).Write(w)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	groups, err := s.ledger.ListGroups(r.Context())
	if err != nil {
		s.uiFail(w, r, log.OpList, err)
		return
	}
	s.writePage(w, r, "index.html", indexView{Title: "Groups", Groups: groups})
}

func (s *Server) handleGroupPage(w http.ResponseWriter, r *http.Request) {
	g, err := s.ledger.GetGroup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.uiFail(w, r, log.OpRead, err)
		return
	}
	view, err := s.groupView(r.Context(), g, report.ParseFilter(r.URL.Query()))
	if err != nil {
		s.uiFail(w, r, log.OpRead, err)
		return
	}
	s.writePage(w, r, "group.html", view)
}

func (s *Server) handleUICreateGroup(w http.ResponseWriter, r *http.Request) {
	in, err := parseCreateGroup(NewRequestBodyParser(r))
	if err != nil {
		s.uiFail(w, r, log.OpCreateGroup, err)
		return
	}
	g, err := s.ledger.CreateGroup(r.Context(), in)
	if err != nil {
		s.uiFail(w, r, log.OpCreateGroup, err)
		return
	}
	target := "/groups/" + g.ID
	if !isHTMX(r) {
		http.Redirect(w, r, target, http.StatusSeeOther)
		return
	}
	NewHTMXResponse().Redirect(target).Write(w)
}

func (s *Server) handleUIDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.DeleteGroup(r.Context(), r.PathValue("id")); err != nil {
		s.uiFail(w, r, log.OpDeleteGroup, err)
		return
	}
	NewHTMXResponse().Redirect("/").Write(w)
}

func (s *Server) handleUIAddMember(w http.ResponseWriter, r *http.Request) {
	name, err := parseMember(NewRequestBodyParser(r))
	if err != nil {
		s.uiFail(w, r, log.OpAddMember, err)
		return
	}
	g, m, err := s.ledger.AddMember(r.Context(), r.PathValue("id"), name)
	if err != nil {
		s.uiFail(w, r, log.OpAddMember, err)
		return
	}
	s.writeGroupBody(w, r, log.OpAddMember, g,
		NewHTMXResponse().TriggerFormReset().TriggerSuccessNotification(m.Name+" joined the group"))
}

func (s *Server) handleUIExpenses(w http.ResponseWriter, r *http.Request) {
	g, err := s.ledger.GetGroup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.uiFail(w, r, log.OpList, err)
		return
	}
	f := report.ParseFilter(r.URL.Query())
	html, err := s.renderTemplate("expenses", groupView{
		Group:       g,
		Expenses:    f.Apply(g.Expenses),
		Filter:      f,
		FilterQuery: f.Values().Encode(),
	})
	if err != nil {
		s.uiFail(w, r, log.OpRender, err)
		return
	}
	NewHTMXResponse().BodyHTML(html).Write(w)
}

func (s *Server) handleUICreateExpense(w http.ResponseWriter, r *http.Request) {
	in, err := parseExpense(NewRequestBodyParser(r), s.now)
	if err != nil {
		s.uiFail(w, r, log.OpCreate, err)
		return
	}
	g, e, err := s.ledger.CreateExpense(r.Context(), r.PathValue("id"), in)
	if err != nil {
		s.uiFail(w, r, log.OpCreate, err)
		return
	}
	s.writeGroupBody(w, r, log.OpCreate, g,
		NewHTMXResponse().TriggerFormReset().TriggerSuccessNotification("Added "+e.Title+" ("+e.Amount.Format(g.Symbol)+")"))
}

func (s *Server) handleUIEditForm(w http.ResponseWriter, r *http.Request) {
	g, err := s.ledger.GetGroup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.uiFail(w, r, log.OpRead, err)
		return
	}
	e, _, ok := g.Expense(r.PathValue("eid"))
	if !ok {
		s.uiFail(w, r, log.OpRead, core.NewExpenseNotFound(r.PathValue("eid")))
		return
	}
	html, err := s.renderTemplate("expense-edit", expenseEditView{Group: g, Expense: e, Categories: core.Categories()})
	if err != nil {
		s.uiFail(w, r, log.OpRender, err)
		return
	}
	NewHTMXResponse().BodyHTML(html).Write(w)
}

// handleUIEditExpense applies the edit form. The form shows times to the
// minute, so a time within the stored minute leaves the stored time alone.
func (s *Server) handleUIEditExpense(w http.ResponseWriter, r *http.Request) {
	p, err := parsePatch(NewRequestBodyParser(r), s.now)
	if err != nil {
		s.uiFail(w, r, log.OpUpdate, err)
		return
	}
	g, err := s.ledger.GetGroup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.uiFail(w, r, log.OpUpdate, err)
		return
	}
	if old, _, ok := g.Expense(r.PathValue("eid")); ok && p.Time != nil &&
		p.Time.Truncate(time.Minute).Equal(old.Time.Truncate(time.Minute)) {
		p.Time = nil
	}
	g, err = s.ledger.EditExpense(r.Context(), g.ID, r.PathValue("eid"), p)
	if err != nil {
		s.uiFail(w, r, log.OpUpdate, err)
		return
	}
	s.writeGroupBody(w, r, log.OpUpdate, g,
		NewHTMXResponse().TriggerSuccessNotification("Expense updated"))
}

func (s *Server) handleUIMarkPaid(w http.ResponseWriter, r *http.Request) {
	paid, err := parsePaid(NewRequestBodyParser(r))
	if err != nil {
		s.uiFail(w, r, log.OpMarkPaid, err)
		return
	}
	g, err := s.ledger.MarkPaid(r.Context(), r.PathValue("id"), r.PathValue("eid"), paid)
	if err != nil {
		s.uiFail(w, r, log.OpMarkPaid, err)
		return
	}
	s.writeGroupBody(w, r, log.OpMarkPaid, g, NewHTMXResponse())
}

func (s *Server) handleUIDeleteExpense(w http.ResponseWriter, r *http.Request) {
	g, err := s.ledger.DeleteExpense(r.Context(), r.PathValue("id"), r.PathValue("eid"))
	if err != nil {
		s.uiFail(w, r, log.OpDelete, err)
		return
	}
	s.writeGroupBody(w, r, log.OpDelete, g,
		NewHTMXResponse().TriggerSuccessNotification("Expense deleted"))
}

func (s *Server) handleUISettle(w http.ResponseWriter, r *http.Request) {
	req, err := parseSettle(NewRequestBodyParser(r))
	if err != nil {
		s.uiFail(w, r, log.OpSettle, err)
		return
	}
	g, err := s.ledger.Settle(r.Context(), r.PathValue("id"), req.From, req.To)
	if err != nil {
		s.uiFail(w, r, log.OpSettle, err)
		return
	}
	s.writeGroupBody(w, r, log.OpSettle, g,
		NewHTMXResponse().TriggerSuccessNotification("Balance settled"))
}

func (s *Server) handleUIStats(w http.ResponseWriter, r *http.Request) {
	g, err := s.ledger.GetGroup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.uiFail(w, r, log.OpRead, err)
		return
	}
	st, err := s.ledger.Stats(r.Context(), g.ID, report.ParseFilter(r.URL.Query()))
	if err != nil {
		s.uiFail(w, r, log.OpRead, err)
		return
	}
	html, err := s.renderTemplate("stats", groupView{Group: g, Stats: st})
	if err != nil {
		s.uiFail(w, r, log.OpRender, err)
		return
	}
	NewHTMXResponse().BodyHTML(html).Write(w)
}
