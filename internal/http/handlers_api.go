package http

import (
	"net/http"

	"conti/internal/core"
	"conti/internal/log"
	"conti/internal/report"
)

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.ledger.ListGroups(r.Context())
	if err != nil {
		s.fail(w, r, log.OpList, err)
		return
	}
	if groups == nil {
		groups = []core.GroupSummary{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	in, err := parseCreateGroup(NewRequestBodyParser(r))
	if err != nil {
		s.fail(w, r, log.OpCreateGroup, err)
		return
	}
	g, err := s.ledger.CreateGroup(r.Context(), in)
	if err != nil {
		s.fail(w, r, log.OpCreateGroup, err)
		return
	}
	w.Header().Set("Location", "/api/v1/groups/"+g.ID)
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.ledger.GetGroup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.DeleteGroup(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, log.OpDeleteGroup, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	name, err := parseMember(NewRequestBodyParser(r))
	if err != nil {
		s.fail(w, r, log.OpAddMember, err)
		return
	}
	g, _, err := s.ledger.AddMember(r.Context(), r.PathValue("id"), name)
	if err != nil {
		s.fail(w, r, log.OpAddMember, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	expenses, err := s.ledger.ListExpenses(r.Context(), r.PathValue("id"), report.ParseFilter(r.URL.Query()))
	if err != nil {
		s.fail(w, r, log.OpList, err)
		return
	}
	if expenses == nil {
		expenses = []core.Expense{}
	}
	writeJSON(w, http.StatusOK, expenses)
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	in, err := parseExpense(NewRequestBodyParser(r), s.now)
	if err != nil {
		s.fail(w, r, log.OpCreate, err)
		return
	}
	g, e, err := s.ledger.CreateExpense(r.Context(), r.PathValue("id"), in)
	if err != nil {
		s.fail(w, r, log.OpCreate, err)
		return
	}
	w.Header().Set("Location", "/api/v1/groups/"+g.ID+"/expenses/"+e.ID)
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleEditExpense(w http.ResponseWriter, r *http.Request) {
	patch, err := parsePatch(NewRequestBodyParser(r), s.now)
	if err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	g, err := s.ledger.EditExpense(r.Context(), r.PathValue("id"), r.PathValue("eid"), patch)
	if err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	paid, err := parsePaid(NewRequestBodyParser(r))
	if err != nil {
		s.fail(w, r, log.OpMarkPaid, err)
		return
	}
	g, err := s.ledger.MarkPaid(r.Context(), r.PathValue("id"), r.PathValue("eid"), paid)
	if err != nil {
		s.fail(w, r, log.OpMarkPaid, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	g, err := s.ledger.DeleteExpense(r.Context(), r.PathValue("id"), r.PathValue("eid"))
	if err != nil {
		s.fail(w, r, log.OpDelete, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	req, err := parseSettle(NewRequestBodyParser(r))
	if err != nil {
		s.fail(w, r, log.OpSettle, err)
		return
	}
	g, err := s.ledger.Settle(r.Context(), r.PathValue("id"), req.From, req.To)
	if err != nil {
		s.fail(w, r, log.OpSettle, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.ledger.Stats(r.Context(), r.PathValue("id"), report.ParseFilter(r.URL.Query()))
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	ids, err := parseSelection(NewRequestBodyParser(r))
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	sel, err := s.ledger.Selection(r.Context(), r.PathValue("id"), ids)
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	transfers, err := s.ledger.Suggestions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	if transfers == nil {
		transfers = []report.Transfer{}
	}
	writeJSON(w, http.StatusOK, transfers)
}

// handleVerify answers 200 when stored balances match the history and 500
// with the differences when they do not.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ledger.Verify(r.Context(), id); err != nil {
		s.fail(w, r, log.OpVerify, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"group_id": id,
		"status":   "consistent",
	})
}
