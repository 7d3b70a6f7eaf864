package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"conti/internal/log"
	"conti/internal/middleware/trace"
)

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

// handleReady performs readiness check with dependency verification
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	httpStatus := http.StatusOK
	checks := make(map[string]any)

	if s.templates == nil {
		checks["templates"] = "failed: templates not loaded"
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["templates"] = "ok"
	}

	if err := s.ledger.Ping(ctx); err != nil {
		checks["repository"] = fmt.Sprintf("failed: %v", err)
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
		log.FromContext(ctx).WarnContext(ctx, "Readiness check failed",
			log.FieldComponent, log.ComponentStorage,
			log.FieldError, err)
	} else {
		checks["repository"] = "ok"
	}

	if s.limiter != nil {
		checks["rate_limiter"] = map[string]any{
			"active_clients": s.limiter.ActiveClients(),
			"status":         "ok",
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    status,
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

// fail logs err at a level matching its class and writes it as JSON.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	logFailure(r, op, err)
	writeJSONError(w, err, trace.GetRequestID(r.Context()))
}

func logFailure(r *http.Request, op string, err error) {
	ctx := r.Context()
	logger := log.FromContext(ctx)
	fields := log.NewFields().WithComponent(log.ComponentHTTP)
	if id := r.PathValue("id"); id != "" {
		fields[log.FieldGroupID] = id
	}
	if status, _ := classifyError(err); status >= http.StatusInternalServerError {
		log.NewStructuredLogger(logger).LogError(ctx, "Request failed", err, op, fields)
		return
	}
	logger.DebugContext(ctx, "Request rejected", fields.WithOperation(op).WithError(err).ToSlice()...)
}
