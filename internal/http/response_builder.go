// Package http provides HTTP server and handler implementations.
//
// This file implements the Builder Pattern for constructing HTMX responses
// and the JSON helpers used by the API handlers, including the mapping from
// domain errors to status codes.

package http

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"

	"conti/internal/core"
	"conti/internal/log"
)

// HTMXResponseBuilder provides a fluent API for building HTMX responses.
// It encapsulates the construction of HX-Trigger headers and response bodies.
type HTMXResponseBuilder struct {
	triggers   map[string]any
	statusCode int
	body       []byte
	headers    map[string]string
}

// NewHTMXResponse creates a new response builder with default 200 status.
func NewHTMXResponse() *HTMXResponseBuilder {
	return &HTMXResponseBuilder{
		triggers:   make(map[string]any),
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

// Status sets the HTTP status code for the response.
func (b *HTMXResponseBuilder) Status(code int) *HTMXResponseBuilder {
	b.statusCode = code
	return b
}

// Trigger adds a named trigger with optional data to the HX-Trigger header.
func (b *HTMXResponseBuilder) Trigger(name string, data any) *HTMXResponseBuilder {
	b.triggers[name] = data
	return b
}

// TriggerLedgerChanged tells listeners a group moved to a new version.
func (b *HTMXResponseBuilder) TriggerLedgerChanged(groupID string, version int64) *HTMXResponseBuilder {
	return b.Trigger("ledger:changed", map[string]any{"group": groupID, "version": version})
}

// TriggerFormReset adds the form:reset trigger.
func (b *HTMXResponseBuilder) TriggerFormReset() *HTMXResponseBuilder {
	return b.Trigger("form:reset", struct{}{})
}

// NotificationType represents the type of notification to display.
type NotificationType string

const (
	NotificationSuccess NotificationType = "success"
	NotificationError   NotificationType = "error"
	NotificationWarning NotificationType = "warning"
	NotificationInfo    NotificationType = "info"
)

// TriggerNotification adds a show-notification trigger with the specified parameters.
func (b *HTMXResponseBuilder) TriggerNotification(notifType NotificationType, message string, durationMs int) *HTMXResponseBuilder {
	return b.Trigger("show-notification", map[string]any{
		"type":     string(notifType),
		"message":  message,
		"duration": durationMs,
	})
}

// TriggerSuccessNotification is a convenience method for success notifications.
func (b *HTMXResponseBuilder) TriggerSuccessNotification(message string) *HTMXResponseBuilder {
	return b.TriggerNotification(NotificationSuccess, message, 3000)
}

// Redirect asks htmx to navigate to url.
func (b *HTMXResponseBuilder) Redirect(url string) *HTMXResponseBuilder {
	return b.Header("HX-Redirect", url)
}

// Header adds a custom header to the response.
func (b *HTMXResponseBuilder) Header(name, value string) *HTMXResponseBuilder {
	b.headers[name] = value
	return b
}

// BodyHTML sets the response body as HTML content.
func (b *HTMXResponseBuilder) BodyHTML(html []byte) *HTMXResponseBuilder {
	b.headers["Content-Type"] = "text/html; charset=utf-8"
	b.body = html
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *HTMXResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}

	if len(b.triggers) > 0 {
		triggerJSON, err := json.Marshal(b.triggers)
		if err == nil {
			w.Header().Set("HX-Trigger", string(triggerJSON))
		}
	}

	w.WriteHeader(b.statusCode)
	if len(b.body) > 0 {
		_, _ = w.Write(b.body)
	}
}

// ErrorResponse creates a standard error response with HTML formatting.
// The message is HTML-escaped for safety.
func ErrorResponse(statusCode int, message string) *HTMXResponseBuilder {
	escapedMsg := template.HTMLEscapeString(message)
	return NewHTMXResponse().
		Status(statusCode).
		BodyHTML([]byte(`<div class="error" role="alert">` + escapedMsg + `</div>`))
}

// InternalServerError creates a 500 Internal Server Error response.
func InternalServerError(message string) *HTMXResponseBuilder {
	return ErrorResponse(http.StatusInternalServerError, message)
}

// errorBody is the JSON shape of every API error.
type errorBody struct {
	Error     string `json:"error"`
	Type      string `json:"type"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// classifyError maps a domain error to a status code and error type.
func classifyError(err error) (int, string) {
	errType := log.ErrorType(err)
	switch errType {
	case log.ErrorTypeValidation:
		return http.StatusBadRequest, errType
	case log.ErrorTypeNotFound:
		return http.StatusNotFound, errType
	case log.ErrorTypeConflict:
		return http.StatusConflict, errType
	case log.ErrorTypeConsistency:
		return http.StatusInternalServerError, errType
	default:
		return http.StatusInternalServerError, log.ErrorTypeInternal
	}
}

// publicMessage is the text shown to clients. Internal failures are not
// described beyond their type.
func publicMessage(err error, errType string) string {
	if errType == log.ErrorTypeInternal {
		return "internal server error"
	}
	var ve *core.ValidationError
	if errors.As(err, &ve) && ve.Reason != "" {
		return ve.Reason
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes err as a JSON error body. Server errors carry the
// request ID so they can be found in the logs. A consistency failure
// carries the per-member differences as details.
func writeJSONError(w http.ResponseWriter, err error, requestID string) {
	status, errType := classifyError(err)
	body := errorBody{Error: publicMessage(err, errType), Type: errType}
	if status >= http.StatusInternalServerError {
		body.RequestID = requestID
	}
	var cerr *core.ConsistencyError
	if errors.As(err, &cerr) {
		body.Details = cerr
	}
	writeJSON(w, status, body)
}

// htmxError renders err as an inline error fragment.
func htmxError(err error) *HTMXResponseBuilder {
	status, errType := classifyError(err)
	return ErrorResponse(status, publicMessage(err, errType))
}
