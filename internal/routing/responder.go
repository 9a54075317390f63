package routing

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jacksonlee411/propertyops/pkg/httperr"
)

type ErrorEnvelope struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
	Meta      ErrorEnvelopeMeta `json:"meta"`
}

type ErrorEnvelopeMeta struct {
	Path   string `json:"path"`
	Method string `json:"method"`
}

// RequestIDHeader carries the pipeline request id back to callers.
const RequestIDHeader = "X-Request-Id"

func WriteError(w http.ResponseWriter, r *http.Request, rc RouteClass, status int, code string, message string) {
	writeEnvelope(w, r, rc, status, ErrorEnvelope{Code: code, Message: message})
}

// WriteBoundaryError renders e with its own status. A nil e is written as
// internal_error.
func WriteBoundaryError(w http.ResponseWriter, r *http.Request, rc RouteClass, e *httperr.Error) {
	if e == nil {
		e = httperr.New(httperr.CodeInternal, "internal error")
	}
	writeEnvelope(w, r, rc, e.Status, ErrorEnvelope{
		Code:      e.Code,
		Message:   e.Message,
		Retryable: e.Retryable,
		RequestID: w.Header().Get(RequestIDHeader),
	})
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, rc RouteClass, status int, env ErrorEnvelope) {
	if isJSONOnly(rc) || wantsJSON(r) {
		env.TraceID = traceIDFromRequest(r)
		env.Meta = ErrorEnvelopeMeta{Path: r.URL.Path, Method: r.Method}
		WriteJSON(w, status, env)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(env.Code))
	if env.Message != "" {
		_, _ = w.Write([]byte(": " + env.Message))
	}
	_, _ = w.Write([]byte("\n"))
}

func wantsJSON(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Accept"), "application/json")
}

func isJSONOnly(rc RouteClass) bool {
	return rc == RouteClassInternalAPI || rc == RouteClassPublicAPI
}

func traceIDFromRequest(r *http.Request) string {
	traceparent := strings.TrimSpace(r.Header.Get("traceparent"))
	if traceparent == "" {
		return ""
	}
	parts := strings.Split(traceparent, "-")
	if len(parts) != 4 {
		return ""
	}
	traceID := strings.ToLower(parts[1])
	if len(traceID) != 32 || traceID == "00000000000000000000000000000000" {
		return ""
	}
	for _, ch := range traceID {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return ""
		}
	}
	return traceID
}
