package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jacksonlee411/propertyops/modules/workorder/domain/types"
	"github.com/jacksonlee411/propertyops/pkg/idempotency"
)

var testSecret = []byte("handler-test-secret")

// newMemoryHandler builds the server from the repository config with
// in-memory storage.
func newMemoryHandler(t *testing.T, engine string) *Handler {
	t.Helper()
	for _, k := range []string{
		"ALLOWLIST_PATH", "FIELD_MAPPINGS_PATH", "TENANTS_PATH",
		"AUTHZ_MODEL_PATH", "AUTHZ_POLICY_PATH", "AUTHZ_REGO_PATH", "AUTHZ_REGO_PACKAGE",
		"AUTHZ_MODE", "AUTHZ_ENGINE_TIMEOUT", "IDEMPOTENCY_STORE",
		"IDEMPOTENCY_RETENTION", "IDEMPOTENCY_WAIT_TIMEOUT", "TRUST_PROXY",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("STORAGE", "memory")
	t.Setenv("AUTHZ_ENGINE", engine)

	h, err := NewHandler(context.Background(), HandlerOptions{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		TokenSecret: testSecret,
	})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	t.Cleanup(h.Close)
	return h
}

func bearer(t *testing.T, subject string) string {
	t.Helper()
	v, err := newTokenVerifier(testSecret, "")
	if err != nil {
		t.Fatal(err)
	}
	c := Claims{}
	c.Subject = subject
	tok, err := v.Sign(c)
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + tok
}

type call struct {
	method, path, host, subject, key, body string
}

func do(t *testing.T, h http.Handler, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if c.body != "" {
		body = strings.NewReader(c.body)
	}
	r := httptest.NewRequest(c.method, c.path, body)
	r.Host = c.host
	if c.subject != "" {
		r.Header.Set("Authorization", bearer(t, c.subject))
	}
	if c.key != "" {
		r.Header.Set(idempotency.HeaderName, c.key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("body=%q err=%v", rec.Body.String(), err)
	}
	return v
}

type listBody struct {
	WorkOrders []types.WorkOrder `json:"work_orders"`
	CanCreate  bool              `json:"can_create"`
}

type errorBody struct {
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

func TestHandler_Health(t *testing.T) {
	h := newMemoryHandler(t, "casbin")
	if rec := do(t, h, call{method: http.MethodGet, path: "/healthz"}); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, call{method: http.MethodGet, path: "/readyz"}); rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if h.Ledger() == nil {
		t.Fatal("ledger not built")
	}
}

func TestHandler_WorkOrderFlow(t *testing.T) {
	h := newMemoryHandler(t, "casbin")
	const oak = "oak.localhost"

	create := call{method: http.MethodPost, path: "/api/v1/work-orders", host: oak, subject: "alice", key: "k-1", body: `{"title":"Leaking tap","priority":"high","assignees":["carol"]}`}
	rec := do(t, h, create)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	created := decode[types.WorkOrder](t, rec)
	if created.Status != types.StatusOpen || created.ReporterID != "alice" || rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("created=%+v", created)
	}

	replay := do(t, h, create)
	if replay.Code != http.StatusCreated || decode[types.WorkOrder](t, replay).ID != created.ID {
		t.Fatalf("replay status=%d body=%s", replay.Code, replay.Body.String())
	}

	rec = do(t, h, call{method: http.MethodGet, path: "/api/v1/work-orders", host: oak, subject: "bob"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := decode[listBody](t, rec); len(got.WorkOrders) != 1 || !got.CanCreate {
		t.Fatalf("list=%+v", got)
	}

	closePath := "/api/v1/work-orders/" + created.ID + "/close"
	rec = do(t, h, call{method: http.MethodPost, path: closePath, host: oak, subject: "bob", key: "c-1"})
	if rec.Code != http.StatusForbidden || decode[errorBody](t, rec).Code != "forbidden" {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, call{method: http.MethodPost, path: closePath, host: oak, subject: "alice", key: "c-1"})
	if rec.Code != http.StatusOK || decode[types.WorkOrder](t, rec).Status != types.StatusClosed {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	// alice is only a viewer in maple and sees none of oak's work orders.
	rec = do(t, h, call{method: http.MethodGet, path: "/api/v1/work-orders", host: "maple.localhost", subject: "alice"})
	if got := decode[listBody](t, rec); rec.Code != http.StatusOK || len(got.WorkOrders) != 0 || got.CanCreate {
		t.Fatalf("status=%d list=%+v", rec.Code, got)
	}
}

func TestHandler_Rejections(t *testing.T) {
	h := newMemoryHandler(t, "casbin")

	cases := []struct {
		name   string
		c      call
		auth   string
		status int
		code   string
	}{
		{name: "anonymous", c: call{method: http.MethodGet, path: "/api/v1/work-orders", host: "oak.localhost"}, status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "bad token", c: call{method: http.MethodGet, path: "/api/v1/work-orders", host: "oak.localhost"}, auth: "Bearer nope", status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "unknown host", c: call{method: http.MethodGet, path: "/api/v1/work-orders", host: "elm.localhost", subject: "alice"}, status: http.StatusForbidden, code: "tenant_required"},
		{name: "not a member", c: call{method: http.MethodGet, path: "/api/v1/work-orders", host: "maple.localhost", subject: "bob"}, status: http.StatusForbidden, code: "forbidden"},
		{name: "no memberships", c: call{method: http.MethodGet, path: "/api/v1/work-orders", host: "oak.localhost", subject: "stranger"}, status: http.StatusForbidden, code: "invalid_identity"},
		{name: "missing key", c: call{method: http.MethodPost, path: "/api/v1/work-orders", host: "oak.localhost", subject: "alice", body: `{"title":"x"}`}, status: http.StatusBadRequest, code: "bad_request"},
		{name: "unknown route", c: call{method: http.MethodGet, path: "/api/v1/violations", host: "oak.localhost"}, status: http.StatusNotFound, code: "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(tc.c.method, tc.c.path, strings.NewReader(tc.c.body))
			r.Host = tc.c.host
			r.Header.Set("Accept", "application/json")
			switch {
			case tc.auth != "":
				r.Header.Set("Authorization", tc.auth)
			case tc.c.subject != "":
				r.Header.Set("Authorization", bearer(t, tc.c.subject))
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			if rec.Code != tc.status {
				t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
			}
			if got := decode[errorBody](t, rec); got.Code != tc.code {
				t.Fatalf("body=%+v", got)
			}
		})
	}
}

func TestHandler_TenantHeaderAndStaff(t *testing.T) {
	h := newMemoryHandler(t, "casbin")

	rec := do(t, h, call{method: http.MethodPost, path: "/api/v1/work-orders", host: "localhost", subject: "alice", key: "k", body: `{"title":"Broken gate"}`})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	r := httptest.NewRequest(http.MethodGet, "/api/v1/work-orders", nil)
	r.Host = "localhost"
	r.Header.Set(TenantHeader, "oak")
	r.Header.Set("Authorization", bearer(t, "ops"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := decode[listBody](t, rec); got.CanCreate {
		t.Fatalf("staff should not create: %+v", got)
	}
}

func TestHandler_RegoRowFilter(t *testing.T) {
	h := newMemoryHandler(t, "rego")
	const oak = "oak.localhost"

	for i, c := range []call{
		{subject: "alice", key: "a-1", body: `{"title":"Hallway light","assignees":["carol"]}`},
		{subject: "alice", key: "a-2", body: `{"title":"Roof inspection"}`},
		{subject: "bob", key: "b-1", body: `{"title":"Noisy boiler"}`},
	} {
		c.method, c.path, c.host = http.MethodPost, "/api/v1/work-orders", oak
		if rec := do(t, h, c); rec.Code != http.StatusCreated {
			t.Fatalf("create %d: status=%d body=%s", i, rec.Code, rec.Body.String())
		}
	}

	visible := func(subject string) []string {
		rec := do(t, h, call{method: http.MethodGet, path: "/api/v1/work-orders", host: oak, subject: subject})
		if rec.Code != http.StatusOK {
			t.Fatalf("subject=%s status=%d body=%s", subject, rec.Code, rec.Body.String())
		}
		var titles []string
		for _, wo := range decode[listBody](t, rec).WorkOrders {
			titles = append(titles, wo.Title)
		}
		return titles
	}
	if got := visible("alice"); len(got) != 3 {
		t.Fatalf("alice=%v", got)
	}
	if got := visible("bob"); len(got) != 1 || got[0] != "Noisy boiler" {
		t.Fatalf("bob=%v", got)
	}
	if got := visible("carol"); len(got) != 1 || got[0] != "Hallway light" {
		t.Fatalf("carol=%v", got)
	}
}
