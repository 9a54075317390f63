package httperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsBadRequest(t *testing.T) {
	if IsBadRequest(nil) {
		t.Fatalf("expected false for nil")
	}
	if IsBadRequest(NewBadRequest("bad")) != true {
		t.Fatalf("expected true for bad request")
	}
	if !IsBadRequest(fmt.Errorf("wrapped: %w", NewBadRequest("bad"))) {
		t.Fatalf("expected true for wrapped bad request")
	}
	if IsBadRequest(assertErr("other")) {
		t.Fatalf("expected false for plain error")
	}
	if IsBadRequest(New(CodeForbidden, "no")) {
		t.Fatalf("expected false for other code")
	}
}

func TestStatusTable(t *testing.T) {
	cases := map[string]int{
		CodeUnauthenticated:             http.StatusUnauthorized,
		CodeTenantRequired:              http.StatusForbidden,
		CodeForbidden:                   http.StatusForbidden,
		CodeInvalidIdentity:             http.StatusForbidden,
		CodeIdempotencyConflict:         http.StatusConflict,
		CodeIdempotencyInProgress:       http.StatusConflict,
		CodeAuthorizationUnavailable:    http.StatusServiceUnavailable,
		CodeIdempotencyStoreUnavailable: http.StatusServiceUnavailable,
		CodeSessionScopeUnavailable:     http.StatusServiceUnavailable,
		CodeBadRequest:                  http.StatusBadRequest,
		CodeInternal:                    http.StatusInternalServerError,
		"made_up":                       http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := New(code, "").Status; got != want {
			t.Fatalf("code=%s status=%d want=%d", code, got, want)
		}
	}
	if !New(CodeAuthorizationUnavailable, "").Retryable || New(CodeForbidden, "").Retryable {
		t.Fatal("retryable flag")
	}
}

func TestFrom(t *testing.T) {
	if From(nil) != nil {
		t.Fatal("expected nil")
	}
	cause := errors.New("pq: relation missing")
	e := From(cause)
	if e.Code != CodeInternal || e.Message != "internal error" || !errors.Is(e, cause) {
		t.Fatalf("e=%+v", e)
	}
	orig := Newf(CodeForbidden, "cannot %s", "close")
	if got := From(fmt.Errorf("x: %w", orig)); got != orig {
		t.Fatalf("got=%+v", got)
	}
	if orig.Error() != "forbidden: cannot close" || New(CodeForbidden, "").Error() != "forbidden" {
		t.Fatalf("error text=%q", orig.Error())
	}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestParse(t *testing.T) {
	e, ok := Parse(New(CodeBadRequest, "title: required").Error())
	if !ok || e.Code != CodeBadRequest || e.Message != "title: required" || e.Status != http.StatusBadRequest {
		t.Fatalf("e=%+v ok=%v", e, ok)
	}
	if e, ok := Parse("forbidden"); !ok || e.Message != "" {
		t.Fatalf("e=%+v ok=%v", e, ok)
	}
	if _, ok := Parse("dial tcp: refused"); ok {
		t.Fatal("expected unknown code to be rejected")
	}
}
