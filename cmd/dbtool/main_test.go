package main

import "testing"

func TestValidSQLIdent(t *testing.T) {
	for _, s := range []string{"app_nobypassrls", "sp_failclosed", "_x1"} {
		if !validSQLIdent(s) {
			t.Fatalf("expected valid: %q", s)
		}
	}
	for _, s := range []string{"", "1abc", "app; DROP ROLE x", "a-b"} {
		if validSQLIdent(s) {
			t.Fatalf("expected invalid: %q", s)
		}
	}
}
