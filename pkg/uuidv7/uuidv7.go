// Package uuidv7 issues time-ordered identifiers for requests and records.
package uuidv7

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

func New() (uuid.UUID, error) {
	return uuid.NewV7()
}

func NewString() (string, error) {
	u, err := New()
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// Parse accepts only version 7 identifiers in canonical form.
func Parse(s string) (uuid.UUID, error) {
	s = strings.TrimSpace(s)
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, err
	}
	if u.Version() != 7 || u.String() != strings.ToLower(s) {
		return uuid.Nil, fmt.Errorf("uuidv7: not a canonical v7 id: %q", s)
	}
	return u, nil
}
