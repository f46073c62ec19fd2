package configstore

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
	// ErrNoDocument is returned by a Persister that has nothing stored yet.
	ErrNoDocument = errors.New("no stored routing document")
)

// Violation is one failed constraint. Field is a dotted path such as
// "providers[2].weight".
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every constraint a rejected write violated.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	return fmt.Sprintf("invalid configuration (%d violations): %s", len(e.Violations), strings.Join(parts, "; "))
}

func notFound(kind, key string) error {
	return fmt.Errorf("%s %q: %w", kind, key, ErrNotFound)
}

func conflict(kind, key string) error {
	return fmt.Errorf("%s %q: %w", kind, key, ErrConflict)
}
