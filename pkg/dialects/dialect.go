// Package dialects provides database dialect interfaces and implementations.
package dialects

import (
	"fmt"
	"strings"

	dberrors "github.com/taproom/savedb/pkg/errors"
)

// Dialect defines how statements are spelled for one database engine.
type Dialect interface {
	// Name returns the dialect name (e.g., "sqlite").
	Name() string

	// DriverName returns the Go sql driver name.
	DriverName() string

	// Quote quotes an identifier (table/column name).
	Quote(identifier string) string

	// Placeholder returns the parameter placeholder for the given index (1-based).
	Placeholder(index int) string
}

// ValidateIdentifier rejects names that cannot be safely quoted as a table or column.
func ValidateIdentifier(name string) error {
	if strings.TrimSpace(name) == "" {
		return dberrors.New(dberrors.ErrInvalidIdentifier, "identifier is empty")
	}
	if strings.ContainsRune(name, 0) {
		return dberrors.New(dberrors.ErrInvalidIdentifier, fmt.Sprintf("identifier %q contains a NUL byte", name))
	}
	return nil
}
