// Package sqlident validates and quotes the table names accepted by the SQL stores.
package sqlident

import (
	"errors"
	"regexp"
	"strings"
)

const maxLength = 63

// ErrInvalidIdentifier is returned for names that are not plain SQL identifiers.
var ErrInvalidIdentifier = errors.New("invalid sql identifier")

var pattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Validate checks a single unquoted identifier.
func Validate(identifier string) error {
	if len(identifier) > maxLength || !pattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

// ValidatePath checks a dotted name such as schema.table.
func ValidatePath(path string) error {
	for _, part := range strings.Split(path, ".") {
		if err := Validate(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

// QuotePath double-quotes every segment of a dotted name.
func QuotePath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, `"`+strings.ReplaceAll(strings.TrimSpace(part), `"`, `""`)+`"`)
	}

	return strings.Join(quoted, ".")
}
