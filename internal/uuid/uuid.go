// Package uuid provides UUID v4 generation plus provisional id helpers.
//
// A provisional id identifies a record created on this device before the
// server has acknowledged it. It carries a "local-" prefix so that it can
// never collide with a server-assigned identifier.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ProvisionalPrefix marks locally minted identifiers awaiting server
// confirmation.
const ProvisionalPrefix = "local-"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewProvisional mints a provisional identifier for a locally created record.
func NewProvisional() string {
	return ProvisionalPrefix + uuid.New().String()
}

// IsProvisional reports whether id is a locally minted provisional id.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// IsValid checks if a string is a valid UUID v4.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
