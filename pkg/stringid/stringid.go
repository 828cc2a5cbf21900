// Package stringid provides helper functions for dealing with string identifiers
package stringid

import (
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	shortLen = 12
	fullLen  = 32
)

// TruncateID returns a shorthand version of a string identifier for
// convenience. A collision with other shorthands is very unlikely, but
// possible; callers that hit one must fall back to the full-length ID.
func TruncateID(id string) string {
	if len(id) > shortLen {
		id = id[:shortLen]
	}
	return id
}

// GenerateID returns a unique, 32-character hex ID. Generated IDs sort by
// creation time: the leading characters encode milliseconds since the Unix
// epoch (UUIDv7 layout with hyphens removed).
func GenerateID() string {
	return strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
}

// ValidateID checks whether an ID string is a valid, full-length generated ID.
func ValidateID(id string) error {
	if len(id) != fullLen {
		return errors.New("invalid id length: " + id)
	}
	if _, err := hex.DecodeString(id); err != nil {
		return errors.New("invalid id format: " + id)
	}
	return nil
}

// Timestamp extracts the creation time embedded in a generated ID.
func Timestamp(id string) (time.Time, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(u.Time().UnixTime()), nil
}
