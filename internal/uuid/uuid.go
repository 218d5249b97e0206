// Package uuid generates record keys.
//
// Records created while offline get a temporary key of the form
// "tmp-<uuid v4>" until the remote store assigns the authoritative one.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// TempPrefix marks a client-generated key that the remote has not confirmed.
const TempPrefix = "tmp-"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewTempKey generates a temporary record key.
func NewTempKey() string {
	return TempPrefix + uuid.New().String()
}

// IsTempKey reports whether key was generated by NewTempKey (or follows its prefix).
func IsTempKey(key string) bool {
	return strings.HasPrefix(key, TempPrefix)
}

// IsValid checks if a string is a valid UUID v4.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// ValidateKey returns an error if key is empty or contains characters that
// cannot be used in a remote record path.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("record key is empty")
	}
	if strings.ContainsAny(key, "/?#\" ") {
		return fmt.Errorf("invalid record key: %q", key)
	}
	return nil
}
