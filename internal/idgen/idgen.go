// Package idgen provides random record ID generation.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New generates a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "pay_", "wd_", "txn_").
// Result is prefix + 32 hex chars.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
