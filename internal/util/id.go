package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a URL-safe hex string ID.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
