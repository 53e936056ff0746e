package models

import (
	"strings"

	"github.com/google/uuid"
)

// NewRecordID returns a random, collision-resistant record id.
func NewRecordID() string {
	return uuid.NewString()
}

// NewUserID returns an identity id of the form user_<12 hex chars>.
func NewUserID() string {
	return "user_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
