// Package models defines the records kept in the replicated collections and
// the locally cached identity profile.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrIncompleteRecord = errors.New("record is missing required fields")

// SignatureRecord is one signed-file entry. ID, FileHash, Signature and
// SignedOn never change after creation.
type SignatureRecord struct {
	ID             string     `cbor:"id" json:"id"`
	FileName       string     `cbor:"name" json:"name"`
	FileHash       string     `cbor:"hash" json:"hash"`
	Signature      string     `cbor:"signature" json:"signature"`
	UserID         string     `cbor:"user_id" json:"user_id"`
	Username       string     `cbor:"username,omitempty" json:"username,omitempty"`
	SignedOn       time.Time  `cbor:"signed_on" json:"signed_on"`
	ExpirationDate *time.Time `cbor:"expiration_date,omitempty" json:"expiration_date,omitempty"`

	// RetentionExpiration is derived when the record is read and is never
	// stored in the map.
	RetentionExpiration *time.Time `cbor:"-" json:"retention_expiration,omitempty"`
}

// DisplayName returns Username, falling back to UserID.
func (r SignatureRecord) DisplayName() string {
	if strings.TrimSpace(r.Username) != "" {
		return r.Username
	}
	return r.UserID
}

// Validate checks that the immutable fields are populated.
func (r SignatureRecord) Validate() error {
	var missing []string
	if r.ID == "" {
		missing = append(missing, "id")
	}
	if r.FileHash == "" {
		missing = append(missing, "hash")
	}
	if r.Signature == "" {
		missing = append(missing, "signature")
	}
	if r.UserID == "" {
		missing = append(missing, "user_id")
	}
	if r.SignedOn.IsZero() {
		missing = append(missing, "signed_on")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrIncompleteRecord, strings.Join(missing, ", "))
	}
	return nil
}

// UserRecord publishes an identity's verification key. PublicKey is
// write-once by convention.
type UserRecord struct {
	ID        string    `cbor:"id" json:"id"`
	Name      string    `cbor:"name" json:"name"`
	PublicKey string    `cbor:"public_key" json:"public_key"`
	CreatedOn time.Time `cbor:"created_on" json:"created_on"`
}

// Profile is the local identity cache written to cache/user_<id>.json.
type Profile struct {
	UserID           string    `json:"user_id"`
	Username         string    `json:"username"`
	RegistrationDate time.Time `json:"registration_date"`
}
