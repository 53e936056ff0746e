// Package common defines shared constants and sentinel errors used across
// client and server layers. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// Lookup errors.
	ErrNotFound = errors.New("not found")

	// Transport errors: refused, dropped or timed-out connections.
	ErrConnection = errors.New("connection error")

	// Malformed or version-mismatched replication payloads.
	ErrDecode = errors.New("decode error")

	// Snapshot and room log I/O failures.
	ErrPersistence = errors.New("persistence error")

	// Key material and signature failures.
	ErrCrypto = errors.New("crypto error")

	// Bad caller input.
	ErrInvalidArgument = errors.New("invalid argument")
)
