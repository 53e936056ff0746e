// Package common contains shared constants and sentinel errors used across
// crdtsign components.
package common

// gRPC metadata keys carried on the sync stream.
const (
	// RoomHeaderName names the room a sync stream joins.
	RoomHeaderName = "room"
	// ReplicaHeaderName carries the connecting document's replica id; used
	// for logging only.
	ReplicaHeaderName = "replica"
)

// Well-known room and map names. A client document holds both maps and
// syncs them through a single room.
const (
	DefaultRoom   = "file-signatures"
	SignaturesMap = "files"
	UsersMap      = "users"
)
