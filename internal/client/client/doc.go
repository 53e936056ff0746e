// Package client contains the sync session that keeps a local replicated
// document in step with a room on the room server.
//
// # Overview
//
// A Session owns one gRPC stream to the server's sync service. On Connect
// both sides exchange causal summaries (SyncStep1) and answer with what
// the other is missing (SyncStep2); afterwards every local mutation of the
// document is pushed immediately as an Update frame and every inbound
// Update is merged into the document.
//
// # Convergence signals
//
// Synced closes once the handshake has completed. Flush waits until the
// server has acknowledged every update the session sent.
//
// # Error Handling
//
// Connection problems are reported as errors wrapping common.ErrConnection
// (also exposed as ErrConnection). A malformed inbound frame is logged and
// dropped; the stream stays up.
//
// Concurrency & Contexts
//
// A Session is safe for concurrent use. Each connection runs one send and
// one receive goroutine, both stopped by Disconnect.
package client
