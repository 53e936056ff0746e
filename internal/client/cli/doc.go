// Package cli provides the interactive crdtsign command-line client.
//
// It wires configuration, the signature service and an interactive REPL
// that keeps working while the room server is unreachable. Typical flow:
// connect (or fall back to offline), start a background reconnect watcher,
// and execute user commands until exit, then persist.
//
// Key features:
//   - Register a local identity (optionally passphrase-sealed key)
//   - Sign files, list / show / validate / delete signatures
//   - List published identities
//   - Sync and save on demand
//
// The REPL is started via App.Run(ctx), which blocks until the user exits.
// See App, StartConnectionWatcher, and runREPL for details.
package cli
