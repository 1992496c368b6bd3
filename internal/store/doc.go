// Package store defines the persistence interface for canal-gateway and its
// SQLite implementation.
//
// The gateway does not own this data: bots, scripts, and their assignments
// are written elsewhere in the system. The gateway reads a bot by token at
// handshake, reads the assigned script set for the READY snapshot, reads
// single scripts when applying change notifications, and mirrors lifecycle
// and script run states back as they are reported.
//
// State writes are upserts: the store holds the latest observed state per
// bot and per (bot, script) pair, not a history.
//
// MockStore is an in-memory implementation for tests; it additionally
// records every state write in order so tests can assert on write counts.
package store
