// Package session drives the per-connection state machine for an
// authenticated bot.
//
// A session is born from a successful handshake: it registers itself,
// displacing any prior session for the same bot, sends the READY workload
// snapshot, and from then on owns the connection. Inbound status reports are
// mirrored to the store through a single ordered persistence queue so that
// a slow write never stalls frame processing but same-bot writes still land
// in issue order. Externally-originated workload changes are applied through
// ScriptChanged, which keeps the tracked script set consistent with what the
// bot has been told.
//
// Termination is idempotent: whether the peer disconnects, the gateway
// kills the connection, or a newer connection displaces this one, exactly
// one lifecycle state write and one registry removal happen, and every
// script tracked at close is marked STOPPED exactly once.
package session
