// Package auth performs the connection handshake for canal-gateway.
//
// A freshly-accepted transport gets a HELLO greeting and a bounded window to
// present an IDENTIFY event carrying its credential token. The token is
// resolved against the store; on success the caller receives the bound bot
// identity and hands the transport to session construction. On timeout, bad
// credentials, or early disconnect the caller is expected to kill the
// transport; no session is ever constructed for a failed handshake.
//
// At most one identification is resolved per transport. A duplicate IDENTIFY
// racing the resolution inside the window is dropped; once the session holds
// the transport, a repeat IDENTIFY is a protocol violation and the session
// closes the connection with a client-error code.
package auth
