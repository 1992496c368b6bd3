// Package registry holds the process-wide table of live sessions keyed by
// bot identity.
//
// An entry exists if and only if a session for that bot can currently
// receive outbound events; the table is the single resolution point for
// notification routing. Register is last-connected-wins: a new session for
// an already-connected bot atomically displaces the old entry, and the
// displaced session is returned to the caller for forced shutdown. Remove
// deletes an entry only if it still points at exactly the given session, so
// a stale removal can never race out a newer connection's registration.
package registry
