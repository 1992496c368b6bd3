// Package gateway wires the canal-gateway server together: the HTTP
// listener with its websocket endpoint, the store, the session registry,
// and the notification router over the bus.
//
// Connection lifecycle: accept, upgrade, handshake, session. The handshake
// owns the transport until the bot identifies; from then on the session
// owns it until close. Gateway shutdown closes the listener, drains the
// notification feed, and tells every live session to go away before the
// store is released.
package gateway
