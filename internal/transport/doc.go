// Package transport owns one physical websocket connection per Conn.
//
// # Contract
//
// Send serializes an (event, payload) pair and queues it for the writer
// goroutine; it never blocks the caller past the outbound buffer, and a send
// on a closed connection is logged and dropped. Inbound frames are delivered
// to the OnMessage observer one at a time, in arrival order, on the read
// loop goroutine. The OnClose observer fires exactly once no matter who
// initiated the close.
//
// HEARTBEAT frames are fully consumed here: they refresh the read deadline
// and are never forwarded to OnMessage. A connection that stays silent past
// the configured heartbeat timeout is closed with code 4000.
//
// Kill performs a gateway-initiated close: a best-effort close frame
// carrying the error's code and message, a bounded write grace, then forced
// teardown of the socket. It is effective against unresponsive peers.
package transport
