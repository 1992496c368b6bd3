// Package protocol defines the canal gateway wire contract.
//
// # Frames
//
// Every message on the socket is a JSON text frame:
//
//	{"event": "READY", "payload": {...}}
//
// Inbound events (bot -> gateway): HEARTBEAT, IDENTIFY, CLIENT_STATUS_UPDATE,
// SCRIPT_STATUS_UPDATE. HEARTBEAT is consumed by the transport layer and
// never reaches session dispatch.
//
// Outbound events (gateway -> bot): HELLO, READY, SCRIPT_CREATE,
// SCRIPT_UPDATE, SCRIPT_REMOVE, OPTIONS_UPDATE.
//
// # Close codes
//
// 1000 is a clean disconnect and maps the bot to OFFLINE. The 4xxx family is
// gateway-assigned: 4000 timeout, 4001 client error (protocol violation),
// 4002 internal error, 4003 authentication failure, 4004 displaced by a
// newer connection for the same bot. Everything except 1000 maps to FAILED.
package protocol
