// Package router bridges workload-change notifications to live sessions.
//
// Each delivery names its target bot in the bot_id attribute and carries a
// JSON change body. The router acks a delivery only after the session handled
// it, acks-and-drops when the target bot is offline (the bot resyncs from
// READY on its next connection), and naks malformed or failed deliveries for
// redelivery.
package router
