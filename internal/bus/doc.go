// Package bus abstracts the workload-change notification feed.
//
// The gateway consumes notifications published by the control plane; each
// delivery carries a JSON body describing the change and an attribute naming
// the target bot. Deliveries are acknowledged only after the change has been
// applied to a live session, or dropped with an ack when the target bot is
// offline (it will resync from its next READY snapshot). The production
// implementation rides NATS queue subscriptions so multiple gateway
// instances can share a subject.
package bus
