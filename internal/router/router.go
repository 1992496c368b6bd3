// ABOUTME: Routes bus notifications to the live session for their target bot.
// ABOUTME: Ack only after the session handled the change; nak on failure.

package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/canalapp/canal-gateway/internal/bus"
	"github.com/canalapp/canal-gateway/internal/protocol"
	"github.com/canalapp/canal-gateway/internal/registry"
)

// botIDAttribute names the target bot on every notification.
const botIDAttribute = "bot_id"

// handleTimeout bounds applying one change to a session.
const handleTimeout = 10 * time.Second

// Sessions resolves a bot id to its live session.
type Sessions interface {
	Lookup(botID string) (registry.Session, bool)
}

// Router consumes workload-change notifications and applies them to live
// sessions.
type Router struct {
	sessions Sessions
	logger   *slog.Logger
	sub      bus.Subscription
}

// New creates a Router over the given session table.
func New(sessions Sessions, logger *slog.Logger) *Router {
	return &Router{
		sessions: sessions,
		logger:   logger.With("component", "router"),
	}
}

// Start subscribes to the notification subject as a member of the queue
// group.
func (r *Router) Start(b bus.Bus, subject, queue string) error {
	sub, err := b.Subscribe(subject, queue, r.Handle)
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

// Drain stops new deliveries and waits for in-flight ones.
func (r *Router) Drain() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Drain()
}

// Handle processes one delivery end to end.
func (r *Router) Handle(d *bus.Delivery) {
	botID := d.Attributes[botIDAttribute]
	if botID == "" {
		r.logger.Warn("notification without bot_id attribute")
		r.nak(d)
		return
	}

	var change protocol.ScriptChange
	if err := json.Unmarshal(d.Data, &change); err != nil {
		r.logger.Warn("malformed notification body", "bot_id", botID, "error", err)
		r.nak(d)
		return
	}

	sess, ok := r.sessions.Lookup(botID)
	if !ok {
		// Offline bots resync from READY on reconnect; the notification has
		// nothing to add.
		r.logger.Debug("dropping notification for offline bot", "bot_id", botID, "action", change.Action)
		r.ack(d)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	if err := sess.ScriptChanged(ctx, change); err != nil {
		r.logger.Warn("applying script change", "bot_id", botID, "action", change.Action, "error", err)
		r.nak(d)
		return
	}
	r.ack(d)
}

func (r *Router) ack(d *bus.Delivery) {
	if err := d.Ack(); err != nil {
		r.logger.Warn("acknowledging notification", "error", err)
	}
}

func (r *Router) nak(d *bus.Delivery) {
	if err := d.Nak(); err != nil {
		r.logger.Warn("rejecting notification", "error", err)
	}
}
