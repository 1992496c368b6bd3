// ABOUTME: NATS-backed Bus implementation.
// ABOUTME: Queue subscriptions with header attributes mapped onto Delivery.

package bus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	connectTimeout = 5 * time.Second
	reconnectWait  = 2 * time.Second
)

// NATSBus is the production Bus, backed by a NATS connection that reconnects
// indefinitely.
type NATSBus struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// Connect dials the broker.
func Connect(url string, logger *slog.Logger) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("bus disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("bus reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to bus at %s: %w", url, err)
	}
	logger.Info("bus connected", "url", nc.ConnectedUrl())
	return &NATSBus{nc: nc, logger: logger}, nil
}

// Subscribe joins a queue group on the subject. Message headers become
// delivery attributes.
func (b *NATSBus) Subscribe(subject, queue string, h Handler) (Subscription, error) {
	sub, err := b.nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		attrs := make(map[string]string, len(msg.Header))
		for key := range msg.Header {
			attrs[key] = msg.Header.Get(key)
		}
		h(NewDelivery(msg.Data, attrs,
			func() error { return msg.Ack() },
			func() error { return msg.Nak() },
		))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	b.logger.Info("bus subscription active", "subject", subject, "queue", queue)
	return sub, nil
}

// Close drains the connection, letting in-flight handlers finish.
func (b *NATSBus) Close() error {
	return b.nc.Drain()
}
