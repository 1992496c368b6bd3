// ABOUTME: Handshake authentication for newly-accepted transports.
// ABOUTME: Waits for IDENTIFY within a bounded window and resolves the token to a bot.

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/canalapp/canal-gateway/internal/protocol"
	"github.com/canalapp/canal-gateway/internal/store"
)

// Handshake failure modes.
var (
	// ErrHandshakeTimeout means no IDENTIFY arrived within the window.
	ErrHandshakeTimeout = errors.New("handshake timed out waiting for IDENTIFY")

	// ErrBadCredentials means the presented token resolved to no known bot.
	ErrBadCredentials = errors.New("unknown credential token")

	// ErrConnectionClosed means the transport closed before identifying.
	ErrConnectionClosed = errors.New("connection closed during handshake")
)

// Transport is the slice of the session transport the handshake needs.
type Transport interface {
	OnMessage(fn func(event string, payload json.RawMessage))
	OnClose(fn func(code int, reason string))
	Start()
	Send(event string, payload any)
}

// BotResolver resolves a credential token to a bot identity.
type BotResolver interface {
	GetBotByToken(ctx context.Context, token string) (*store.Bot, error)
}

// Options configures the handshake.
type Options struct {
	// Timeout bounds the wait for IDENTIFY.
	Timeout time.Duration

	// HeartbeatInterval is announced to the peer in the HELLO greeting.
	HeartbeatInterval time.Duration

	Logger *slog.Logger
}

// Authenticate runs the handshake on a freshly-accepted transport: sends the
// HELLO greeting, waits up to the configured timeout for an IDENTIFY event,
// and resolves its token against the store. At most one identification is
// accepted per transport. On any error the caller must kill the transport.
func Authenticate(ctx context.Context, conn Transport, resolver BotResolver, opts Options) (*store.Bot, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	identCh := make(chan protocol.IdentifyPayload, 1)
	closedCh := make(chan struct{})

	var identOnce, closeOnce sync.Once
	conn.OnMessage(func(event string, payload json.RawMessage) {
		if event != protocol.EventIdentify {
			logger.Warn("event before identification", "event", event)
			return
		}
		identOnce.Do(func() {
			var ident protocol.IdentifyPayload
			if err := json.Unmarshal(payload, &ident); err != nil {
				logger.Warn("malformed IDENTIFY payload", "error", err)
			}
			identCh <- ident
		})
	})
	conn.OnClose(func(code int, reason string) {
		closeOnce.Do(func() { close(closedCh) })
	})

	conn.Start()
	conn.Send(protocol.EventHello, protocol.HelloPayload{
		HeartbeatIntervalMS: opts.HeartbeatInterval.Milliseconds(),
	})

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	select {
	case ident := <-identCh:
		if ident.Token == "" {
			return nil, ErrBadCredentials
		}
		bot, err := resolver.GetBotByToken(ctx, ident.Token)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrBadCredentials
		}
		if err != nil {
			return nil, fmt.Errorf("resolving credential token: %w", err)
		}
		logger.Info("bot identified", "bot_id", bot.ID, "name", bot.Name)
		return bot, nil

	case <-closedCh:
		return nil, ErrConnectionClosed

	case <-timer.C:
		return nil, ErrHandshakeTimeout

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CloseErrorFor maps a handshake failure to the protocol error the transport
// should be killed with.
func CloseErrorFor(err error) *protocol.Error {
	switch {
	case errors.Is(err, ErrHandshakeTimeout):
		return protocol.NewError(protocol.CloseTimeout, "handshake timed out")
	case errors.Is(err, ErrBadCredentials):
		return protocol.NewError(protocol.CloseAuthFailure, "authentication failed")
	default:
		return protocol.NewError(protocol.CloseInternal, "handshake failed")
	}
}
