// ABOUTME: Tests for the notification router.
// ABOUTME: Covers ack/nak policy for routed, dropped, malformed, and failed deliveries.

package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canalapp/canal-gateway/internal/bus"
	"github.com/canalapp/canal-gateway/internal/protocol"
	"github.com/canalapp/canal-gateway/internal/registry"
)

type recordedSession struct {
	id      string
	changes []protocol.ScriptChange
	fail    error
}

func (s *recordedSession) AgentID() string { return s.id }

func (s *recordedSession) ScriptChanged(ctx context.Context, change protocol.ScriptChange) error {
	s.changes = append(s.changes, change)
	return s.fail
}

func (s *recordedSession) Shutdown(gerr *protocol.Error) {}

type fakeSessions map[string]registry.Session

func (f fakeSessions) Lookup(botID string) (registry.Session, bool) {
	s, ok := f[botID]
	return s, ok
}

type deliveryResult struct {
	acked int
	naked int
}

func newDelivery(t *testing.T, botID string, body any) (*bus.Delivery, *deliveryResult) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	attrs := map[string]string{}
	if botID != "" {
		attrs["bot_id"] = botID
	}
	res := &deliveryResult{}
	d := bus.NewDelivery(data, attrs,
		func() error { res.acked++; return nil },
		func() error { res.naked++; return nil },
	)
	return d, res
}

func newTestRouter(sessions Sessions) *Router {
	return New(sessions, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHandle(t *testing.T) {
	change := protocol.ScriptChange{Action: protocol.ActionCreate, ScriptID: "s1"}

	t.Run("routed change is acked after the session handles it", func(t *testing.T) {
		sess := &recordedSession{id: "bot-1"}
		r := newTestRouter(fakeSessions{"bot-1": sess})

		d, res := newDelivery(t, "bot-1", change)
		r.Handle(d)

		require.Len(t, sess.changes, 1)
		assert.Equal(t, change, sess.changes[0])
		assert.Equal(t, deliveryResult{acked: 1}, *res)
	})

	t.Run("offline bot is acked and dropped", func(t *testing.T) {
		r := newTestRouter(fakeSessions{})

		d, res := newDelivery(t, "bot-9", change)
		r.Handle(d)

		assert.Equal(t, deliveryResult{acked: 1}, *res)
	})

	t.Run("missing bot_id attribute is naked", func(t *testing.T) {
		sess := &recordedSession{id: "bot-1"}
		r := newTestRouter(fakeSessions{"bot-1": sess})

		d, res := newDelivery(t, "", change)
		r.Handle(d)

		assert.Empty(t, sess.changes)
		assert.Equal(t, deliveryResult{naked: 1}, *res)
	})

	t.Run("malformed body is naked", func(t *testing.T) {
		sess := &recordedSession{id: "bot-1"}
		r := newTestRouter(fakeSessions{"bot-1": sess})

		res := &deliveryResult{}
		d := bus.NewDelivery([]byte("not json"), map[string]string{"bot_id": "bot-1"},
			func() error { res.acked++; return nil },
			func() error { res.naked++; return nil },
		)
		r.Handle(d)

		assert.Empty(t, sess.changes)
		assert.Equal(t, deliveryResult{naked: 1}, *res)
	})

	t.Run("session failure is naked for redelivery", func(t *testing.T) {
		sess := &recordedSession{id: "bot-1", fail: assert.AnError}
		r := newTestRouter(fakeSessions{"bot-1": sess})

		d, res := newDelivery(t, "bot-1", change)
		r.Handle(d)

		require.Len(t, sess.changes, 1)
		assert.Equal(t, deliveryResult{naked: 1}, *res)
	})
}

func TestRouterWithRealRegistry(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.NewRegistry(logger)
	sess := &recordedSession{id: "bot-1"}
	reg.Register("bot-1", sess)

	r := New(reg, logger)
	d, res := newDelivery(t, "bot-1", protocol.ScriptChange{Action: protocol.ActionRemove, ScriptID: "s2"})
	r.Handle(d)

	require.Len(t, sess.changes, 1)
	assert.Equal(t, protocol.ActionRemove, sess.changes[0].Action)
	assert.Equal(t, deliveryResult{acked: 1}, *res)
}
