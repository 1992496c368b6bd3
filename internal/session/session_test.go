// ABOUTME: Tests for the per-connection session state machine.
// ABOUTME: Covers READY snapshots, state mirroring, script changes, and idempotent termination.

package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canalapp/canal-gateway/internal/protocol"
	"github.com/canalapp/canal-gateway/internal/registry"
	"github.com/canalapp/canal-gateway/internal/store"
	"github.com/canalapp/canal-gateway/internal/transport"
)

// fakeConn implements Transport with the real transport's close semantics:
// the close observer fires exactly once per observer, whether Kill or the
// peer ended it, and an observer attached after the close fires immediately.
type fakeConn struct {
	mu           sync.Mutex
	onMessage    func(event string, payload json.RawMessage)
	onClose      func(code int, reason string)
	sent         []protocol.Frame
	killed       []*protocol.Error
	closed       bool
	closedCode   int
	closedReason string
	closeOnce    sync.Once
}

func (f *fakeConn) OnMessage(fn func(event string, payload json.RawMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = fn
}

func (f *fakeConn) OnClose(fn func(code int, reason string)) {
	f.mu.Lock()
	if f.closed {
		code, reason := f.closedCode, f.closedReason
		f.mu.Unlock()
		fn(code, reason)
		return
	}
	f.onClose = fn
	f.mu.Unlock()
}

func (f *fakeConn) Send(event string, payload any) {
	data, _ := json.Marshal(payload)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, protocol.Frame{Event: event, Payload: data})
}

func (f *fakeConn) Kill(gerr *protocol.Error) {
	f.mu.Lock()
	f.killed = append(f.killed, gerr)
	f.mu.Unlock()
	f.fireClose(gerr.Code, gerr.Message)
}

func (f *fakeConn) deliver(event string, payload any) {
	data, _ := json.Marshal(payload)
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	fn(event, data)
}

func (f *fakeConn) peerClose(code int, reason string) {
	f.fireClose(code, reason)
}

func (f *fakeConn) fireClose(code int, reason string) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.closedCode = code
		f.closedReason = reason
		fn := f.onClose
		f.mu.Unlock()
		if fn != nil {
			fn(code, reason)
		}
	})
}

func (f *fakeConn) sentFrames() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := make([]protocol.Frame, len(f.sent))
	copy(frames, f.sent)
	return frames
}

func (f *fakeConn) killErrors() []*protocol.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	errs := make([]*protocol.Error, len(f.killed))
	copy(errs, f.killed)
	return errs
}

type fixture struct {
	store    *store.MockStore
	registry *registry.Registry
	conn     *fakeConn
	bot      *store.Bot
}

func newFixture(t *testing.T, scriptIDs ...string) *fixture {
	t.Helper()
	ctx := context.Background()

	s := store.NewMockStore()
	bot := &store.Bot{ID: "bot-1", Name: "scraper", Token: "tok-1"}
	require.NoError(t, s.CreateBot(ctx, bot))
	for _, id := range scriptIDs {
		require.NoError(t, s.CreateScript(ctx, &store.Script{ID: id, Name: "name-" + id, Body: "body-" + id, Platform: "node"}))
		require.NoError(t, s.AssignScript(ctx, bot.ID, id))
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		store:    s,
		registry: registry.NewRegistry(logger),
		conn:     &fakeConn{},
		bot:      bot,
	}
}

func (fx *fixture) start(t *testing.T) *Session {
	t.Helper()
	sess, err := New(context.Background(), Params{
		Conn:     fx.conn,
		Bot:      fx.bot,
		Store:    fx.store,
		Registry: fx.registry,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return sess
}

func waitDone(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not finish draining state writes")
	}
}

func TestNewSendsReadySnapshot(t *testing.T) {
	fx := newFixture(t, "s1", "s2")
	sess := fx.start(t)

	frames := fx.conn.sentFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.EventReady, frames[0].Event)

	var ready protocol.ReadyPayload
	require.NoError(t, json.Unmarshal(frames[0].Payload, &ready))
	assert.Equal(t, "tok-1", ready.Token)
	require.Len(t, ready.Scripts, 2)
	assert.Equal(t, "s1", ready.Scripts[0].ID)
	assert.Equal(t, "body-s1", ready.Scripts[0].Body)

	assert.ElementsMatch(t, []string{"s1", "s2"}, sess.TrackedScripts())

	got, ok := fx.registry.Lookup("bot-1")
	require.True(t, ok)
	assert.Same(t, sess, got.(*Session))

	// STARTUP is mirrored asynchronously.
	require.Eventually(t, func() bool {
		return len(fx.store.StateWrites()) == 1
	}, time.Second, 5*time.Millisecond)
	w := fx.store.StateWrites()[0]
	assert.Equal(t, "bot", w.Kind)
	assert.Equal(t, protocol.ClientStartup, w.State)
}

func TestSnapshotLoadFailureKillsConnection(t *testing.T) {
	fx := newFixture(t)
	badStore := &failingListStore{MockStore: fx.store}

	_, err := New(context.Background(), Params{
		Conn:     fx.conn,
		Bot:      fx.bot,
		Store:    badStore,
		Registry: fx.registry,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.Error(t, err)

	kills := fx.conn.killErrors()
	require.Len(t, kills, 1)
	assert.Equal(t, protocol.CloseInternal, kills[0].Code)

	_, ok := fx.registry.Lookup("bot-1")
	assert.False(t, ok)
}

type failingListStore struct {
	*store.MockStore
}

func (f *failingListStore) ListBotScripts(ctx context.Context, botID string) ([]*store.Script, error) {
	return nil, assert.AnError
}

func TestClientStatusUpdateIsMirrored(t *testing.T) {
	fx := newFixture(t)
	sess := fx.start(t)

	fx.conn.deliver(protocol.EventClientStatusUpdate, protocol.ClientStatusUpdate{State: protocol.ClientOnline})

	require.Eventually(t, func() bool {
		writes := fx.store.StateWrites()
		return len(writes) == 2 && writes[1].State == protocol.ClientOnline
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, fx.conn.killErrors())
	_ = sess
}

func TestScriptStatusUpdateIsMirrored(t *testing.T) {
	fx := newFixture(t, "s1")
	fx.start(t)

	fx.conn.deliver(protocol.EventScriptStatusUpdate, protocol.ScriptStatusUpdate{ID: "s1", State: protocol.ScriptRunning})

	require.Eventually(t, func() bool {
		for _, w := range fx.store.StateWrites() {
			if w.Kind == "script" && w.ScriptID == "s1" && w.State == protocol.ScriptRunning {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestInvalidStatusPayloadTerminatesSession(t *testing.T) {
	fx := newFixture(t, "s1")
	sess := fx.start(t)

	fx.conn.deliver(protocol.EventClientStatusUpdate, map[string]string{"error": "no state field"})
	waitDone(t, sess)

	kills := fx.conn.killErrors()
	require.Len(t, kills, 1)
	assert.Equal(t, protocol.CloseClientError, kills[0].Code)

	writes := fx.store.StateWrites()
	// STARTUP, then FAILED with the violation detail, then s1 STOPPED.
	require.Len(t, writes, 3)
	assert.Equal(t, protocol.ClientFailed, writes[1].State)
	require.NotNil(t, writes[1].Error)
	assert.Contains(t, *writes[1].Error, "CLIENT_STATUS_UPDATE")
	assert.Equal(t, store.StateWrite{Kind: "script", BotID: "bot-1", ScriptID: "s1", State: protocol.ScriptStopped}, writes[2])

	_, ok := fx.registry.Lookup("bot-1")
	assert.False(t, ok)
}

func TestUnknownStateValueTerminatesSession(t *testing.T) {
	fx := newFixture(t)
	sess := fx.start(t)

	fx.conn.deliver(protocol.EventClientStatusUpdate, protocol.ClientStatusUpdate{State: "SLEEPING"})
	waitDone(t, sess)

	kills := fx.conn.killErrors()
	require.Len(t, kills, 1)
	assert.Equal(t, protocol.CloseClientError, kills[0].Code)
}

func TestRepeatIdentifyTerminatesSession(t *testing.T) {
	fx := newFixture(t)
	sess := fx.start(t)

	fx.conn.deliver(protocol.EventIdentify, protocol.IdentifyPayload{Token: "tok-1"})
	waitDone(t, sess)

	kills := fx.conn.killErrors()
	require.Len(t, kills, 1)
	assert.Equal(t, protocol.CloseClientError, kills[0].Code)

	_, ok := fx.registry.Lookup("bot-1")
	assert.False(t, ok)
}

func TestUnknownEventIsDropped(t *testing.T) {
	fx := newFixture(t)
	fx.start(t)

	fx.conn.deliver("DANCE", map[string]string{})

	assert.Empty(t, fx.conn.killErrors())
	_, ok := fx.registry.Lookup("bot-1")
	assert.True(t, ok)
}

func TestPeerCloseNormalGoesOffline(t *testing.T) {
	fx := newFixture(t, "s1", "s2")
	sess := fx.start(t)

	fx.conn.peerClose(protocol.CloseNormal, "")
	waitDone(t, sess)

	writes := fx.store.StateWrites()
	require.Len(t, writes, 4)
	assert.Equal(t, protocol.ClientStartup, writes[0].State)
	assert.Equal(t, protocol.ClientOffline, writes[1].State)
	assert.Nil(t, writes[1].Error)

	var stopped []string
	for _, w := range writes[2:] {
		assert.Equal(t, protocol.ScriptStopped, w.State)
		stopped = append(stopped, w.ScriptID)
	}
	assert.ElementsMatch(t, []string{"s1", "s2"}, stopped)

	_, ok := fx.registry.Lookup("bot-1")
	assert.False(t, ok)
}

func TestPeerCloseAbnormalGoesFailed(t *testing.T) {
	fx := newFixture(t)
	sess := fx.start(t)

	fx.conn.peerClose(protocol.CloseAbnormal, "connection reset")
	waitDone(t, sess)

	writes := fx.store.StateWrites()
	require.Len(t, writes, 2)
	assert.Equal(t, protocol.ClientFailed, writes[1].State)
	require.NotNil(t, writes[1].Error)
	assert.Contains(t, *writes[1].Error, "connection reset")
}

func TestShutdownIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	sess := fx.start(t)

	sess.Shutdown(protocol.NewError(protocol.CloseInternal, "first"))
	sess.Shutdown(protocol.NewError(protocol.CloseInternal, "second"))
	waitDone(t, sess)

	// Exactly one lifecycle write after STARTUP, from the first shutdown.
	writes := fx.store.StateWrites()
	require.Len(t, writes, 2)
	assert.Equal(t, protocol.ClientFailed, writes[1].State)
	require.NotNil(t, writes[1].Error)
	assert.Equal(t, "first", *writes[1].Error)

	require.Len(t, fx.conn.killErrors(), 1)
}

func TestScriptChanged(t *testing.T) {
	ctx := context.Background()

	t.Run("create tracks and sends full script", func(t *testing.T) {
		fx := newFixture(t)
		sess := fx.start(t)
		require.NoError(t, fx.store.CreateScript(ctx, &store.Script{ID: "s9", Name: "fresh", Body: "b", Platform: "node"}))

		require.NoError(t, sess.ScriptChanged(ctx, protocol.ScriptChange{Action: protocol.ActionCreate, ScriptID: "s9"}))

		frames := fx.conn.sentFrames()
		require.Len(t, frames, 2)
		assert.Equal(t, protocol.EventScriptCreate, frames[1].Event)
		var info protocol.ScriptInfo
		require.NoError(t, json.Unmarshal(frames[1].Payload, &info))
		assert.Equal(t, "fresh", info.Name)
		assert.Contains(t, sess.TrackedScripts(), "s9")
	})

	t.Run("update sends full script", func(t *testing.T) {
		fx := newFixture(t, "s1")
		sess := fx.start(t)

		require.NoError(t, sess.ScriptChanged(ctx, protocol.ScriptChange{Action: protocol.ActionUpdate, ScriptID: "s1"}))

		frames := fx.conn.sentFrames()
		require.Len(t, frames, 2)
		assert.Equal(t, protocol.EventScriptUpdate, frames[1].Event)
		var info protocol.ScriptInfo
		require.NoError(t, json.Unmarshal(frames[1].Payload, &info))
		assert.Equal(t, "body-s1", info.Body)
	})

	t.Run("restart sends id only", func(t *testing.T) {
		fx := newFixture(t, "s1")
		sess := fx.start(t)

		require.NoError(t, sess.ScriptChanged(ctx, protocol.ScriptChange{Action: protocol.ActionRestart, ScriptID: "s1"}))

		frames := fx.conn.sentFrames()
		require.Len(t, frames, 2)
		assert.Equal(t, protocol.EventScriptUpdate, frames[1].Event)
		assert.JSONEq(t, `{"id":"s1"}`, string(frames[1].Payload))
	})

	t.Run("remove untracks", func(t *testing.T) {
		fx := newFixture(t, "s1", "s2")
		sess := fx.start(t)

		require.NoError(t, sess.ScriptChanged(ctx, protocol.ScriptChange{Action: protocol.ActionRemove, ScriptID: "s1"}))

		frames := fx.conn.sentFrames()
		require.Len(t, frames, 2)
		assert.Equal(t, protocol.EventScriptRemove, frames[1].Event)
		assert.Equal(t, []string{"s2"}, sess.TrackedScripts())
	})

	t.Run("unknown script", func(t *testing.T) {
		fx := newFixture(t)
		sess := fx.start(t)

		err := sess.ScriptChanged(ctx, protocol.ScriptChange{Action: protocol.ActionCreate, ScriptID: "nope"})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("unknown action", func(t *testing.T) {
		fx := newFixture(t)
		sess := fx.start(t)

		err := sess.ScriptChanged(ctx, protocol.ScriptChange{Action: "EXPLODE", ScriptID: "s1"})
		assert.ErrorContains(t, err, "unknown script action")
	})

	t.Run("terminated session rejects changes", func(t *testing.T) {
		fx := newFixture(t, "s1")
		sess := fx.start(t)
		sess.Shutdown(protocol.NewError(protocol.CloseInternal, "going down"))
		waitDone(t, sess)

		err := sess.ScriptChanged(ctx, protocol.ScriptChange{Action: protocol.ActionRestart, ScriptID: "s1"})
		assert.ErrorContains(t, err, "terminated")
	})
}

// The peer can disconnect between the handshake resolving and the session
// taking over the transport observers. Construction must still observe the
// close: no stale registry entry, no bot stuck in its last state.
func TestPeerCloseDuringHandoffCleansUp(t *testing.T) {
	fx := newFixture(t, "s1")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	upgrader := websocket.Upgrader{}
	connCh := make(chan *transport.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- transport.New(ws, transport.Options{HeartbeatTimeout: 5 * time.Second, Logger: logger})
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	var conn *transport.Conn
	select {
	case conn = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no server-side connection")
	}
	conn.Start()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	_ = client.Close()

	// Wait until the transport has seen the disconnect, then construct the
	// session the way the socket handler would.
	watch := make(chan struct{})
	conn.OnClose(func(int, string) { close(watch) })
	select {
	case <-watch:
	case <-time.After(2 * time.Second):
		t.Fatal("transport never observed the peer close")
	}

	_, err = New(context.Background(), Params{
		Conn:     conn,
		Bot:      fx.bot,
		Store:    fx.store,
		Registry: fx.registry,
		Logger:   logger,
	})
	require.Error(t, err)

	_, ok := fx.registry.Lookup("bot-1")
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		writes := fx.store.StateWrites()
		return len(writes) == 1 && writes[0].State == protocol.ClientOffline
	}, time.Second, 5*time.Millisecond)
}

func TestNewerConnectionDisplacesOlder(t *testing.T) {
	fx := newFixture(t)
	oldSess := fx.start(t)

	newConn := &fakeConn{}
	newSess, err := New(context.Background(), Params{
		Conn:     newConn,
		Bot:      fx.bot,
		Store:    fx.store,
		Registry: fx.registry,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	waitDone(t, oldSess)

	kills := fx.conn.killErrors()
	require.Len(t, kills, 1)
	assert.Equal(t, protocol.CloseDisplaced, kills[0].Code)

	got, ok := fx.registry.Lookup("bot-1")
	require.True(t, ok)
	assert.Same(t, newSess, got.(*Session))
	assert.Empty(t, newConn.killErrors())
}
