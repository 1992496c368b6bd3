// ABOUTME: Per-connection state machine for an authenticated bot.
// ABOUTME: Owns the tracked script set, state mirroring, and idempotent termination.

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/canalapp/canal-gateway/internal/protocol"
	"github.com/canalapp/canal-gateway/internal/registry"
	"github.com/canalapp/canal-gateway/internal/store"
)

const (
	// persistQueueSize bounds the per-session write backlog.
	persistQueueSize = 64

	// persistTimeout caps a single store write.
	persistTimeout = 5 * time.Second
)

// Transport is the slice of the connection transport a session drives.
type Transport interface {
	OnMessage(fn func(event string, payload json.RawMessage))
	OnClose(fn func(code int, reason string))
	Send(event string, payload any)
	Kill(gerr *protocol.Error)
}

// Params carries everything a session needs at construction.
type Params struct {
	Conn     Transport
	Bot      *store.Bot
	Store    store.Store
	Registry *registry.Registry
	Logger   *slog.Logger
}

// Session owns one authenticated connection from registration to removal.
type Session struct {
	conn     Transport
	bot      *store.Bot
	store    store.Store
	registry *registry.Registry
	logger   *slog.Logger

	mu          sync.Mutex
	tracked     map[string]struct{}
	terminated  bool
	queueClosed bool

	persistCh   chan func(context.Context)
	persistDone chan struct{}
}

// handlers is the inbound dispatch table. Events not listed here (other than
// HEARTBEAT, which the transport consumes) are logged and dropped.
var handlers = map[string]func(*Session, json.RawMessage){
	protocol.EventClientStatusUpdate: (*Session).handleClientStatus,
	protocol.EventScriptStatusUpdate: (*Session).handleScriptStatus,
}

// New builds a session for an authenticated bot: registers it (displacing any
// prior session for the same identity), takes over the transport observers,
// sends the READY snapshot, and records the STARTUP lifecycle state. On a
// snapshot load failure the connection is killed and an error returned; no
// half-initialized session survives.
func New(ctx context.Context, p Params) (*Session, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		conn:        p.Conn,
		bot:         p.Bot,
		store:       p.Store,
		registry:    p.Registry,
		logger:      logger.With("component", "session", "bot_id", p.Bot.ID),
		tracked:     make(map[string]struct{}),
		persistCh:   make(chan func(context.Context), persistQueueSize),
		persistDone: make(chan struct{}),
	}
	go s.persistLoop()

	if displaced := s.registry.Register(s.bot.ID, s); displaced != nil {
		displaced.Shutdown(protocol.NewError(protocol.CloseDisplaced, "displaced by a newer connection"))
	}

	s.conn.OnMessage(s.dispatch)
	s.conn.OnClose(s.handleClose)

	scripts, err := s.store.ListBotScripts(ctx, s.bot.ID)
	if err != nil {
		s.logger.Error("loading workload snapshot", "error", err)
		s.Shutdown(protocol.NewError(protocol.CloseInternal, "failed to load workload snapshot"))
		return nil, fmt.Errorf("listing scripts for bot %s: %w", s.bot.ID, err)
	}

	infos := make([]protocol.ScriptInfo, 0, len(scripts))
	s.mu.Lock()
	if s.terminated {
		// The connection died while we were setting up; handleClose has
		// already recorded the final state and deregistered us. Nothing
		// to snapshot or track for a dead transport.
		s.mu.Unlock()
		return nil, fmt.Errorf("connection for bot %s closed during session setup", s.bot.ID)
	}
	for _, sc := range scripts {
		s.tracked[sc.ID] = struct{}{}
		infos = append(infos, scriptInfo(sc))
	}
	s.mu.Unlock()

	s.conn.Send(protocol.EventReady, protocol.ReadyPayload{Token: s.bot.Token, Scripts: infos})
	s.enqueue(s.botStateWrite(protocol.ClientStartup, nil))

	s.logger.Info("session started", "scripts", len(infos))
	return s, nil
}

// AgentID returns the bot identity this session is bound to.
func (s *Session) AgentID() string {
	return s.bot.ID
}

// TrackedScripts returns the ids of scripts the bot currently holds.
func (s *Session) TrackedScripts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.tracked))
	for id := range s.tracked {
		ids = append(ids, id)
	}
	return ids
}

// Done is closed once the session has terminated and every queued state
// write has been issued.
func (s *Session) Done() <-chan struct{} {
	return s.persistDone
}

// ScriptChanged applies an externally-originated workload change: adjusts
// the tracked set and pushes the matching event to the bot. Returns an error
// if the session has terminated or the change cannot be applied; the caller
// decides whether to redeliver.
func (s *Session) ScriptChanged(ctx context.Context, change protocol.ScriptChange) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return fmt.Errorf("session for bot %s has terminated", s.bot.ID)
	}
	s.mu.Unlock()

	switch change.Action {
	case protocol.ActionCreate, protocol.ActionUpdate:
		script, err := s.store.GetScript(ctx, change.ScriptID)
		if err != nil {
			return fmt.Errorf("loading script %s: %w", change.ScriptID, err)
		}
		s.mu.Lock()
		s.tracked[script.ID] = struct{}{}
		s.mu.Unlock()

		event := protocol.EventScriptCreate
		if change.Action == protocol.ActionUpdate {
			event = protocol.EventScriptUpdate
		}
		s.conn.Send(event, scriptInfo(script))

	case protocol.ActionRestart:
		// A restart re-sends only the id; the bot re-runs what it already has.
		s.conn.Send(protocol.EventScriptUpdate, protocol.ScriptRef{ID: change.ScriptID})

	case protocol.ActionRemove:
		s.mu.Lock()
		delete(s.tracked, change.ScriptID)
		s.mu.Unlock()
		s.conn.Send(protocol.EventScriptRemove, protocol.ScriptRef{ID: change.ScriptID})

	default:
		return fmt.Errorf("unknown script action %q", change.Action)
	}

	s.logger.Info("script change applied", "action", change.Action, "script_id", change.ScriptID)
	return nil
}

// Shutdown terminates the session gateway-side: records FAILED with the
// error detail and kills the connection. Idempotent; a session that already
// terminated ignores further shutdowns.
func (s *Session) Shutdown(gerr *protocol.Error) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	detail := gerr.Message
	s.enqueueLocked(s.botStateWrite(protocol.ClientFailed, &detail))
	s.mu.Unlock()

	s.logger.Info("session shutdown", "code", gerr.Code, "reason", gerr.Message)
	s.conn.Kill(gerr)
}

// dispatch routes one inbound frame. Runs on the transport read loop, so
// handlers execute one at a time in arrival order.
func (s *Session) dispatch(event string, payload json.RawMessage) {
	if event == protocol.EventIdentify {
		// The transport already identified; a second IDENTIFY is a
		// protocol violation, not a retry.
		s.Shutdown(protocol.NewError(protocol.CloseClientError, "already identified"))
		return
	}
	handler, ok := handlers[event]
	if !ok {
		s.logger.Warn("unknown event", "event", event)
		return
	}
	handler(s, payload)
}

func (s *Session) handleClientStatus(payload json.RawMessage) {
	var upd protocol.ClientStatusUpdate
	if err := json.Unmarshal(payload, &upd); err != nil || upd.State == "" {
		s.Shutdown(protocol.NewError(protocol.CloseClientError, "invalid payload: missing state on CLIENT_STATUS_UPDATE"))
		return
	}
	if !knownClientState(upd.State) {
		s.Shutdown(protocol.NewError(protocol.CloseClientError, fmt.Sprintf("invalid payload: unknown state %q on CLIENT_STATUS_UPDATE", upd.State)))
		return
	}

	var detail *string
	if upd.Error != "" {
		detail = &upd.Error
	}
	s.logger.Info("client status update", "state", upd.State)
	s.enqueue(s.botStateWrite(upd.State, detail))
}

func (s *Session) handleScriptStatus(payload json.RawMessage) {
	var upd protocol.ScriptStatusUpdate
	if err := json.Unmarshal(payload, &upd); err != nil || upd.ID == "" || upd.State == "" {
		s.Shutdown(protocol.NewError(protocol.CloseClientError, "invalid payload: missing id or state on SCRIPT_STATUS_UPDATE"))
		return
	}
	if !knownScriptState(upd.State) {
		s.Shutdown(protocol.NewError(protocol.CloseClientError, fmt.Sprintf("invalid payload: unknown state %q on SCRIPT_STATUS_UPDATE", upd.State)))
		return
	}

	s.logger.Info("script status update", "script_id", upd.ID, "state", upd.State)
	s.enqueue(s.scriptStateWrite(upd.ID, upd.State))
}

// handleClose fires exactly once, from the transport, whatever ended the
// connection. It records the final lifecycle state (unless Shutdown already
// did), marks every tracked script STOPPED, drains out, and deregisters.
func (s *Session) handleClose(code int, reason string) {
	s.mu.Lock()
	wasTerminated := s.terminated
	s.terminated = true

	trackedIDs := make([]string, 0, len(s.tracked))
	for id := range s.tracked {
		trackedIDs = append(trackedIDs, id)
	}
	s.tracked = make(map[string]struct{})

	if !wasTerminated {
		if code == protocol.CloseNormal {
			s.enqueueLocked(s.botStateWrite(protocol.ClientOffline, nil))
		} else {
			detail := fmt.Sprintf("[%d] %s", code, reason)
			s.enqueueLocked(s.botStateWrite(protocol.ClientFailed, &detail))
		}
	}
	for _, id := range trackedIDs {
		s.enqueueLocked(s.scriptStateWrite(id, protocol.ScriptStopped))
	}

	s.queueClosed = true
	close(s.persistCh)
	s.mu.Unlock()

	s.registry.Remove(s.bot.ID, s)
	s.logger.Info("session closed", "code", code, "reason", reason)
}

// persistLoop issues queued state writes one at a time, preserving issue
// order for this session. Write failures are logged, never fatal.
func (s *Session) persistLoop() {
	defer close(s.persistDone)
	for fn := range s.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		fn(ctx)
		cancel()
	}
}

func (s *Session) enqueue(fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(fn)
}

func (s *Session) enqueueLocked(fn func(context.Context)) {
	if s.queueClosed {
		return
	}
	s.persistCh <- fn
}

func (s *Session) botStateWrite(state string, detail *string) func(context.Context) {
	return func(ctx context.Context) {
		if err := s.store.SetBotState(ctx, s.bot.ID, state, detail); err != nil {
			s.logger.Error("persisting bot state", "state", state, "error", err)
		}
	}
}

func (s *Session) scriptStateWrite(scriptID, state string) func(context.Context) {
	return func(ctx context.Context) {
		if err := s.store.SetScriptState(ctx, s.bot.ID, scriptID, state); err != nil {
			s.logger.Error("persisting script state", "script_id", scriptID, "state", state, "error", err)
		}
	}
}

func scriptInfo(sc *store.Script) protocol.ScriptInfo {
	return protocol.ScriptInfo{
		ID:       sc.ID,
		Name:     sc.Name,
		Body:     sc.Body,
		Platform: sc.Platform,
	}
}

func knownClientState(state string) bool {
	switch state {
	case protocol.ClientStartup, protocol.ClientOnline, protocol.ClientOffline, protocol.ClientFailed:
		return true
	}
	return false
}

func knownScriptState(state string) bool {
	switch state {
	case protocol.ScriptRunning, protocol.ScriptStopped, protocol.ScriptErrored:
		return true
	}
	return false
}
