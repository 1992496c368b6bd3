// ABOUTME: Mock Store implementation for testing.
// ABOUTME: Allows tests to run without SQLite and records state writes in order.

package store

import (
	"context"
	"sync"
	"time"
)

// StateWrite records a single state-mirroring call, in issue order.
// Kind is "bot" or "script".
type StateWrite struct {
	Kind     string
	BotID    string
	ScriptID string
	State    string
	Error    *string
}

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu           sync.RWMutex
	bots         map[string]*Bot      // keyed by bot ID
	botsByToken  map[string]string    // token -> bot ID
	scripts      map[string]*Script   // keyed by script ID
	links        map[string][]string  // botID -> script IDs
	botStates    map[string]*BotState // keyed by bot ID
	scriptStates map[string]*ScriptState

	// Writes holds every state write in issue order.
	Writes []StateWrite

	// FailWrites makes state writes return this error when set.
	FailWrites error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		bots:         make(map[string]*Bot),
		botsByToken:  make(map[string]string),
		scripts:      make(map[string]*Script),
		links:        make(map[string][]string),
		botStates:    make(map[string]*BotState),
		scriptStates: make(map[string]*ScriptState),
	}
}

// GetBotByToken resolves a credential token to a bot.
func (m *MockStore) GetBotByToken(ctx context.Context, token string) (*Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.botsByToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	b := *m.bots[id]
	return &b, nil
}

// GetBot retrieves a bot by ID.
func (m *MockStore) GetBot(ctx context.Context, id string) (*Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bots[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *b
	return &result, nil
}

// GetScript retrieves a script by ID.
func (m *MockStore) GetScript(ctx context.Context, id string) (*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.scripts[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// ListBotScripts returns all scripts assigned to a bot.
func (m *MockStore) ListBotScripts(ctx context.Context, botID string) ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var scripts []*Script
	for _, scriptID := range m.links[botID] {
		if s, ok := m.scripts[scriptID]; ok {
			sc := *s
			scripts = append(scripts, &sc)
		}
	}
	return scripts, nil
}

// SetBotState records the latest lifecycle state for a bot.
func (m *MockStore) SetBotState(ctx context.Context, botID, state string, errDetail *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.botStates[botID] = &BotState{BotID: botID, State: state, Error: errDetail, UpdatedAt: time.Now()}
	m.Writes = append(m.Writes, StateWrite{Kind: "bot", BotID: botID, State: state, Error: errDetail})
	return nil
}

// SetScriptState records the latest run state for a (bot, script) pair.
func (m *MockStore) SetScriptState(ctx context.Context, botID, scriptID, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.scriptStates[botID+":"+scriptID] = &ScriptState{BotID: botID, ScriptID: scriptID, State: state, UpdatedAt: time.Now()}
	m.Writes = append(m.Writes, StateWrite{Kind: "script", BotID: botID, ScriptID: scriptID, State: state})
	return nil
}

// GetBotState returns the latest lifecycle state recorded for a bot.
func (m *MockStore) GetBotState(ctx context.Context, botID string) (*BotState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.botStates[botID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *st
	return &result, nil
}

// GetScriptState returns the latest run state recorded for a (bot, script) pair.
func (m *MockStore) GetScriptState(ctx context.Context, botID, scriptID string) (*ScriptState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.scriptStates[botID+":"+scriptID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *st
	return &result, nil
}

// CreateBot stores a bot record.
func (m *MockStore) CreateBot(ctx context.Context, bot *Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := *bot
	m.bots[b.ID] = &b
	m.botsByToken[b.Token] = b.ID
	return nil
}

// CreateScript stores a script record.
func (m *MockStore) CreateScript(ctx context.Context, script *Script) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := *script
	m.scripts[s.ID] = &s
	return nil
}

// AssignScript links a script to a bot.
func (m *MockStore) AssignScript(ctx context.Context, botID, scriptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.links[botID] = append(m.links[botID], scriptID)
	return nil
}

// StateWrites returns a copy of the recorded writes.
func (m *MockStore) StateWrites() []StateWrite {
	m.mu.RLock()
	defer m.mu.RUnlock()

	writes := make([]StateWrite, len(m.Writes))
	copy(writes, m.Writes)
	return writes
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}
