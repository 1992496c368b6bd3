// ABOUTME: Store interface and data types for canal-gateway persistence.
// ABOUTME: Defines Bot, Script, and state record structs plus the Store interface.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Bot represents a registered remote agent. The gateway reads it once, at
// authentication time; the token is the long-lived credential presented in
// IDENTIFY.
type Bot struct {
	ID        string
	Name      string
	Token     string
	CreatedAt time.Time
}

// Script is a workload item assigned to bots. Immutable from the gateway's
// perspective except for whole-item create/update/remove events originating
// externally.
type Script struct {
	ID        string
	Name      string
	Body      string
	Platform  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BotState is the latest observed lifecycle state for a bot.
type BotState struct {
	BotID     string
	State     string
	Error     *string
	UpdatedAt time.Time
}

// ScriptState is the latest observed run state for a (bot, script) pair.
type ScriptState struct {
	BotID     string
	ScriptID  string
	State     string
	UpdatedAt time.Time
}

// Store defines the persistence operations the gateway needs.
type Store interface {
	// Reads at handshake and snapshot time
	GetBotByToken(ctx context.Context, token string) (*Bot, error)
	GetBot(ctx context.Context, id string) (*Bot, error)
	GetScript(ctx context.Context, id string) (*Script, error)
	ListBotScripts(ctx context.Context, botID string) ([]*Script, error)

	// State mirroring
	SetBotState(ctx context.Context, botID, state string, errDetail *string) error
	SetScriptState(ctx context.Context, botID, scriptID, state string) error
	GetBotState(ctx context.Context, botID string) (*BotState, error)
	GetScriptState(ctx context.Context, botID, scriptID string) (*ScriptState, error)

	// Seeding (used by tests and provisioning tooling; the control plane
	// owns these records in production)
	CreateBot(ctx context.Context, bot *Bot) error
	CreateScript(ctx context.Context, script *Script) error
	AssignScript(ctx context.Context, botID, scriptID string) error

	Close() error
}
