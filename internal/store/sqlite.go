// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides bot/script persistence with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. Pass ":memory:" for an
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS bots (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			token TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS scripts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			body TEXT NOT NULL,
			platform TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS script_links (
			bot_id TEXT NOT NULL,
			script_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (bot_id, script_id),
			FOREIGN KEY (bot_id) REFERENCES bots(id),
			FOREIGN KEY (script_id) REFERENCES scripts(id)
		);

		CREATE TABLE IF NOT EXISTS bot_states (
			bot_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			error TEXT,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS script_states (
			bot_id TEXT NOT NULL,
			script_id TEXT NOT NULL,
			state TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (bot_id, script_id)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetBotByToken resolves a credential token to a bot.
func (s *SQLiteStore) GetBotByToken(ctx context.Context, token string) (*Bot, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, token, created_at FROM bots WHERE token = ?", token)
	return scanBot(row)
}

// GetBot retrieves a bot by id.
func (s *SQLiteStore) GetBot(ctx context.Context, id string) (*Bot, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, token, created_at FROM bots WHERE id = ?", id)
	return scanBot(row)
}

func scanBot(row *sql.Row) (*Bot, error) {
	var b Bot
	err := row.Scan(&b.ID, &b.Name, &b.Token, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning bot: %w", err)
	}
	return &b, nil
}

// GetScript retrieves a script by id.
func (s *SQLiteStore) GetScript(ctx context.Context, id string) (*Script, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, body, platform, created_at, updated_at FROM scripts WHERE id = ?", id)
	var sc Script
	err := row.Scan(&sc.ID, &sc.Name, &sc.Body, &sc.Platform, &sc.CreatedAt, &sc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning script: %w", err)
	}
	return &sc, nil
}

// ListBotScripts returns all scripts assigned to a bot.
func (s *SQLiteStore) ListBotScripts(ctx context.Context, botID string) ([]*Script, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sc.id, sc.name, sc.body, sc.platform, sc.created_at, sc.updated_at
		FROM scripts sc
		JOIN script_links sl ON sl.script_id = sc.id
		WHERE sl.bot_id = ?
		ORDER BY sc.created_at`, botID)
	if err != nil {
		return nil, fmt.Errorf("querying bot scripts: %w", err)
	}
	defer rows.Close()

	var scripts []*Script
	for rows.Next() {
		var sc Script
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.Body, &sc.Platform, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning script: %w", err)
		}
		scripts = append(scripts, &sc)
	}
	return scripts, rows.Err()
}

// SetBotState upserts the latest lifecycle state for a bot.
func (s *SQLiteStore) SetBotState(ctx context.Context, botID, state string, errDetail *string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_states (bot_id, state, error, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bot_id) DO UPDATE SET
			state = excluded.state,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		botID, state, errDetail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("setting bot state: %w", err)
	}
	return nil
}

// SetScriptState upserts the latest run state for a (bot, script) pair.
func (s *SQLiteStore) SetScriptState(ctx context.Context, botID, scriptID, state string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO script_states (bot_id, script_id, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bot_id, script_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at`,
		botID, scriptID, state, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("setting script state: %w", err)
	}
	return nil
}

// GetBotState returns the latest lifecycle state recorded for a bot.
func (s *SQLiteStore) GetBotState(ctx context.Context, botID string) (*BotState, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT bot_id, state, error, updated_at FROM bot_states WHERE bot_id = ?", botID)
	var st BotState
	err := row.Scan(&st.BotID, &st.State, &st.Error, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning bot state: %w", err)
	}
	return &st, nil
}

// GetScriptState returns the latest run state recorded for a (bot, script) pair.
func (s *SQLiteStore) GetScriptState(ctx context.Context, botID, scriptID string) (*ScriptState, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT bot_id, script_id, state, updated_at FROM script_states WHERE bot_id = ? AND script_id = ?",
		botID, scriptID)
	var st ScriptState
	err := row.Scan(&st.BotID, &st.ScriptID, &st.State, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning script state: %w", err)
	}
	return &st, nil
}

// CreateBot inserts a bot record. An id is generated if empty.
func (s *SQLiteStore) CreateBot(ctx context.Context, bot *Bot) error {
	if bot.ID == "" {
		bot.ID = uuid.New().String()
	}
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO bots (id, name, token, created_at) VALUES (?, ?, ?, ?)",
		bot.ID, bot.Name, bot.Token, bot.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating bot: %w", err)
	}
	return nil
}

// CreateScript inserts a script record. An id is generated if empty.
func (s *SQLiteStore) CreateScript(ctx context.Context, script *Script) error {
	if script.ID == "" {
		script.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if script.CreatedAt.IsZero() {
		script.CreatedAt = now
	}
	if script.UpdatedAt.IsZero() {
		script.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO scripts (id, name, body, platform, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		script.ID, script.Name, script.Body, script.Platform, script.CreatedAt, script.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating script: %w", err)
	}
	return nil
}

// AssignScript links a script to a bot.
func (s *SQLiteStore) AssignScript(ctx context.Context, botID, scriptID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO script_links (bot_id, script_id, created_at) VALUES (?, ?, ?)",
		botID, scriptID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("assigning script: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
