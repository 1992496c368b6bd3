// ABOUTME: Tests for the SQLite store implementation.
// ABOUTME: Uses an in-memory database; covers reads, state upserts, and not-found paths.

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreBots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bot := &Bot{Name: "scraper", Token: "tok-123"}
	require.NoError(t, s.CreateBot(ctx, bot))
	require.NotEmpty(t, bot.ID)

	t.Run("by token", func(t *testing.T) {
		got, err := s.GetBotByToken(ctx, "tok-123")
		require.NoError(t, err)
		assert.Equal(t, bot.ID, got.ID)
		assert.Equal(t, "scraper", got.Name)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := s.GetBotByToken(ctx, "tok-nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("by id", func(t *testing.T) {
		got, err := s.GetBot(ctx, bot.ID)
		require.NoError(t, err)
		assert.Equal(t, "tok-123", got.Token)
	})
}

func TestSQLiteStoreScripts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bot := &Bot{Name: "bot-1", Token: "t1"}
	require.NoError(t, s.CreateBot(ctx, bot))

	s1 := &Script{Name: "hello", Body: "print('hi')", Platform: "discord"}
	s2 := &Script{Name: "mod", Body: "ban()", Platform: "slack"}
	require.NoError(t, s.CreateScript(ctx, s1))
	require.NoError(t, s.CreateScript(ctx, s2))
	require.NoError(t, s.AssignScript(ctx, bot.ID, s1.ID))
	require.NoError(t, s.AssignScript(ctx, bot.ID, s2.ID))

	t.Run("list assigned", func(t *testing.T) {
		scripts, err := s.ListBotScripts(ctx, bot.ID)
		require.NoError(t, err)
		require.Len(t, scripts, 2)
	})

	t.Run("list for unknown bot is empty", func(t *testing.T) {
		scripts, err := s.ListBotScripts(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, scripts)
	})

	t.Run("get by id", func(t *testing.T) {
		got, err := s.GetScript(ctx, s1.ID)
		require.NoError(t, err)
		assert.Equal(t, "hello", got.Name)
		assert.Equal(t, "discord", got.Platform)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := s.GetScript(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate assignment ignored", func(t *testing.T) {
		require.NoError(t, s.AssignScript(ctx, bot.ID, s1.ID))
		scripts, err := s.ListBotScripts(ctx, bot.ID)
		require.NoError(t, err)
		assert.Len(t, scripts, 2)
	})
}

func TestSQLiteStoreStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("bot state upsert", func(t *testing.T) {
		require.NoError(t, s.SetBotState(ctx, "bot-1", "STARTUP", nil))
		require.NoError(t, s.SetBotState(ctx, "bot-1", "ONLINE", nil))

		st, err := s.GetBotState(ctx, "bot-1")
		require.NoError(t, err)
		assert.Equal(t, "ONLINE", st.State)
		assert.Nil(t, st.Error)
	})

	t.Run("bot state with error detail", func(t *testing.T) {
		detail := "[4001] invalid payload"
		require.NoError(t, s.SetBotState(ctx, "bot-2", "FAILED", &detail))

		st, err := s.GetBotState(ctx, "bot-2")
		require.NoError(t, err)
		assert.Equal(t, "FAILED", st.State)
		require.NotNil(t, st.Error)
		assert.Equal(t, detail, *st.Error)
	})

	t.Run("script state upsert", func(t *testing.T) {
		require.NoError(t, s.SetScriptState(ctx, "bot-1", "s1", "RUNNING"))
		require.NoError(t, s.SetScriptState(ctx, "bot-1", "s1", "STOPPED"))

		st, err := s.GetScriptState(ctx, "bot-1", "s1")
		require.NoError(t, err)
		assert.Equal(t, "STOPPED", st.State)
	})

	t.Run("missing states", func(t *testing.T) {
		_, err := s.GetBotState(ctx, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetScriptState(ctx, "nobody", "s1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
