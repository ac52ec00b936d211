package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperlens/internal/config"
	"paperlens/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "paperlens.db")
	db, err := Open("sqlite3", config.DatabaseConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db, "sqlite3"))
	return NewStore(db, "sqlite3")
}

func createTestSession(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateSession(context.Background(), &models.ChatSession{
		ID:      id,
		UserID:  "u1",
		PaperID: "p1",
		Title:   "title " + id,
	}))
}

func TestPaperRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetPaper(ctx, "missing")
	require.True(t, errors.Is(err, sql.ErrNoRows))

	paper := &models.Paper{ID: "p1", Title: "T", Abstract: "A", Keywords: []string{"k1", "k2"}, PDFURL: "https://openreview.net/attachment?id=p1&name=pdf"}
	require.NoError(t, s.SavePaper(ctx, paper))

	got, err := s.GetPaper(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, got.Keywords)
	assert.False(t, got.HasAnalysis())

	require.NoError(t, s.UpdateLLMResponse(ctx, "p1", "analysis"))
	got, err = s.GetPaper(ctx, "p1")
	require.NoError(t, err)
	require.True(t, got.HasAnalysis())
	assert.Equal(t, "analysis", *got.LLMResponse)

	err = s.UpdateLLMResponse(ctx, "nope", "x")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestSavePaperOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	first := "first"
	second := "second"

	require.NoError(t, s.SavePaper(ctx, &models.Paper{ID: "p1", Title: "old", LLMResponse: &first}))
	require.NoError(t, s.SavePaper(ctx, &models.Paper{ID: "p1", Title: "new", LLMResponse: &second}))

	got, err := s.GetPaper(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Title)
	assert.Equal(t, "second", *got.LLMResponse)
	assert.Empty(t, got.Keywords)
}

func TestSessionsListedNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, s.CreateSession(ctx, &models.ChatSession{
			ID: id, UserID: "u1", PaperID: "p1", Title: id, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.CreateSession(ctx, &models.ChatSession{ID: "other", UserID: "u2", PaperID: "p1", Title: "x"}))

	sessions, err := s.ListSessions(ctx, "p1", "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, "s3", sessions[0].ID)
	assert.Equal(t, "s1", sessions[2].ID)

	empty, err := s.ListSessions(ctx, "p2", "u1")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestAppendExchangeKeepsOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")

	_, err := s.AppendExchange(ctx, "s1", "q1", "a1")
	require.NoError(t, err)
	pair, err := s.AppendExchange(ctx, "s1", "q2", "a2")
	require.NoError(t, err)
	require.Len(t, pair, 2)
	assert.NotZero(t, pair[0].ID)

	msgs, err := s.ListMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	want := []string{"q1", "a1", "q2", "a2"}
	for i, m := range msgs {
		assert.Equal(t, want[i], m.Content)
	}
	assert.Equal(t, models.RoleUser, msgs[2].Role)
	assert.Equal(t, models.RoleAssistant, msgs[3].Role)
}

func TestAppendExchangeUnknownSession(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AppendExchange(context.Background(), "ghost", "q", "a")
	require.Error(t, err)

	msgs, err := s.ListMessages(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeleteLastPair(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")

	removed, err := s.DeleteLastPair(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = s.AppendExchange(ctx, "s1", "q1", "a1")
	require.NoError(t, err)
	_, err = s.AppendExchange(ctx, "s1", "q2", "a2")
	require.NoError(t, err)

	removed, err = s.DeleteLastPair(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, removed)

	msgs, err := s.ListMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a1", msgs[1].Content)
}

func TestDeleteSessionRemovesMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")
	createTestSession(t, s, "s2")
	_, err := s.AppendExchange(ctx, "s1", "q", "a")
	require.NoError(t, err)
	_, err = s.AppendExchange(ctx, "s2", "q", "a")
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession(ctx, "s1"))

	_, err = s.GetSession(ctx, "s1")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
	msgs, err := s.ListMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = s.ListMessages(ctx, "s2")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	err = s.DeleteSession(ctx, "s1")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}
