package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"paperlens/internal/models"
)

// ErrNotFound mirrors sql.ErrNoRows so callers can match either.
var ErrNotFound = sql.ErrNoRows

// Store is the persistence gateway for papers, chat sessions and chat messages.
type Store struct {
	db     *sql.DB
	driver string
}

// NewStore wraps an opened and migrated database.
func NewStore(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: strings.ToLower(driver)}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// GetPaper returns the cached paper row or sql.ErrNoRows.
func (s *Store) GetPaper(ctx context.Context, id string) (*models.Paper, error) {
	query, args, err := sq.Select("id", "title", "abstract", "keywords", "pdf", "llm_response").
		From("papers").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var (
		p        models.Paper
		keywords string
		resp     sql.NullString
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&p.ID, &p.Title, &p.Abstract, &keywords, &p.PDFURL, &resp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get paper: %w", err)
	}
	if keywords != "" {
		if err := json.Unmarshal([]byte(keywords), &p.Keywords); err != nil {
			return nil, fmt.Errorf("decode keywords: %w", err)
		}
	}
	if resp.Valid {
		p.LLMResponse = &resp.String
	}
	return &p, nil
}

// SavePaper inserts the paper, overwriting an existing row with the same id.
func (s *Store) SavePaper(ctx context.Context, p *models.Paper) error {
	if p == nil || p.ID == "" {
		return errors.New("paper id is required")
	}
	keywords := p.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	kw, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("encode keywords: %w", err)
	}
	var resp any
	if p.LLMResponse != nil {
		resp = *p.LLMResponse
	}

	builder := sq.Insert("papers").
		Columns("id", "title", "abstract", "keywords", "pdf", "llm_response").
		Values(p.ID, p.Title, p.Abstract, string(kw), p.PDFURL, resp)
	if s.driver == "mysql" {
		builder = builder.Suffix("ON DUPLICATE KEY UPDATE title = VALUES(title), abstract = VALUES(abstract), " +
			"keywords = VALUES(keywords), pdf = VALUES(pdf), llm_response = VALUES(llm_response)")
	} else {
		builder = builder.Suffix("ON CONFLICT(id) DO UPDATE SET title = excluded.title, abstract = excluded.abstract, " +
			"keywords = excluded.keywords, pdf = excluded.pdf, llm_response = excluded.llm_response")
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save paper: %w", err)
	}
	return nil
}

// UpdateLLMResponse replaces the stored analysis of an existing paper.
func (s *Store) UpdateLLMResponse(ctx context.Context, id, response string) error {
	query, args, err := sq.Update("papers").
		Set("llm_response", response).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update llm response: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("paper rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CreateSession inserts a new chat session record.
func (s *Store) CreateSession(ctx context.Context, session *models.ChatSession) error {
	if session == nil || session.ID == "" {
		return errors.New("session id is required")
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	query, args, err := sq.Insert("chat_sessions").
		Columns("id", "user_id", "paper_id", "title", "created_at").
		Values(session.ID, session.UserID, session.PaperID, session.Title, session.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns one session record or sql.ErrNoRows.
func (s *Store) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	query, args, err := sq.Select("id", "user_id", "paper_id", "title", "created_at").
		From("chat_sessions").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var se models.ChatSession
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&se.ID, &se.UserID, &se.PaperID, &se.Title, &se.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &se, nil
}

// ListSessions returns a user's sessions for one paper, newest first.
func (s *Store) ListSessions(ctx context.Context, paperID, userID string) ([]models.ChatSession, error) {
	query, args, err := sq.Select("id", "user_id", "paper_id", "title", "created_at").
		From("chat_sessions").
		Where(sq.Eq{"paper_id": paperID, "user_id": userID}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.ChatSession, 0)
	for rows.Next() {
		var se models.ChatSession
		if err := rows.Scan(&se.ID, &se.UserID, &se.PaperID, &se.Title, &se.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, se)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and all of its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	delMessages, args, err := sq.Delete("chat_messages").Where(sq.Eq{"session_id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err = tx.ExecContext(ctx, delMessages, args...); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}

	delSession, args, err := sq.Delete("chat_sessions").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	res, err := tx.ExecContext(ctx, delSession, args...)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		err = sql.ErrNoRows
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	return nil
}

// ListMessages returns the session's messages in creation order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*models.ChatMessage, error) {
	query, args, err := sq.Select("id", "session_id", "role", "content", "created_at").
		From("chat_messages").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.ChatMessage, 0)
	for rows.Next() {
		m := new(models.ChatMessage)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// AppendExchange writes a user message and its assistant reply in one transaction.
func (s *Store) AppendExchange(ctx context.Context, sessionID, userContent, assistantContent string) (_ []*models.ChatMessage, err error) {
	now := time.Now().UTC()
	pair := []*models.ChatMessage{
		{SessionID: sessionID, Role: models.RoleUser, Content: userContent, CreatedAt: now},
		{SessionID: sessionID, Role: models.RoleAssistant, Content: assistantContent, CreatedAt: now.Add(time.Microsecond)},
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, msg := range pair {
		query, args, buildErr := sq.Insert("chat_messages").
			Columns("session_id", "role", "content", "created_at").
			Values(msg.SessionID, msg.Role, msg.Content, msg.CreatedAt).
			ToSql()
		if buildErr != nil {
			err = fmt.Errorf("build query: %w", buildErr)
			return nil, err
		}
		res, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			err = fmt.Errorf("insert message: %w", execErr)
			return nil, err
		}
		if msg.ID, err = res.LastInsertId(); err != nil {
			err = fmt.Errorf("message id: %w", err)
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit exchange: %w", err)
	}
	return pair, nil
}

// DeleteLastPair removes the two most recent messages of a session.
// It reports false and leaves the session untouched when fewer than two exist.
func (s *Store) DeleteLastPair(ctx context.Context, sessionID string) (_ bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	query, args, err := sq.Select("id").
		From("chat_messages").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(2).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("select last pair: %w", err)
	}
	ids := make([]int64, 0, 2)
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return false, fmt.Errorf("scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return false, fmt.Errorf("iterate last pair: %w", err)
	}
	if len(ids) < 2 {
		tx.Rollback()
		return false, nil
	}

	del, args, err := sq.Delete("chat_messages").Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}
	if _, err = tx.ExecContext(ctx, del, args...); err != nil {
		return false, fmt.Errorf("delete last pair: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete last pair: %w", err)
	}
	return true, nil
}
