package paper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"paperlens/internal/models"
	"paperlens/internal/service/chat"
	"paperlens/internal/service/llm"
	"paperlens/internal/service/openreview"
	"paperlens/internal/session"
	"paperlens/internal/stream"
)

const (
	statusFetchInfo = "正在获取论文信息..."
	statusReadPDF   = "正在读取 PDF 内容..."
	statusAnalyze   = "正在分析论文..."
	msgNotFound     = "论文未找到"

	msgSessionMismatch = "Session not found for this paper"

	titleMaxRunes  = 50
	analysisHeader = "\n\n以下是对这篇论文的分析：\n"
)

// Emitter delivers one event to the client. An error means the client is gone.
type Emitter func(stream.Event) error

// Fetcher looks up paper metadata in the registry.
type Fetcher interface {
	FetchPaper(ctx context.Context, id string) (*models.PaperInfo, error)
}

// TextReader extracts the text of a PDF.
type TextReader interface {
	Read(ctx context.Context, pdfURL string) (string, error)
}

// Store is the persistence the service relies on. storage.Store implements it.
type Store interface {
	GetPaper(ctx context.Context, id string) (*models.Paper, error)
	SavePaper(ctx context.Context, p *models.Paper) error
	UpdateLLMResponse(ctx context.Context, id, response string) error
	CreateSession(ctx context.Context, s *models.ChatSession) error
	GetSession(ctx context.Context, id string) (*models.ChatSession, error)
	ListSessions(ctx context.Context, paperID, userID string) ([]models.ChatSession, error)
	DeleteSession(ctx context.Context, id string) error
	ListMessages(ctx context.Context, sessionID string) ([]*models.ChatMessage, error)
	AppendExchange(ctx context.Context, sessionID, userContent, assistantContent string) ([]*models.ChatMessage, error)
	DeleteLastPair(ctx context.Context, sessionID string) (bool, error)
}

type Deps struct {
	Store         Store
	Fetcher       Fetcher
	Reader        TextReader
	LLM           llm.Client
	Bridge        *stream.Bridge
	Sessions      *session.Registry
	Invalidator   *session.Invalidator
	StreamTimeout time.Duration
	Logger        zerolog.Logger
}

// Service runs paper analysis and paper-grounded chat.
type Service struct {
	store         Store
	fetcher       Fetcher
	reader        TextReader
	llm           llm.Client
	bridge        *stream.Bridge
	sessions      *session.Registry
	invalidator   *session.Invalidator
	streamTimeout time.Duration
	logger        zerolog.Logger
}

func NewService(deps Deps) *Service {
	return &Service{
		store:         deps.Store,
		fetcher:       deps.Fetcher,
		reader:        deps.Reader,
		llm:           deps.LLM,
		bridge:        deps.Bridge,
		sessions:      deps.Sessions,
		invalidator:   deps.Invalidator,
		streamTimeout: deps.StreamTimeout,
		logger:        deps.Logger.With().Str("component", "paper").Logger(),
	}
}

func (s *Service) streamContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.streamTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.streamTimeout)
}

func status(emit Emitter, msg string) error {
	return emit(stream.Event{Name: stream.EventStatus, Data: msg})
}

// fail sends an error event unless the client already left.
func (s *Service) fail(ctx context.Context, emit Emitter, msg string, err error) error {
	s.logger.Warn().Err(err).Str("event", msg).Msg("stream failed")
	if ctx.Err() == nil {
		_ = emit(stream.Event{Name: stream.EventError, Data: msg})
	}
	return err
}

// Info returns registry metadata for a paper.
func (s *Service) Info(ctx context.Context, paperID string) (*models.PaperInfo, error) {
	info, err := s.fetcher.FetchPaper(ctx, paperID)
	if err != nil {
		if errors.Is(err, openreview.ErrNotFound) {
			return nil, notFound("Paper not found", err)
		}
		return nil, err
	}
	return info, nil
}

// Analyze streams the analysis of a paper, serving it from cache unless force is set.
func (s *Service) Analyze(ctx context.Context, paperID string, force bool, emit Emitter) error {
	cached, err := s.store.GetPaper(ctx, paperID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return s.fail(ctx, emit, "读取缓存失败", err)
	}
	if !force && cached.HasAnalysis() {
		s.logger.Debug().Str("paper_id", paperID).Msg("analysis served from cache")
		return emit(stream.Event{Data: *cached.LLMResponse})
	}

	if err := status(emit, statusFetchInfo); err != nil {
		return err
	}
	info, err := s.fetcher.FetchPaper(ctx, paperID)
	if err != nil {
		if errors.Is(err, openreview.ErrNotFound) {
			return s.fail(ctx, emit, msgNotFound, err)
		}
		return s.fail(ctx, emit, describe("获取论文信息", err), err)
	}

	if err := status(emit, statusReadPDF); err != nil {
		return err
	}
	text, err := s.reader.Read(ctx, info.PDFURL)
	if err != nil {
		return s.fail(ctx, emit, describe("读取 PDF", err), err)
	}

	if err := status(emit, statusAnalyze); err != nil {
		return err
	}
	messages := []*schema.Message{
		schema.SystemMessage(llm.AnalysisSystemPrompt),
		schema.UserMessage(llm.AnalysisPromptPrefix + text),
	}

	streamCtx, cancel := s.streamContext(ctx)
	defer cancel()
	var full string
	produce := func(pctx context.Context, push func(string)) error {
		reader, err := s.llm.CompleteStream(pctx, messages)
		if err != nil {
			return err
		}
		defer reader.Close()
		var collected []byte
		for {
			chunk, err := reader.Recv()
			if errors.Is(err, io.EOF) {
				full = string(collected)
				return nil
			}
			if err != nil {
				return err
			}
			collected = append(collected, chunk...)
			push(chunk)
		}
	}
	err = s.bridge.Run(streamCtx, "analyze:"+paperID, produce, func(chunk string) error {
		return emit(stream.Event{Data: chunk})
	})
	if err != nil {
		return s.fail(ctx, emit, describe("分析论文", err), err)
	}

	if cached != nil {
		err = s.store.UpdateLLMResponse(ctx, paperID, full)
	}
	if cached == nil || errors.Is(err, sql.ErrNoRows) {
		err = s.store.SavePaper(ctx, info.ToPaper(&full))
	}
	if err != nil {
		return s.fail(ctx, emit, "保存分析结果失败", err)
	}
	s.logger.Info().Str("paper_id", paperID).Int("chars", len(full)).Bool("forced", force).Msg("analysis stored")
	return nil
}

// ChatRequest is one user turn in a paper-grounded conversation.
type ChatRequest struct {
	PaperID   string
	SessionID string
	UserID    string
	Message   string
}

func (r ChatRequest) validate(requireUser bool) error {
	switch {
	case r.SessionID == "":
		return badRequest("session_id is required")
	case requireUser && r.UserID == "":
		return badRequest("user_id is required")
	case r.Message == "":
		return badRequest("message is required")
	}
	return nil
}

// Chat streams the assistant's answer to one message and persists the exchange.
// A *ValidationError is returned before any event is emitted.
func (s *Service) Chat(ctx context.Context, req ChatRequest, emit Emitter) error {
	if err := req.validate(true); err != nil {
		return err
	}
	h, err := s.sessions.Acquire(ctx, req.SessionID)
	if err != nil {
		return err
	}
	defer h.Release()
	if err := s.checkBinding(ctx, h, req, emit); err != nil {
		return err
	}
	return s.chatLocked(ctx, h, req, emit)
}

// Regenerate drops the last exchange, in memory and in storage, then answers req.Message again.
func (s *Service) Regenerate(ctx context.Context, req ChatRequest, emit Emitter) error {
	if err := req.validate(false); err != nil {
		return err
	}
	h, err := s.sessions.Acquire(ctx, req.SessionID)
	if err != nil {
		return err
	}
	defer h.Release()
	if err := s.checkBinding(ctx, h, req, emit); err != nil {
		return err
	}

	if live := h.Session(); live != nil && !live.Rollback() {
		h.Drop()
	}
	if _, err := s.store.DeleteLastPair(ctx, req.SessionID); err != nil {
		h.Drop()
		return s.fail(ctx, emit, "删除上一轮对话失败", err)
	}
	return s.chatLocked(ctx, h, req, emit)
}

// checkBinding rejects a request whose session belongs to another paper,
// whether the conversation is live or only stored.
func (s *Service) checkBinding(ctx context.Context, h *session.Handle, req ChatRequest, emit Emitter) error {
	if live := h.Session(); live != nil {
		if live.PaperID() != req.PaperID {
			return notFound(msgSessionMismatch, sql.ErrNoRows)
		}
		return nil
	}
	record, err := s.store.GetSession(ctx, req.SessionID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return s.fail(ctx, emit, "读取会话失败", err)
	case record.PaperID != req.PaperID:
		return notFound(msgSessionMismatch, sql.ErrNoRows)
	}
	return nil
}

func (s *Service) chatLocked(ctx context.Context, h *session.Handle, req ChatRequest, emit Emitter) error {
	sess := h.Session()
	if sess == nil {
		rebuilt, err := s.rebuild(ctx, req, emit)
		if err != nil {
			return err
		}
		sess = rebuilt
		h.Set(sess)
	}

	base := sess.Len()
	streamCtx, cancel := s.streamContext(ctx)
	defer cancel()

	var answer string
	produce := func(pctx context.Context, push func(string)) error {
		reply, err := sess.SendStream(pctx, req.Message)
		if err != nil {
			return err
		}
		defer reply.Close()
		for {
			chunk, err := reply.Recv()
			if errors.Is(err, io.EOF) {
				answer = reply.Text()
				return nil
			}
			if err != nil {
				return err
			}
			push(chunk)
		}
	}
	err := s.bridge.Run(streamCtx, req.SessionID, produce, func(chunk string) error {
		return emit(stream.Event{Data: chunk})
	})
	if err != nil {
		sess.Truncate(base)
		return s.fail(ctx, emit, describe("生成回复", err), err)
	}

	if _, err := s.store.AppendExchange(ctx, req.SessionID, req.Message, answer); err != nil {
		sess.Truncate(base)
		return s.fail(ctx, emit, "保存对话失败", err)
	}
	s.invalidator.Publish(ctx, req.SessionID, session.ScopeHistory)
	return nil
}

// rebuild restores a conversation from storage, creating the session record
// on the first message.
func (s *Service) rebuild(ctx context.Context, req ChatRequest, emit Emitter) (*chat.Session, error) {
	paper, err := s.store.GetPaper(ctx, req.PaperID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("Paper not found, analyze it first", err)
		}
		return nil, s.fail(ctx, emit, "读取论文失败", err)
	}

	record, err := s.store.GetSession(ctx, req.SessionID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		record = nil
	case err != nil:
		return nil, s.fail(ctx, emit, "读取会话失败", err)
	case record.PaperID != req.PaperID:
		return nil, notFound(msgSessionMismatch, sql.ErrNoRows)
	}

	var history []*models.ChatMessage
	if record != nil {
		history, err = s.store.ListMessages(ctx, req.SessionID)
		if err != nil {
			return nil, s.fail(ctx, emit, "读取历史消息失败", err)
		}
	}

	text, err := s.reader.Read(ctx, paper.PDFURL)
	if err != nil {
		return nil, s.fail(ctx, emit, describe("读取 PDF", err), err)
	}

	if record == nil {
		err = s.store.CreateSession(ctx, &models.ChatSession{
			ID:      req.SessionID,
			UserID:  req.UserID,
			PaperID: req.PaperID,
			Title:   truncateRunes(req.Message, titleMaxRunes),
		})
		if err != nil {
			return nil, s.fail(ctx, emit, "创建会话失败", err)
		}
		s.logger.Info().Str("session_id", req.SessionID).Str("paper_id", req.PaperID).Msg("chat session created")
	}
	return chat.NewSession(s.llm, req.PaperID, buildContext(text, paper.LLMResponse), history), nil
}

func buildContext(text string, analysis *string) string {
	if analysis == nil || *analysis == "" {
		return text
	}
	return text + analysisHeader + *analysis
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// ListSessions returns a user's conversations about a paper, newest first.
func (s *Service) ListSessions(ctx context.Context, paperID, userID string) ([]models.ChatSession, error) {
	if userID == "" {
		return nil, badRequest("user_id is required")
	}
	return s.store.ListSessions(ctx, paperID, userID)
}

// Messages returns a session's history in order.
func (s *Service) Messages(ctx context.Context, sessionID string) ([]*models.ChatMessage, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("Session not found", err)
		}
		return nil, err
	}
	return s.store.ListMessages(ctx, sessionID)
}

// DeleteSession removes a session everywhere: storage, this process and peers.
// It waits for any chat in flight on the session to finish first.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	h, err := s.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer h.Release()

	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("Session not found", err)
		}
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	h.Drop()
	s.invalidator.Publish(ctx, sessionID, session.ScopeDeleted)
	s.logger.Info().Str("session_id", sessionID).Msg("chat session deleted")
	return nil
}
