package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"paperlens/internal/fetch"
	"paperlens/internal/models"
	"paperlens/internal/service/paper"
	"paperlens/internal/stream"
	"paperlens/internal/worker"
)

// PaperService is what the HTTP layer needs from paper.Service.
type PaperService interface {
	Info(ctx context.Context, paperID string) (*models.PaperInfo, error)
	Analyze(ctx context.Context, paperID string, force bool, emit paper.Emitter) error
	Chat(ctx context.Context, req paper.ChatRequest, emit paper.Emitter) error
	Regenerate(ctx context.Context, req paper.ChatRequest, emit paper.Emitter) error
	ListSessions(ctx context.Context, paperID, userID string) ([]models.ChatSession, error)
	Messages(ctx context.Context, sessionID string) ([]*models.ChatMessage, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// StatsFunc reports runtime figures for the health endpoint.
type StatsFunc func() gin.H

type Handler struct {
	papers PaperService
	stats  StatsFunc
	logger zerolog.Logger
}

func NewHandler(papers PaperService, stats StatsFunc, logger zerolog.Logger) *Handler {
	return &Handler{
		papers: papers,
		stats:  stats,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.health)

	papers := router.Group("/paper")
	papers.GET("/:id/info", h.paperInfo)
	papers.GET("/:id", h.analyzePaper)
	papers.POST("/:id/chat", h.chat)
	papers.POST("/:id/chat/regenerate", h.regenerate)
	papers.GET("/:id/chat/sessions", h.listSessions)

	chats := router.Group("/chat")
	chats.GET("/:session_id/messages", h.listMessages)
	chats.DELETE("/:session_id", h.deleteSession)
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

func (h *Handler) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.stats != nil {
		for k, v := range h.stats() {
			body[k] = v
		}
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) paperInfo(c *gin.Context) {
	info, err := h.papers.Info(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handler) analyzePaper(c *gin.Context) {
	force, err := strconv.ParseBool(c.DefaultQuery("reanalyze", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reanalyze must be a boolean"})
		return
	}
	w := newSSEWriter(c)
	err = h.papers.Analyze(c.Request.Context(), c.Param("id"), force, w.Emit)
	h.finishStream(c, w, err)
}

func (h *Handler) chat(c *gin.Context) {
	h.streamChat(c, h.papers.Chat)
}

func (h *Handler) regenerate(c *gin.Context) {
	h.streamChat(c, h.papers.Regenerate)
}

func (h *Handler) streamChat(c *gin.Context, run func(context.Context, paper.ChatRequest, paper.Emitter) error) {
	var body chatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req := paper.ChatRequest{
		PaperID:   c.Param("id"),
		SessionID: body.SessionID,
		UserID:    body.UserID,
		Message:   body.Message,
	}
	w := newSSEWriter(c)
	err := run(c.Request.Context(), req, w.Emit)
	h.finishStream(c, w, err)
}

// finishStream closes an SSE response. Errors raised before the first event
// are answered as JSON when they carry a status of their own.
func (h *Handler) finishStream(c *gin.Context, w *sseWriter, err error) {
	if c.Request.Context().Err() != nil {
		h.logger.Debug().Str("request_id", RequestIDFromContext(c)).Msg("client left before stream end")
		return
	}
	if err != nil && !w.started {
		var ve *paper.ValidationError
		if errors.As(err, &ve) {
			c.JSON(ve.Status, gin.H{"error": ve.Msg})
			return
		}
		status, msg := errorStatus(err)
		h.logger.Error().Err(err).Int("status", status).Msg("stream failed before first event")
		if emitErr := w.Emit(stream.Event{Name: stream.EventError, Data: msg}); emitErr != nil {
			c.JSON(status, gin.H{"error": msg})
			return
		}
	}
	if err := w.Done(); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn().Err(err).Msg("failed to send done event")
	}
}

func (h *Handler) listSessions(c *gin.Context) {
	sessions, err := h.papers.ListSessions(c.Request.Context(), c.Param("id"), c.Query("user_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) listMessages(c *gin.Context) {
	messages, err := h.papers.Messages(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) deleteSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	if err := h.papers.DeleteSession(c.Request.Context(), sessionID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "session_id": sessionID})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("request_id", RequestIDFromContext(c)).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": msg})
}

func errorStatus(err error) (int, string) {
	var (
		ve *paper.ValidationError
		fe *fetch.Error
	)
	switch {
	case errors.As(err, &ve):
		return ve.Status, ve.Msg
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusServiceUnavailable, "server is busy, please retry"
	case errors.As(err, &fe):
		return http.StatusBadGateway, "upstream request failed"
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "not found"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
