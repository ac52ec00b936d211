package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/cloudwego/eino/schema"
	"github.com/samber/lo"

	"paperlens/internal/models"
	"paperlens/internal/service/llm"
)

const (
	contextPrefix = "以下是论文相关内容：\n"
	contextAck    = "好的，我已了解这篇论文的内容，请问有什么问题？"
)

// Session is a multi-turn conversation anchored to a fixed context document.
// It is not safe for concurrent sends; callers serialize them per session id.
type Session struct {
	client  llm.Client
	paperID string
	context string

	mu      sync.Mutex
	history []*schema.Message
}

// NewSession rebuilds a conversation about paperID from its context and persisted messages.
func NewSession(client llm.Client, paperID, context string, history []*models.ChatMessage) *Session {
	return &Session{
		client:  client,
		paperID: paperID,
		context: context,
		history: lo.Map(history, func(m *models.ChatMessage, _ int) *schema.Message {
			return toSchema(m.Role, m.Content)
		}),
	}
}

func toSchema(role models.Role, content string) *schema.Message {
	switch role {
	case models.RoleAssistant:
		return schema.AssistantMessage(content, nil)
	case models.RoleSystem:
		return schema.SystemMessage(content)
	default:
		return schema.UserMessage(content)
	}
}

// PaperID is the paper the conversation is bound to.
func (s *Session) PaperID() string {
	return s.paperID
}

// Context returns the document the session was created with.
func (s *Session) Context() string {
	return s.context
}

// BuildMessages assembles the full prompt for the next model call.
func (s *Session) BuildMessages() []*schema.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildLocked()
}

func (s *Session) buildLocked() []*schema.Message {
	messages := make([]*schema.Message, 0, len(s.history)+3)
	messages = append(messages, schema.SystemMessage(llm.ChatSystemPrompt))
	if s.context != "" {
		messages = append(messages,
			schema.UserMessage(contextPrefix+s.context),
			schema.AssistantMessage(contextAck, nil),
		)
	}
	for _, m := range s.history {
		cp := *m
		messages = append(messages, &cp)
	}
	return messages
}

// History returns a copy of the conversation entries.
func (s *Session) History() []*schema.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Map(s.history, func(m *schema.Message, _ int) *schema.Message {
		cp := *m
		return &cp
	})
}

// Len is the number of conversation entries.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Truncate drops every entry past n.
func (s *Session) Truncate(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n >= 0 && n < len(s.history) {
		s.history = s.history[:n]
	}
}

// Rollback removes the last user/assistant pair. It reports false when fewer
// than two entries exist.
func (s *Session) Rollback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) < 2 {
		return false
	}
	s.history = s.history[:len(s.history)-2]
	return true
}

// Send runs one blocking turn.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	base := len(s.history)
	s.history = append(s.history, schema.UserMessage(text))
	messages := s.buildLocked()
	s.mu.Unlock()

	reply, err := s.client.Complete(ctx, messages)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.truncateLocked(base)
		return "", err
	}
	s.history = append(s.history, schema.AssistantMessage(reply, nil))
	return reply, nil
}

func (s *Session) truncateLocked(n int) {
	if n < len(s.history) {
		s.history = s.history[:n]
	}
}

// SendStream starts a streaming turn. The user entry is recorded right away;
// the assistant entry is recorded only when the reply is read to the end.
func (s *Session) SendStream(ctx context.Context, text string) (*Reply, error) {
	s.mu.Lock()
	base := len(s.history)
	s.history = append(s.history, schema.UserMessage(text))
	messages := s.buildLocked()
	s.mu.Unlock()

	reader, err := s.client.CompleteStream(ctx, messages)
	if err != nil {
		s.mu.Lock()
		s.truncateLocked(base)
		s.mu.Unlock()
		return nil, err
	}
	return &Reply{session: s, reader: reader, base: base}, nil
}

// Reply is an in-flight streamed answer.
type Reply struct {
	session *Session
	reader  llm.ChunkReader
	base    int

	buf  strings.Builder
	done bool
}

// Recv returns the next chunk, or io.EOF after the reply was committed to history.
func (r *Reply) Recv() (string, error) {
	if r.done {
		return "", io.EOF
	}
	chunk, err := r.reader.Recv()
	if err == nil {
		r.buf.WriteString(chunk)
		return chunk, nil
	}

	r.done = true
	r.reader.Close()
	s := r.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(err, io.EOF) {
		s.history = append(s.history, schema.AssistantMessage(r.buf.String(), nil))
		return "", io.EOF
	}
	s.truncateLocked(r.base)
	return "", err
}

// Text is everything received so far.
func (r *Reply) Text() string {
	return r.buf.String()
}

// Close abandons the reply if it was not read to the end. The pending user
// entry is then removed so the history looks as if the turn never happened.
func (r *Reply) Close() {
	if r.done {
		return
	}
	r.done = true
	r.reader.Close()
	s := r.session
	s.mu.Lock()
	s.truncateLocked(r.base)
	s.mu.Unlock()
}
