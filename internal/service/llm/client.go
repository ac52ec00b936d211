package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Error wraps any failure reported by the model provider.
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Client is a chat-completion backend.
type Client interface {
	Complete(ctx context.Context, messages []*schema.Message) (string, error)
	CompleteStream(ctx context.Context, messages []*schema.Message) (ChunkReader, error)
}

// ChunkReader yields non-empty text deltas and io.EOF once the reply is finished.
type ChunkReader interface {
	Recv() (string, error)
	Close()
}

type einoClient struct {
	provider string
	model    model.BaseChatModel
	opts     []model.Option
}

// NewEinoClient adapts an eino chat model. opts are applied to every call.
func NewEinoClient(provider string, m model.BaseChatModel, opts ...model.Option) Client {
	return &einoClient{provider: provider, model: m, opts: opts}
}

func (c *einoClient) Complete(ctx context.Context, messages []*schema.Message) (string, error) {
	msg, err := c.model.Generate(ctx, messages, c.opts...)
	if err != nil {
		return "", &Error{Provider: c.provider, Op: "generate", Err: err}
	}
	if msg == nil {
		return "", &Error{Provider: c.provider, Op: "generate", Err: errors.New("empty response")}
	}
	return msg.Content, nil
}

func (c *einoClient) CompleteStream(ctx context.Context, messages []*schema.Message) (ChunkReader, error) {
	sr, err := c.model.Stream(ctx, messages, c.opts...)
	if err != nil {
		return nil, &Error{Provider: c.provider, Op: "stream", Err: err}
	}
	return &streamReader{provider: c.provider, sr: sr}, nil
}

type streamReader struct {
	provider string
	sr       *schema.StreamReader[*schema.Message]
}

func (r *streamReader) Recv() (string, error) {
	for {
		chunk, err := r.sr.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", &Error{Provider: r.provider, Op: "recv", Err: err}
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		return chunk.Content, nil
	}
}

func (r *streamReader) Close() {
	r.sr.Close()
}
