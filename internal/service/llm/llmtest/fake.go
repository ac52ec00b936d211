// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"

	"paperlens/internal/service/llm"
)

// Fake replays Chunks on every call and records the prompts it saw.
type Fake struct {
	Chunks []string
	// Err fails the call before any chunk is produced.
	Err error
	// FailAfter, when positive, fails Recv with FailErr after that many chunks.
	FailAfter int
	FailErr   error
	// Delay is slept before each chunk, honouring ctx.
	Delay time.Duration

	mu    sync.Mutex
	calls [][]*schema.Message
}

// Calls returns a copy of every message list passed to the fake.
func (f *Fake) Calls() [][]*schema.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]*schema.Message, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake) record(messages []*schema.Message) {
	snapshot := make([]*schema.Message, len(messages))
	for i, m := range messages {
		cp := *m
		snapshot[i] = &cp
	}
	f.mu.Lock()
	f.calls = append(f.calls, snapshot)
	f.mu.Unlock()
}

func (f *Fake) Complete(ctx context.Context, messages []*schema.Message) (string, error) {
	f.record(messages)
	if f.Err != nil {
		return "", &llm.Error{Provider: "fake", Op: "generate", Err: f.Err}
	}
	return strings.Join(f.Chunks, ""), nil
}

func (f *Fake) CompleteStream(ctx context.Context, messages []*schema.Message) (llm.ChunkReader, error) {
	f.record(messages)
	if f.Err != nil {
		return nil, &llm.Error{Provider: "fake", Op: "stream", Err: f.Err}
	}
	return &reader{ctx: ctx, fake: f}, nil
}

type reader struct {
	ctx    context.Context
	fake   *Fake
	pos    int
	closed bool
}

func (r *reader) Recv() (string, error) {
	if r.closed {
		return "", io.ErrClosedPipe
	}
	if r.fake.FailAfter > 0 && r.pos >= r.fake.FailAfter {
		return "", &llm.Error{Provider: "fake", Op: "recv", Err: r.fake.FailErr}
	}
	if r.pos >= len(r.fake.Chunks) {
		return "", io.EOF
	}
	if r.fake.Delay > 0 {
		select {
		case <-time.After(r.fake.Delay):
		case <-r.ctx.Done():
			return "", r.ctx.Err()
		}
	}
	chunk := r.fake.Chunks[r.pos]
	r.pos++
	return chunk, nil
}

func (r *reader) Close() {
	r.closed = true
}
