package llm

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperlens/internal/config"
)

type stubModel struct {
	chunks    []string
	err       error
	lastInput []*schema.Message
	lastOpts  *model.Options
}

func (s *stubModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	s.lastInput = input
	s.lastOpts = model.GetCommonOptions(nil, opts...)
	if s.err != nil {
		return nil, s.err
	}
	content := ""
	for _, c := range s.chunks {
		content += c
	}
	return schema.AssistantMessage(content, nil), nil
}

func (s *stubModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	s.lastInput = input
	s.lastOpts = model.GetCommonOptions(nil, opts...)
	if s.err != nil {
		return nil, s.err
	}
	msgs := make([]*schema.Message, 0, len(s.chunks))
	for _, c := range s.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func TestCompleteStreamSkipsEmptyDeltas(t *testing.T) {
	stub := &stubModel{chunks: []string{"A", "", "B", "C"}}
	client := NewEinoClient("stub", stub, model.WithTemperature(1.0))

	reader, err := client.CompleteStream(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.NoError(t, err)
	defer reader.Close()

	var got []string
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, chunk)
	}
	assert.Equal(t, []string{"A", "B", "C"}, got)
	require.NotNil(t, stub.lastOpts.Temperature)
	assert.InDelta(t, 1.0, *stub.lastOpts.Temperature, 0.0001)
}

func TestCompleteJoinsReply(t *testing.T) {
	stub := &stubModel{chunks: []string{"hello ", "world"}}
	client := NewEinoClient("stub", stub)

	out, err := client.Complete(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
	assert.Len(t, stub.lastInput, 1)
}

func TestProviderFailureIsWrapped(t *testing.T) {
	boom := errors.New("quota exceeded")
	client := NewEinoClient("stub", &stubModel{err: boom})

	_, err := client.CompleteStream(context.Background(), nil)
	var llmErr *Error
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, "stub", llmErr.Provider)
	assert.Equal(t, "stream", llmErr.Op)
	assert.ErrorIs(t, err, boom)

	_, err = client.Complete(context.Background(), nil)
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, "generate", llmErr.Op)
}

func TestStreamReaderEndsWithEOF(t *testing.T) {
	client := NewEinoClient("stub", &stubModel{chunks: []string{"x", "y"}})
	reader, err := client.CompleteStream(context.Background(), nil)
	require.NoError(t, err)
	defer reader.Close()

	var out []string
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		out = append(out, chunk)
	}
	assert.Equal(t, []string{"x", "y"}, out)
}

func TestNewClientRequiresProvider(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Provider = "missing"
	_, err := NewClient(context.Background(), &cfg)
	require.Error(t, err)
}

func TestNewClientOpenAICompatible(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Provider = "siliconflow"
	cfg.LLM.MaxTokens = 512
	cfg.Providers = map[string]config.ProviderConfig{
		"siliconflow": {BaseURL: "https://api.siliconflow.cn/v1", Model: "deepseek-ai/DeepSeek-V3", APIKey: "k"},
	}
	client, err := NewClient(context.Background(), &cfg)
	require.NoError(t, err)
	ec, ok := client.(*einoClient)
	require.True(t, ok)
	assert.Equal(t, "siliconflow", ec.provider)
	assert.Len(t, ec.opts, 2)
}
