// Package openai adapts github.com/openai/openai-go's streaming chat
// completions API to the llm.Client contract, grounded on the teacher's
// features/model/openai package.
package openai

import (
	"context"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/turnloop/turnloop/internal/llm"
)

// Client streams completions through the OpenAI chat completions API.
type Client struct {
	api openai.Client
}

// New builds a Client using apiKey for auth.
func New(apiKey string) *Client {
	return &Client{api: openai.NewClient(option.WithAPIKey(apiKey))}
}

func (c *Client) Stream(ctx context.Context, req llm.CompletionRequest) (llm.Stream, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.ModelID),
		Messages: toOpenAIMessages(req),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(t.Schema),
			},
		})
	}
	sdkStream := c.api.Chat.Completions.NewStreaming(ctx, params)
	return &stream{sdkStream: sdkStream}, nil
}

func toOpenAIMessages(req llm.CompletionRequest) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case llm.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		case llm.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

type stream struct {
	sdkStream *ssestream.Stream[openai.ChatCompletionChunk]
	acc       openai.ChatCompletionAccumulator
	mu        sync.Mutex
	done      bool
	terminal  llm.StreamEvent
	pendingTC []llm.StreamEvent
}

func (s *stream) Next(ctx context.Context) (llm.StreamEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next(ctx)
}

// next is Next's body; the caller holds s.mu.
func (s *stream) next(ctx context.Context) (llm.StreamEvent, error) {
	if len(s.pendingTC) > 0 {
		ev := s.pendingTC[0]
		s.pendingTC = s.pendingTC[1:]
		return ev, nil
	}
	if s.done {
		return s.terminal, nil
	}
	if !s.sdkStream.Next() {
		if err := s.sdkStream.Err(); err != nil {
			s.done = true
			s.terminal = llm.Error{Err: err}
			return s.terminal, nil
		}
		s.done = true
		s.terminal = llm.Completed{}
		return s.terminal, nil
	}
	chunk := s.sdkStream.Current()
	s.acc.AddChunk(chunk)
	if len(chunk.Choices) == 0 {
		return s.next(ctx)
	}
	delta := chunk.Choices[0].Delta
	if delta.Content != "" {
		return llm.TokenChunk{Text: delta.Content}, nil
	}
	for _, tc := range delta.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		s.pendingTC = append(s.pendingTC, llm.ToolCallIntent{
			ToolCallID: tc.ID,
			Name:       tc.Function.Name,
			ArgsJSON:   tc.Function.Arguments,
		})
	}
	if len(s.pendingTC) > 0 {
		ev := s.pendingTC[0]
		s.pendingTC = s.pendingTC[1:]
		return ev, nil
	}
	return s.next(ctx)
}

func (s *stream) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		s.terminal = llm.Error{Err: llm.ErrCanceled}
	}
}

func (s *stream) Close() error { return s.sdkStream.Close() }

var _ llm.Client = (*Client)(nil)
