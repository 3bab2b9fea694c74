// Package anthropic adapts github.com/anthropics/anthropic-sdk-go's
// streaming Messages API to the llm.Client contract, grounded on the
// teacher's features/model/anthropic package.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/turnloop/turnloop/internal/llm"
)

// Client streams completions through the Anthropic Messages API.
type Client struct {
	api anthropic.Client
}

// New builds a Client using apiKey for auth.
func New(apiKey string) *Client {
	return &Client{api: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

func (c *Client) Stream(ctx context.Context, req llm.CompletionRequest) (llm.Stream, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.ModelID),
		MaxTokens: int64(orDefault(req.MaxTokens, 4096)),
		Messages:  toAnthropicMessages(req.Messages),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: toInputSchema(t.Schema),
			},
		})
	}

	sdkStream := c.api.Messages.NewStreaming(ctx, params)
	s := &stream{sdkStream: sdkStream, ctx: ctx}
	return s, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func toAnthropicMessages(msgs []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleUser, llm.RoleTool:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case llm.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}

func toInputSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	props, _ := schema["properties"].(map[string]any)
	var required []string
	if r, ok := schema["required"].([]any); ok {
		for _, v := range r {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	return anthropic.ToolInputSchemaParam{Properties: props, Required: required}
}

type stream struct {
	sdkStream *anthropic.MessageStream
	ctx       context.Context
	mu        sync.Mutex
	done      bool
	terminal  llm.StreamEvent
	toolName  string
	toolID    string
	toolArgs  string
}

func (s *stream) Next(ctx context.Context) (llm.StreamEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next(ctx)
}

// next is Next's body; the caller holds s.mu.
func (s *stream) next(ctx context.Context) (llm.StreamEvent, error) {
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
	event := s.sdkStream.Current()
	switch e := event.AsAny().(type) {
	case anthropic.ContentBlockDeltaEvent:
		if text := e.Delta.Text; text != "" {
			return llm.TokenChunk{Text: text}, nil
		}
		if e.Delta.PartialJSON != "" {
			s.toolArgs += e.Delta.PartialJSON
			return s.next(ctx)
		}
	case anthropic.ContentBlockStartEvent:
		if e.ContentBlock.Type == "tool_use" {
			s.toolName = e.ContentBlock.Name
			s.toolID = e.ContentBlock.ID
			s.toolArgs = ""
		}
	case anthropic.ContentBlockStopEvent:
		if s.toolName != "" {
			name, id, args := s.toolName, s.toolID, s.toolArgs
			s.toolName, s.toolID, s.toolArgs = "", "", ""
			if args == "" {
				args = "{}"
			}
			var js json.RawMessage
			if json.Valid([]byte(args)) {
				js = json.RawMessage(args)
			} else {
				js = json.RawMessage("{}")
			}
			return llm.ToolCallIntent{ToolCallID: id, Name: name, ArgsJSON: string(js)}, nil
		}
	case anthropic.MessageStopEvent:
		return s.next(ctx)
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

func (s *stream) Close() error {
	return s.sdkStream.Close()
}

var _ llm.Client = (*Client)(nil)

var errUnsupportedRole = errors.New("anthropic: unsupported message role")
