// Package bedrock adapts AWS Bedrock's ConverseStream API
// (github.com/aws/aws-sdk-go-v2/service/bedrockruntime) to the llm.Client
// contract, grounded on the teacher's go.mod Bedrock dependency (the
// teacher's features/model directory carries first-class Anthropic,
// OpenAI and Bedrock backends; this adapter fills the third).
package bedrock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/turnloop/turnloop/internal/llm"
)

// Client streams completions through Bedrock's Converse API.
type Client struct {
	api *bedrockruntime.Client
}

// New builds a Client from an already-configured Bedrock runtime client
// (constructed by the caller via aws-sdk-go-v2 config loading).
func New(api *bedrockruntime.Client) *Client {
	return &Client{api: api}
}

func (c *Client) Stream(ctx context.Context, req llm.CompletionRequest) (llm.Stream, error) {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(req.ModelID),
		Messages: toBedrockMessages(req.Messages),
	}
	if req.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.SystemPrompt}}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = &types.ToolConfiguration{Tools: toBedrockTools(req.Tools)}
	}
	out, err := c.api.ConverseStream(ctx, input)
	if err != nil {
		return nil, err
	}
	return &stream{events: out.GetStream()}, nil
}

func toBedrockMessages(msgs []llm.Message) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		var role types.ConversationRole
		switch m.Role {
		case llm.RoleAssistant:
			role = types.ConversationRoleAssistant
		default:
			role = types.ConversationRoleUser
		}
		out = append(out, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}
	return out
}

func toBedrockTools(decls []llm.ToolDeclaration) []types.Tool {
	out := make([]types.Tool, 0, len(decls))
	for _, d := range decls {
		out = append(out, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(d.Name),
				Description: aws.String(d.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: toDocument(d.Schema)},
			},
		})
	}
	return out
}

func toDocument(m map[string]any) smithy.Document {
	return smithydocument{m}
}

// smithydocument adapts a plain map to smithy.Document for Bedrock's
// dynamically-typed tool input schema field.
type smithydocument struct{ v map[string]any }

func (d smithydocument) UnmarshalSmithyDocument(v any) error {
	return nil
}

func (d smithydocument) MarshalSmithyDocument() ([]byte, error) {
	return json.Marshal(d.v)
}

type stream struct {
	events    *bedrockruntime.ConverseStreamEventStream
	mu        sync.Mutex
	toolName  string
	toolID    string
	toolArgs  string
	done      bool
	terminal  llm.StreamEvent
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
	select {
	case ev, ok := <-s.events.Events():
		if !ok {
			if err := s.events.Close(); err != nil {
				s.done = true
				s.terminal = llm.Error{Err: err}
				return s.terminal, nil
			}
			s.done = true
			s.terminal = llm.Completed{}
			return s.terminal, nil
		}
		return s.handle(ctx, ev)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *stream) handle(ctx context.Context, ev types.ConverseStreamOutput) (llm.StreamEvent, error) {
	switch e := ev.(type) {
	case *types.ConverseStreamOutputMemberContentBlockDelta:
		if text, ok := e.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
			return llm.TokenChunk{Text: text.Value}, nil
		}
		if tu, ok := e.Value.Delta.(*types.ContentBlockDeltaMemberToolUse); ok {
			s.toolArgs += aws.ToString(tu.Value.Input)
			return s.next(ctx)
		}
	case *types.ConverseStreamOutputMemberContentBlockStart:
		if tu, ok := e.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
			s.toolName = aws.ToString(tu.Value.Name)
			s.toolID = aws.ToString(tu.Value.ToolUseId)
			s.toolArgs = ""
		}
	case *types.ConverseStreamOutputMemberContentBlockStop:
		if s.toolName != "" {
			name, id, args := s.toolName, s.toolID, s.toolArgs
			s.toolName, s.toolID, s.toolArgs = "", "", ""
			if args == "" {
				args = "{}"
			}
			return llm.ToolCallIntent{ToolCallID: id, Name: name, ArgsJSON: args}, nil
		}
	case *types.ConverseStreamOutputMemberMessageStop:
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

func (s *stream) Close() error { return s.events.Close() }

var _ llm.Client = (*Client)(nil)
