package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIProvider implements Provider using the OpenAI Chat Completions API.
// A non-empty baseURL points it at an OpenAI-compatible server (Ollama,
// LM Studio, vLLM); displayName labels it accordingly.
type OpenAIProvider struct {
	client      openai.Client
	model       string
	displayName string
}

func NewOpenAIProvider(apiKey, model string) (*OpenAIProvider, error) {
	return NewOpenAICompatProvider(apiKey, model, "", "OpenAI")
}

func NewOpenAICompatProvider(apiKey, model, baseURL, displayName string) (*OpenAIProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" && baseURL == "" {
		return nil, fmt.Errorf("openai: no API key (set OPENAI_API_KEY or openai.api_key)")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(baseURL, "/")+"/"))
	}
	if displayName == "" {
		displayName = "OpenAI"
	}
	return &OpenAIProvider{
		client:      openai.NewClient(opts...),
		model:       model,
		displayName: displayName,
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return fmt.Sprintf("%s (%s)", p.displayName, p.model)
}

func (p *OpenAIProvider) Capabilities() Capabilities {
	return Capabilities{ToolCalls: true}
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		messages := buildOpenAIMessages(req.Messages)
		if len(messages) == 0 {
			return fmt.Errorf("no messages provided")
		}

		params := openai.ChatCompletionNewParams{
			Model:    shared.ChatModel(chooseModel(req.Model, p.model)),
			Messages: messages,
			StreamOptions: openai.ChatCompletionStreamOptionsParam{
				IncludeUsage: openai.Bool(true),
			},
		}
		if req.Temperature > 0 {
			params.Temperature = openai.Float(float64(req.Temperature))
		}
		if req.MaxOutputTokens > 0 {
			params.MaxCompletionTokens = openai.Int(int64(req.MaxOutputTokens))
		}
		if len(req.Tools) > 0 {
			params.Tools = buildOpenAITools(req.Tools)
		}

		toolState := newStreamedToolCalls()
		var lastUsage *Usage

		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.CompletionTokens > 0 || chunk.Usage.PromptTokens > 0 {
				lastUsage = &Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				}
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					if !emit(ctx, events, Event{Type: EventTextDelta, Text: choice.Delta.Content}) {
						return ctx.Err()
					}
				}
				for _, tc := range choice.Delta.ToolCalls {
					toolState.Add(int(tc.Index), tc.ID, tc.Function.Name, tc.Function.Arguments)
				}
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("openai streaming error: %w", err)
		}

		for _, call := range toolState.Calls() {
			if !emit(ctx, events, Event{Type: EventToolCall, Tool: &call}) {
				return ctx.Err()
			}
		}
		if lastUsage != nil {
			emit(ctx, events, Event{Type: EventUsage, Use: lastUsage})
		}
		emit(ctx, events, Event{Type: EventDone, Reason: FinishStop})
		return nil
	}), nil
}

func buildOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if text := collectTextParts(msg.Parts); text != "" {
				out = append(out, openai.SystemMessage(text))
			}
		case RoleUser:
			if text := collectTextParts(msg.Parts); text != "" {
				out = append(out, openai.UserMessage(text))
			}
		case RoleAssistant:
			out = append(out, buildOpenAIAssistantMessages(msg.Parts)...)
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Type != PartToolResult || part.ToolResult == nil {
					continue
				}
				out = append(out, openai.ToolMessage(part.ToolResult.Content, part.ToolResult.ID))
			}
		}
	}
	return out
}

func buildOpenAIAssistantMessages(parts []Part) []openai.ChatCompletionMessageParamUnion {
	var text strings.Builder
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for _, part := range parts {
		switch part.Type {
		case PartText:
			text.WriteString(part.Text)
		case PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			args := string(part.ToolCall.Arguments)
			if !json.Valid([]byte(args)) {
				args = "{}"
			}
			toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
				ID: part.ToolCall.ID,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      part.ToolCall.Name,
					Arguments: args,
				},
			})
		}
	}

	content := text.String()
	if len(toolCalls) == 0 {
		if content == "" {
			return nil
		}
		return []openai.ChatCompletionMessageParamUnion{openai.AssistantMessage(content)}
	}

	assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
	if content != "" {
		assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(content)}
	}
	return []openai.ChatCompletionMessageParamUnion{{OfAssistant: &assistant}}
}

func buildOpenAITools(specs []ToolSpec) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		fn := shared.FunctionDefinitionParam{Name: spec.Name}
		if spec.Description != "" {
			fn.Description = openai.String(spec.Description)
		}
		if schema := normalizeSchemaForOpenAI(spec.Schema); len(schema) > 0 {
			fn.Parameters = shared.FunctionParameters(schema)
		}
		tools = append(tools, openai.ChatCompletionToolParam{Function: fn})
	}
	return tools
}

// streamedToolCalls reassembles tool calls from chat completion chunks. The
// API fragments each call across deltas keyed by choice index; arguments
// arrive as concatenated JSON pieces.
type streamedToolCalls struct {
	byIndex map[int]*toolCallState
	order   []int
}

type toolCallState struct {
	id   string
	name string
	args strings.Builder
}

func newStreamedToolCalls() *streamedToolCalls {
	return &streamedToolCalls{byIndex: make(map[int]*toolCallState)}
}

func (s *streamedToolCalls) Add(index int, id, name, args string) {
	state, ok := s.byIndex[index]
	if !ok {
		state = &toolCallState{}
		s.byIndex[index] = state
		s.order = append(s.order, index)
	}
	if id != "" {
		state.id = id
	}
	if name != "" {
		state.name = name
	}
	if args != "" {
		state.args.WriteString(args)
	}
}

func (s *streamedToolCalls) Calls() []ToolCall {
	if len(s.order) == 0 {
		return nil
	}
	sort.Ints(s.order)
	calls := make([]ToolCall, 0, len(s.order))
	for _, idx := range s.order {
		state := s.byIndex[idx]
		if state == nil {
			continue
		}
		calls = append(calls, ToolCall{
			ID:        state.id,
			Name:      state.name,
			Arguments: json.RawMessage(state.args.String()),
		})
	}
	return calls
}

// normalizeSchemaForOpenAI rewrites a tool schema to satisfy the strict
// requirements of the Chat Completions API: every property key listed in
// required, additionalProperties false, unsupported format values removed.
// The input map is never mutated.
func normalizeSchemaForOpenAI(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	return normalizeSchemaRecursive(deepCopyMap(schema))
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			result[k] = deepCopyMap(val)
		case []any:
			result[k] = deepCopySlice(val)
		default:
			result[k] = v
		}
	}
	return result
}

func deepCopySlice(s []any) []any {
	if s == nil {
		return nil
	}
	result := make([]any, len(s))
	for i, v := range s {
		switch val := v.(type) {
		case map[string]any:
			result[i] = deepCopyMap(val)
		case []any:
			result[i] = deepCopySlice(val)
		default:
			result[i] = v
		}
	}
	return result
}

func normalizeSchemaRecursive(schema map[string]any) map[string]any {
	if format, ok := schema["format"].(string); ok {
		switch format {
		case "date-time", "date", "time", "email":
		default:
			delete(schema, "format")
		}
	}

	if props, ok := schema["properties"].(map[string]any); ok && len(props) > 0 {
		for key, val := range props {
			if propSchema, ok := val.(map[string]any); ok {
				props[key] = normalizeSchemaRecursive(propSchema)
			}
		}
		required := make([]string, 0, len(props))
		for key := range props {
			required = append(required, key)
		}
		sort.Strings(required)
		schema["required"] = required
	}

	if items, ok := schema["items"].(map[string]any); ok {
		schema["items"] = normalizeSchemaRecursive(items)
	}

	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if arr, ok := schema[key].([]any); ok {
			for i, item := range arr {
				if itemSchema, ok := item.(map[string]any); ok {
					arr[i] = normalizeSchemaRecursive(itemSchema)
				}
			}
		}
	}

	// A schema-valued additionalProperties is a legitimate free-form map
	// type and must be preserved.
	if schema["type"] == "object" || schema["properties"] != nil {
		if _, isSchemaMap := schema["additionalProperties"].(map[string]any); !isSchemaMap {
			schema["additionalProperties"] = false
		}
	}

	return schema
}
