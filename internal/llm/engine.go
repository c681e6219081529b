package llm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const defaultMaxSteps = 20

func maxSteps(req Request) int {
	if req.MaxSteps > 0 {
		return req.MaxSteps
	}
	return defaultMaxSteps
}

// loopState is the explicit state of the tool-use loop. Keeping it tagged
// (rather than implicit in control flow) makes truncation and cancellation
// observable in tests.
type loopState string

const (
	stateAwaitingModel loopState = "awaiting-model"
	stateInvokingTools loopState = "invoking-tools"
	stateDone          loopState = "done"
	stateTruncated     loopState = "truncated"
	stateErrored       loopState = "errored"
)

// StepCallback is called after each loop step with the messages generated
// during that step (assistant message plus any tool results). Used for
// incremental accumulation of the turn for persistence.
type StepCallback func(step int, messages []Message)

// Engine orchestrates provider calls and external tool execution.
type Engine struct {
	provider Provider
	tools    *ToolRegistry
	logger   *slog.Logger

	// paceInterval > 0 enables line-chunked output pacing on the stream.
	paceInterval time.Duration

	onStep  StepCallback
	stepMu  sync.RWMutex
	state   loopState
	stateMu sync.RWMutex
}

func NewEngine(provider Provider, tools *ToolRegistry, logger *slog.Logger) *Engine {
	if tools == nil {
		tools = NewToolRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		provider: provider,
		tools:    tools,
		logger:   logger.With("component", "engine"),
		state:    stateAwaitingModel,
	}
}

// SetPacing configures the inter-chunk delay for output pacing.
// Zero disables pacing.
func (e *Engine) SetPacing(interval time.Duration) {
	e.paceInterval = interval
}

// SetStepCallback sets the callback invoked after each completed step.
func (e *Engine) SetStepCallback(cb StepCallback) {
	e.stepMu.Lock()
	e.onStep = cb
	e.stepMu.Unlock()
}

func (e *Engine) stepCallback() StepCallback {
	e.stepMu.RLock()
	defer e.stepMu.RUnlock()
	return e.onStep
}

// State reports the loop's current tagged state.
func (e *Engine) State() loopState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

func (e *Engine) setState(s loopState) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

// Tools returns the engine's tool registry.
func (e *Engine) Tools() *ToolRegistry {
	return e.tools
}

// Stream runs the request, driving the tool-use loop when the request has
// tools and the provider supports them, and returns the event stream.
func (e *Engine) Stream(ctx context.Context, req Request) (Stream, error) {
	useLoop := len(req.Tools) > 0 && e.provider.Capabilities().ToolCalls

	var stream Stream
	if useLoop {
		stream = newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
			return e.runLoop(ctx, req, events)
		})
	} else {
		inner, err := e.provider.Stream(ctx, req)
		if err != nil {
			return nil, err
		}
		stream = e.wrapSimple(ctx, inner)
	}

	return wrapPacing(ctx, stream, e.paceInterval), nil
}

// wrapSimple accumulates the text of a plain (no tools) stream and fires the
// step callback once on completion so the turn is still persisted.
func (e *Engine) wrapSimple(ctx context.Context, inner Stream) Stream {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		var text strings.Builder
		for {
			event, err := inner.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				inner.Close()
				e.setState(stateErrored)
				return err
			}
			if event.Type == EventError && event.Err != nil {
				inner.Close()
				e.setState(stateErrored)
				return event.Err
			}
			if event.Type == EventTextDelta {
				text.WriteString(event.Text)
			}
			if event.Type == EventDone {
				continue
			}
			if !emit(ctx, events, event) {
				inner.Close()
				return ctx.Err()
			}
		}
		inner.Close()
		if cb := e.stepCallback(); cb != nil && text.Len() > 0 {
			cb(0, []Message{AssistantText(text.String())})
		}
		e.setState(stateDone)
		emit(ctx, events, Event{Type: EventDone, Reason: FinishStop})
		return nil
	})
}

func (e *Engine) runLoop(ctx context.Context, req Request, events chan<- Event) error {
	steps := maxSteps(req)
	callback := e.stepCallback()

	// Counts id-less tool calls across the whole request so synthesized ids
	// never collide between steps.
	synthesized := 0

	for step := 0; step < steps; step++ {
		e.setState(stateAwaitingModel)

		stream, err := e.provider.Stream(ctx, req)
		if err != nil {
			e.setState(stateErrored)
			return err
		}

		var toolCalls []ToolCall
		var text strings.Builder
		for {
			event, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				stream.Close()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.setState(stateErrored)
				e.logger.Error("model stream failed", "step", step, "error", err)
				return err
			}
			if event.Type == EventError && event.Err != nil {
				stream.Close()
				e.setState(stateErrored)
				e.logger.Error("model stream failed", "step", step, "error", event.Err)
				return event.Err
			}
			switch event.Type {
			case EventTextDelta:
				text.WriteString(event.Text)
				if !emit(ctx, events, event) {
					stream.Close()
					return ctx.Err()
				}
			case EventToolCall:
				if event.Tool != nil {
					toolCalls = append(toolCalls, *event.Tool)
				}
			case EventDone:
				// Terminal marker of one provider call, not of the loop.
			default:
				if !emit(ctx, events, event) {
					stream.Close()
					return ctx.Err()
				}
			}
		}
		stream.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if len(toolCalls) == 0 {
			if callback != nil && text.Len() > 0 {
				callback(step, []Message{AssistantText(text.String())})
			}
			e.setState(stateDone)
			emit(ctx, events, Event{Type: EventDone, Reason: FinishStop})
			return nil
		}

		toolCalls = ensureToolCallIDs(toolCalls, &synthesized)

		// Step ceiling reached with the model still asking for tools:
		// graceful truncation. Whatever was streamed stands. The unexecuted
		// tool calls are withheld from the callback: a stored tool call with
		// no matching result cannot be replayed to any provider.
		if step == steps-1 {
			if callback != nil && text.Len() > 0 {
				callback(step, []Message{AssistantText(text.String())})
			}
			e.setState(stateTruncated)
			e.logger.Warn("tool-use loop truncated", "maxSteps", steps)
			emit(ctx, events, Event{Type: EventDone, Reason: FinishMaxSteps})
			return nil
		}

		e.setState(stateInvokingTools)
		for _, call := range toolCalls {
			if !emit(ctx, events, Event{Type: EventToolExecStart, ToolCallID: call.ID, ToolName: call.Name}) {
				return ctx.Err()
			}
		}

		results := e.executeToolCalls(ctx, toolCalls, events)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		assistantMsg := buildAssistantMessage(text.String(), toolCalls)
		req.Messages = append(req.Messages, assistantMsg)
		req.Messages = append(req.Messages, results...)

		if callback != nil {
			stepMessages := append([]Message{assistantMsg}, results...)
			callback(step, stepMessages)
		}
	}

	e.setState(stateTruncated)
	emit(ctx, events, Event{Type: EventDone, Reason: FinishMaxSteps})
	return nil
}

// buildAssistantMessage creates an assistant message with text and tool calls.
func buildAssistantMessage(text string, toolCalls []ToolCall) Message {
	var parts []Part
	if text != "" {
		parts = append(parts, Part{Type: PartText, Text: text})
	}
	for i := range toolCalls {
		call := toolCalls[i]
		parts = append(parts, Part{Type: PartToolCall, ToolCall: &call})
	}
	return Message{Role: RoleAssistant, Parts: parts}
}

// executeToolCalls executes the step's tool calls, in parallel when there is
// more than one. Results are returned in request order regardless of
// completion order: the model asked for them in that order and history must
// replay the same way.
func (e *Engine) executeToolCalls(ctx context.Context, calls []ToolCall, events chan<- Event) []Message {
	if len(calls) == 1 {
		return []Message{e.executeSingleToolCall(ctx, calls[0], events)}
	}

	results := make([]Message, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c ToolCall) {
			defer wg.Done()
			results[idx] = e.executeSingleToolCall(ctx, c, events)
		}(i, call)
	}
	wg.Wait()
	return results
}

// executeSingleToolCall executes one tool call and returns its result
// message. Tool failures never abort the loop; they are reported back to the
// model as error results.
func (e *Engine) executeSingleToolCall(ctx context.Context, call ToolCall, events chan<- Event) Message {
	tool, ok := e.tools.Get(call.Name)
	if !ok {
		errMsg := fmt.Sprintf("tool not registered: %s", call.Name)
		emit(ctx, events, Event{Type: EventToolExecEnd, ToolCallID: call.ID, ToolName: call.Name, ToolSuccess: false, ToolOutput: errMsg})
		return ToolErrorMessage(call.ID, call.Name, errMsg)
	}

	output, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		errMsg := fmt.Sprintf("Error: %v", err)
		e.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		emit(ctx, events, Event{Type: EventToolExecEnd, ToolCallID: call.ID, ToolName: call.Name, ToolSuccess: false, ToolOutput: errMsg})
		return ToolErrorMessage(call.ID, call.Name, errMsg)
	}

	emit(ctx, events, Event{Type: EventToolExecEnd, ToolCallID: call.ID, ToolName: call.Name, ToolSuccess: true, ToolOutput: output})
	return ToolResultMessage(call.ID, call.Name, output)
}

func ensureToolCallIDs(calls []ToolCall, next *int) []ToolCall {
	for i := range calls {
		if strings.TrimSpace(calls[i].ID) == "" {
			*next++
			calls[i].ID = fmt.Sprintf("toolcall-%d", *next)
		}
	}
	return calls
}
