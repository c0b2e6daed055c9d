// Package relay turns one upstream generation, including any tool round
// trips the model asks for, into an ordered stream of events.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ineffabledeeps/asym-assistant/internal/openrouter"
	"github.com/ineffabledeeps/asym-assistant/internal/tools"
)

const (
	DefaultMaxSteps = 5

	// Sent to the client in place of upstream error details.
	GenerationFailedMessage = "Generation failed"

	DefaultSystemPrompt = "You are a helpful assistant. When the user asks about current weather, " +
		"upcoming motorsport races or stock prices, call the matching tool and answer from its result. " +
		"If a tool returns an error, tell the user briefly and continue without it."
)

// Generator streams one completion step. openrouter.Client satisfies it.
type Generator interface {
	StreamChatCompletion(
		ctx context.Context,
		req openrouter.StreamRequest,
		onDelta func(string) error,
		onUsage func(openrouter.Usage) error,
	) (openrouter.StreamResult, error)
}

// ToolRunner exposes tools to the model and executes the calls it makes.
// tools.Registry satisfies it.
type ToolRunner interface {
	Definitions() []openrouter.ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) tools.Result
}

type Config struct {
	Model        string
	MaxSteps     int
	SystemPrompt string
}

type Relay struct {
	generator Generator
	tools     ToolRunner
	cfg       Config
	logger    *zap.Logger
}

// Summary describes a finished stream.
type Summary struct {
	Text        string
	Usage       openrouter.Usage
	Steps       int
	ToolCalls   int
	Invocations []ToolInvocation
	Truncated   bool
}

// ToolInvocation is one executed tool call with the result handed back to
// the model.
type ToolInvocation struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
	Result     tools.Result    `json:"result"`
}

func New(generator Generator, runner ToolRunner, cfg Config, logger *zap.Logger) Relay {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return Relay{generator: generator, tools: runner, cfg: cfg, logger: logger}
}

// Run streams a reply to messages into sink. Generation runs in its own
// goroutine and hands events over an unbuffered channel to a writer
// goroutine, so at most one event is in flight. If sink fails or ctx is
// cancelled, generation is cancelled and both goroutines exit before Run
// returns.
//
// On success the last event is exactly one done. On upstream failure an
// error event is sent instead and the upstream error is returned.
func (r Relay) Run(ctx context.Context, model string, messages []openrouter.Message, sink Sink) (Summary, error) {
	group, groupCtx := errgroup.WithContext(ctx)
	events := make(chan Event)

	var summary Summary
	group.Go(func() error {
		defer close(events)
		var err error
		summary, err = r.generate(groupCtx, model, messages, events)
		return err
	})
	group.Go(func() error {
		for event := range events {
			if err := sink.Send(event); err != nil {
				return err
			}
		}
		return nil
	})

	err := group.Wait()
	return summary, err
}

func (r Relay) generate(ctx context.Context, model string, input []openrouter.Message, events chan<- Event) (Summary, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		model = r.cfg.Model
	}

	messages := make([]openrouter.Message, 0, len(input)+1)
	if prompt := strings.TrimSpace(r.cfg.SystemPrompt); prompt != "" {
		messages = append(messages, openrouter.Message{Role: openrouter.RoleSystem, Content: prompt})
	}
	messages = append(messages, input...)

	var definitions []openrouter.ToolDefinition
	if r.tools != nil {
		definitions = r.tools.Definitions()
	}

	var summary Summary
	var text strings.Builder
	var total openrouter.Usage

	for step := 0; step < r.cfg.MaxSteps; step++ {
		summary.Steps = step + 1

		var stepText strings.Builder
		var stepUsage openrouter.Usage
		result, err := r.generator.StreamChatCompletion(ctx, openrouter.StreamRequest{
			Model:    model,
			Messages: messages,
			Tools:    definitions,
		}, func(delta string) error {
			text.WriteString(delta)
			stepText.WriteString(delta)
			return send(ctx, events, Event{Kind: KindTextDelta, Delta: delta, Usage: total.Add(stepUsage)})
		}, func(usage openrouter.Usage) error {
			stepUsage = usage
			return nil
		})
		if err != nil {
			summary.Text = text.String()
			summary.Usage = total.Add(stepUsage)
			return summary, r.fail(ctx, events, step, err)
		}

		total = total.Add(result.Usage)
		if len(result.ToolCalls) == 0 {
			break
		}
		if step+1 == r.cfg.MaxSteps {
			summary.Truncated = true
			r.logger.Warn("tool step limit reached",
				zap.Int("max_steps", r.cfg.MaxSteps),
				zap.Int("pending_tool_calls", len(result.ToolCalls)),
			)
			break
		}

		messages = append(messages, openrouter.Message{
			Role:      openrouter.RoleAssistant,
			Content:   stepText.String(),
			ToolCalls: result.ToolCalls,
		})
		for _, call := range result.ToolCalls {
			toolMessage, invocation, err := r.callTool(ctx, call, events)
			if err != nil {
				return summary, err
			}
			summary.ToolCalls++
			summary.Invocations = append(summary.Invocations, invocation)
			messages = append(messages, toolMessage)
		}
	}

	summary.Text = text.String()
	summary.Usage = total
	if err := send(ctx, events, Event{Kind: KindDone, Usage: total}); err != nil {
		return summary, err
	}
	return summary, nil
}

func (r Relay) callTool(ctx context.Context, call openrouter.ToolCall, events chan<- Event) (openrouter.Message, ToolInvocation, error) {
	args := json.RawMessage(call.Function.Arguments)
	if err := send(ctx, events, Event{
		Kind:       KindToolCall,
		ToolCallID: call.ID,
		ToolName:   call.Function.Name,
		Args:       args,
	}); err != nil {
		return openrouter.Message{}, ToolInvocation{}, err
	}

	var result tools.Result
	if r.tools == nil {
		result = tools.Result{Error: fmt.Sprintf("unknown tool: %s", call.Function.Name)}
	} else {
		result = r.tools.Execute(ctx, call.Function.Name, args)
	}

	if err := send(ctx, events, Event{
		Kind:       KindToolResult,
		ToolCallID: call.ID,
		ToolName:   call.Function.Name,
		Result:     result,
	}); err != nil {
		return openrouter.Message{}, ToolInvocation{}, err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		payload, _ = json.Marshal(tools.Result{Error: "tool result could not be encoded"})
	}
	invocation := ToolInvocation{
		ToolCallID: call.ID,
		ToolName:   call.Function.Name,
		Args:       validArgs(args),
		Result:     result,
	}
	return openrouter.Message{
		Role:       openrouter.RoleTool,
		Content:    string(payload),
		ToolCallID: call.ID,
	}, invocation, nil
}

func (r Relay) fail(ctx context.Context, events chan<- Event, step int, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	fields := []zap.Field{zap.Int("step", step), zap.Error(err)}
	var statusErr openrouter.StatusError
	if errors.As(err, &statusErr) {
		fields = append(fields, zap.Int("upstream_status", statusErr.StatusCode))
	}
	r.logger.Error("generation failed", fields...)

	_ = send(ctx, events, Event{Kind: KindError, Message: GenerationFailedMessage})
	return fmt.Errorf("generate step %d: %w", step+1, err)
}

func send(ctx context.Context, events chan<- Event, event Event) error {
	select {
	case events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
