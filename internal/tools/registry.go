// Package tools holds the functions the model may call mid-generation and
// the registry that exposes them to the upstream request.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"go.uber.org/zap"

	"github.com/ineffabledeeps/asym-assistant/internal/logging"
	"github.com/ineffabledeeps/asym-assistant/internal/openrouter"
)

// Result is the outcome of one tool invocation. A failed invocation carries
// Error and is encoded as {"error": "..."} so it can be handed back to the
// model as data.
type Result struct {
	Value any
	Error string
}

func (r Result) Failed() bool {
	return r.Error != ""
}

func (r Result) MarshalJSON() ([]byte, error) {
	if r.Failed() {
		return json.Marshal(map[string]string{"error": r.Error})
	}
	if r.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(r.Value)
}

func errorResult(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

type Tool struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
	Execute     func(ctx context.Context, args json.RawMessage) Result
}

var reflector = &jsonschema.Reflector{
	Anonymous:      true,
	DoNotReference: true,
	ExpandedStruct: true,
}

// NewTool wraps a typed function. The input schema is reflected from In;
// decode failures, returned errors and panics all become error results.
func NewTool[In any, Out any](name, description string, fn func(context.Context, In) (Out, error)) Tool {
	schema := reflector.Reflect(new(In))
	schema.Version = ""

	return Tool{
		Name:        name,
		Description: description,
		Parameters:  schema,
		Execute: func(ctx context.Context, args json.RawMessage) (result Result) {
			defer func() {
				if recovered := recover(); recovered != nil {
					result = errorResult("tool %s failed: %v", name, recovered)
				}
			}()

			var in In
			if trimmed := bytes.TrimSpace(args); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
				if err := json.Unmarshal(trimmed, &in); err != nil {
					return errorResult("invalid arguments for %s: %v", name, err)
				}
			}

			out, err := fn(ctx, in)
			if err != nil {
				return Result{Error: err.Error()}
			}
			return Result{Value: out}
		},
	}
}

type Registry struct {
	logger *zap.Logger

	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger, tools: make(map[string]Tool)}
}

func (r *Registry) Register(tool Tool) error {
	name := strings.TrimSpace(tool.Name)
	if name == "" {
		return errors.New("tool name is required")
	}
	if tool.Execute == nil {
		return fmt.Errorf("tool %s has no function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	tool.Name = name
	r.tools[name] = tool
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definitions describes every registered tool in the upstream request shape.
func (r *Registry) Definitions() []openrouter.ToolDefinition {
	list := r.List()
	defs := make([]openrouter.ToolDefinition, 0, len(list))
	for _, tool := range list {
		defs = append(defs, openrouter.ToolDefinition{
			Type: "function",
			Function: openrouter.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return defs
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute runs the named tool once. It never returns a Go error: unknown
// tools and failures are reported through the Result.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) Result {
	tool, ok := r.Get(name)
	if !ok {
		return errorResult("unknown tool: %s", name)
	}

	defer logging.LogDuration(r.logger, "tool_execute", zap.String("tool", name))()

	result := tool.Execute(ctx, args)
	if result.Failed() {
		r.logger.Warn("tool call failed", zap.String("tool", name), zap.String("error", result.Error))
	}
	return result
}
