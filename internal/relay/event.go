package relay

import (
	"encoding/json"
	"fmt"

	"github.com/ineffabledeeps/asym-assistant/internal/openrouter"
	"github.com/ineffabledeeps/asym-assistant/internal/tools"
)

type Kind string

const (
	KindTextDelta  Kind = "text-delta"
	KindToolCall   Kind = "tool-call"
	KindToolResult Kind = "tool-result"
	KindDone       Kind = "done"
	KindError      Kind = "error"
)

// Event is one increment of a relayed stream. Which fields are meaningful
// depends on Kind.
type Event struct {
	Kind       Kind
	Delta      string
	Usage      openrouter.Usage
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
	Result     tools.Result
	Message    string
}

type textDeltaFrame struct {
	Type  Kind             `json:"type"`
	Delta string           `json:"delta"`
	Usage openrouter.Usage `json:"usage"`
}

type toolCallFrame struct {
	Type       Kind            `json:"type"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
}

type toolResultFrame struct {
	Type       Kind         `json:"type"`
	ToolCallID string       `json:"toolCallId"`
	ToolName   string       `json:"toolName"`
	Result     tools.Result `json:"result"`
}

type doneFrame struct {
	Type  Kind             `json:"type"`
	Usage openrouter.Usage `json:"usage"`
}

type errorFrame struct {
	Type  Kind   `json:"type"`
	Error string `json:"error"`
}

// MarshalJSON encodes the event as the payload of one stream frame.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindTextDelta:
		return json.Marshal(textDeltaFrame{Type: e.Kind, Delta: e.Delta, Usage: e.Usage})
	case KindToolCall:
		return json.Marshal(toolCallFrame{Type: e.Kind, ToolCallID: e.ToolCallID, ToolName: e.ToolName, Args: validArgs(e.Args)})
	case KindToolResult:
		return json.Marshal(toolResultFrame{Type: e.Kind, ToolCallID: e.ToolCallID, ToolName: e.ToolName, Result: e.Result})
	case KindDone:
		return json.Marshal(doneFrame{Type: e.Kind, Usage: e.Usage})
	case KindError:
		return json.Marshal(errorFrame{Type: e.Kind, Error: e.Message})
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
}

// Models occasionally emit malformed argument JSON; it is forwarded as a
// string instead of breaking the frame.
func validArgs(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("{}")
	}
	if json.Valid(args) {
		return args
	}
	quoted, _ := json.Marshal(string(args))
	return quoted
}
