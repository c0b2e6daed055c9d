package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoInput struct {
	Text  string `json:"text" jsonschema_description:"Text to echo"`
	Times int    `json:"times,omitempty"`
}

type echoOutput struct {
	Echo string `json:"echo"`
}

func echoTool() Tool {
	return NewTool("echo", "Echo text back.", func(_ context.Context, in echoInput) (echoOutput, error) {
		switch in.Text {
		case "fail":
			return echoOutput{}, errors.New("echo failed")
		case "panic":
			panic("boom")
		}
		return echoOutput{Echo: in.Text}, nil
	})
}

func TestNewToolReflectsInputSchema(t *testing.T) {
	tool := echoTool()

	raw, err := json.Marshal(tool.Parameters)
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.NotContains(t, schema, "$schema")
	assert.Equal(t, []any{"text"}, schema["required"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "text")
	assert.Contains(t, props, "times")
	text := props["text"].(map[string]any)
	assert.Equal(t, "string", text["type"])
	assert.Equal(t, "Text to echo", text["description"])
}

func TestNewToolExecute(t *testing.T) {
	tool := echoTool()
	ctx := context.Background()

	ok := tool.Execute(ctx, json.RawMessage(`{"text":"hi"}`))
	require.False(t, ok.Failed())
	assert.Equal(t, echoOutput{Echo: "hi"}, ok.Value)

	failed := tool.Execute(ctx, json.RawMessage(`{"text":"fail"}`))
	require.True(t, failed.Failed())
	assert.Equal(t, "echo failed", failed.Error)

	panicked := tool.Execute(ctx, json.RawMessage(`{"text":"panic"}`))
	require.True(t, panicked.Failed())
	assert.Contains(t, panicked.Error, "boom")

	invalid := tool.Execute(ctx, json.RawMessage(`{"text":`))
	require.True(t, invalid.Failed())
	assert.Contains(t, invalid.Error, "invalid arguments for echo")

	empty := tool.Execute(ctx, nil)
	require.False(t, empty.Failed())
	assert.Equal(t, echoOutput{}, empty.Value)
}

func TestResultMarshalJSON(t *testing.T) {
	raw, err := json.Marshal(Result{Error: "no such city"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"no such city"}`, string(raw))

	raw, err = json.Marshal(Result{Value: echoOutput{Echo: "x"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"x"}`, string(raw))

	raw, err = json.Marshal(Result{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	registry := NewRegistry(nil)
	require.NoError(t, registry.Register(echoTool()))
	require.NoError(t, registry.Register(NewTool("alpha", "first", func(context.Context, struct{}) (string, error) {
		return "a", nil
	})))

	err := registry.Register(echoTool())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	require.Error(t, registry.Register(Tool{Name: "  "}))
	require.Error(t, registry.Register(Tool{Name: "nofn"}))

	names := []string{}
	for _, tool := range registry.List() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"alpha", "echo"}, names)
	assert.Equal(t, 2, registry.Len())

	_, ok := registry.Get("echo")
	assert.True(t, ok)
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	registry := NewRegistry(nil)
	result := registry.Execute(context.Background(), "getHoroscope", json.RawMessage(`{}`))
	require.True(t, result.Failed())
	assert.Equal(t, "unknown tool: getHoroscope", result.Error)
}

func TestRegistryExecuteReportsToolErrorsAsData(t *testing.T) {
	registry := NewRegistry(nil)
	require.NoError(t, registry.Register(echoTool()))

	result := registry.Execute(context.Background(), "echo", json.RawMessage(`{"text":"fail"}`))
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"echo failed"}`, string(raw))
}

func TestRegistryDefinitions(t *testing.T) {
	registry := NewRegistry(nil)
	require.NoError(t, registry.Register(echoTool()))

	defs := registry.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "function", defs[0].Type)
	assert.Equal(t, "echo", defs[0].Function.Name)
	assert.Equal(t, "Echo text back.", defs[0].Function.Description)

	raw, err := json.Marshal(defs[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"parameters":{`)
	assert.Contains(t, string(raw), `"required":["text"]`)
}
