package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/ineffabledeeps/asym-assistant/internal/config"
)

const maxErrorBodyBytes = 8 * 1024

var ErrMissingAPIKey = errors.New("openrouter api key is not configured")

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ToolDefinition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

type FunctionDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type Model struct {
	ID                       string
	Name                     string
	ContextWindow            int
	PromptPriceMicrosUSD     int
	CompletionPriceMicrosUSD int
}

type Usage struct {
	PromptTokens     int  `json:"promptTokens"`
	CompletionTokens int  `json:"completionTokens"`
	TotalTokens      int  `json:"totalTokens"`
	CostMicrosUSD    *int `json:"costMicrosUsd,omitempty"`
}

// Add returns the sum of two usage reports. Cost is summed only when at
// least one side reports it.
func (u Usage) Add(other Usage) Usage {
	out := Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
	if u.CostMicrosUSD != nil || other.CostMicrosUSD != nil {
		total := 0
		if u.CostMicrosUSD != nil {
			total += *u.CostMicrosUSD
		}
		if other.CostMicrosUSD != nil {
			total += *other.CostMicrosUSD
		}
		out.CostMicrosUSD = &total
	}
	return out
}

type StreamRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// StreamResult describes how one streamed completion ended.
type StreamResult struct {
	FinishReason string
	ToolCalls    []ToolCall
	Usage        Usage
}

type streamAPIRequest struct {
	Model         string           `json:"model"`
	Messages      []Message        `json:"messages"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	ToolChoice    string           `json:"tool_choice,omitempty"`
	Stream        bool             `json:"stream"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type streamAPIUsage struct {
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	Cost             json.RawMessage `json:"cost"`
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type streamAPIResponse struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *streamAPIUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type listModelsAPIResponse struct {
	Data []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		ContextLength int    `json:"context_length"`
		Pricing       struct {
			Prompt     json.RawMessage `json:"prompt"`
			Completion json.RawMessage `json:"completion"`
		} `json:"pricing"`
	} `json:"data"`
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("openrouter returned %d: %s", e.StatusCode, e.Body)
}

func NewClient(cfg config.Config, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return Client{
		apiKey:     strings.TrimSpace(cfg.OpenRouterAPIKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.OpenRouterBaseURL), "/"),
		httpClient: httpClient,
	}
}

// StreamChatCompletion runs one streamed completion. Content deltas are
// passed to onDelta in arrival order; tool calls requested by the model are
// assembled from their fragments and returned once the stream ends.
func (c Client) StreamChatCompletion(
	ctx context.Context,
	req StreamRequest,
	onDelta func(string) error,
	onUsage func(Usage) error,
) (StreamResult, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return StreamResult{}, ErrMissingAPIKey
	}
	if strings.TrimSpace(req.Model) == "" {
		return StreamResult{}, errors.New("model is required")
	}
	if len(req.Messages) == 0 {
		return StreamResult{}, errors.New("messages are required")
	}

	apiReq := streamAPIRequest{
		Model:    strings.TrimSpace(req.Model),
		Messages: req.Messages,
		Tools:    req.Tools,
		Stream:   true,
		StreamOptions: &streamOptions{
			IncludeUsage: true,
		},
	}
	if len(req.Tools) > 0 {
		apiReq.ToolChoice = "auto"
	}

	payload, err := json.Marshal(apiReq)
	if err != nil {
		return StreamResult{}, fmt.Errorf("marshal openrouter request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return StreamResult{}, fmt.Errorf("build openrouter request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return StreamResult{}, fmt.Errorf("request openrouter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return StreamResult{}, StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var result StreamResult
	calls := newToolCallAccumulator()
	completed := false

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			completed = true
			break
		}

		var parsed streamAPIResponse
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			continue
		}

		if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
			return StreamResult{}, errors.New(strings.TrimSpace(parsed.Error.Message))
		}

		if parsed.Usage != nil {
			result.Usage = Usage{
				PromptTokens:     parsed.Usage.PromptTokens,
				CompletionTokens: parsed.Usage.CompletionTokens,
				TotalTokens:      parsed.Usage.TotalTokens,
				CostMicrosUSD:    parseOptionalPriceMicros(parsed.Usage.Cost),
			}
			if onUsage != nil {
				if err := onUsage(result.Usage); err != nil {
					return StreamResult{}, err
				}
			}
		}

		for _, choice := range parsed.Choices {
			for _, fragment := range choice.Delta.ToolCalls {
				calls.add(fragment)
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				result.FinishReason = *choice.FinishReason
				completed = true
			}

			delta := choice.Delta.Content
			if delta == "" {
				continue
			}
			if onDelta != nil {
				if err := onDelta(delta); err != nil {
					return StreamResult{}, err
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return StreamResult{}, fmt.Errorf("read openrouter stream: %w", err)
	}
	// A body that ends without [DONE] or a finish reason was cut off.
	if !completed {
		return StreamResult{}, fmt.Errorf("read openrouter stream: %w", io.ErrUnexpectedEOF)
	}

	result.ToolCalls = calls.list()
	return result, nil
}

type toolCallAccumulator struct {
	byIndex map[int]*ToolCall
	args    map[int]*strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{
		byIndex: make(map[int]*ToolCall),
		args:    make(map[int]*strings.Builder),
	}
}

func (a *toolCallAccumulator) add(fragment toolCallDelta) {
	call, ok := a.byIndex[fragment.Index]
	if !ok {
		call = &ToolCall{Type: "function"}
		a.byIndex[fragment.Index] = call
		a.args[fragment.Index] = &strings.Builder{}
	}
	if fragment.ID != "" {
		call.ID = fragment.ID
	}
	if fragment.Type != "" {
		call.Type = fragment.Type
	}
	if fragment.Function.Name != "" {
		call.Function.Name += fragment.Function.Name
	}
	a.args[fragment.Index].WriteString(fragment.Function.Arguments)
}

func (a *toolCallAccumulator) list() []ToolCall {
	if len(a.byIndex) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.byIndex))
	for index := range a.byIndex {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	out := make([]ToolCall, 0, len(indexes))
	for _, index := range indexes {
		call := *a.byIndex[index]
		call.Function.Arguments = strings.TrimSpace(a.args[index].String())
		if call.Function.Arguments == "" {
			call.Function.Arguments = "{}"
		}
		if call.ID == "" {
			call.ID = "call_" + strconv.Itoa(index)
		}
		out = append(out, call)
	}
	return out
}

func (c Client) ListModels(ctx context.Context) ([]Model, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, ErrMissingAPIKey
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("build openrouter models request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request openrouter models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var parsed listModelsAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode openrouter models response: %w", err)
	}

	models := make([]Model, 0, len(parsed.Data))
	for _, model := range parsed.Data {
		id := strings.TrimSpace(model.ID)
		if id == "" {
			continue
		}
		name := strings.TrimSpace(model.Name)
		if name == "" {
			name = id
		}
		models = append(models, Model{
			ID:                       id,
			Name:                     name,
			ContextWindow:            model.ContextLength,
			PromptPriceMicrosUSD:     parsePriceMicros(model.Pricing.Prompt),
			CompletionPriceMicrosUSD: parsePriceMicros(model.Pricing.Completion),
		})
	}

	return models, nil
}

func parseOptionalPriceMicros(raw json.RawMessage) *int {
	value := strings.TrimSpace(string(raw))
	if value == "" || value == "null" {
		return nil
	}
	micros := parsePriceMicros(raw)
	return &micros
}

// parsePriceMicros accepts prices encoded either as JSON strings or numbers
// and converts USD to micro-USD.
func parsePriceMicros(raw json.RawMessage) int {
	value := strings.TrimSpace(string(raw))
	if value == "" || value == "null" {
		return 0
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(asString), 64)
		if err != nil || parsed < 0 {
			return 0
		}
		return int(math.Round(parsed * 1_000_000))
	}

	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		if asNumber < 0 {
			return 0
		}
		return int(math.Round(asNumber * 1_000_000))
	}

	return 0
}
