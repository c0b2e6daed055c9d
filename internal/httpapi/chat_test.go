package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ineffabledeeps/asym-assistant/internal/openrouter"
	"github.com/ineffabledeeps/asym-assistant/internal/session"
	"github.com/ineffabledeeps/asym-assistant/internal/tools"
)

const helloBody = `{"messages":[{"role":"user","content":"Hello"}]}`

func TestChatWithoutSessionUserReturnsUnauthorized(t *testing.T) {
	streamer := &stubStreamer{tokens: []string{"Hi"}}
	handler, _ := newTestHandler(t, streamer)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(helloBody))
	resp := httptest.NewRecorder()
	handler.Chat(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
	if body := strings.TrimSpace(resp.Body.String()); body != `{"error":"Unauthorized"}` {
		t.Fatalf("unexpected body: %s", body)
	}
	if len(streamer.requests) != 0 {
		t.Fatalf("expected no upstream call, got %d", len(streamer.requests))
	}
}

func TestChatRejectsTrailingAssistantMessageWithoutConsumingQuota(t *testing.T) {
	streamer := &stubStreamer{tokens: []string{"Hi"}}
	handler, _ := newTestHandler(t, streamer)
	user := session.User{ID: "user-1"}

	body := `{"messages":[{"role":"user","content":"Hello"},{"role":"assistant","content":"Hi"}]}`
	req := requestWithSessionUser(httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body)), user)
	resp := httptest.NewRecorder()
	handler.Chat(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
	if len(streamer.requests) != 0 {
		t.Fatalf("expected no upstream call, got %d", len(streamer.requests))
	}
	if decision := handler.limiter.CheckAndConsume(user.ID); decision.Remaining != handler.cfg.RateLimitMaxRequests-1 {
		t.Fatalf("expected untouched quota, remaining=%d", decision.Remaining)
	}
}

func TestChatRejectsMalformedBodies(t *testing.T) {
	handler, _ := newTestHandler(t, &stubStreamer{})
	user := session.User{ID: "user-1"}

	cases := map[string]string{
		"empty body":     ``,
		"not json":       `{"messages":`,
		"no messages":    `{"messages":[]}`,
		"unknown role":   `{"messages":[{"role":"robot","content":"hi"}]}`,
		"blank question": `{"messages":[{"role":"user","content":"   "}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			req := requestWithSessionUser(httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body)), user)
			resp := httptest.NewRecorder()
			handler.Chat(resp, req)
			if resp.Code != http.StatusBadRequest {
				t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
			}
		})
	}
}

func TestChatStreamsDeltasAndSingleDone(t *testing.T) {
	streamer := &stubStreamer{
		tokens: []string{"Hi", " there"},
		usage:  openrouter.Usage{PromptTokens: 7, CompletionTokens: 2, TotalTokens: 9},
	}
	handler, _ := newTestHandler(t, streamer)
	user := session.User{ID: "user-1"}

	req := requestWithSessionUser(httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(
		`{"messages":[{"role":"user","content":"Hello"}],"model":"anthropic/claude","clientId":"ignored"}`,
	)), user)
	resp := httptest.NewRecorder()
	handler.Chat(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (body=%s)", http.StatusOK, resp.Code, resp.Body.String())
	}
	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", ct)
	}
	if got := resp.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Fatalf("expected remaining 1, got %q", got)
	}

	events := parseSSEFrames(t, resp.Body.String())
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %s", len(events), resp.Body.String())
	}
	if events[0]["type"] != "text-delta" || events[0]["delta"] != "Hi" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1]["type"] != "text-delta" || events[1]["delta"] != " there" {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
	if events[2]["type"] != "done" {
		t.Fatalf("expected done last, got %+v", events[2])
	}
	usage, ok := events[2]["usage"].(map[string]any)
	if !ok || usage["totalTokens"] != float64(9) {
		t.Fatalf("unexpected done usage: %+v", events[2]["usage"])
	}

	if len(streamer.requests) != 1 || streamer.requests[0].Model != "anthropic/claude" {
		t.Fatalf("unexpected upstream requests: %+v", streamer.requests)
	}
	if len(streamer.requests[0].Tools) != 3 {
		t.Fatalf("expected tools to be offered upstream, got %d", len(streamer.requests[0].Tools))
	}
}

func TestChatRateLimitedAfterQuota(t *testing.T) {
	streamer := &stubStreamer{tokens: []string{"ok"}}
	now := testNow
	handler, _ := newTestHandlerWithClock(t, streamer, testConfig(), &now)
	user := session.User{ID: "user-1"}

	for i := 0; i < handler.cfg.RateLimitMaxRequests; i++ {
		req := requestWithSessionUser(httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(helloBody)), user)
		resp := httptest.NewRecorder()
		handler.Chat(resp, req)
		if resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected status %d, got %d", i+1, http.StatusOK, resp.Code)
		}
	}

	now = testNow.Add(15 * time.Second)
	req := requestWithSessionUser(httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(helloBody)), user)
	resp := httptest.NewRecorder()
	handler.Chat(resp, req)

	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status %d, got %d", http.StatusTooManyRequests, resp.Code)
	}

	wantReset := "2026-10-19T12:01:00.000Z"
	headers := map[string]string{
		"X-RateLimit-Limit":     "2",
		"X-RateLimit-Remaining": "0",
		"X-RateLimit-Reset":     wantReset,
		"Retry-After":           "45",
	}
	for name, want := range headers {
		if got := resp.Header().Get(name); got != want {
			t.Fatalf("header %s: expected %q, got %q", name, want, got)
		}
	}

	var payload rateLimitResponse
	decodeJSONBody(t, resp, &payload)
	if payload.Error != "Rate limit exceeded" || payload.Limit != 2 || payload.ResetTime != wantReset || payload.RetryAfter != 45 {
		t.Fatalf("unexpected body: %+v", payload)
	}
	if len(streamer.requests) != handler.cfg.RateLimitMaxRequests {
		t.Fatalf("expected %d upstream calls, got %d", handler.cfg.RateLimitMaxRequests, len(streamer.requests))
	}

	now = testNow.Add(time.Minute)
	again := requestWithSessionUser(httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(helloBody)), user)
	againResp := httptest.NewRecorder()
	handler.Chat(againResp, again)
	if againResp.Code != http.StatusOK {
		t.Fatalf("expected new window to admit, got %d", againResp.Code)
	}
}

func TestChatRateLimitIsPerUser(t *testing.T) {
	handler, _ := newTestHandler(t, &stubStreamer{tokens: []string{"ok"}})

	for i := 0; i < handler.cfg.RateLimitMaxRequests; i++ {
		req := requestWithSessionUser(httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(helloBody)), session.User{ID: "user-1"})
		handler.Chat(httptest.NewRecorder(), req)
	}

	req := requestWithSessionUser(httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(helloBody)), session.User{ID: "user-2"})
	resp := httptest.NewRecorder()
	handler.Chat(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected other user to be admitted, got %d", resp.Code)
	}
}

func TestChatUpstreamFailureEndsWithErrorEvent(t *testing.T) {
	streamer := &stubStreamer{tokens: []string{"partial"}, err: errors.New("upstream reset")}
	handler, _ := newTestHandler(t, streamer)

	req := requestWithSessionUser(httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(helloBody)), session.User{ID: "user-1"})
	resp := httptest.NewRecorder()
	handler.Chat(resp, req)

	events := parseSSEFrames(t, resp.Body.String())
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %s", len(events), resp.Body.String())
	}
	if events[1]["type"] != "error" || events[1]["error"] != "Generation failed" {
		t.Fatalf("unexpected terminal event: %+v", events[1])
	}
	for _, event := range events {
		if event["type"] == "done" {
			t.Fatal("expected no done event after upstream failure")
		}
	}
}

func TestChatTruncatedUpstreamEndsWithErrorEvent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n"))
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.OpenRouterAPIKey = "test-key"
	cfg.OpenRouterBaseURL = upstream.URL
	handler, database := newTestHandlerWithConfig(t, openrouter.NewClient(cfg, upstream.Client()), cfg)
	user := session.User{ID: "user-1"}
	seedUser(t, database, user.ID, "user1@example.com")

	chat, err := handler.chats.CreateChat(context.Background(), user.ID, "")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	body := `{"chatId":"` + chat.ID + `","messages":[{"role":"user","content":"Hello"}]}`
	req := requestWithSessionUser(httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body)), user)
	resp := httptest.NewRecorder()
	handler.Chat(resp, req)

	events := parseSSEFrames(t, resp.Body.String())
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %s", len(events), resp.Body.String())
	}
	if events[0]["type"] != "text-delta" || events[0]["delta"] != "Hel" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1]["type"] != "error" {
		t.Fatalf("expected error event last, got %+v", events[1])
	}

	messages, err := handler.chats.ListMessages(context.Background(), user.ID, chat.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected nothing persisted for a failed stream, got %+v", messages)
	}
}

func TestChatWithoutFlusherReturnsInternalError(t *testing.T) {
	handler, _ := newTestHandler(t, &stubStreamer{tokens: []string{"Hi"}})

	req := requestWithSessionUser(httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(helloBody)), session.User{ID: "user-1"})
	rec := httptest.NewRecorder()
	handler.Chat(noFlushWriter{rec: rec}, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"error":"Internal server error"}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestChatPersistsExchangeForOwnedChat(t *testing.T) {
	streamer := &stubStreamer{tokens: []string{"Hi", " there"}}
	handler, database := newTestHandler(t, streamer)
	user := session.User{ID: "user-1"}
	seedUser(t, database, user.ID, "user1@example.com")

	chat, err := handler.chats.CreateChat(context.Background(), user.ID, "")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	body := `{"chatId":"` + chat.ID + `","messages":[{"role":"user","content":"Hello"}]}`
	req := requestWithSessionUser(httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body)), user)
	resp := httptest.NewRecorder()
	handler.Chat(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}

	messages, err := handler.chats.ListMessages(context.Background(), user.ID, chat.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(messages))
	}
	if messages[0].Role != "user" || messages[0].Content != "Hello" {
		t.Fatalf("unexpected first message: %+v", messages[0])
	}
	if messages[1].Role != "assistant" || messages[1].Content != "Hi there" {
		t.Fatalf("unexpected second message: %+v", messages[1])
	}
}

func TestChatPersistsToolCardsWithExchange(t *testing.T) {
	streamer := &stubStreamer{
		tokens: []string{"No quote right now."},
		toolCalls: []openrouter.ToolCall{{
			ID:       "call_1",
			Type:     "function",
			Function: openrouter.FunctionCall{Name: tools.StockToolName, Arguments: `{"symbol":"AAPL"}`},
		}},
	}
	handler, database := newTestHandler(t, streamer)
	user := session.User{ID: "user-1"}
	seedUser(t, database, user.ID, "user1@example.com")

	chat, err := handler.chats.CreateChat(context.Background(), user.ID, "")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	body := `{"chatId":"` + chat.ID + `","messages":[{"role":"user","content":"AAPL price?"}]}`
	req := requestWithSessionUser(httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body)), user)
	resp := httptest.NewRecorder()
	handler.Chat(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}

	messages, err := handler.chats.ListMessages(context.Background(), user.ID, chat.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 persisted messages, got %d: %+v", len(messages), messages)
	}
	if messages[0].Role != "user" || messages[2].Role != "assistant" || messages[2].Content != "No quote right now." {
		t.Fatalf("unexpected messages: %+v", messages)
	}
	if messages[1].Role != "tool" {
		t.Fatalf("expected tool card message, got %+v", messages[1])
	}

	var card struct {
		ToolCallID string          `json:"toolCallId"`
		ToolName   string          `json:"toolName"`
		Args       json.RawMessage `json:"args"`
		Result     map[string]any  `json:"result"`
	}
	if err := json.Unmarshal([]byte(messages[1].Content), &card); err != nil {
		t.Fatalf("decode tool card: %v (content=%s)", err, messages[1].Content)
	}
	if card.ToolCallID != "call_1" || card.ToolName != tools.StockToolName {
		t.Fatalf("unexpected tool card: %+v", card)
	}
	if string(card.Args) != `{"symbol":"AAPL"}` {
		t.Fatalf("unexpected tool args: %s", card.Args)
	}
	if _, ok := card.Result["error"]; !ok {
		t.Fatalf("expected tool error payload without an api key, got %+v", card.Result)
	}
}

func TestChatUnknownChatIDReturnsNotFound(t *testing.T) {
	streamer := &stubStreamer{tokens: []string{"Hi"}}
	handler, database := newTestHandler(t, streamer)
	owner := session.User{ID: "user-1"}
	other := session.User{ID: "user-2"}
	seedUser(t, database, owner.ID, "user1@example.com")
	seedUser(t, database, other.ID, "user2@example.com")

	chat, err := handler.chats.CreateChat(context.Background(), owner.ID, "")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	body := `{"chatId":"` + chat.ID + `","messages":[{"role":"user","content":"Hello"}]}`
	req := requestWithSessionUser(httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body)), other)
	resp := httptest.NewRecorder()
	handler.Chat(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
	if len(streamer.requests) != 0 {
		t.Fatalf("expected no upstream call, got %d", len(streamer.requests))
	}
}

func parseSSEFrames(t *testing.T, body string) []map[string]any {
	t.Helper()

	var events []map[string]any
	for _, frame := range strings.Split(body, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}
		if !strings.HasPrefix(frame, "data: ") {
			t.Fatalf("unexpected frame: %q", frame)
		}
		var event map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &event); err != nil {
			t.Fatalf("decode frame %q: %v", frame, err)
		}
		events = append(events, event)
	}
	return events
}

type noFlushWriter struct {
	rec *httptest.ResponseRecorder
}

func (w noFlushWriter) Header() http.Header {
	return w.rec.Header()
}

func (w noFlushWriter) Write(p []byte) (int, error) {
	return w.rec.Write(p)
}

func (w noFlushWriter) WriteHeader(status int) {
	w.rec.WriteHeader(status)
}
