package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ineffabledeeps/asym-assistant/internal/chats"
	"github.com/ineffabledeeps/asym-assistant/internal/openrouter"
	"github.com/ineffabledeeps/asym-assistant/internal/ratelimit"
	"github.com/ineffabledeeps/asym-assistant/internal/relay"
)

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

type chatRequest struct {
	Messages []chatRequestMessage `json:"messages"`
	Model    string               `json:"model,omitempty"`
	ChatID   string               `json:"chatId,omitempty"`
}

type chatRequestMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type rateLimitResponse struct {
	Error      string `json:"error"`
	Limit      int    `json:"limit"`
	ResetTime  string `json:"resetTime"`
	RetryAfter int    `json:"retryAfter"`
}

var chatRoles = map[string]struct{}{
	openrouter.RoleUser:      {},
	openrouter.RoleAssistant: {},
	openrouter.RoleSystem:    {},
}

// Chat streams a model reply to the conversation in the request body.
// The body is validated before the caller's rate-limit quota is consumed.
func (h Handler) Chat(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok || strings.TrimSpace(user.ID) == "" {
		writeUnauthorized(w)
		return
	}

	var req chatRequest
	if err := decodeJSONLenient(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	messages, err := validateChatMessages(req.Messages)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	chatID := strings.TrimSpace(req.ChatID)
	if chatID != "" {
		if _, err := h.chats.GetChat(r.Context(), user.ID, chatID); err != nil {
			if errors.Is(err, chats.ErrNotFound) {
				writeError(w, http.StatusNotFound, "chat_not_found", "chat not found")
				return
			}
			h.logger.Error("load chat failed", zap.String("chat_id", chatID), zap.Error(err))
			writeInternalError(w)
			return
		}
	}

	decision := h.limiter.CheckAndConsume(user.ID)
	now := h.limiter.Now()
	setRateLimitHeaders(w, decision)
	if !decision.Admitted {
		retryAfter := int(math.Ceil(decision.RetryAfter(now).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.logger.Info("chat request rate limited",
			zap.String("user_id", user.ID),
			zap.Time("reset_at", decision.ResetAt),
		)
		writeJSON(w, http.StatusTooManyRequests, rateLimitResponse{
			Error:      "Rate limit exceeded",
			Limit:      decision.Limit,
			ResetTime:  decision.ResetAt.UTC().Format(isoMillis),
			RetryAfter: retryAfter,
		})
		return
	}

	stream, err := relay.NewSSEWriter(w)
	if err != nil {
		h.logger.Error("open event stream failed", zap.Error(err))
		writeInternalError(w)
		return
	}
	stream.Open()

	started := time.Now()
	summary, err := h.relay.Run(r.Context(), req.Model, messages, stream)
	if err != nil {
		if errors.Is(err, context.Canceled) || r.Context().Err() != nil {
			h.logger.Info("chat stream aborted by client", zap.String("user_id", user.ID))
			return
		}
		h.logger.Warn("chat stream failed", zap.String("user_id", user.ID), zap.Error(err))
		return
	}

	h.logger.Info("chat stream completed",
		zap.String("user_id", user.ID),
		zap.Int("steps", summary.Steps),
		zap.Int("tool_calls", summary.ToolCalls),
		zap.Int("total_tokens", summary.Usage.TotalTokens),
		zap.Duration("elapsed", time.Since(started)),
	)

	if chatID != "" {
		h.persistExchange(r.Context(), user.ID, chatID, messages[len(messages)-1], summary)
	}
}

// persistExchange stores the final user message, one tool message per
// executed tool call carrying the card data, and the streamed reply. The
// stream has already been delivered, so failures are only logged.
func (h Handler) persistExchange(ctx context.Context, userID, chatID string, last openrouter.Message, summary relay.Summary) {
	toStore := make([]chats.NewMessage, 0, len(summary.Invocations)+2)
	toStore = append(toStore, chats.NewMessage{Role: last.Role, Content: last.Content})
	for _, invocation := range summary.Invocations {
		card, err := json.Marshal(invocation)
		if err != nil {
			h.logger.Warn("encode tool card failed", zap.String("tool", invocation.ToolName), zap.Error(err))
			continue
		}
		toStore = append(toStore, chats.NewMessage{Role: openrouter.RoleTool, Content: string(card)})
	}
	if summary.Text != "" {
		toStore = append(toStore, chats.NewMessage{Role: openrouter.RoleAssistant, Content: summary.Text})
	}
	if _, err := h.chats.AppendMessages(context.WithoutCancel(ctx), userID, chatID, toStore); err != nil {
		h.logger.Error("persist chat exchange failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}

func validateChatMessages(in []chatRequestMessage) ([]openrouter.Message, error) {
	if len(in) == 0 {
		return nil, errors.New("messages must not be empty")
	}

	out := make([]openrouter.Message, 0, len(in))
	for i, m := range in {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		if _, ok := chatRoles[role]; !ok {
			return nil, fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
		out = append(out, openrouter.Message{Role: role, Content: m.Content})
	}

	last := out[len(out)-1]
	if last.Role != openrouter.RoleUser {
		return nil, errors.New("last message must have role user")
	}
	if strings.TrimSpace(last.Content) == "" {
		return nil, errors.New("last message content is required")
	}
	return out, nil
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	header := w.Header()
	header.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	header.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	header.Set("X-RateLimit-Reset", d.ResetAt.UTC().Format(isoMillis))
}
