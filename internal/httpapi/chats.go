package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ineffabledeeps/asym-assistant/internal/chats"
	"github.com/ineffabledeeps/asym-assistant/internal/session"
)

type chatTitleRequest struct {
	Title string `json:"title"`
}

type appendMessagesRequest struct {
	Messages []chatRequestMessage `json:"messages"`
}

func (h Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	list, err := h.chats.ListChats(r.Context(), user.ID)
	if err != nil {
		h.writeChatStoreError(w, "list chats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": list})
}

func (h Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req chatTitleRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	chat, err := h.chats.CreateChat(r.Context(), user.ID, req.Title)
	if err != nil {
		h.writeChatStoreError(w, "create chat", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"chat": chat})
}

func (h Handler) DeleteAllChats(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	deleted, err := h.chats.DeleteAllChats(r.Context(), user.ID)
	if err != nil {
		h.writeChatStoreError(w, "delete chats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (h Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	chatID := chatIDParam(r)

	chat, err := h.chats.GetChat(r.Context(), user.ID, chatID)
	if err != nil {
		h.writeChatStoreError(w, "get chat", err)
		return
	}
	messages, err := h.chats.ListMessages(r.Context(), user.ID, chatID)
	if err != nil {
		h.writeChatStoreError(w, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat": chat, "messages": messages})
}

func (h Handler) RenameChat(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req chatTitleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	chat, err := h.chats.RenameChat(r.Context(), user.ID, chatIDParam(r), req.Title)
	if err != nil {
		h.writeChatStoreError(w, "rename chat", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat": chat})
}

func (h Handler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	if err := h.chats.DeleteChat(r.Context(), user.ID, chatIDParam(r)); err != nil {
		h.writeChatStoreError(w, "delete chat", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h Handler) ListChatMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	messages, err := h.chats.ListMessages(r.Context(), user.ID, chatIDParam(r))
	if err != nil {
		h.writeChatStoreError(w, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (h Handler) AppendChatMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req appendMessagesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "messages must not be empty")
		return
	}

	toStore := make([]chats.NewMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		toStore = append(toStore, chats.NewMessage{Role: strings.ToLower(strings.TrimSpace(m.Role)), Content: m.Content})
	}

	stored, err := h.chats.AppendMessages(r.Context(), user.ID, chatIDParam(r), toStore)
	if err != nil {
		h.writeChatStoreError(w, "append messages", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"messages": stored})
}

func (h Handler) requireUser(w http.ResponseWriter, r *http.Request) (session.User, bool) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return session.User{}, false
	}
	return user, true
}

func (h Handler) writeChatStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, chats.ErrNotFound):
		writeError(w, http.StatusNotFound, "chat_not_found", "chat not found")
	case errors.Is(err, chats.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		h.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "db_error", "failed to "+op)
	}
}

func chatIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "chatID"))
}
