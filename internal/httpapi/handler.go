package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ineffabledeeps/asym-assistant/internal/auth"
	"github.com/ineffabledeeps/asym-assistant/internal/chats"
	"github.com/ineffabledeeps/asym-assistant/internal/config"
	"github.com/ineffabledeeps/asym-assistant/internal/openrouter"
	"github.com/ineffabledeeps/asym-assistant/internal/ratelimit"
	"github.com/ineffabledeeps/asym-assistant/internal/relay"
	"github.com/ineffabledeeps/asym-assistant/internal/session"
	"github.com/ineffabledeeps/asym-assistant/internal/tools"
)

// chatStreamer is the upstream model client. openrouter.Client satisfies it.
type chatStreamer interface {
	relay.Generator
	ListModels(ctx context.Context) ([]openrouter.Model, error)
}

type Deps struct {
	Logger   *zap.Logger
	Sessions session.Store
	Chats    chats.Store
	Verifier auth.Verifier
	Tokens   auth.TokenIssuer
	Limiter  *ratelimit.Limiter
	Streamer chatStreamer
	Tools    *tools.Registry
}

type Handler struct {
	cfg      config.Config
	logger   *zap.Logger
	sessions session.Store
	chats    chats.Store
	verifier auth.Verifier
	tokens   auth.TokenIssuer
	limiter  *ratelimit.Limiter
	streamer chatStreamer
	tools    *tools.Registry
	relay    relay.Relay
}

func NewHandler(cfg config.Config, deps Deps) Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var runner relay.ToolRunner
	if deps.Tools != nil {
		runner = deps.Tools
	}

	return Handler{
		cfg:      cfg,
		logger:   logger,
		sessions: deps.Sessions,
		chats:    deps.Chats,
		verifier: deps.Verifier,
		tokens:   deps.Tokens,
		limiter:  deps.Limiter,
		streamer: deps.Streamer,
		tools:    deps.Tools,
		relay: relay.New(deps.Streamer, runner, relay.Config{
			Model:        cfg.OpenRouterDefaultModel,
			MaxSteps:     cfg.MaxToolSteps,
			SystemPrompt: relay.DefaultSystemPrompt,
		}, logger.Named("relay")),
	}
}

type contextKey string

const sessionUserContextKey contextKey = "session_user"

func (h Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authGoogleRequest struct {
	IDToken string `json:"idToken"`
}

func (h Handler) AuthGoogle(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.AuthRequired {
		writeJSON(w, http.StatusOK, map[string]any{"user": AnonymousUser()})
		return
	}

	var req authGoogleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	identity, err := h.identityFromRequest(r.Context(), r, req.IDToken)
	if err != nil {
		h.logger.Info("google sign-in rejected", zap.Error(err))
		writeError(w, http.StatusUnauthorized, "invalid_google_token", err.Error())
		return
	}

	user, err := h.sessions.UpsertUser(r.Context(), identity.GoogleSubject, identity.Email, identity.Name, identity.AvatarURL)
	if err != nil {
		h.logger.Error("upsert user failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "db_error", "failed to upsert user")
		return
	}

	token, expiresAt, err := h.sessions.CreateSession(r.Context(), user.ID, h.cfg.SessionTTL)
	if err != nil {
		h.logger.Error("create session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "db_error", "failed to create session")
		return
	}

	h.setSessionCookie(w, token, expiresAt)
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h Handler) AuthMe(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h Handler) AuthLogout(w http.ResponseWriter, r *http.Request) {
	rawToken, err := readSessionCookie(r, h.cfg.SessionCookieName)
	if err == nil {
		if err := h.sessions.DeleteSession(r.Context(), rawToken); err != nil {
			h.logger.Warn("delete session failed", zap.Error(err))
		}
	}
	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type accessTokenResponse struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
	ExpiresAt   string `json:"expiresAt"`
}

// AuthToken exchanges the caller's session for a short-lived bearer token.
func (h Handler) AuthToken(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}
	if !h.tokens.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "tokens_disabled", "access tokens are not configured")
		return
	}

	token, expiresAt, err := h.tokens.Issue(user.ID)
	if err != nil {
		h.logger.Error("issue access token failed", zap.Error(err))
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, accessTokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt.UTC().Format(time.RFC3339),
	})
}

// RequireSession resolves the caller from a bearer token or the session
// cookie. With auth disabled every request runs as AnonymousUser, whose
// row must already exist.
func (h Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.cfg.AuthRequired {
			next.ServeHTTP(w, withSessionUser(r, AnonymousUser()))
			return
		}

		if bearer, ok := auth.BearerToken(r.Header.Get("Authorization")); ok {
			user, err := h.userFromAccessToken(r.Context(), bearer)
			if err != nil {
				if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrTokenExpired) || errors.Is(err, session.ErrNotFound) {
					writeUnauthorized(w)
					return
				}
				h.logger.Error("resolve access token failed", zap.Error(err))
				writeInternalError(w)
				return
			}
			next.ServeHTTP(w, withSessionUser(r, user))
			return
		}

		rawToken, err := readSessionCookie(r, h.cfg.SessionCookieName)
		if err != nil {
			writeUnauthorized(w)
			return
		}

		user, err := h.sessions.ResolveSession(r.Context(), rawToken)
		if errors.Is(err, session.ErrNotFound) {
			writeUnauthorized(w)
			return
		}
		if err != nil {
			h.logger.Error("resolve session failed", zap.Error(err))
			writeInternalError(w)
			return
		}

		next.ServeHTTP(w, withSessionUser(r, user))
	})
}

func (h Handler) userFromAccessToken(ctx context.Context, token string) (session.User, error) {
	userID, err := h.tokens.Parse(token)
	if err != nil {
		return session.User{}, err
	}
	return h.sessions.GetUser(ctx, userID)
}

func (h Handler) identityFromRequest(ctx context.Context, r *http.Request, idToken string) (auth.GoogleIdentity, error) {
	if !h.cfg.InsecureSkipGoogleVerify {
		return h.verifier.Verify(ctx, idToken)
	}

	email := strings.TrimSpace(r.Header.Get("X-Test-Email"))
	sub := strings.TrimSpace(r.Header.Get("X-Test-Google-Sub"))
	if email == "" || sub == "" {
		return auth.GoogleIdentity{}, errors.New("insecure auth mode requires X-Test-Email and X-Test-Google-Sub headers")
	}
	return auth.GoogleIdentity{GoogleSubject: sub, Email: strings.ToLower(email), Name: strings.TrimSpace(r.Header.Get("X-Test-Name"))}, nil
}

func (h Handler) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func (h Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func readSessionCookie(r *http.Request, name string) (string, error) {
	cookie, err := r.Cookie(name)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(cookie.Value) == "" {
		return "", errors.New("empty session cookie")
	}
	return cookie.Value, nil
}

func withSessionUser(r *http.Request, user session.User) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), sessionUserContextKey, user))
}

func sessionUserFromContext(ctx context.Context) (session.User, bool) {
	value := ctx.Value(sessionUserContextKey)
	if value == nil {
		return session.User{}, false
	}
	user, ok := value.(session.User)
	return user, ok
}

// AnonymousUser is the identity used for every request when auth is
// disabled. Store it once at startup with session.Store.EnsureUser.
func AnonymousUser() session.User {
	return session.User{
		ID:        "anonymous-user",
		Email:     "anonymous@asym.local",
		Name:      "Anonymous",
		GoogleSub: "anonymous",
		CreatedAt: "1970-01-01T00:00:00Z",
		UpdatedAt: "1970-01-01T00:00:00Z",
	}
}
