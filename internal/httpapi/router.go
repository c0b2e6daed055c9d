package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

func NewRouter(h Handler, requestLog *zap.Logger) http.Handler {
	if requestLog == nil {
		requestLog = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(requestLog))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Test-Email", "X-Test-Google-Sub", "X-Test-Name"},
		ExposedHeaders:   []string{"Content-Type", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Route("/auth", func(authR chi.Router) {
			authR.Post("/google", h.AuthGoogle)
			authR.With(h.RequireSession).Get("/me", h.AuthMe)
			authR.With(h.RequireSession).Post("/logout", h.AuthLogout)
			authR.With(h.RequireSession).Post("/token", h.AuthToken)
		})

		v1.Group(func(p chi.Router) {
			p.Use(h.RequireSession)
			p.Get("/models", h.ListModels)
			p.Get("/tools", h.ListTools)
			p.Post("/chat", h.Chat)

			p.Route("/chats", func(c chi.Router) {
				c.Get("/", h.ListChats)
				c.Post("/", h.CreateChat)
				c.Delete("/", h.DeleteAllChats)
				c.Route("/{chatID}", func(one chi.Router) {
					one.Get("/", h.GetChat)
					one.Patch("/", h.RenameChat)
					one.Delete("/", h.DeleteChat)
					one.Get("/messages", h.ListChatMessages)
					one.Post("/messages", h.AppendChatMessages)
				})
			})
		})
	})

	return r
}
