package http

import (
	"log/slog"
	"net/http"

	"dscrape/internal/auth"
	"dscrape/internal/bot"
	"dscrape/internal/config"
	"dscrape/internal/http/handler"
	mw "dscrape/internal/http/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func NewRouter(cfg config.Config, svc *bot.Service, jwtSvc *auth.JWT, log *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(cfg.CORSAllowedOrigins, cfg.CORSAllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ah := &handler.AuthHandler{PasswordHash: cfg.AdminPasswordHash, JWT: jwtSvc}
	r.Post("/auth/login", ah.Login)

	me := &handler.MeHandler{Bot: svc}
	ch := &handler.CommandHandler{Bot: svc, Log: log}

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(jwtSvc))

		r.Get("/me", me.Me)
		r.Post("/switch", ch.Switch)
		r.Post("/talk", ch.Talk)
		r.Post("/talkuwu", ch.TalkUwu)
		r.Post("/quote", ch.Quote)
		r.Post("/query", ch.Query)
	})

	return r
}
