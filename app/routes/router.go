package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"loftyeyes/app/routes/api"
)

// NewRouter builds the HTTP handler. SetDeps must have been called.
func NewRouter() http.Handler {
	cfg := getDeps().Config

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	Register(r)
	return r
}

func Register(r chi.Router) {
	r.Get("/healthz", api.HealthGET)

	r.Get("/auth", AuthGET)
	r.Post("/auth/login", LoginPOST)
	r.Post("/auth/signup", SignupPOST)
	r.Post("/auth/logout", LogoutPOST)

	r.Get("/", IndexGET)
	r.Post("/chats", ChatsPOST)
	r.Get("/ws", WebSocketGET)

	static := staticHandler()
	r.Get("/styles.css", static.ServeHTTP)
	r.Get("/app.js", static.ServeHTTP)
}

// requestLogger writes one slog line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
