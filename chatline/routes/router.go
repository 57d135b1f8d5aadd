package routes

import (
	"chatline/chatline/controllers"
	"chatline/chatline/middlewares"
	"chatline/chatline/realtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Deps struct {
	Auth   *controllers.AuthController
	Chat   *controllers.ChatController
	Health *controllers.HealthController
	WS     *realtime.Handler
}

// NewRouter mounts every HTTP and WebSocket route.
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewares.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/", d.Health.Welcome)
	r.Mount("/health", HealthRoutes(d.Health))
	r.Handle("/metrics", promhttp.Handler())

	// long-running WebSocket sessions must not inherit the request timeout
	r.Mount("/ws", WSRoutes(d.WS))

	r.Group(func(api chi.Router) {
		api.Use(middleware.Timeout(90 * time.Second))
		api.Mount("/api/auth", AuthRoutes(d.Auth))
		api.Mount("/api/chats", ChatRoutes(d.Chat, d.Auth))
	})
	return r
}
