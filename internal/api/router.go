package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iot-sensor-gateway/internal/auth"
	"iot-sensor-gateway/internal/middleware"
)

type RouterConfig struct {
	AllowedOrigins []string
	WebDir         string // static dashboard; empty serves an API index at /

	// Optional per-client limits for /api and for device ingress.
	APILimiter    func(http.Handler) http.Handler
	IngestLimiter func(http.Handler) http.Handler
}

// NewRouter builds the single HTTP surface: device ingress, dashboard reads,
// operator actions, health, metrics and the live update socket.
func NewRouter(h *APIHandler, am *auth.AuthManager, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging)
	r.Use(middleware.Recovery)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HandleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", h.HandleWebSocket)

	r.Route("/api", func(r chi.Router) {
		if cfg.APILimiter != nil {
			r.Use(cfg.APILimiter)
		}

		r.Route("/sensor-data", func(r chi.Router) {
			if cfg.IngestLimiter != nil {
				r.Use(cfg.IngestLimiter)
			}
			r.With(am.APIKeyMiddleware).Post("/", h.HandleDataIngest)
			r.Get("/latest", h.HandleLatest)
			r.Get("/history", h.HandleHistory)
			r.Get("/device/{deviceId}", h.HandleDevice)
			r.Get("/stats", h.HandleStats)
			r.Get("/quality", h.HandleQuality)
			r.With(am.JWTMiddleware).Delete("/cleanup", h.HandleCleanup)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", h.HandleListAlerts)
			r.Get("/active", h.HandleActiveAlerts)
			r.Get("/config", h.HandleGetAlertConfig)

			r.Group(func(r chi.Router) {
				r.Use(am.JWTMiddleware)
				r.Post("/config", h.HandleUpdateAlertConfig)
				r.Delete("/config", h.HandleResetAlertConfig)
				r.Put("/{id}/acknowledge", h.HandleAcknowledgeAlert)
				r.Delete("/clear", h.HandleClearAlerts)
			})
		})

		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", am.Login)
			r.Post("/refresh", am.Refresh)
		})
	})

	if cfg.WebDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(cfg.WebDir)))
	} else {
		r.Get("/", h.HandleRoot)
	}
	r.NotFound(h.HandleNotFound)

	return r
}
