package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akagifreeez/aiverse/internal/config"
	"github.com/akagifreeez/aiverse/internal/events"
	"github.com/akagifreeez/aiverse/internal/services"
)

// NewRouter wires the admin API. bus may be nil, in which case the event
// stream is not mounted.
func NewRouter(cfg *config.Config, km *services.KeyManager, bus *events.Bus) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Admin-Secret")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := km.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "key store unreachable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	keyHandler := NewKeyHandler(km)
	authHandler := NewAuthHandler(cfg)

	r.Route("/api/v1/admin", func(r chi.Router) {
		// Public Routes
		r.Post("/login", authHandler.Login)

		// Protected Routes
		r.Group(func(r chi.Router) {
			r.Use(AdminMiddleware(cfg))

			// Long-lived, so outside the request timeout
			if bus != nil {
				r.Get("/keys/events", NewEventsHandler(bus).Stream)
			}

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(60 * time.Second))

				r.Get("/keys/stats", keyHandler.Stats)
				r.Get("/keys", keyHandler.ListKeys)
				r.Post("/keys", keyHandler.AddKey)
				r.Post("/keys/import", keyHandler.ImportKeys)
				r.Post("/keys/test-all", keyHandler.TestAll)
				r.Put("/keys/{id}/status", keyHandler.SetStatus)
				r.Delete("/keys/{id}", keyHandler.DeleteKey)
				r.Post("/keys/{id}/test", keyHandler.TestKey)
				r.Get("/keys/{id}/quota", keyHandler.Quota)
			})
		})
	})

	return r
}
