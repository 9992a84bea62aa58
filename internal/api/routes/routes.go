// internal/api/routes/routes.go
package routes

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/QianFuv/ChatDevApi/internal/api/handlers"
	"github.com/QianFuv/ChatDevApi/internal/config"
	"github.com/QianFuv/ChatDevApi/internal/runner"
	"github.com/QianFuv/ChatDevApi/internal/storage/leveldb"
	"github.com/QianFuv/ChatDevApi/internal/storage/postgres"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
)

func SetupRouter(cfg config.ServerConfig, db *postgres.Client, cache *leveldb.Client, rnr *runner.Runner) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(cfg.RateLimit, time.Duration(cfg.RateLimitWindow)*time.Second))
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	})

	// Initialize handlers
	taskHandler := handlers.NewTaskHandler(db, cache, rnr)

	// Routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/generate", taskHandler.Generate)
		r.Get("/status/{taskID}", taskHandler.GetStatus)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", taskHandler.ListTasks)
			r.Post("/{taskID}/cancel", taskHandler.CancelTask)
			r.Delete("/{taskID}", taskHandler.DeleteTask)
		})
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	return r
}
