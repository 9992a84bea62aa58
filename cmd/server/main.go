// cmd/server/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/QianFuv/ChatDevApi/internal/api/routes"
	"github.com/QianFuv/ChatDevApi/internal/config"
	"github.com/QianFuv/ChatDevApi/internal/process"
	"github.com/QianFuv/ChatDevApi/internal/queue"
	"github.com/QianFuv/ChatDevApi/internal/runner"
	"github.com/QianFuv/ChatDevApi/internal/storage/leveldb"
	"github.com/QianFuv/ChatDevApi/internal/storage/postgres"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env when present, real environment wins
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: failed to load .env: %v", err)
	}

	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize PostgreSQL client
	db, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	// Initialize LevelDB cache for terminal task records
	cache, err := leveldb.NewClient(cfg.LevelDB, 24*time.Hour) // 24-hour TTL
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cache.Close()

	// Initialize the optional task event publisher
	var events runner.EventPublisher
	if cfg.RabbitMQ.URL != "" {
		publisher, err := queue.NewPublisher(cfg.RabbitMQ)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer publisher.Close()
		events = publisher
	} else {
		log.Println("RabbitMQ URL not configured, task events disabled")
	}

	// Create process supervisor and task lifecycle runner
	supervisor := process.NewSupervisor()
	rnr := runner.NewRunner(cfg, db, events, supervisor)

	// Setup HTTP server
	router := routes.SetupRouter(cfg.Server, db, cache, rnr)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Printf("Starting server on port %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	log.Printf("Received shutdown signal: %v", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during server shutdown: %v", err)
	}

	log.Println("Server shutdown complete")
}
