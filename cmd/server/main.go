// Server binary: serves the notification-config API and the public
// unsubscribe endpoint. Batch workers run in cmd/worker.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/gridstone/docnotify/internal/api"
	"github.com/gridstone/docnotify/internal/config"
	"github.com/gridstone/docnotify/internal/directory"
	"github.com/gridstone/docnotify/internal/schedule"
)

func main() {
	cfg, err := config.LoadFromEnv(configPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applySchedules(cfg)

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Database unreachable: %v", err)
	}

	dir := directory.NewPostgres(db, cfg.HomeURL)
	handlers := api.NewHandlers(dir, api.HeaderUserResolver(dir))
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		handlers.SetAllowedOrigins(strings.Split(origins, ","))
	}
	server := api.NewServer(cfg.Server, handlers)

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	go func() {
		log.Printf("[Server] Listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err.Error() != "http: Server closed" {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	waitForShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("[Server] Shutdown error: %v", err)
	}
	log.Println("[Server] Stopped")
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}

func applySchedules(cfg *config.Config) {
	schedule.Set(schedule.Registry{
		schedule.CategoryDocChange: {
			FirstDelay: cfg.Schedules.DocChange.FirstDelay(),
			Throttle:   cfg.Schedules.DocChange.Throttle(),
		},
		schedule.CategoryComment: {
			FirstDelay: cfg.Schedules.Comment.FirstDelay(),
			Throttle:   cfg.Schedules.Comment.Throttle(),
		},
	})
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("[Server] Shutdown signal received")
}
