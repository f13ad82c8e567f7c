// Worker binary: runs the batched-jobs engine, the recovery sweeper and
// the mail renderer. Also serves the HTTP API so /health can report engine
// counters; single-process deployments can run this binary alone.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/gridstone/docnotify/internal/api"
	"github.com/gridstone/docnotify/internal/batchq"
	"github.com/gridstone/docnotify/internal/config"
	"github.com/gridstone/docnotify/internal/directory"
	"github.com/gridstone/docnotify/internal/mailer"
	"github.com/gridstone/docnotify/internal/schedule"
)

func main() {
	cfg, err := config.LoadFromEnv(configPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applySchedules(cfg)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Redis unreachable: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Database unreachable: %v", err)
	}

	dir := directory.NewPostgres(db, cfg.HomeURL)

	transport, err := mailer.NewTransport(cfg.Mailer)
	if err != nil {
		log.Fatalf("Failed to build mail transport: %v", err)
	}
	renderer := mailer.NewRenderer(dir, transport, cfg.Notifications.Sender, cfg.HomeURL)

	store := batchq.NewBatchStore(rdb, cfg.Redis.KeyPrefix)
	queue := batchq.NewDelayQueue(rdb, cfg.Redis.KeyPrefix, cfg.Engine.VisibilityTimeout())
	engine := batchq.NewEngine(store, queue, schedule.Current(), batchq.Options{
		NumWorkers:   cfg.Engine.NumWorkers,
		PollInterval: cfg.Engine.PollInterval(),
		MaxBatch:     cfg.Engine.MaxBatch,
	})
	engine.SetHandler(renderer.Handle)
	if err := engine.Start(); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	recovery := batchq.NewRecovery(rdb, store, queue, cfg.Redis.KeyPrefix, time.Minute)
	recovery.Start()

	handlers := api.NewHandlers(dir, api.HeaderUserResolver(dir))
	handlers.SetEngine(engine)
	server := api.NewServer(cfg.Server, handlers)
	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	go func() {
		log.Printf("[Worker] Serving API on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err.Error() != "http: Server closed" {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("[Worker] Shutdown signal received")

	recovery.Stop()
	engine.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("[Worker] Shutdown error: %v", err)
	}
	log.Println("[Worker] Stopped")
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
