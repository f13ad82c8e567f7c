// Migrate binary: applies the directory schema to the configured Postgres
// database. Idempotent; safe to run on every deploy.
package main

import (
	"database/sql"
	"log"
	"os"

	_ "github.com/lib/pq"

	"github.com/gridstone/docnotify/internal/config"
	"github.com/gridstone/docnotify/internal/directory"
)

func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(directory.Schema); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("[Migrate] Schema applied")
}
