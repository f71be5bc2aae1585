// Applies the engine's schema and exits. The server and worker also migrate
// on boot; this binary exists for CI and for provisioning a fresh database
// without starting a service.
package main

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/ignite/email-relay/internal/database"
	"github.com/ignite/email-relay/internal/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		logger.Error("open database failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := database.Migrate(ctx, db); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("migrations applied", "statements", len(database.Statements))
}
