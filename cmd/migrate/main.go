package main

import (
	"fmt"
	"os"

	"clublink/internal/platform/config"
	"clublink/internal/platform/db/migrate"
	"clublink/internal/platform/logger"
)

// main applies or rolls back the embedded schema migrations.
// Usage: migrate [up|down]
func main() {
	direction := "up"
	if len(os.Args) > 1 {
		direction = os.Args[1]
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	if err := migrate.Run(cfg.DatabaseURL, direction); err != nil {
		log.Error("migration failed", "direction", direction, "error", err)
		os.Exit(1)
	}
	log.Info("migrations applied", "direction", direction)
}
