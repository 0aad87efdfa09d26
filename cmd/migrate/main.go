package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/mesikahq/dpi/internal/app"
	"github.com/mesikahq/dpi/internal/config"
	"github.com/mesikahq/dpi/internal/database"
	"github.com/mesikahq/dpi/internal/db/migrate"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	command := flag.String("command", "up", "Migration command (up/down/status)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := database.ConnectPool(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	manager := migrate.NewManager(pool, migrate.Files(), logger)
	if err := manager.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize migrations: %v", err)
	}

	switch *command {
	case "up":
		n, err := manager.Up(ctx)
		if err != nil {
			log.Fatalf("Failed to apply migrations: %v", err)
		}
		fmt.Printf("Applied %d migration(s)\n", n)

	case "down":
		mig, err := manager.Down(ctx)
		if err != nil {
			log.Fatalf("Failed to roll back migration: %v", err)
		}
		fmt.Printf("Rolled back migration %d: %s\n", mig.Version, mig.Name)

	case "status":
		migrations, err := manager.Status(ctx)
		if err != nil {
			log.Fatalf("Failed to read migration status: %v", err)
		}
		for _, mig := range migrations {
			state := "pending"
			if mig.AppliedAt != nil {
				state = "applied " + mig.AppliedAt.Format(time.RFC3339)
			}
			fmt.Printf("%03d %-24s %s\n", mig.Version, mig.Name, state)
		}

	default:
		log.Fatalf("Unknown command: %s", *command)
	}
}
