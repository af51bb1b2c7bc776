// migrate runs DB migrations from embedded SQL; use with go run ./cmd/migrate -direction up|down.
package main

import (
	"flag"
	"fmt"
	"os"

	"device-sessions/backend/internal/config"
	"device-sessions/backend/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	dir, err := migrate.ParseDirection(*direction)
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
		os.Exit(1)
	}

	if err := migrate.Run(cfg.DatabaseURL, dir); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
	version, dirty, err := migrate.Version(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate: version:", err)
		os.Exit(1)
	}
	fmt.Printf("schema at version %d (dirty=%t)\n", version, dirty)
}
