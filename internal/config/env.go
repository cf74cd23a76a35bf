package config

import (
	"log/slog"

	"github.com/joho/godotenv"
)

// loadEnvFile loads KEY=VALUE pairs from the first of .env or .env.local
// that parses. Missing files are fine; existing process environment wins.
func loadEnvFile() {
	for _, path := range []string{".env", ".env.local"} {
		if err := godotenv.Load(path); err == nil {
			slog.Debug("loaded environment file", slog.String("path", path))
			return
		}
	}
}
