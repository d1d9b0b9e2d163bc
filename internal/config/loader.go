package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over
// Defaults, then applies ESCROW_* environment overrides. A .env file in the
// working directory is loaded first if present. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "ESCROW_PORT")
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.RequestTimeoutSec, "ESCROW_REQUEST_TIMEOUT_SEC")
	setInt(&cfg.Server.ShutdownTimeoutSec, "ESCROW_SHUTDOWN_TIMEOUT_SEC")
	setStringSlice(&cfg.Server.CORSOrigins, "ESCROW_CORS_ORIGINS")

	setStr(&cfg.Store.Kind, "ESCROW_STORE")
	setStr(&cfg.Store.DSN, "DATABASE_URL")
	setStr(&cfg.Store.DSN, "ESCROW_DATABASE_URL")
	setStr(&cfg.Store.MigrationsDir, "ESCROW_MIGRATIONS_DIR")

	setStr(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setStr(&cfg.Auth.JWTSecret, "ESCROW_JWT_SECRET")
	setInt(&cfg.Auth.TokenTTLHours, "ESCROW_TOKEN_TTL_HOURS")
	setStringSlice(&cfg.Auth.AdminEmails, "ESCROW_ADMIN_EMAILS")

	setStr(&cfg.Program.ID, "ESCROW_PROGRAM_ID")
}

// Each setter only touches dst when the variable is set and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
