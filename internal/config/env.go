package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables. Secrets should come from here or a .env file
// rather than the config file.
const (
	EnvConfigPath     = "RENEWD_CONFIG"
	EnvPushToken      = "RENEWD_PUSH_TOKEN"
	EnvTelegramToken  = "RENEWD_TELEGRAM_TOKEN"
	EnvAdminToken     = "RENEWD_ADMIN_TOKEN"
	EnvRedisPassword  = "RENEWD_REDIS_PASSWORD"
	DefaultConfigPath = "renewd.yaml"
)

// LoadDotEnv loads .env files into the process environment. Missing files
// are skipped; variables already set are not overridden.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ResolvePath picks the config path: flag value, then RENEWD_CONFIG, then
// the default.
func ResolvePath(flag string) string {
	if p := strings.TrimSpace(flag); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultConfigPath
}

// applyEnv overlays secrets from the environment. Non-empty variables win
// over file values.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Transport.Push.Token, EnvPushToken)
	set(&cfg.Transport.Telegram.Token, EnvTelegramToken)
	set(&cfg.Admin.Token, EnvAdminToken)
	set(&cfg.Storage.Redis.Password, EnvRedisPassword)
}
