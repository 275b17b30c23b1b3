package config

import (
	"strings"
)

// Secrets can come from the environment so config files stay shareable.
const (
	EnvTelegramToken = "EPICBOT_TELEGRAM_TOKEN"
	EnvHTTPToken     = "EPICBOT_HTTP_TOKEN"
)

// applyEnv overlays non-empty environment values onto cfg.
func applyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvHTTPToken)); v != "" {
		cfg.HTTP.Token = v
	}
}
