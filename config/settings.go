package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mmdatafocus/cashflow_sync/utils"
)

const (
	DefaultCachePrefix       = "cashflow:"
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultRefreshTimeout    = 60 * time.Second
	DefaultLoginGuardTTL     = 10 * time.Second
	DefaultQueueMaxAttempts  = 10
	DefaultQueueMaxAge       = 7 * 24 * time.Hour
)

// Settings is the agent's resolved configuration.
type Settings struct {
	APIBaseURL string
	APIKey     string

	RealtimeTransport string // websocket | pubsub | none
	RealtimeURL       string

	CacheBackend       string // sqlite | mysql | redis | memory
	CachePath          string
	CacheDSN           string
	CachePrefix        string
	CacheMaxValueBytes int

	HeartbeatInterval time.Duration
	RefreshTimeout    time.Duration
	LoginGuardTTL     time.Duration
	QueueMaxAttempts  int
	QueueMaxAge       time.Duration

	ActivePage string
	Email      string
	Password   string

	StatusPort         string
	CORSAllowedOrigins []string
	Production         bool
	LogLevel           string
}

func init() {
	// Load env from .env
	godotenv.Load()
}

func LoadSettings() Settings {
	return Settings{
		APIBaseURL:         utils.EnvOrDefault("CASHFLOW_API_BASE_URL", "http://127.0.0.1:8080"),
		APIKey:             utils.EnvOrDefault("CASHFLOW_API_KEY", ""),
		RealtimeTransport:  strings.ToLower(utils.EnvOrDefault("CASHFLOW_REALTIME_TRANSPORT", "websocket")),
		RealtimeURL:        utils.EnvOrDefault("CASHFLOW_REALTIME_URL", ""),
		CacheBackend:       strings.ToLower(utils.EnvOrDefault("CASHFLOW_CACHE_BACKEND", "sqlite")),
		CachePath:          utils.EnvOrDefault("CASHFLOW_CACHE_PATH", "data/cashflow-cache.db"),
		CacheDSN:           utils.EnvOrDefault("CASHFLOW_CACHE_DSN", ""),
		CachePrefix:        utils.EnvOrDefault("CASHFLOW_CACHE_PREFIX", DefaultCachePrefix),
		CacheMaxValueBytes: utils.IntFromEnv("CASHFLOW_CACHE_MAX_VALUE_BYTES", 5*1024*1024),
		HeartbeatInterval:  utils.DurationFromEnv("CASHFLOW_HEARTBEAT_INTERVAL", DefaultHeartbeatInterval),
		RefreshTimeout:     utils.DurationFromEnv("CASHFLOW_REFRESH_TIMEOUT", DefaultRefreshTimeout),
		LoginGuardTTL:      utils.DurationFromEnv("CASHFLOW_LOGIN_GUARD_TTL", DefaultLoginGuardTTL),
		QueueMaxAttempts:   utils.IntFromEnv("CASHFLOW_QUEUE_MAX_ATTEMPTS", DefaultQueueMaxAttempts),
		QueueMaxAge:        utils.DurationFromEnv("CASHFLOW_QUEUE_MAX_AGE", DefaultQueueMaxAge),
		ActivePage:         utils.EnvOrDefault("CASHFLOW_ACTIVE_PAGE", "dashboard"),
		Email:              utils.EnvOrDefault("CASHFLOW_EMAIL", ""),
		Password:           utils.EnvOrDefault("CASHFLOW_PASSWORD", ""),
		StatusPort:         utils.EnvOrDefault("CASHFLOW_STATUS_PORT", "7780"),
		CORSAllowedOrigins: splitAndTrim(utils.EnvOrDefault("CORS_ALLOWED_ORIGINS", "")),
		Production:         strings.EqualFold(utils.EnvOrDefault("GO_ENV", ""), "production"),
		LogLevel:           utils.EnvOrDefault("LOG_LEVEL", "info"),
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
