package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends for Server.StoreDriver.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Server is the configuration of `cwcrm serve`. Flags override it.
type Server struct {
	Addr string

	StoreDriver string
	StoreDSN    string
	// RedisURL enables the cross-instance hub bridge. With StoreDriver
	// "redis" it is also the store.
	RedisURL string

	// Upstream and Token enable the /proxy endpoint.
	Upstream string
	Token    string

	WebhookSecret  string
	BotAttribute   string
	AllowedOrigins []string
	Metrics        bool

	LogFormat       string
	ShutdownTimeout time.Duration
}

// LoadDotenv loads the given .env files, or ./.env when none are named.
// Missing files are skipped and variables already set win.
func LoadDotenv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load %s: %w", strings.Join(existing, ", "), err)
	}
	return nil
}

// LoadServer reads the server configuration from the environment.
func LoadServer() (Server, error) {
	s := Server{
		Addr:            envOr("CRM_LISTEN_ADDR", ":8080"),
		StoreDriver:     strings.ToLower(envOr("CRM_STORE", StoreSQLite)),
		StoreDSN:        envOr("CRM_STORE_DSN", "crm-sync.db"),
		RedisURL:        firstNonBlankEnv("CRM_REDIS_URL", "REDIS_URL"),
		Upstream:        strings.TrimSuffix(firstNonBlankEnv("CHATWOOT_URL", EnvBaseURL), "/"),
		Token:           firstNonBlankEnv(EnvAPIToken),
		WebhookSecret:   firstNonBlankEnv("CRM_WEBHOOK_SECRET"),
		BotAttribute:    firstNonBlankEnv(EnvBotAttribute),
		AllowedOrigins:  splitList(firstNonBlankEnv("CRM_ALLOWED_ORIGINS")),
		Metrics:         true,
		LogFormat:       envOr("CRM_LOG_FORMAT", "text"),
		ShutdownTimeout: 10 * time.Second,
	}
	if v := firstNonBlankEnv("CRM_METRICS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Server{}, fmt.Errorf("CRM_METRICS must be a boolean: %w", err)
		}
		s.Metrics = b
	}
	if v := firstNonBlankEnv("CRM_SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Server{}, fmt.Errorf("CRM_SHUTDOWN_TIMEOUT: %w", err)
		}
		s.ShutdownTimeout = d
	}
	return s, nil
}

// Validate checks a fully resolved server configuration.
func (s Server) Validate() error {
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("listen address is required")
	}
	switch s.StoreDriver {
	case StoreSQLite, StorePostgres:
		if s.StoreDSN == "" {
			return fmt.Errorf("store %s needs a DSN (CRM_STORE_DSN or --store-dsn)", s.StoreDriver)
		}
	case StoreRedis:
		if s.RedisURL == "" {
			return errors.New("store redis needs CRM_REDIS_URL or --redis-url")
		}
	default:
		return fmt.Errorf("unknown store %q (want sqlite, postgres or redis)", s.StoreDriver)
	}
	if (s.Upstream == "") != (s.Token == "") {
		return errors.New("the proxy needs both CHATWOOT_URL and CHATWOOT_API_TOKEN")
	}
	if s.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	return nil
}

// ProxyEnabled reports whether /proxy is served.
func (s Server) ProxyEnabled() bool { return s.Upstream != "" && s.Token != "" }

func envOr(key, fallback string) string {
	if v := firstNonBlankEnv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
