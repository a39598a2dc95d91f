package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port               string // default: 8787
	LogLevel           string // default: info
	CORSAllowedOrigins []string
	// RequireTenantHeader rejects calls without x-tenant-id / x-run-id.
	RequireTenantHeader bool

	// Providers
	DefaultProvider     string // default: gemini
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	GeminiAPIKey        string
	GeminiBaseURL       string
	ModelPrefixRoutes   []PrefixRoute
	GeminiAllowFallback bool
	GeminiFallbackModel string // default: gemini-2.5-flash
	StreamIncludeUsage  bool

	// Governance
	PolicySource   string // "file" or "postgres"
	PolicyFile     string
	PolicyCacheTTL time.Duration
	PricingFile    string
	PricingMode    string // "strict" or "lenient"

	// Ledger
	LedgerStrategy      string // "calendar" or "sliding"
	LedgerRetention     time.Duration
	LedgerSweepInterval time.Duration

	// Audit
	AuditEnabled    bool
	AuditSink       string // "file", "sqlite" or "postgres"
	AuditDir        string
	AuditSQLitePath string
	AuditQueueSize  int
	SignerKeyID     string
	SignerSecret    []byte

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Seeding
	RunSeed bool
}

// PrefixRoute sends models starting with Prefix to Provider.
type PrefixRoute struct {
	Prefix   string
	Provider string
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8787"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		DefaultProvider:      getEnv("DEFAULT_PROVIDER", "gemini"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		GeminiBaseURL:        getEnv("GEMINI_OPENAI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai"),
		GeminiFallbackModel:  getEnv("GEMINI_FALLBACK_MODEL", "gemini-2.5-flash"),
		PolicySource:         getEnv("POLICY_SOURCE", "file"),
		PolicyFile:           getEnv("POLICY_FILE", "policies.yaml"),
		PricingFile:          getEnv("PRICING_FILE", "pricing.yaml"),
		PricingMode:          getEnv("PRICING_MODE", "strict"),
		LedgerStrategy:       getEnv("LEDGER_STRATEGY", "calendar"),
		AuditSink:            getEnv("AUDIT_SINK", "file"),
		AuditDir:             getEnv("AUDIT_DIR", ".aegis/receipts"),
		AuditSQLitePath:      getEnv("AUDIT_SQLITE_PATH", ".aegis/receipts.db"),
		SignerKeyID:          getEnv("SIGNER_KEY_ID", "local-k1"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "none"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	if origins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}

	var err error
	bools := []struct {
		key      string
		fallback bool
		dst      *bool
	}{
		{"REQUIRE_TENANT_HEADER", true, &cfg.RequireTenantHeader},
		{"GEMINI_ALLOW_FALLBACK", true, &cfg.GeminiAllowFallback},
		{"STREAM_INCLUDE_USAGE", true, &cfg.StreamIncludeUsage},
		{"AUDIT_ENABLED", true, &cfg.AuditEnabled},
		{"RUN_SEED", false, &cfg.RunSeed},
	}
	for _, b := range bools {
		if *b.dst, err = getBool(b.key, b.fallback); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"POLICY_CACHE_TTL", "30s", &cfg.PolicyCacheTTL},
		{"LEDGER_RETENTION", "24h", &cfg.LedgerRetention},
		{"LEDGER_SWEEP_INTERVAL", "1m", &cfg.LedgerSweepInterval},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.fallback); err != nil {
			return nil, err
		}
	}

	queueStr := getEnv("AUDIT_QUEUE_SIZE", "1024")
	cfg.AuditQueueSize, err = strconv.Atoi(queueStr)
	if err != nil || cfg.AuditQueueSize <= 0 {
		return nil, fmt.Errorf("invalid AUDIT_QUEUE_SIZE: %q", queueStr)
	}

	cfg.SignerSecret, err = hex.DecodeString(getEnv("SIGNER_SECRET_HEX", "01020304"))
	if err != nil {
		return nil, fmt.Errorf("invalid SIGNER_SECRET_HEX: %w", err)
	}

	cfg.ModelPrefixRoutes, err = ParsePrefixRoutes(getEnv("MODEL_PREFIX_ROUTES", "gemini-=gemini"))
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid PORT: %q", c.Port)
	}
	if len(c.SignerSecret) == 0 {
		return fmt.Errorf("SIGNER_SECRET_HEX must not be empty")
	}
	if err := oneOf("POLICY_SOURCE", c.PolicySource, "file", "postgres"); err != nil {
		return err
	}
	if err := oneOf("PRICING_MODE", c.PricingMode, "strict", "lenient"); err != nil {
		return err
	}
	if err := oneOf("LEDGER_STRATEGY", c.LedgerStrategy, "calendar", "sliding"); err != nil {
		return err
	}
	if err := oneOf("AUDIT_SINK", c.AuditSink, "file", "sqlite", "postgres"); err != nil {
		return err
	}
	if err := oneOf("OTEL_EXPORTER_TYPE", c.OTELExporterType, "stdout", "otlp", "none"); err != nil {
		return err
	}
	if err := oneOf("DEFAULT_PROVIDER", c.DefaultProvider, "openai", "gemini"); err != nil {
		return err
	}
	needsPostgres := c.PolicySource == "postgres" || (c.AuditEnabled && c.AuditSink == "postgres") || c.RunSeed
	if needsPostgres && c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required for the selected policy source, audit sink or seeding")
	}
	return nil
}

// ParsePrefixRoutes reads a comma separated list of prefix=provider pairs.
func ParsePrefixRoutes(s string) ([]PrefixRoute, error) {
	var routes []PrefixRoute
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		prefix, provider, ok := strings.Cut(part, "=")
		prefix, provider = strings.TrimSpace(prefix), strings.TrimSpace(provider)
		if !ok || prefix == "" || provider == "" {
			return nil, fmt.Errorf("invalid MODEL_PREFIX_ROUTES entry %q: want prefix=provider", part)
		}
		routes = append(routes, PrefixRoute{Prefix: prefix, Provider: provider})
	}
	return routes, nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (want one of %s)", key, value, strings.Join(allowed, ", "))
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getBool(key string, fallback bool) (bool, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
