package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting the service reads from the environment.
type Config struct {
	Port        string
	Environment string

	DatabaseDSN    string
	DatabaseDriver string

	SupabaseJWTSecret string

	GHLClientID     string
	GHLClientSecret string
	GHLRedirectURI  string
	GHLScopes       []string
	GHLAPIBaseURL   string
	GHLTokenURL     string
	GHLAuthorizeURL string

	FastAPIURL string
	PublicURL  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioPublicURL string

	TokenEncryptionKey string

	AgentImplicitFallback bool

	InferenceRatePerSecond float64
	InferenceRateBurst     int

	AutopilotSweepInterval time.Duration

	CORSAllowedOrigins []string
}

const (
	DefaultGHLAPIBaseURL   = "https://services.leadconnectorhq.com"
	DefaultGHLTokenURL     = "https://services.leadconnectorhq.com/oauth/token"
	DefaultGHLAuthorizeURL = "https://marketplace.gohighlevel.com/oauth/chooselocation"
)

// New returns a viper instance with the defaults of every key applied and
// environment lookup enabled.
func New() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("GHL_API_BASE_URL", DefaultGHLAPIBaseURL)
	v.SetDefault("GHL_TOKEN_URL", DefaultGHLTokenURL)
	v.SetDefault("GHL_AUTHORIZE_URL", DefaultGHLAuthorizeURL)
	v.SetDefault("GHL_SCOPES", "contacts.readonly conversations.readonly conversations/message.write locations.readonly users.readonly")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("MINIO_USE_SSL", false)
	v.SetDefault("AGENT_IMPLICIT_FALLBACK", true)
	v.SetDefault("INFERENCE_RATE_PER_SECOND", 2.0)
	v.SetDefault("INFERENCE_RATE_BURST", 5)
	v.SetDefault("AUTOPILOT_SWEEP_INTERVAL", "1m")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")

	// Keys without defaults still need to be known to AutomaticEnv lookups.
	for _, key := range []string{
		"DATABASE_DSN", "DATABASE_DRIVER", "SUPABASE_JWT_SECRET",
		"GHL_CLIENT_ID", "GHL_CLIENT_SECRET", "GHL_REDIRECT_URI",
		"FASTAPI_URL", "NEXT_PUBLIC_FASTAPI_URL", "NEXTAUTH_URL", "VERCEL_URL",
		"REDIS_ADDR", "REDIS_PASSWORD",
		"MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "MINIO_BUCKET", "MINIO_PUBLIC_URL",
		"TOKEN_ENCRYPTION_KEY",
	} {
		_ = v.BindEnv(key)
	}

	return v
}

// Load reads the configuration from v.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = New()
	}

	sweep, err := parseDuration(v.GetString("AUTOPILOT_SWEEP_INTERVAL"))
	if err != nil {
		return nil, fmt.Errorf("config: AUTOPILOT_SWEEP_INTERVAL: %w", err)
	}

	cfg := &Config{
		Port:        strings.TrimSpace(v.GetString("PORT")),
		Environment: strings.ToLower(strings.TrimSpace(v.GetString("ENVIRONMENT"))),

		DatabaseDSN:    strings.TrimSpace(v.GetString("DATABASE_DSN")),
		DatabaseDriver: strings.TrimSpace(v.GetString("DATABASE_DRIVER")),

		SupabaseJWTSecret: strings.TrimSpace(v.GetString("SUPABASE_JWT_SECRET")),

		GHLClientID:     strings.TrimSpace(v.GetString("GHL_CLIENT_ID")),
		GHLClientSecret: strings.TrimSpace(v.GetString("GHL_CLIENT_SECRET")),
		GHLRedirectURI:  strings.TrimSpace(v.GetString("GHL_REDIRECT_URI")),
		GHLScopes:       strings.Fields(v.GetString("GHL_SCOPES")),
		GHLAPIBaseURL:   strings.TrimRight(strings.TrimSpace(v.GetString("GHL_API_BASE_URL")), "/"),
		GHLTokenURL:     strings.TrimSpace(v.GetString("GHL_TOKEN_URL")),
		GHLAuthorizeURL: strings.TrimSpace(v.GetString("GHL_AUTHORIZE_URL")),

		FastAPIURL: firstNonEmpty(v.GetString("FASTAPI_URL"), v.GetString("NEXT_PUBLIC_FASTAPI_URL")),
		PublicURL:  publicURL(v.GetString("NEXTAUTH_URL"), v.GetString("VERCEL_URL"), v.GetString("PORT")),

		RedisAddr:     strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),

		MinioEndpoint:  strings.TrimSpace(v.GetString("MINIO_ENDPOINT")),
		MinioAccessKey: strings.TrimSpace(v.GetString("MINIO_ACCESS_KEY")),
		MinioSecretKey: strings.TrimSpace(v.GetString("MINIO_SECRET_KEY")),
		MinioBucket:    strings.TrimSpace(v.GetString("MINIO_BUCKET")),
		MinioUseSSL:    v.GetBool("MINIO_USE_SSL"),
		MinioPublicURL: strings.TrimSpace(v.GetString("MINIO_PUBLIC_URL")),

		TokenEncryptionKey: strings.TrimSpace(v.GetString("TOKEN_ENCRYPTION_KEY")),

		AgentImplicitFallback: v.GetBool("AGENT_IMPLICIT_FALLBACK"),

		InferenceRatePerSecond: v.GetFloat64("INFERENCE_RATE_PER_SECOND"),
		InferenceRateBurst:     v.GetInt("INFERENCE_RATE_BURST"),

		AutopilotSweepInterval: sweep,

		CORSAllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.GHLRedirectURI == "" && cfg.PublicURL != "" {
		cfg.GHLRedirectURI = cfg.PublicURL + "/api/auth/ghl/callback"
	}

	return cfg, nil
}

// Validate reports settings the server cannot start without.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil config")
	}
	var problems []string
	if c.DatabaseDSN == "" {
		problems = append(problems, "DATABASE_DSN is required")
	}
	if c.SupabaseJWTSecret == "" {
		problems = append(problems, "SUPABASE_JWT_SECRET is required")
	}
	if c.FastAPIURL == "" {
		problems = append(problems, "FASTAPI_URL or NEXT_PUBLIC_FASTAPI_URL is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Production reports whether the service runs with ENVIRONMENT=production.
func (c *Config) Production() bool {
	return c != nil && c.Environment == "production"
}

func parseDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Minute, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", trimmed)
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimRight(strings.TrimSpace(value), "/"); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// publicURL mirrors how the dashboard derives its own origin:
// NEXTAUTH_URL first, then the Vercel deployment host, then localhost.
func publicURL(nextAuthURL, vercelURL, port string) string {
	if trimmed := strings.TrimRight(strings.TrimSpace(nextAuthURL), "/"); trimmed != "" {
		return trimmed
	}
	if host := strings.TrimSpace(vercelURL); host != "" {
		host = strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://")
		return "https://" + strings.TrimRight(host, "/")
	}
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}
	return "http://localhost:" + port
}

func splitList(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
