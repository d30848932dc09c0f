// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, the database path, escalation thresholds,
// notification channels, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig controls the security-header middleware. HSTS must stay off
// unless traffic is HTTPS end to end, the proxy hop included.
type SecurityConfig struct {
	EnableHSTS bool          // SECURITY_ENABLE_HSTS
	HSTSMaxAge time.Duration // SECURITY_HSTS_MAX_AGE
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-casedesk")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// EscalationConfig holds the rule-evaluator thresholds and sweep cadence.
type EscalationConfig struct {
	UrgentKeywords      []string      // URGENT_KEYWORDS (csv)
	InactivityThreshold time.Duration // INACTIVITY_THRESHOLD, default 48h
	FollowupThreshold   int           // FOLLOWUP_THRESHOLD, default 3
	AlertResendInterval time.Duration // ALERT_RESEND_INTERVAL, default 60m
	SweepInterval       time.Duration // SWEEP_INTERVAL, default 300s
}

// SlackConfig holds the outbound notification settings.
type SlackConfig struct {
	BotToken        string        // SLACK_BOT_TOKEN
	SigningSecret   string        // SLACK_SIGNING_SECRET (webhook verification)
	SupportChannel  string        // SUPPORT_CHANNEL
	AlertingChannel string        // ALERTING_CHANNEL
	LoggingChannel  string        // LOGGING_CHANNEL
	MaxRetries      int           // NOTIFY_MAX_RETRIES
	BaseDelay       time.Duration // NOTIFY_BASE_DELAY
	MaxDelay        time.Duration // NOTIFY_MAX_DELAY
	RPS             float64       // NOTIFY_RPS
	Burst           int           // NOTIFY_BURST
}

// IngestConfig sizes the inbound queue and its consumer pool.
type IngestConfig struct {
	QueueSize         int           // INGEST_QUEUE_SIZE
	Workers           int           // INGEST_WORKERS
	EmailPollInterval time.Duration // EMAIL_POLL_INTERVAL
	EmailEnabled      bool          // EMAIL_ENABLED
	EmailSpoolDir     string        // EMAIL_SPOOL_DIR (maildir root)
}

// NotifyDispatchConfig sizes the notification dispatch queue and workers.
type NotifyDispatchConfig struct {
	QueueSize int // NOTIFY_QUEUE_SIZE
	Workers   int // NOTIFY_WORKERS
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// App
	DBPath          string        // SQLite path
	AdminIDs        []string      // ADMIN_IDENTIFIERS (csv, emails and chat user IDs)
	MaxBodyRunes    int           // MAX_BODY_RUNES, stored message body cap
	LedgerRetention time.Duration // LEDGER_RETENTION, dedup ledger age cutoff

	Escalation EscalationConfig
	Slack      SlackConfig
	Ingest     IngestConfig
	Dispatch   NotifyDispatchConfig

	// Rate limiting (webhook endpoint)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// App
		DBPath:          getenv("DB_PATH", "casedesk.db"),
		AdminIDs:        splitCSV(getenv("ADMIN_IDENTIFIERS", "")),
		MaxBodyRunes:    getint("MAX_BODY_RUNES", 10000),
		LedgerRetention: getdur("LEDGER_RETENTION", 30*24*time.Hour),

		Escalation: EscalationConfig{
			UrgentKeywords:      splitCSV(getenv("URGENT_KEYWORDS", "urgent,immediately,asap,emergency,critical")),
			InactivityThreshold: getdur("INACTIVITY_THRESHOLD", 48*time.Hour),
			FollowupThreshold:   getint("FOLLOWUP_THRESHOLD", 3),
			AlertResendInterval: getdur("ALERT_RESEND_INTERVAL", time.Hour),
			SweepInterval:       getdur("SWEEP_INTERVAL", 300*time.Second),
		},

		Slack: SlackConfig{
			BotToken:        getenv("SLACK_BOT_TOKEN", ""),
			SigningSecret:   getenv("SLACK_SIGNING_SECRET", ""),
			SupportChannel:  getenv("SUPPORT_CHANNEL", ""),
			AlertingChannel: getenv("ALERTING_CHANNEL", ""),
			LoggingChannel:  getenv("LOGGING_CHANNEL", ""),
			MaxRetries:      getint("NOTIFY_MAX_RETRIES", 3),
			BaseDelay:       getdur("NOTIFY_BASE_DELAY", time.Second),
			MaxDelay:        getdur("NOTIFY_MAX_DELAY", 60*time.Second),
			RPS:             getfloat("NOTIFY_RPS", 1.0),
			Burst:           getint("NOTIFY_BURST", 5),
		},

		Ingest: IngestConfig{
			QueueSize:         getint("INGEST_QUEUE_SIZE", 256),
			Workers:           getint("INGEST_WORKERS", 4),
			EmailPollInterval: getdur("EMAIL_POLL_INTERVAL", 30*time.Second),
			EmailEnabled:      getbool("EMAIL_ENABLED", false),
			EmailSpoolDir:     getenv("EMAIL_SPOOL_DIR", ""),
		},

		Dispatch: NotifyDispatchConfig{
			QueueSize: getint("NOTIFY_QUEUE_SIZE", 128),
			Workers:   getint("NOTIFY_WORKERS", 2),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("SECURITY_ENABLE_HSTS", false),
			HSTSMaxAge: getdur("SECURITY_HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-casedesk"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.MaxBodyRunes <= 0 {
		return cfg, errors.New("MAX_BODY_RUNES must be > 0")
	}
	if cfg.LedgerRetention <= 0 {
		return cfg, errors.New("LEDGER_RETENTION must be > 0")
	}
	if cfg.Escalation.InactivityThreshold <= 0 {
		return cfg, errors.New("INACTIVITY_THRESHOLD must be > 0")
	}
	if cfg.Escalation.FollowupThreshold < 1 {
		return cfg, errors.New("FOLLOWUP_THRESHOLD must be >= 1")
	}
	if cfg.Escalation.AlertResendInterval <= 0 {
		return cfg, errors.New("ALERT_RESEND_INTERVAL must be > 0")
	}
	if cfg.Escalation.SweepInterval <= 0 {
		return cfg, errors.New("SWEEP_INTERVAL must be > 0")
	}
	if cfg.Slack.MaxRetries < 0 {
		return cfg, errors.New("NOTIFY_MAX_RETRIES must be >= 0")
	}
	if cfg.Slack.BaseDelay <= 0 || cfg.Slack.MaxDelay <= 0 {
		return cfg, errors.New("notify retry delays must be positive durations")
	}
	if cfg.Ingest.QueueSize < 1 || cfg.Ingest.Workers < 1 {
		return cfg, errors.New("INGEST_QUEUE_SIZE and INGEST_WORKERS must be >= 1")
	}
	if cfg.Ingest.EmailEnabled && strings.TrimSpace(cfg.Ingest.EmailSpoolDir) == "" {
		return cfg, errors.New("EMAIL_SPOOL_DIR must be set when EMAIL_ENABLED is true")
	}
	if cfg.Dispatch.QueueSize < 1 || cfg.Dispatch.Workers < 1 {
		return cfg, errors.New("NOTIFY_QUEUE_SIZE and NOTIFY_WORKERS must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge <= 0 {
		return cfg, errors.New("SECURITY_HSTS_MAX_AGE must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
