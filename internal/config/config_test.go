package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable Load reads so tests see pure defaults plus
// whatever they set themselves.
func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"PORT", "READ_TIMEOUT", "READ_HEADER_TIMEOUT", "WRITE_TIMEOUT",
		"IDLE_TIMEOUT", "MAX_HEADER_BYTES", "GIN_MODE",
		"LOG_LEVEL", "LOG_PRETTY",
		"DB_PATH", "ADMIN_IDENTIFIERS", "MAX_BODY_RUNES", "LEDGER_RETENTION",
		"URGENT_KEYWORDS", "INACTIVITY_THRESHOLD", "FOLLOWUP_THRESHOLD",
		"ALERT_RESEND_INTERVAL", "SWEEP_INTERVAL",
		"SLACK_BOT_TOKEN", "SLACK_SIGNING_SECRET", "SUPPORT_CHANNEL",
		"ALERTING_CHANNEL", "LOGGING_CHANNEL",
		"NOTIFY_MAX_RETRIES", "NOTIFY_BASE_DELAY", "NOTIFY_MAX_DELAY",
		"NOTIFY_RPS", "NOTIFY_BURST", "NOTIFY_QUEUE_SIZE", "NOTIFY_WORKERS",
		"INGEST_QUEUE_SIZE", "INGEST_WORKERS", "EMAIL_POLL_INTERVAL",
		"EMAIL_ENABLED", "EMAIL_SPOOL_DIR",
		"RATE_RPS", "RATE_BURST", "CORS_ALLOWED_ORIGINS",
		"SECURITY_ENABLE_HSTS", "SECURITY_HSTS_MAX_AGE",
		"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_EXPORTER_OTLP_INSECURE", "OTEL_SERVICE_NAME",
		"OTEL_TRACES_SAMPLER_ARG",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.GinMode != "release" {
		t.Errorf("GinMode = %q", cfg.GinMode)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.DBPath != "casedesk.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.MaxBodyRunes != 10000 {
		t.Errorf("MaxBodyRunes = %d", cfg.MaxBodyRunes)
	}
	if cfg.LedgerRetention != 30*24*time.Hour {
		t.Errorf("LedgerRetention = %v", cfg.LedgerRetention)
	}
	if cfg.Escalation.InactivityThreshold != 48*time.Hour {
		t.Errorf("InactivityThreshold = %v", cfg.Escalation.InactivityThreshold)
	}
	if cfg.Escalation.FollowupThreshold != 3 {
		t.Errorf("FollowupThreshold = %d", cfg.Escalation.FollowupThreshold)
	}
	if cfg.Escalation.AlertResendInterval != time.Hour {
		t.Errorf("AlertResendInterval = %v", cfg.Escalation.AlertResendInterval)
	}
	wantKeywords := []string{"urgent", "immediately", "asap", "emergency", "critical"}
	if !reflect.DeepEqual(cfg.Escalation.UrgentKeywords, wantKeywords) {
		t.Errorf("UrgentKeywords = %v", cfg.Escalation.UrgentKeywords)
	}
	if cfg.Ingest.QueueSize != 256 || cfg.Ingest.Workers != 4 {
		t.Errorf("Ingest = %+v", cfg.Ingest)
	}
	if cfg.Ingest.EmailEnabled {
		t.Error("EmailEnabled defaulted to true")
	}
	if cfg.Dispatch.QueueSize != 128 || cfg.Dispatch.Workers != 2 {
		t.Errorf("Dispatch = %+v", cfg.Dispatch)
	}
	if cfg.RateRPS != 5.0 || cfg.RateBurst != 10 {
		t.Errorf("rate limit = %v/%d", cfg.RateRPS, cfg.RateBurst)
	}
	if cfg.AdminIDs != nil {
		t.Errorf("AdminIDs = %v", cfg.AdminIDs)
	}
	if cfg.OTEL.Enabled {
		t.Error("OTEL enabled by default")
	}
	if cfg.Security.EnableHSTS {
		t.Error("HSTS enabled by default")
	}
	if cfg.Security.HSTSMaxAge != 180*24*time.Hour {
		t.Errorf("HSTSMaxAge = %v", cfg.Security.HSTSMaxAge)
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("ADMIN_IDENTIFIERS", "admin@example.com, U123ABC ,")
	t.Setenv("URGENT_KEYWORDS", "kaput,broken")
	t.Setenv("INACTIVITY_THRESHOLD", "2h")
	t.Setenv("FOLLOWUP_THRESHOLD", "5")
	t.Setenv("LOG_LEVEL", "WARNING")
	t.Setenv("GIN_MODE", "weird")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if want := []string{"admin@example.com", "U123ABC"}; !reflect.DeepEqual(cfg.AdminIDs, want) {
		t.Errorf("AdminIDs = %v", cfg.AdminIDs)
	}
	if want := []string{"kaput", "broken"}; !reflect.DeepEqual(cfg.Escalation.UrgentKeywords, want) {
		t.Errorf("UrgentKeywords = %v", cfg.Escalation.UrgentKeywords)
	}
	if cfg.Escalation.InactivityThreshold != 2*time.Hour {
		t.Errorf("InactivityThreshold = %v", cfg.Escalation.InactivityThreshold)
	}
	if cfg.Escalation.FollowupThreshold != 5 {
		t.Errorf("FollowupThreshold = %d", cfg.Escalation.FollowupThreshold)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warning normalized to warn", cfg.LogLevel)
	}
	if cfg.GinMode != "release" {
		t.Errorf("GinMode = %q, want unknown mode coerced to release", cfg.GinMode)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		wantSub string
	}{
		{"bad log level", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"zero followups", map[string]string{"FOLLOWUP_THRESHOLD": "0"}, "FOLLOWUP_THRESHOLD"},
		{"negative rate", map[string]string{"RATE_RPS": "-1"}, "RATE_RPS"},
		{"zero burst", map[string]string{"RATE_BURST": "0"}, "RATE_BURST"},
		{"bad sampler ratio", map[string]string{"OTEL_TRACES_SAMPLER_ARG": "1.5"}, "OTEL_TRACES_SAMPLER_ARG"},
		{"zero hsts max age", map[string]string{"SECURITY_HSTS_MAX_AGE": "-1h"}, "SECURITY_HSTS_MAX_AGE"},
		{"email without spool", map[string]string{"EMAIL_ENABLED": "true"}, "EMAIL_SPOOL_DIR"},
		{"zero ingest workers", map[string]string{"INGEST_WORKERS": "0"}, "INGEST_WORKERS"},
		{"negative retries", map[string]string{"NOTIFY_MAX_RETRIES": "-1"}, "NOTIFY_MAX_RETRIES"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil || !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("Load error = %v, want mention of %s", err, tc.wantSub)
			}
		})
	}
}

func TestLoad_EmailEnabledWithSpoolDir(t *testing.T) {
	clearEnv(t)
	t.Setenv("EMAIL_ENABLED", "true")
	t.Setenv("EMAIL_SPOOL_DIR", "/var/spool/casedesk")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Ingest.EmailEnabled || cfg.Ingest.EmailSpoolDir != "/var/spool/casedesk" {
		t.Errorf("Ingest = %+v", cfg.Ingest)
	}
}

func TestGetbool_RecognizedForms(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", "on", "y"} {
		t.Setenv("BOOL_PROBE", v)
		if !getbool("BOOL_PROBE", false) {
			t.Errorf("%q not recognized as true", v)
		}
	}
	for _, v := range []string{"0", "false", "NO", "off", "n"} {
		t.Setenv("BOOL_PROBE", v)
		if getbool("BOOL_PROBE", true) {
			t.Errorf("%q not recognized as false", v)
		}
	}
	t.Setenv("BOOL_PROBE", "maybe")
	if !getbool("BOOL_PROBE", true) {
		t.Error("unparseable value should fall back to the default")
	}
}

func TestGetdur_FallsBackOnGarbage(t *testing.T) {
	t.Setenv("DUR_PROBE", "soon")
	if got := getdur("DUR_PROBE", 7*time.Second); got != 7*time.Second {
		t.Errorf("getdur = %v", got)
	}
	t.Setenv("DUR_PROBE", "90s")
	if got := getdur("DUR_PROBE", 7*time.Second); got != 90*time.Second {
		t.Errorf("getdur = %v", got)
	}
}
