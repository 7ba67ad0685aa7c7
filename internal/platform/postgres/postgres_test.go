package postgres

import (
	"testing"
	"time"
)

func TestConfigFromEnvDisabledByDefault(t *testing.T) {
	t.Setenv("MODELOPS_DATABASE_URL", "")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Enabled() {
		t.Fatalf("Enabled()=true without a URL")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{URL: "postgres://x", PingTimeout: time.Second, MaxOpenConns: 2, MaxIdleConns: 1}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	cfg.MaxIdleConns = 3
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() expected error for idle > open")
	}
}

func TestConfigFromEnvRejectsBadDuration(t *testing.T) {
	t.Setenv("MODELOPS_DATABASE_PING_TIMEOUT", "soon")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("ConfigFromEnv() expected parse error")
	}
}
