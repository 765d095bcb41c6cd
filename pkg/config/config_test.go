package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Debounce.Window != 250*time.Millisecond {
		t.Errorf("Expected 250ms debounce default, got: %s", cfg.Debounce.Window)
	}
	if cfg.Credentials.RefreshBuffer != 30*time.Minute {
		t.Errorf("Expected 30m refresh buffer default, got: %s", cfg.Credentials.RefreshBuffer)
	}
	if !cfg.Refresh.Enabled || cfg.Refresh.WindowStart != 9 || cfg.Refresh.WindowEnd != 11 {
		t.Errorf("unexpected refresh defaults: %+v", cfg.Refresh)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pttlink.yaml")
	data := `
participant:
  region_id: r1
  office_id: o1
  role: dispatcher
debounce:
  window: 300ms
policy:
  rules:
    driving:
      auto_disconnect_delay: 0s
    idle:
      auto_disconnect_delay: 45s
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Participant.Role != "dispatcher" {
		t.Errorf("Expected dispatcher role, got: %q", cfg.Participant.Role)
	}
	if cfg.Debounce.Window != 300*time.Millisecond {
		t.Errorf("Expected 300ms window, got: %s", cfg.Debounce.Window)
	}
	if cfg.Policy.Rules["idle"].AutoDisconnectDelay != 45*time.Second {
		t.Errorf("unexpected idle rule: %+v", cfg.Policy.Rules["idle"])
	}
	// Untouched sections keep their defaults.
	if cfg.Issuer.Timeout != 10*time.Second {
		t.Errorf("Expected issuer timeout default, got: %s", cfg.Issuer.Timeout)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Participant.RegionID = "r1"
		cfg.Participant.OfficeID = "o1"
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("Expected valid config, got: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing region", func(c *Config) { c.Participant.RegionID = "" }},
		{"missing office", func(c *Config) { c.Participant.OfficeID = "" }},
		{"zero debounce", func(c *Config) { c.Debounce.Window = 0 }},
		{"zero refresh buffer", func(c *Config) { c.Credentials.RefreshBuffer = 0 }},
		{"inverted refresh window", func(c *Config) { c.Refresh.WindowStart = 11; c.Refresh.WindowEnd = 9 }},
		{"zero anomaly threshold", func(c *Config) { c.Credentials.AnomalyPerMin = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PTTLINK_REGION_ID", "r9")
	t.Setenv("PTTLINK_ROLE", "manager")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Participant.RegionID != "r9" {
		t.Errorf("Expected env region override, got: %q", cfg.Participant.RegionID)
	}
	if cfg.Participant.Role != "manager" {
		t.Errorf("Expected env role override, got: %q", cfg.Participant.Role)
	}
}
