package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
app:
  environment: test
venues:
  aster:
    base_url: https://fapi.example.com
    stream_url: wss://fstream.example.com
    accounts:
      main:
        api_key: k
        api_secret: s
    retry:
      max_attempts: 3
      min_delay: 500ms
      max_delay: 5s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.App.Environment != "test" {
		t.Errorf("environment = %q, want test", cfg.App.Environment)
	}
	if cfg.Engine.Slicer.EscalationFactor != 1.25 {
		t.Errorf("escalation factor default = %v, want 1.25", cfg.Engine.Slicer.EscalationFactor)
	}
	if cfg.Engine.Chase.BatchBudget != 3*time.Hour {
		t.Errorf("batch budget default = %v, want 3h", cfg.Engine.Chase.BatchBudget)
	}
	if cfg.Engine.CallTimeout != 15*time.Second {
		t.Errorf("call timeout default = %v, want 15s", cfg.Engine.CallTimeout)
	}
	if cfg.Venues["aster"].Retry.MinDelay != 500*time.Millisecond {
		t.Errorf("retry min delay = %v, want 500ms", cfg.Venues["aster"].Retry.MinDelay)
	}
	if len(cfg.Logging.OutputPaths) != 1 || cfg.Logging.OutputPaths[0] != "stdout" {
		t.Errorf("logging output default = %v, want [stdout]", cfg.Logging.OutputPaths)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadOverrides(t *testing.T) {
	yaml := minimalYAML + `
engine:
  chase:
    poll_interval: 1s
    max_cycles: 50
risk:
  max_notional: 2500
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Engine.Chase.PollInterval != time.Second {
		t.Errorf("poll interval = %v, want 1s", cfg.Engine.Chase.PollInterval)
	}
	if cfg.Engine.Chase.MaxCycles != 50 {
		t.Errorf("max cycles = %v, want 50", cfg.Engine.Chase.MaxCycles)
	}
	if cfg.Risk.MaxNotional != 2500 {
		t.Errorf("max notional = %v, want 2500", cfg.Risk.MaxNotional)
	}
}

func TestVenueAccountLookup(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	creds, err := cfg.Venues["aster"].Account("main")
	if err != nil {
		t.Fatalf("Account returned error: %v", err)
	}
	if creds.APIKey != "k" || creds.APISecret != "s" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
	if _, err := cfg.Venues["aster"].Account("ghost"); err == nil {
		t.Fatalf("expected error for unknown account")
	}
}

func TestValidateRejectsBrokenConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"no venues", func(c *Config) { c.Venues = nil }, "venues"},
		{"venue without accounts", func(c *Config) {
			v := c.Venues["aster"]
			v.Accounts = nil
			c.Venues["aster"] = v
		}, "accounts"},
		{"inverted retry delays", func(c *Config) {
			v := c.Venues["aster"]
			v.Retry.MinDelay = 10 * time.Second
			v.Retry.MaxDelay = time.Second
			c.Venues["aster"] = v
		}, "min_delay"},
		{"escalation factor too low", func(c *Config) { c.Engine.Slicer.EscalationFactor = 1 }, "escalation_factor"},
		{"soft offset out of range", func(c *Config) { c.Engine.Slicer.SoftOffset = 0.5 }, "soft_offset"},
		{"zero chase cycles", func(c *Config) { c.Engine.Chase.MaxCycles = 0 }, "max_cycles"},
		{"confidence band inverted", func(c *Config) {
			c.Risk.MinConfidence = 0.9
			c.Risk.ConfidenceFullSize = 0.5
		}, "confidence"},
		{"no database path", func(c *Config) {
			c.Database.Path = ""
			c.Database.InMemory = false
		}, "database.path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			broken := *cfg
			broken.Venues = make(map[string]VenueConfig, len(cfg.Venues))
			for k, v := range cfg.Venues {
				broken.Venues[k] = v
			}
			tc.mutate(&broken)

			err := broken.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateAcceptsInMemoryDatabase(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	cfg.Database.Path = ""
	cfg.Database.InMemory = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("in-memory database must not require a path: %v", err)
	}
}
