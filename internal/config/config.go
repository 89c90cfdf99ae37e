package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"custodia.org/internal/incident"
)

// Config is the full service configuration: server knobs plus the
// compliance policy (alert thresholds, escalation paths, redaction keys).
type Config struct {
	HTTPAddr     string `yaml:"http_addr" koanf:"http_addr"`
	DatabaseURL  string `yaml:"database_url" koanf:"database_url"`
	JWTSecret    string `yaml:"jwt_secret" koanf:"jwt_secret"`
	RatePerSec   int    `yaml:"rate_per_sec" koanf:"rate_per_sec"`
	RateBurst    int    `yaml:"rate_burst" koanf:"rate_burst"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" koanf:"max_body_bytes"`

	ExportCap        int      `yaml:"export_cap" koanf:"export_cap"`
	RedactionKeys    []string `yaml:"redaction_keys" koanf:"redaction_keys"`
	BreachWindowHrs  int      `yaml:"breach_window_hours" koanf:"breach_window_hours"`
	SweepIntervalSec int      `yaml:"sweep_interval_sec" koanf:"sweep_interval_sec"`
	AlertWebhookURL  string   `yaml:"alert_webhook_url" koanf:"alert_webhook_url"`

	Thresholds []incident.Threshold `yaml:"thresholds" koanf:"thresholds"`
	Escalation map[string][]string  `yaml:"escalation" koanf:"escalation"`
}

// Load reads configuration from the given YAML policy file, then overlays
// environment variable overrides (CUSTODIA_*). A missing file is not an
// error; defaults plus the environment apply.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	// CUSTODIA_HTTP_ADDR -> http_addr, etc.
	if err := k.Load(env.Provider("CUSTODIA_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "CUSTODIA_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to the given YAML file path.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration holds usable values.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("http_addr is required")
	}
	if c.ExportCap <= 0 {
		return fmt.Errorf("export_cap must be positive")
	}
	if c.BreachWindowHrs <= 0 {
		return fmt.Errorf("breach_window_hours must be positive")
	}
	if c.RatePerSec <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	for i, th := range c.Thresholds {
		if th.Name == "" || th.Match.EventType == "" {
			return fmt.Errorf("threshold %d: name and match.event_type are required", i)
		}
		if _, err := incident.ParseSeverity(string(th.Severity)); err != nil {
			return fmt.Errorf("threshold %q: %w", th.Name, err)
		}
	}
	for sev := range c.Escalation {
		if _, err := incident.ParseSeverity(sev); err != nil {
			return fmt.Errorf("escalation: %w", err)
		}
	}
	return nil
}

// BreachWindow returns the breach notification window as a duration.
func (c *Config) BreachWindow() time.Duration {
	return time.Duration(c.BreachWindowHrs) * time.Hour
}

// SweepInterval returns the grant sweeper cadence as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// EscalationPath converts the configured severity→targets map into the
// incident package's typed form. Validate must have passed first.
func (c *Config) EscalationPath() incident.EscalationPath {
	out := make(incident.EscalationPath, len(c.Escalation))
	for sev, targets := range c.Escalation {
		out[incident.Severity(sev)] = targets
	}
	return out
}
