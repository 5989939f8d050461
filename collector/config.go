package collector

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/telemd/observability"
	"github.com/hazyhaar/telemd/purge"
	"github.com/hazyhaar/telemd/shield"
)

// Config holds the full telemd configuration.
type Config struct {
	Listen              string `yaml:"listen"`
	DBPath              string `yaml:"db_path"`
	ObservabilityDBPath string `yaml:"observability_db_path"`
	QuarantineDir       string `yaml:"quarantine_dir"`

	// TelemetryID is the deployment's tenant token. Only records whose
	// X-Telemetry-Tid header matches it exactly are admitted.
	TelemetryID string `yaml:"telemetry_id"`

	MaxPayloadKB int `yaml:"max_payload_kb"`

	RateLimits map[string]shield.RateLimitConfig `yaml:"rate_limits"`
	Console    ConsoleConfig                     `yaml:"console"`
	Purge      purge.Config                      `yaml:"purge"`
	Retention  observability.RetentionConfig     `yaml:"retention"`
}

// ConsoleConfig configures the operator console account.
type ConsoleConfig struct {
	User           string `yaml:"user"`
	PasswordBcrypt string `yaml:"password_bcrypt"`
}

// DefaultConfig returns sane defaults. TelemetryID matches the
// telemetrics-client default so a stock client can talk to a stock server.
func DefaultConfig() *Config {
	return &Config{
		Listen:              ":8080",
		DBPath:              "telemd.db",
		ObservabilityDBPath: "telemd_obs.db",
		QuarantineDir:       "quarantine",
		TelemetryID:         "6907c830-eed9-4ce9-81ae-76daf8d88f0f",
		MaxPayloadKB:        300,
		Purge: purge.Config{
			MaxDaysKeepUnfilteredRecords: 35,
		},
		Retention: observability.RetentionConfig{
			EventLogsDays:  30,
			HeartbeatsDays: 7,
		},
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig
// merged with the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.QuarantineDir == "" {
		return fmt.Errorf("quarantine_dir is required")
	}
	if c.TelemetryID == "" {
		return fmt.Errorf("telemetry_id is required")
	}
	if c.MaxPayloadKB <= 0 {
		return fmt.Errorf("max_payload_kb must be > 0")
	}
	if (c.Console.User == "") != (c.Console.PasswordBcrypt == "") {
		return fmt.Errorf("console: user and password_bcrypt must be set together")
	}
	return c.Purge.Validate()
}

// MaxPayloadBytes returns the payload size cap in bytes.
func (c *Config) MaxPayloadBytes() int64 { return int64(c.MaxPayloadKB) * 1024 }
