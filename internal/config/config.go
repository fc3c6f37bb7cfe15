// Package config loads the server/runtime configuration document.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrConfigEmpty = errors.New("empty configuration")

// Duration wraps time.Duration for YAML fields like "10s" or "24h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Environment is a named deployment target with an approval policy.
type Environment struct {
	Name            string   `yaml:"name"`
	Approval        string   `yaml:"approval"` // none | required
	Approvers       []string `yaml:"approvers"`
	ApprovalTimeout Duration `yaml:"approvalTimeout"`
}

// Config is the top-level runtime configuration.
type Config struct {
	Listen       string        `yaml:"listen"`
	ArtifactRoot string        `yaml:"artifactRoot"`
	JournalPath  string        `yaml:"journalPath"`
	Workers      int           `yaml:"workers"`
	CancelGrace  Duration      `yaml:"cancelGrace"`
	Environments []Environment `yaml:"environments"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:       ":8080",
		ArtifactRoot: "./artifacts",
		JournalPath:  "./journal.jsonl",
		Workers:      4,
		CancelGrace:  Duration(10 * time.Second),
	}
}

// Load reads and validates a configuration file. Missing fields keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes configuration bytes over the defaults and validates.
func Parse(data []byte) (*Config, error) {
	if len(data) == 0 {
		return nil, ErrConfigEmpty
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and environment policies.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.CancelGrace.Std() <= 0 {
		return fmt.Errorf("cancelGrace must be positive")
	}
	seen := make(map[string]bool)
	for i, env := range c.Environments {
		if env.Name == "" {
			return fmt.Errorf("environments[%d]: name required", i)
		}
		if seen[env.Name] {
			return fmt.Errorf("environments[%d]: duplicate environment %q", i, env.Name)
		}
		seen[env.Name] = true
		switch env.Approval {
		case "", "none":
		case "required":
			if len(env.Approvers) == 0 {
				return fmt.Errorf("environment %q requires approval but lists no approvers", env.Name)
			}
		default:
			return fmt.Errorf("environment %q: approval must be none or required, got %q", env.Name, env.Approval)
		}
	}
	return nil
}
