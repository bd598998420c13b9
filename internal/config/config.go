package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models sceneline.yml.
type Config struct {
	Project struct {
		ID               string  `yaml:"id"`
		DefaultBudgetUSD float64 `yaml:"default_budget_usd"`
	} `yaml:"project"`
	Pipeline struct {
		LockTTLSeconds   int                `yaml:"lock_ttl_seconds"`
		EstimatedCostUSD float64            `yaml:"estimated_cost_usd"`
		RoleCostsUSD     map[string]float64 `yaml:"role_costs_usd"`
	} `yaml:"pipeline"`
	Worker struct {
		Count               int `yaml:"count"`
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	} `yaml:"worker"`
	Executor struct {
		Endpoint       string `yaml:"endpoint"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"executor"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// LockTTL returns the configured scene lock TTL.
func (c *Config) LockTTL() time.Duration {
	if c.Pipeline.LockTTLSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.Pipeline.LockTTLSeconds) * time.Second
}

// RoleCost returns the estimated cost for a role, falling back to the
// pipeline-wide estimate. Budget authorization uses this before the role
// runs; the real cost is known only afterwards.
func (c *Config) RoleCost(role string) float64 {
	if cost, ok := c.Pipeline.RoleCostsUSD[role]; ok {
		return cost
	}
	if c.Pipeline.EstimatedCostUSD > 0 {
		return c.Pipeline.EstimatedCostUSD
	}
	return 0.50
}

// PollInterval returns the worker queue polling interval.
func (c *Config) PollInterval() time.Duration {
	if c.Worker.PollIntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Worker.PollIntervalSeconds) * time.Second
}

// WorkerCount returns the number of queue workers.
func (c *Config) WorkerCount() int {
	if c.Worker.Count <= 0 {
		return 2
	}
	return c.Worker.Count
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.DefaultBudgetUSD < 0 {
		return fmt.Errorf("config.project.default_budget_usd must not be negative")
	}
	if c.Pipeline.EstimatedCostUSD < 0 {
		return fmt.Errorf("config.pipeline.estimated_cost_usd must not be negative")
	}
	for role, cost := range c.Pipeline.RoleCostsUSD {
		if role == "" {
			return fmt.Errorf("config.pipeline.role_costs_usd contains empty role")
		}
		if cost < 0 {
			return fmt.Errorf("role %s has negative estimated cost", role)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(""), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sceneline.yml")
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `project:
  default_budget_usd: 25.0

pipeline:
  lock_ttl_seconds: 120
  estimated_cost_usd: 0.50
  role_costs_usd:
    writer: 0.80
    director: 0.60
    cinematographer: 0.50
    editor: 0.40
    producer: 0.30
    showrunner: 0.40

worker:
  count: 2
  poll_interval_seconds: 2

executor:
  timeout_seconds: 60
`
