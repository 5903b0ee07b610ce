// Package config defines the orchestrator configuration surface: model
// endpoints with per-model parameter exclusions, validation policies keyed by
// operation, and the ambient logging/metrics settings.
package config

import (
	"fmt"
	"time"

	"github.com/fabulist/fabula/pkg/observability"
)

type Config struct {
	Logging    LoggingConfig               `yaml:"logging"`
	Database   DatabaseConfig              `yaml:"database"`
	Metrics    observability.MetricsConfig `yaml:"metrics"`
	Tracing    observability.TracerConfig  `yaml:"tracing"`
	Models     map[string]*ModelEndpoint   `yaml:"models"`
	Validation ValidationOptions           `yaml:"validation"`
	Engine     EngineConfig                `yaml:"engine"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type DatabaseConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

type EngineConfig struct {
	MaxConcurrentExecutions int           `yaml:"max_concurrent_executions"`
	MaxToolIterations       int           `yaml:"max_tool_iterations"`
	CallTimeout             time.Duration `yaml:"call_timeout"`
}

func (c *Config) SetDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	if c.Database.Path == "" {
		c.Database.Path = "fabula.db"
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = 5 * time.Second
	}
	if c.Engine.MaxConcurrentExecutions == 0 {
		c.Engine.MaxConcurrentExecutions = 4
	}
	if c.Engine.MaxToolIterations == 0 {
		c.Engine.MaxToolIterations = 8
	}
	if c.Engine.CallTimeout == 0 {
		c.Engine.CallTimeout = 10 * time.Minute
	}

	for name, m := range c.Models {
		if m == nil {
			continue
		}
		if m.Name == "" {
			m.Name = name
		}
		m.SetDefaults()
	}

	c.Validation.SetDefaults()
}

func (c *Config) Validate() error {
	for name, m := range c.Models {
		if m == nil {
			return fmt.Errorf("model '%s' has no configuration", name)
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("model '%s': %w", name, err)
		}
	}
	if err := c.Validation.Validate(); err != nil {
		return fmt.Errorf("validation options: %w", err)
	}
	if c.Engine.MaxToolIterations < 1 {
		return fmt.Errorf("engine.max_tool_iterations must be at least 1")
	}
	return nil
}
