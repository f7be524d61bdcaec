// Package config loads per-deployment overrides for registered functions.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dukex/durable/pkg/models"
)

var ErrUnknownFunction = errors.New("override for unknown function")

// FunctionConfigFile is the layout of the functions YAML file:
//
//	functions:
//	  send-weekly-digest:
//	    retries: 3
//	    throttle: {limit: 50, period: 1m}
//	  daily-cleanup:
//	    disabled: true
type FunctionConfigFile struct {
	Functions map[string]FunctionOverride `yaml:"functions"`
}

type FunctionOverride struct {
	Disabled    bool          `yaml:"disabled"`
	Retries     *int          `yaml:"retries"`
	Concurrency *LimitConfig  `yaml:"concurrency"`
	Throttle    *LimitConfig  `yaml:"throttle"`
	Timeout     time.Duration `yaml:"timeout"`
	StepTimeout time.Duration `yaml:"step_timeout"`

	// Cron replaces the schedule of a cron-triggered function.
	Cron string `yaml:"cron"`
}

type LimitConfig struct {
	Limit          int           `yaml:"limit"`
	Period         time.Duration `yaml:"period"`
	MaxWait        time.Duration `yaml:"max_wait"`
	RetryOnTimeout bool          `yaml:"retry_on_timeout"`
}

func (l *LimitConfig) limit() *models.Limit {
	return &models.Limit{
		Limit:          l.Limit,
		Period:         l.Period,
		MaxWait:        l.MaxWait,
		RetryOnTimeout: l.RetryOnTimeout,
	}
}

// LoadFunctionConfig reads the overrides file. An empty path yields no overrides.
func LoadFunctionConfig(path string) (*FunctionConfigFile, error) {
	if path == "" {
		return &FunctionConfigFile{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file FunctionConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return &file, nil
}

// Apply returns def with its override applied and whether the function stays
// enabled.
func (c *FunctionConfigFile) Apply(def models.FunctionDefinition) (models.FunctionDefinition, bool) {
	override, ok := c.Functions[def.ID]
	if !ok {
		return def, true
	}

	if override.Disabled {
		return def, false
	}

	if override.Retries != nil {
		def.Retries = *override.Retries
	}

	if override.Concurrency != nil {
		def.Concurrency = override.Concurrency.limit()
	}

	if override.Throttle != nil {
		def.Throttle = override.Throttle.limit()
	}

	if override.Timeout > 0 {
		def.Timeout = override.Timeout
	}

	if override.StepTimeout > 0 {
		def.StepTimeout = override.StepTimeout
	}

	if override.Cron != "" && def.Trigger.Cron != "" {
		def.Trigger.Cron = override.Cron
	}

	return def, true
}

// Check fails when an override names a function that is not known.
func (c *FunctionConfigFile) Check(known func(id string) bool) error {
	var errs []error

	for id := range c.Functions {
		if !known(id) {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownFunction, id))
		}
	}

	return errors.Join(errs...)
}
