// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/durable/internal/demo"
	"github.com/dukex/durable/pkg/config"
	"github.com/dukex/durable/pkg/engine"
	"github.com/dukex/durable/pkg/registry"
)

// NewRegistry builds the function registry with the bundled functions, applying
// the overrides file at configPath when one is given.
func NewRegistry(logger *slog.Logger, configPath string) (*registry.Registry[engine.Handler], error) {
	overrides, err := config.LoadFunctionConfig(configPath)
	if err != nil {
		return nil, err
	}

	functions := demo.Functions(demo.LogServices(logger))
	known := make(map[string]bool, len(functions))

	for _, fn := range functions {
		known[fn.Definition.ID] = true
	}

	if err := overrides.Check(func(id string) bool { return known[id] }); err != nil {
		return nil, err
	}

	reg := registry.New[engine.Handler](logger)

	for _, fn := range functions {
		def, enabled := overrides.Apply(fn.Definition)
		if !enabled {
			logger.Info("Function disabled by configuration", "function_id", def.ID)

			continue
		}

		if err := reg.Register(def, fn.Handler, fn.Options...); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", def.ID, err)
		}
	}

	return reg, nil
}
