// Package registry holds the durable functions known to a process, keyed by ID and
// indexed by the event that triggers them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	"github.com/dukex/durable/pkg/models"
)

var (
	ErrDuplicateFunction = errors.New("function already registered")
	ErrInvalidSchema     = errors.New("invalid trigger schema")
	ErrNoFunctions       = errors.New("no functions registered")
)

// Entry is a registered function. H is the handler type of the executing engine.
type Entry[H any] struct {
	Definition models.FunctionDefinition
	Handler    H

	// OnFailure runs once after the function failed terminally.
	OnFailure      H
	HasFailureHook bool

	schema *gojsonschema.Schema
}

// Schema is the compiled trigger schema or nil when the function accepts any data.
func (e *Entry[H]) Schema() *gojsonschema.Schema {
	return e.schema
}

type Option[H any] func(*Entry[H])

// WithFailureHandler registers the hook run after terminal failure.
func WithFailureHandler[H any](handler H) Option[H] {
	return func(e *Entry[H]) {
		e.OnFailure = handler
		e.HasFailureHook = true
	}
}

type Registry[H any] struct {
	logger   *slog.Logger
	validate *validator.Validate

	mu      sync.RWMutex
	entries map[string]*Entry[H]
	order   []string
}

func New[H any](logger *slog.Logger) *Registry[H] {
	return &Registry[H]{
		logger:   logger.With("module", "registry"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		entries:  make(map[string]*Entry[H]),
	}
}

// Register validates def and stores it with its handler.
func (r *Registry[H]) Register(def models.FunctionDefinition, handler H, opts ...Option[H]) error {
	if err := r.validate.Struct(def); err != nil {
		return fmt.Errorf("function %q: %w", def.ID, err)
	}

	if err := def.Validate(); err != nil {
		return fmt.Errorf("function %q: %w", def.ID, err)
	}

	entry := &Entry[H]{Definition: def, Handler: handler}

	if def.Trigger.Schema != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(def.Trigger.Schema))
		if err != nil {
			return fmt.Errorf("function %q: %w: %w", def.ID, ErrInvalidSchema, err)
		}

		entry.schema = schema
	}

	for _, opt := range opts {
		opt(entry)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[def.ID]; ok {
		return fmt.Errorf("function %q: %w", def.ID, ErrDuplicateFunction)
	}

	r.entries[def.ID] = entry
	r.order = append(r.order, def.ID)

	r.logger.Info("Registered function",
		"function_id", def.ID,
		"event", def.Trigger.Event,
		"cron", def.Trigger.Cron,
		"failure_hook", entry.HasFailureHook)

	return nil
}

// Function returns the entry registered under id.
func (r *Registry[H]) Function(id string) (*Entry[H], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]

	return entry, ok
}

// Definition returns the definition registered under id.
func (r *Registry[H]) Definition(id string) (*models.FunctionDefinition, bool) {
	entry, ok := r.Function(id)
	if !ok {
		return nil, false
	}

	def := entry.Definition

	return &def, true
}

// Schema returns the compiled trigger schema of a function, if any.
func (r *Registry[H]) Schema(id string) *gojsonschema.Schema {
	entry, ok := r.Function(id)
	if !ok {
		return nil
	}

	return entry.schema
}

// ByEvent lists the functions triggered by an event name in registration order.
// Scheduled functions match the synthetic cron event only through their own ID.
func (r *Registry[H]) ByEvent(name string) []*models.FunctionDefinition {
	return r.filter(func(def *models.FunctionDefinition) bool {
		return def.Trigger.Event != "" && def.Trigger.Event == name
	})
}

// Scheduled lists the cron-triggered functions.
func (r *Registry[H]) Scheduled() []*models.FunctionDefinition {
	return r.filter(func(def *models.FunctionDefinition) bool {
		return def.Trigger.Cron != ""
	})
}

// All lists every function in registration order.
func (r *Registry[H]) All() []*models.FunctionDefinition {
	return r.filter(func(*models.FunctionDefinition) bool { return true })
}

func (r *Registry[H]) filter(match func(*models.FunctionDefinition) bool) []*models.FunctionDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*models.FunctionDefinition, 0, len(r.order))

	for _, id := range r.order {
		def := r.entries[id].Definition
		if match(&def) {
			defs = append(defs, &def)
		}
	}

	return slices.Clip(defs)
}

func (r *Registry[H]) HealthCheck(context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.entries) == 0 {
		return ErrNoFunctions
	}

	return nil
}
