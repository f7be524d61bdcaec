// Package main provides the Durable API server: event ingestion and run inspection.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dukex/durable/pkg/dispatcher"
	"github.com/dukex/durable/pkg/engine"
	"github.com/dukex/durable/pkg/eventbus"
	"github.com/dukex/durable/pkg/metrics"
	"github.com/dukex/durable/pkg/persistence"
	"github.com/dukex/durable/pkg/registry"
	"github.com/dukex/durable/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry[engine.Handler]
	eventBus    eventbus.EventPublisher
	clock       clockwork.Clock
	validate    *validator.Validate
	metrics     *prometheus.Registry
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	registry *registry.Registry[engine.Handler],
	eventBus eventbus.EventPublisher,
	clock clockwork.Clock,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		registry:    registry,
		eventBus:    eventBus,
		clock:       clock,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		metrics:     prometheus.NewRegistry(),
	}
}

func (a *API) App() *fiber.App {
	emitter := dispatcher.NewEmitter(a.eventBus, a.clock, a.logger,
		dispatcher.WithEmitterMetrics(metrics.New(a.metrics)),
	)

	handlers := web.NewAPIHandlers(
		emitter,
		a.persistence,
		a.registry,
		a.eventBus,
		a.validate,
		a.clock,
		map[string]web.HealthChecker{"persistence": a.persistence},
	)

	return web.NewApp(handlers, a.metrics)
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
