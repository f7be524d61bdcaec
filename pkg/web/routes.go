package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewApp mounts every route on a fresh fiber app. A nil gatherer leaves /metrics out.
func NewApp(handlers *APIHandlers, gatherer prometheus.Gatherer) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Durable API")
	})

	app.Post("/events", handlers.SendEvents)

	r := app.Group("/runs")
	r.Get("/:id", handlers.GetRun)
	r.Get("/:id/steps", handlers.GetRunSteps)
	r.Post("/:id/cancel", handlers.CancelRun)

	f := app.Group("/functions")
	f.Get("/", handlers.GetFunctions)
	f.Get("/:id/runs", handlers.GetFunctionRuns)

	app.Get("/health", handlers.HealthCheck)

	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return app
}
