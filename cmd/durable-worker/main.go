package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"

	"github.com/dukex/durable/pkg/cmd"
	"github.com/dukex/durable/pkg/dispatcher"
	"github.com/dukex/durable/pkg/engine"
	"github.com/dukex/durable/pkg/log"
	"github.com/dukex/durable/pkg/metrics"
	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/otelhelper"
	"github.com/dukex/durable/pkg/queue"
	"github.com/dukex/durable/pkg/schedule"
	"github.com/dukex/durable/pkg/timer"
	"github.com/dukex/durable/pkg/web"
)

const (
	serviceName     = "durable-worker"
	shutdownTimeout = 30 * time.Second
)

func main() {
	command := &cli.Command{
		Name:                  serviceName,
		EnableShellCompletion: true,
		Usage:                 "Run durable functions: dispatch events, execute runs and fire timers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Persistence URL (memory, file path, postgres://, redis://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Messages handled in parallel per topic",
				Value:   8,
				Sources: cli.EnvVars("WORKER_CONCURRENCY"),
			},
			&cli.DurationFlag{
				Name:    "timer-poll-interval",
				Usage:   "How often due timers are polled",
				Value:   timer.DefaultPollInterval,
				Sources: cli.EnvVars("TIMER_POLL_INTERVAL"),
			},
			&cli.BoolFlag{
				Name:    "scheduler",
				Usage:   "Fire cron triggers from this worker",
				Value:   true,
				Sources: cli.EnvVars("SCHEDULER_ENABLED"),
			},
			&cli.IntFlag{
				Name:    "api-port",
				Aliases: []string{"p"},
				Usage:   "Serve the HTTP API on this port (0 disables it)",
				Value:   0,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "functions-config",
				Usage:   "YAML file overriding retries, limits and schedules of registered functions",
				Sources: cli.EnvVars("FUNCTIONS_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"), command.String("log-format"))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerID := command.String("worker-id")
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}

	logger := log.WithModule(serviceName).With("worker_id", workerID)
	logger.InfoContext(ctx, "Initializing Durable Worker")

	tracer := otel.Tracer(serviceName)

	if command.Bool("otel-enabled") {
		t, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}

		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
			}
		}()

		tracer = t
	}

	clock := clockwork.NewRealClock()

	registry, err := cmd.NewRegistry(logger, command.String("functions-config"))
	if err != nil {
		return err
	}

	eventBus, err := cmd.NewEventBus(
		command.String("event-bus"),
		command.String("kafka-brokers"),
		serviceName,
		command.Int("concurrency"),
		logger,
	)
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Close(context.WithoutCancel(ctx)); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	q := queue.NewBusQueue(eventBus, workerID)
	timers := timer.NewService(store, q, clock, logger,
		timer.WithPollInterval(command.Duration("timer-poll-interval")),
		timer.WithObserver(func(kind models.TimerKind, lateness time.Duration) {
			m.TimerFired(string(kind), lateness)
		}),
	)

	emitter := dispatcher.NewEmitter(eventBus, clock, logger,
		dispatcher.WithEmitterMetrics(m),
		dispatcher.WithWorkerID(workerID),
	)

	e, err := engine.New(engine.Options{
		Persistence: store,
		Registry:    registry,
		Queue:       q,
		Timers:      timers,
		Events:      emitter,
		Notifier:    engine.NewBusNotifier(eventBus, clock, workerID, logger),
		Metrics:     m,
		Tracer:      tracer,
		Clock:       clock,
		Logger:      logger,
		WorkerID:    workerID,
	})
	if err != nil {
		return err
	}

	d := dispatcher.NewDispatcher(store, registry, q, timers, clock, logger,
		dispatcher.WithMetrics(m),
		dispatcher.WithTracer(tracer),
	)

	var scheduler *schedule.Scheduler
	if command.Bool("scheduler") {
		scheduler = schedule.NewScheduler(registry, d, clock, logger)
	}

	worker := NewWorkerManager(workerID, e, d, eventBus, timers, scheduler, logger)

	if err := worker.Start(ctx); err != nil {
		logger.ErrorContext(ctx, "Failed to start worker", "error", err)

		return err
	}

	var app *fiber.App

	if port := command.Int("api-port"); port > 0 {
		handlers := web.NewAPIHandlers(
			emitter,
			store,
			registry,
			eventBus,
			validator.New(validator.WithRequiredStructEnabled()),
			clock,
			map[string]web.HealthChecker{"persistence": store},
		)
		app = web.NewApp(handlers, promRegistry)

		go func() {
			err := app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
			if err != nil {
				logger.ErrorContext(ctx, "API server stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if app != nil {
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.ErrorContext(shutdownCtx, "Failed to shutdown API server", "error", err)
		}
	}

	return worker.Stop(shutdownCtx)
}
