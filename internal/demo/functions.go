// Package demo bundles example durable functions the worker registers by default.
package demo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/durable/pkg/engine"
	"github.com/dukex/durable/pkg/failures"
	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/registry"
)

const (
	EventUserSignup       = "app/user.signup"
	EventUserWelcomed     = "analytics/user.welcomed"
	EventPaymentProcess   = "order/payment.process"
	EventUserDataSync     = "user/data.sync"
	EventCriticalJob      = "ops/critical-job.run"
	EventWeeklyDigestSend = "email/weekly-digest.send"
	EventMonthlyReport    = "report/monthly.generated"
)

const (
	defaultRateLimitWait  = 60 * time.Second
	unavailableWait       = 5 * time.Minute
	sessionRetention      = 30 * 24 * time.Hour
	notificationRetention = 90 * 24 * time.Hour
)

const signupSchema = `{
	"type": "object",
	"required": ["user_id", "email"],
	"properties": {
		"user_id": {"type": "string", "minLength": 1},
		"email": {"type": "string", "minLength": 3}
	}
}`

const paymentSchema = `{
	"type": "object",
	"required": ["order_id", "user_id", "amount"],
	"properties": {
		"order_id": {"type": "string"},
		"user_id": {"type": "string"},
		"amount": {"type": "integer"},
		"payment_method": {"type": "string"}
	}
}`

var (
	ErrInvalidAmount = errors.New("order amount must be positive")
	ErrRateLimited   = errors.New("upstream rate limited")
	ErrUnavailable   = errors.New("upstream unavailable")
	ErrCritical      = errors.New("critical operation failed")
)

// Function is one registration: definition, body and options.
type Function struct {
	Definition models.FunctionDefinition
	Handler    engine.Handler
	Options    []registry.Option[engine.Handler]
}

// Register adds the bundled functions backed by log-only services.
func Register(reg *registry.Registry[engine.Handler]) error {
	return RegisterWith(reg, LogServices(slog.Default()))
}

// RegisterWith adds the bundled functions backed by svc.
func RegisterWith(reg *registry.Registry[engine.Handler], svc Services) error {
	for _, fn := range Functions(svc) {
		if err := reg.Register(fn.Definition, fn.Handler, fn.Options...); err != nil {
			return fmt.Errorf("failed to register %s: %w", fn.Definition.ID, err)
		}
	}

	return nil
}

func Functions(svc Services) []Function {
	if svc.Clock == nil {
		svc.Clock = time.Now
	}

	if svc.Logger == nil {
		svc.Logger = slog.Default()
	}

	d := functions{svc: svc}

	return []Function{
		{
			Definition: models.FunctionDefinition{
				ID:      "send-welcome-email",
				Name:    "Send Welcome Email",
				Trigger: models.Trigger{Event: EventUserSignup, Schema: signupSchema},
				Timeout: 24 * time.Hour,
			},
			Handler: d.sendWelcomeEmail,
		},
		{
			Definition: models.FunctionDefinition{
				ID:      "daily-cleanup",
				Name:    "Daily Cleanup",
				Trigger: models.Trigger{Cron: "0 0 * * *"},
			},
			Handler: d.dailyCleanup,
		},
		{
			Definition: models.FunctionDefinition{
				ID:      "process-payment",
				Name:    "Process Payment",
				Trigger: models.Trigger{Event: EventPaymentProcess, Schema: paymentSchema},
				Retries: 5,
			},
			Handler: d.processPayment,
		},
		{
			Definition: models.FunctionDefinition{
				ID:      "sync-user-data",
				Name:    "Sync User Data",
				Trigger: models.Trigger{Event: EventUserDataSync},
				Retries: 10,
			},
			Handler: d.syncUserData,
		},
		{
			Definition: models.FunctionDefinition{
				ID:      "critical-job",
				Name:    "Critical Job",
				Trigger: models.Trigger{Event: EventCriticalJob},
				Retries: 3,
			},
			Handler: d.criticalJob,
			Options: []registry.Option[engine.Handler]{
				registry.WithFailureHandler[engine.Handler](d.criticalJobFailed),
			},
		},
		{
			Definition: models.FunctionDefinition{
				ID:      "weekly-digest-loader",
				Name:    "Weekly Digest Loader",
				Trigger: models.Trigger{Cron: "0 9 * * 1"},
			},
			Handler: d.weeklyDigestLoader,
		},
		{
			Definition: models.FunctionDefinition{
				ID:          "send-weekly-digest",
				Name:        "Send Weekly Digest",
				Trigger:     models.Trigger{Event: EventWeeklyDigestSend},
				Retries:     5,
				Concurrency: &models.Limit{Limit: 50},
				Throttle:    &models.Limit{Limit: 100, Period: time.Minute},
			},
			Handler: d.sendWeeklyDigest,
		},
		{
			Definition: models.FunctionDefinition{
				ID:      "generate-monthly-report",
				Name:    "Generate Monthly Report",
				Trigger: models.Trigger{Cron: "0 0 1 * *"},
			},
			Handler: d.generateMonthlyReport,
		},
	}
}

type functions struct {
	svc Services
}

type signup struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

func (d functions) sendWelcomeEmail(ctx context.Context, event models.Event, s *engine.Step) (any, error) {
	var in signup
	if err := event.Data.Decode(&in); err != nil {
		return nil, failures.Terminal(err)
	}

	user, err := engine.Run(ctx, s, "fetch-user-details", func(ctx context.Context) (User, error) {
		user, err := d.svc.Users.User(ctx, in.UserID)
		if err != nil {
			return User{}, err
		}

		if user.Email == "" {
			user.Email = in.Email
		}

		return user, nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.Sleep(ctx, "wait-before-email", time.Minute); err != nil {
		return nil, err
	}

	messageID, err := engine.Run(ctx, s, "send-email", func(ctx context.Context) (string, error) {
		return d.svc.Mailer.Send(ctx, user.Email, "welcome", map[string]any{"name": user.Name})
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.SendEvent(ctx, "track-signup", models.EventInput{
		Name: EventUserWelcomed,
		Data: map[string]any{"user_id": user.ID, "message_id": messageID},
	}); err != nil {
		return nil, err
	}

	return map[string]any{"success": true, "email_message_id": messageID}, nil
}

func (d functions) dailyCleanup(ctx context.Context, event models.Event, s *engine.Step) (any, error) {
	sessions, err := engine.Run(ctx, s, "delete-old-sessions", func(ctx context.Context) (int, error) {
		return d.svc.Cleanup.DeleteBefore(ctx, "sessions", event.Timestamp.Add(-sessionRetention))
	})
	if err != nil {
		return nil, err
	}

	notifications, err := engine.Run(ctx, s, "delete-old-notifications", func(ctx context.Context) (int, error) {
		return d.svc.Cleanup.DeleteBefore(ctx, "notifications", event.Timestamp.Add(-notificationRetention))
	})
	if err != nil {
		return nil, err
	}

	return map[string]int{"sessions": sessions, "notifications": notifications}, nil
}

type paymentRequest struct {
	OrderID       string `json:"order_id"`
	UserID        string `json:"user_id"`
	Amount        int64  `json:"amount"`
	PaymentMethod string `json:"payment_method"`
}

func (d functions) processPayment(ctx context.Context, event models.Event, s *engine.Step) (any, error) {
	var in paymentRequest
	if err := event.Data.Decode(&in); err != nil {
		return nil, failures.Terminal(err)
	}

	if _, err := engine.Run(ctx, s, "validate-order", func(context.Context) (bool, error) {
		if in.Amount <= 0 {
			return false, failures.Terminal(fmt.Errorf("order %s: %w", in.OrderID, ErrInvalidAmount))
		}

		return true, nil
	}); err != nil {
		return nil, err
	}

	if _, err := engine.Run(ctx, s, "validate-user", func(ctx context.Context) (User, error) {
		return d.svc.Users.User(ctx, in.UserID)
	}); err != nil {
		return nil, err
	}

	paymentID, err := engine.Run(ctx, s, "charge-payment", func(ctx context.Context) (string, error) {
		id, err := d.svc.Payments.Charge(ctx, in.OrderID, in.Amount, in.PaymentMethod)
		if errors.Is(err, ErrCardDeclined) || errors.Is(err, ErrCardExpired) {
			return "", failures.Terminal(err)
		}

		return id, err
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{"success": true, "payment_id": paymentID}, nil
}

func (d functions) syncUserData(ctx context.Context, event models.Event, s *engine.Step) (any, error) {
	var in struct {
		UserID string `json:"user_id"`
		Source string `json:"source"`
	}
	if err := event.Data.Decode(&in); err != nil {
		return nil, failures.Terminal(err)
	}

	data, err := engine.Run(ctx, s, "fetch-external-data", func(ctx context.Context) (map[string]any, error) {
		resp, err := d.svc.External.Fetch(ctx, in.UserID, in.Source)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.Status == 429:
			wait := resp.RetryAfter
			if wait <= 0 {
				wait = defaultRateLimitWait
			}

			return nil, failures.RetryAfter(ErrRateLimited, wait)
		case resp.Status == 503:
			return nil, failures.RetryAfter(ErrUnavailable, unavailableWait)
		case resp.Status >= 300:
			return nil, fmt.Errorf("upstream returned status %d", resp.Status)
		}

		return resp.Data, nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := engine.Run(ctx, s, "save-data", func(ctx context.Context) (int, error) {
		d.svc.Logger.InfoContext(ctx, "Saved external data", "user_id", in.UserID, "fields", len(data))

		return len(data), nil
	}); err != nil {
		return nil, err
	}

	return map[string]any{"synced": true}, nil
}

func (d functions) criticalJob(ctx context.Context, _ models.Event, s *engine.Step) (any, error) {
	return engine.Run(ctx, s, "critical-operation", func(context.Context) (any, error) {
		return nil, ErrCritical
	})
}

func (d functions) criticalJobFailed(ctx context.Context, _ models.Event, s *engine.Step) (any, error) {
	failure := s.Failure()
	if failure == nil {
		return nil, nil
	}

	text := fmt.Sprintf("critical-job run %s failed after %d attempts: %v", s.RunID(), failure.Attempt, failure.Error)

	if _, err := engine.Run(ctx, s, "notify-slack", func(ctx context.Context) (bool, error) {
		return true, d.svc.Alerter.Alert(ctx, "slack", text)
	}); err != nil {
		return nil, err
	}

	if _, err := engine.Run(ctx, s, "create-pagerduty-incident", func(ctx context.Context) (bool, error) {
		return true, d.svc.Alerter.Alert(ctx, "pagerduty", text)
	}); err != nil {
		return nil, err
	}

	if _, err := engine.Run(ctx, s, "log-error", func(ctx context.Context) (bool, error) {
		d.svc.Logger.ErrorContext(ctx, "Critical job failed", "run_id", s.RunID(), "error", failure.Error)

		return true, nil
	}); err != nil {
		return nil, err
	}

	return map[string]any{"alerted": true}, nil
}

type digestRequest struct {
	UserID     string `json:"user_id"`
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	CampaignID string `json:"campaign_id"`
}

func (d functions) weeklyDigestLoader(ctx context.Context, event models.Event, s *engine.Step) (any, error) {
	users, err := engine.Run(ctx, s, "fetch-active-users", d.svc.Users.ActiveUsers)
	if err != nil {
		return nil, err
	}

	campaignID := "digest-" + event.Timestamp.UTC().Format("2006-01-02")

	events := make([]models.EventInput, len(users))
	for i, user := range users {
		events[i] = models.EventInput{
			Name: EventWeeklyDigestSend,
			Data: digestRequest{UserID: user.ID, Email: user.Email, Name: user.Name, CampaignID: campaignID},
		}
	}

	if len(events) > 0 {
		if _, err := s.SendEvent(ctx, "fan-out-emails", events...); err != nil {
			return nil, err
		}
	}

	return map[string]any{"campaign_id": campaignID, "users": len(users)}, nil
}

type digest struct {
	Subject string   `json:"subject"`
	Items   []string `json:"items"`
}

func (d functions) sendWeeklyDigest(ctx context.Context, event models.Event, s *engine.Step) (any, error) {
	var in digestRequest
	if err := event.Data.Decode(&in); err != nil {
		return nil, failures.Terminal(err)
	}

	content, err := engine.Run(ctx, s, "generate-content", func(context.Context) (digest, error) {
		return digest{
			Subject: "Your weekly digest",
			Items:   []string{"Top stories for " + in.Name},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	messageID, err := engine.Run(ctx, s, "send-email", func(ctx context.Context) (string, error) {
		return d.svc.Mailer.Send(ctx, in.Email, "weekly-digest", content)
	})
	if err != nil {
		return nil, err
	}

	deliveredAt, err := engine.Run(ctx, s, "record-delivery", func(ctx context.Context) (time.Time, error) {
		at := d.svc.Clock().UTC()
		d.svc.Logger.InfoContext(ctx, "Digest delivered",
			"user_id", in.UserID, "campaign_id", in.CampaignID, "message_id", messageID)

		return at, nil
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{"message_id": messageID, "delivered_at": deliveredAt}, nil
}

type monthlyReport struct {
	Month      string           `json:"month"`
	Users      map[string]int64 `json:"users"`
	Revenue    map[string]int64 `json:"revenue"`
	Engagement map[string]int64 `json:"engagement"`
}

func (d functions) generateMonthlyReport(ctx context.Context, event models.Event, s *engine.Step) (any, error) {
	month := event.Timestamp.UTC().AddDate(0, -1, 0)

	stats := func(family string) func(ctx context.Context) (any, error) {
		return func(ctx context.Context) (any, error) {
			return d.svc.Stats.Monthly(ctx, family, month)
		}
	}

	users := s.Go(ctx, "fetch-user-stats", stats("users"))
	revenue := s.Go(ctx, "fetch-revenue-stats", stats("revenue"))
	engagement := s.Go(ctx, "fetch-engagement-stats", stats("engagement"))

	if err := s.Join(ctx, users, revenue, engagement); err != nil {
		return nil, err
	}

	report := monthlyReport{Month: month.Format("2006-01")}

	var err error
	if report.Users, err = engine.Await[map[string]int64](ctx, users); err != nil {
		return nil, err
	}

	if report.Revenue, err = engine.Await[map[string]int64](ctx, revenue); err != nil {
		return nil, err
	}

	if report.Engagement, err = engine.Await[map[string]int64](ctx, engagement); err != nil {
		return nil, err
	}

	compiled, err := engine.RunWithInput(ctx, s, "compile-report", report, func(_ context.Context, r monthlyReport) (monthlyReport, error) {
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.SendEvent(ctx, "distribute-report", models.EventInput{
		Name: EventMonthlyReport,
		Data: compiled,
	}); err != nil {
		return nil, err
	}

	return compiled, nil
}
