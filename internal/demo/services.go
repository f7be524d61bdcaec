package demo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrCardDeclined = errors.New("card declined")
	ErrCardExpired  = errors.New("card expired")
)

// Mailer delivers templated email.
type Mailer interface {
	Send(ctx context.Context, to, template string, data any) (messageID string, err error)
}

// PaymentGateway charges a payment method.
type PaymentGateway interface {
	Charge(ctx context.Context, orderID string, amount int64, method string) (paymentID string, err error)
}

// ExternalResponse is what the rate limited upstream returns.
type ExternalResponse struct {
	Status     int
	RetryAfter time.Duration
	Data       map[string]any
}

// ExternalAPI is an upstream that may rate limit.
type ExternalAPI interface {
	Fetch(ctx context.Context, userID, source string) (ExternalResponse, error)
}

type Alerter interface {
	Alert(ctx context.Context, channel, text string) error
}

// User is an account known to the directory.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type Directory interface {
	User(ctx context.Context, id string) (User, error)
	ActiveUsers(ctx context.Context) ([]User, error)
}

// Housekeeping removes expired records of a kind, returning how many went.
type Housekeeping interface {
	DeleteBefore(ctx context.Context, kind string, cutoff time.Time) (int, error)
}

// Stats reports monthly aggregates per metric family.
type Stats interface {
	Monthly(ctx context.Context, family string, month time.Time) (map[string]int64, error)
}

// Services are the side effects the bundled functions perform.
type Services struct {
	Mailer   Mailer
	Payments PaymentGateway
	External ExternalAPI
	Alerter  Alerter
	Users    Directory
	Cleanup  Housekeeping
	Stats    Stats
	Clock    func() time.Time
	Logger   *slog.Logger
}

// LogServices returns services that only log, for local runs.
func LogServices(logger *slog.Logger) Services {
	l := logServices{logger: logger.With("module", "demo")}

	return Services{
		Mailer:   l,
		Payments: l,
		External: l,
		Alerter:  l,
		Users:    l,
		Cleanup:  l,
		Stats:    l,
		Clock:    time.Now,
		Logger:   l.logger,
	}
}

type logServices struct {
	logger *slog.Logger
}

func (l logServices) Send(ctx context.Context, to, template string, _ any) (string, error) {
	id := fmt.Sprintf("msg_%d", time.Now().UnixNano())
	l.logger.InfoContext(ctx, "Email sent", "to", to, "template", template, "message_id", id)

	return id, nil
}

func (l logServices) Charge(ctx context.Context, orderID string, amount int64, method string) (string, error) {
	id := fmt.Sprintf("pay_%d", time.Now().UnixNano())
	l.logger.InfoContext(ctx, "Payment charged", "order_id", orderID, "amount", amount, "method", method, "payment_id", id)

	return id, nil
}

func (l logServices) Fetch(ctx context.Context, userID, source string) (ExternalResponse, error) {
	l.logger.InfoContext(ctx, "Fetched external data", "user_id", userID, "source", source)

	return ExternalResponse{Status: 200, Data: map[string]any{"user_id": userID}}, nil
}

func (l logServices) Alert(ctx context.Context, channel, text string) error {
	l.logger.WarnContext(ctx, "Alert raised", "channel", channel, "text", text)

	return nil
}

func (l logServices) User(_ context.Context, id string) (User, error) {
	return User{ID: id, Email: id + "@example.com", Name: id}, nil
}

func (l logServices) ActiveUsers(ctx context.Context) ([]User, error) {
	l.logger.InfoContext(ctx, "Listing active users")

	return []User{
		{ID: "user-1", Email: "user-1@example.com", Name: "User One"},
		{ID: "user-2", Email: "user-2@example.com", Name: "User Two"},
	}, nil
}

func (l logServices) DeleteBefore(ctx context.Context, kind string, cutoff time.Time) (int, error) {
	l.logger.InfoContext(ctx, "Deleted expired records", "kind", kind, "cutoff", cutoff)

	return 0, nil
}

func (l logServices) Monthly(_ context.Context, family string, _ time.Time) (map[string]int64, error) {
	return map[string]int64{family: 0}, nil
}
