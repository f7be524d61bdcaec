package demo_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/durable/internal/demo"
	"github.com/dukex/durable/pkg/engine"
	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/persistence/memory"
	"github.com/dukex/durable/pkg/queue"
	"github.com/dukex/durable/pkg/registry"
	"github.com/dukex/durable/pkg/retry"
	"github.com/dukex/durable/pkg/timer"
)

// Monday 2025-06-02, 09:00 UTC.
var start = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

type fakeServices struct {
	mu sync.Mutex

	emails    []string
	charges   int
	chargeErr error
	fetches   int
	responses []demo.ExternalResponse
	alerts    []string
	deleted   map[string]time.Time
	families  []string
}

func (f *fakeServices) Send(_ context.Context, to, template string, _ any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.emails = append(f.emails, template+":"+to)

	return "msg-" + to, nil
}

func (f *fakeServices) Charge(context.Context, string, int64, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.charges++

	return "pay-1", f.chargeErr
}

func (f *fakeServices) Fetch(_ context.Context, userID, _ string) (demo.ExternalResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches++

	if len(f.responses) == 0 {
		return demo.ExternalResponse{Status: 200, Data: map[string]any{"user_id": userID}}, nil
	}

	resp := f.responses[0]
	f.responses = f.responses[1:]

	return resp, nil
}

func (f *fakeServices) Alert(_ context.Context, channel, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.alerts = append(f.alerts, channel)

	return nil
}

func (f *fakeServices) User(_ context.Context, id string) (demo.User, error) {
	return demo.User{ID: id, Name: "Ada"}, nil
}

func (f *fakeServices) ActiveUsers(context.Context) ([]demo.User, error) {
	return []demo.User{
		{ID: "u1", Email: "u1@example.com"},
		{ID: "u2", Email: "u2@example.com"},
		{ID: "u3", Email: "u3@example.com"},
	}, nil
}

func (f *fakeServices) DeleteBefore(_ context.Context, kind string, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deleted == nil {
		f.deleted = map[string]time.Time{}
	}

	f.deleted[kind] = cutoff

	return 7, nil
}

func (f *fakeServices) Monthly(_ context.Context, family string, _ time.Time) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.families = append(f.families, family)

	return map[string]int64{"total": int64(len(family))}, nil
}

type recordingSender struct {
	mu     sync.Mutex
	events []models.EventInput
}

func (r *recordingSender) SendEvents(_ context.Context, inputs []models.EventInput) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, inputs...)

	return nil
}

func (r *recordingSender) named(name string) []models.EventInput {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.EventInput

	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}

	return out
}

type harness struct {
	engine   *engine.Engine
	store    *memory.Persistence
	queue    *queue.MemoryQueue
	timers   *timer.Service
	clock    *clockwork.FakeClock
	registry *registry.Registry[engine.Handler]
	sender   *recordingSender
	services *fakeServices
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewPersistence()
	clock := clockwork.NewFakeClockAt(start)
	q := queue.NewMemoryQueue(1000)
	timers := timer.NewService(store, q, clock, logger)
	reg := registry.New[engine.Handler](logger)
	sender := &recordingSender{}
	fakes := &fakeServices{}

	require.NoError(t, demo.RegisterWith(reg, demo.Services{
		Mailer:   fakes,
		Payments: fakes,
		External: fakes,
		Alerter:  fakes,
		Users:    fakes,
		Cleanup:  fakes,
		Stats:    fakes,
		Clock:    clock.Now,
		Logger:   logger,
	}))

	e, err := engine.New(engine.Options{
		Persistence: store,
		Registry:    reg,
		Queue:       q,
		Timers:      timers,
		Events:      sender,
		Policy:      retry.Policy{Base: time.Second, Cap: time.Minute},
		Clock:       clock,
		Logger:      logger,
		WorkerID:    "demo-worker",
	})
	require.NoError(t, err)

	return &harness{
		engine:   e,
		store:    store,
		queue:    q,
		timers:   timers,
		clock:    clock,
		registry: reg,
		sender:   sender,
		services: fakes,
	}
}

func (h *harness) start(t *testing.T, functionID, eventName string, data any) string {
	t.Helper()

	now := h.clock.Now()
	runID := "run-" + functionID
	run := &models.Run{
		ID:         runID,
		FunctionID: functionID,
		EventID:    "evt-" + functionID,
		Event: models.Event{
			ID:        "evt-" + functionID,
			Name:      eventName,
			Data:      models.MustPayload(data),
			Timestamp: now,
		},
		Status:    models.RunStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, h.store.CreateRun(t.Context(), run))
	require.NoError(t, h.queue.Enqueue(t.Context(), models.WorkItem{
		RunID:      runID,
		Reason:     models.WorkReasonStart,
		EnqueuedAt: now,
	}))

	return runID
}

func (h *harness) drain(t *testing.T) {
	t.Helper()

	for {
		items := h.queue.Drain()
		if len(items) == 0 {
			return
		}

		for _, item := range items {
			require.NoError(t, h.engine.Process(t.Context(), item))
		}
	}
}

func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()

	h.clock.Advance(d)

	_, err := h.timers.FireDue(t.Context())
	require.NoError(t, err)

	h.drain(t)
}

func (h *harness) run(t *testing.T, runID string) *models.Run {
	t.Helper()

	run, err := h.engine.Run(t.Context(), runID)
	require.NoError(t, err)

	return run
}

func TestRegister_BundlesEveryFunction(t *testing.T) {
	reg := registry.New[engine.Handler](slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, demo.Register(reg))

	ids := make([]string, 0)
	for _, def := range reg.All() {
		ids = append(ids, def.ID)
	}

	assert.ElementsMatch(t, []string{
		"send-welcome-email",
		"daily-cleanup",
		"process-payment",
		"sync-user-data",
		"critical-job",
		"weekly-digest-loader",
		"send-weekly-digest",
		"generate-monthly-report",
	}, ids)
	assert.Len(t, reg.Scheduled(), 3)
}

func TestSendWelcomeEmail_SleepsBeforeSending(t *testing.T) {
	h := newHarness(t)

	runID := h.start(t, "send-welcome-email", demo.EventUserSignup, map[string]string{
		"user_id": "u-42",
		"email":   "ada@example.com",
	})
	h.drain(t)

	assert.Equal(t, models.RunStatusSleeping, h.run(t, runID).Status)
	assert.Empty(t, h.services.emails)

	h.advance(t, time.Minute)

	run := h.run(t, runID)
	require.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.Equal(t, []string{"welcome:ada@example.com"}, h.services.emails)

	welcomed := h.sender.named(demo.EventUserWelcomed)
	require.Len(t, welcomed, 1)
	assert.NotEmpty(t, welcomed[0].ID)

	var out map[string]any
	require.NoError(t, run.Output.Decode(&out))
	assert.Equal(t, "msg-ada@example.com", out["email_message_id"])
}

func TestProcessPayment_DeclinedCardIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.services.chargeErr = demo.ErrCardDeclined

	runID := h.start(t, "process-payment", demo.EventPaymentProcess, map[string]any{
		"order_id": "o-1",
		"user_id":  "u-1",
		"amount":   4200,
	})
	h.drain(t)

	run := h.run(t, runID)
	require.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, models.StepErrorTerminal, run.Error.Kind)
	assert.Equal(t, "charge-payment", run.Error.Step)
	assert.Equal(t, 1, h.services.charges)
}

func TestProcessPayment_InvalidAmountStopsBeforeCharging(t *testing.T) {
	h := newHarness(t)

	runID := h.start(t, "process-payment", demo.EventPaymentProcess, map[string]any{
		"order_id": "o-2",
		"user_id":  "u-1",
		"amount":   0,
	})
	h.drain(t)

	run := h.run(t, runID)
	require.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, "validate-order", run.Error.Step)
	assert.Zero(t, h.services.charges)
}

func TestSyncUserData_HonorsRetryAfter(t *testing.T) {
	h := newHarness(t)
	h.services.responses = []demo.ExternalResponse{{Status: 429, RetryAfter: 30 * time.Second}}

	runID := h.start(t, "sync-user-data", demo.EventUserDataSync, map[string]string{
		"user_id": "u-7",
		"source":  "crm",
	})
	h.drain(t)

	assert.Equal(t, models.RunStatusWaitingRetry, h.run(t, runID).Status)

	h.advance(t, 10*time.Second)
	assert.Equal(t, models.RunStatusWaitingRetry, h.run(t, runID).Status)
	assert.Equal(t, 1, h.services.fetches)

	h.advance(t, 25*time.Second)
	assert.Equal(t, models.RunStatusSucceeded, h.run(t, runID).Status)
	assert.Equal(t, 2, h.services.fetches)
}

func TestCriticalJob_FailureHookAlerts(t *testing.T) {
	h := newHarness(t)

	runID := h.start(t, "critical-job", demo.EventCriticalJob, nil)
	h.drain(t)

	for range 10 {
		h.advance(t, time.Minute)
	}

	run := h.run(t, runID)
	require.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, "critical-operation", run.Error.Step)
	assert.Equal(t, []string{"slack", "pagerduty"}, h.services.alerts)

	steps, err := h.engine.Steps(t.Context(), runID)
	require.NoError(t, err)

	keys := make([]string, len(steps))
	for i, step := range steps {
		keys[i] = step.Key
	}

	assert.Contains(t, keys, "failure/notify-slack")
	assert.Contains(t, keys, "failure/log-error")
}

func TestWeeklyDigestLoader_FansOutOneEventPerUser(t *testing.T) {
	h := newHarness(t)

	runID := h.start(t, "weekly-digest-loader", models.CronEventName, nil)
	h.drain(t)

	require.Equal(t, models.RunStatusSucceeded, h.run(t, runID).Status)

	sent := h.sender.named(demo.EventWeeklyDigestSend)
	require.Len(t, sent, 3)

	ids := map[string]bool{}
	for _, e := range sent {
		ids[e.ID] = true
	}

	assert.Len(t, ids, 3)
}

func TestSendWeeklyDigest_RecordsDelivery(t *testing.T) {
	h := newHarness(t)

	runID := h.start(t, "send-weekly-digest", demo.EventWeeklyDigestSend, map[string]string{
		"user_id":     "u1",
		"email":       "u1@example.com",
		"campaign_id": "digest-2025-06-02",
	})
	h.drain(t)

	run := h.run(t, runID)
	require.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.Equal(t, []string{"weekly-digest:u1@example.com"}, h.services.emails)
}

func TestDailyCleanup_UsesEventTimeForCutoffs(t *testing.T) {
	h := newHarness(t)

	runID := h.start(t, "daily-cleanup", models.CronEventName, nil)
	h.drain(t)

	require.Equal(t, models.RunStatusSucceeded, h.run(t, runID).Status)
	assert.Equal(t, start.Add(-30*24*time.Hour), h.services.deleted["sessions"])
	assert.Equal(t, start.Add(-90*24*time.Hour), h.services.deleted["notifications"])
}

func TestGenerateMonthlyReport_JoinsParallelStats(t *testing.T) {
	h := newHarness(t)

	runID := h.start(t, "generate-monthly-report", models.CronEventName, nil)
	h.drain(t)

	run := h.run(t, runID)
	require.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.ElementsMatch(t, []string{"users", "revenue", "engagement"}, h.services.families)

	var report struct {
		Month   string           `json:"month"`
		Revenue map[string]int64 `json:"revenue"`
	}
	require.NoError(t, run.Output.Decode(&report))
	assert.Equal(t, "2025-05", report.Month)
	assert.Equal(t, int64(7), report.Revenue["total"])

	require.Len(t, h.sender.named(demo.EventMonthlyReport), 1)
}
