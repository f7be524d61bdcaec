package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/dukex/durable/pkg/models"
)

// MockPersistence is a mock implementation of persistence.Persistence.
type MockPersistence struct {
	mock.Mock
}

func (m *MockPersistence) CreateRun(ctx context.Context, run *models.Run) error {
	args := m.Called(ctx, run)

	return args.Error(0)
}

func (m *MockPersistence) RunByID(ctx context.Context, id string) (*models.Run, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Run), args.Error(1)
}

func (m *MockPersistence) UpdateRun(ctx context.Context, run *models.Run, expectedVersion int64) error {
	args := m.Called(ctx, run, expectedVersion)

	return args.Error(0)
}

func (m *MockPersistence) RunsByFunction(ctx context.Context, functionID string, limit int) ([]*models.Run, error) {
	args := m.Called(ctx, functionID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Run), args.Error(1)
}

func (m *MockPersistence) StepByKey(ctx context.Context, runID, key string) (*models.StepRecord, error) {
	args := m.Called(ctx, runID, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.StepRecord), args.Error(1)
}

func (m *MockPersistence) SaveStep(ctx context.Context, rec *models.StepRecord, expectedVersion int64) error {
	args := m.Called(ctx, rec, expectedVersion)

	return args.Error(0)
}

func (m *MockPersistence) StepsByRun(ctx context.Context, runID string) ([]*models.StepRecord, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.StepRecord), args.Error(1)
}

func (m *MockPersistence) SaveTimer(ctx context.Context, timer *models.TimerEntry) error {
	args := m.Called(ctx, timer)

	return args.Error(0)
}

func (m *MockPersistence) DueTimers(ctx context.Context, now time.Time, limit int) ([]*models.TimerEntry, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.TimerEntry), args.Error(1)
}

func (m *MockPersistence) ClaimTimer(ctx context.Context, id string, now, until time.Time) (*models.TimerEntry, error) {
	args := m.Called(ctx, id, now, until)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.TimerEntry), args.Error(1)
}

func (m *MockPersistence) CompleteTimer(ctx context.Context, timer *models.TimerEntry) error {
	args := m.Called(ctx, timer)

	return args.Error(0)
}

func (m *MockPersistence) DeleteTimer(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

func (m *MockPersistence) DeleteTimersByRun(ctx context.Context, runID string) error {
	args := m.Called(ctx, runID)

	return args.Error(0)
}

func (m *MockPersistence) TimersByRun(ctx context.Context, runID string) ([]*models.TimerEntry, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.TimerEntry), args.Error(1)
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) AdmissionState(ctx context.Context, functionID string) (*models.AdmissionState, error) {
	args := m.Called(ctx, functionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.AdmissionState), args.Error(1)
}

func (m *MockPersistence) SaveAdmissionState(ctx context.Context, state *models.AdmissionState, expectedVersion int64) error {
	args := m.Called(ctx, state, expectedVersion)

	return args.Error(0)
}
