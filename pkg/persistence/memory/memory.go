// Package memory provides an in-process persistence implementation for tests and
// single-process development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/persistence"
)

type stepKey struct {
	runID string
	key   string
}

// Persistence keeps runs, ledger entries, timers and gate state in maps guarded by one
// mutex.
type Persistence struct {
	mu     sync.RWMutex
	runs   map[string]*models.Run
	steps  map[stepKey]*models.StepRecord
	order  map[string][]string
	timers map[string]*models.TimerEntry
	gates  map[string]*models.AdmissionState
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{
		runs:   make(map[string]*models.Run),
		steps:  make(map[stepKey]*models.StepRecord),
		order:  make(map[string][]string),
		timers: make(map[string]*models.TimerEntry),
		gates:  make(map[string]*models.AdmissionState),
	}
}

func (p *Persistence) HealthCheck(context.Context) error { return nil }

func (p *Persistence) Close(context.Context) error { return nil }

func (p *Persistence) CreateRun(_ context.Context, run *models.Run) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.runs[run.ID]; ok {
		return persistence.NewRunError("CreateRun", run.ID, persistence.ErrRunAlreadyExists)
	}

	run.Version = 1
	p.runs[run.ID] = run.Clone()

	return nil
}

func (p *Persistence) RunByID(_ context.Context, id string) (*models.Run, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	run, ok := p.runs[id]
	if !ok {
		return nil, persistence.NewRunError("RunByID", id, persistence.ErrRunNotFound)
	}

	return run.Clone(), nil
}

func (p *Persistence) UpdateRun(_ context.Context, run *models.Run, expectedVersion int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, ok := p.runs[run.ID]
	if !ok {
		return persistence.NewRunError("UpdateRun", run.ID, persistence.ErrRunNotFound)
	}

	if current.Version != expectedVersion {
		return persistence.NewRunError("UpdateRun", run.ID, persistence.ErrVersionConflict)
	}

	run.Version = expectedVersion + 1
	p.runs[run.ID] = run.Clone()

	return nil
}

func (p *Persistence) RunsByFunction(_ context.Context, functionID string, limit int) ([]*models.Run, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	runs := make([]*models.Run, 0)

	for _, run := range p.runs {
		if run.FunctionID == functionID {
			runs = append(runs, run.Clone())
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}

		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}

	return runs, nil
}

func (p *Persistence) StepByKey(_ context.Context, runID, key string) (*models.StepRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, ok := p.steps[stepKey{runID, key}]
	if !ok {
		return nil, persistence.NewStepError("StepByKey", runID, key, persistence.ErrStepNotFound)
	}

	return rec.Clone(), nil
}

func (p *Persistence) SaveStep(_ context.Context, rec *models.StepRecord, expectedVersion int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := stepKey{rec.RunID, rec.Key}
	current, ok := p.steps[k]

	var version int64
	if ok {
		version = current.Version
	}

	if version != expectedVersion {
		return persistence.NewStepError("SaveStep", rec.RunID, rec.Key, persistence.ErrVersionConflict)
	}

	if !ok {
		p.order[rec.RunID] = append(p.order[rec.RunID], rec.Key)
	}

	rec.Version = expectedVersion + 1
	p.steps[k] = rec.Clone()

	return nil
}

func (p *Persistence) StepsByRun(_ context.Context, runID string) ([]*models.StepRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	keys := p.order[runID]
	records := make([]*models.StepRecord, 0, len(keys))

	for _, key := range keys {
		records = append(records, p.steps[stepKey{runID, key}].Clone())
	}

	return records, nil
}

func (p *Persistence) SaveTimer(_ context.Context, timer *models.TimerEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := *timer
	t.ClaimedUntil = time.Time{}
	p.timers[timer.ID] = &t

	return nil
}

func (p *Persistence) DueTimers(_ context.Context, now time.Time, limit int) ([]*models.TimerEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	due := make([]*models.TimerEntry, 0)

	for _, t := range p.timers {
		if t.Due(now) {
			c := *t
			due = append(due, &c)
		}
	}

	sortTimers(due)

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (p *Persistence) ClaimTimer(_ context.Context, id string, now, until time.Time) (*models.TimerEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.timers[id]
	if !ok {
		return nil, persistence.ErrTimerNotFound
	}

	if now.Before(t.ClaimedUntil) {
		return nil, persistence.ErrTimerClaimed
	}

	t.ClaimedUntil = until
	c := *t

	return &c, nil
}

func (p *Persistence) CompleteTimer(_ context.Context, timer *models.TimerEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.timers[timer.ID]; ok && t.ClaimedUntil.Equal(timer.ClaimedUntil) {
		delete(p.timers, timer.ID)
	}

	return nil
}

func (p *Persistence) DeleteTimer(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.timers, id)

	return nil
}

func (p *Persistence) DeleteTimersByRun(_ context.Context, runID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, t := range p.timers {
		if t.RunID == runID {
			delete(p.timers, id)
		}
	}

	return nil
}

func (p *Persistence) TimersByRun(_ context.Context, runID string) ([]*models.TimerEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	timers := make([]*models.TimerEntry, 0)

	for _, t := range p.timers {
		if t.RunID == runID {
			c := *t
			timers = append(timers, &c)
		}
	}

	sortTimers(timers)

	return timers, nil
}

func sortTimers(timers []*models.TimerEntry) {
	sort.Slice(timers, func(i, j int) bool {
		if timers[i].FireAt.Equal(timers[j].FireAt) {
			return timers[i].ID < timers[j].ID
		}

		return timers[i].FireAt.Before(timers[j].FireAt)
	})
}

var _ persistence.Persistence = (*Persistence)(nil)

func (p *Persistence) AdmissionState(_ context.Context, functionID string) (*models.AdmissionState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	state, ok := p.gates[functionID]
	if !ok {
		return models.NewAdmissionState(functionID), nil
	}

	return state.Clone(), nil
}

func (p *Persistence) SaveAdmissionState(_ context.Context, state *models.AdmissionState, expectedVersion int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var version int64
	if current, ok := p.gates[state.FunctionID]; ok {
		version = current.Version
	}

	if version != expectedVersion {
		return persistence.NewAdmissionError("SaveAdmissionState", state.FunctionID, persistence.ErrVersionConflict)
	}

	state.Version = expectedVersion + 1
	p.gates[state.FunctionID] = state.Clone()

	return nil
}
