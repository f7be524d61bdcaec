package file

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"time"

	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/persistence"
)

func (fp *Persistence) timerPath(id string) string {
	return filepath.Join(fp.root, timersDir, fileName(id))
}

func (fp *Persistence) SaveTimer(_ context.Context, timer *models.TimerEntry) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	t := *timer
	t.ClaimedUntil = time.Time{}

	return fp.writeJSON(fp.timerPath(timer.ID), &t)
}

func (fp *Persistence) timers(match func(*models.TimerEntry) bool) ([]*models.TimerEntry, error) {
	timers := make([]*models.TimerEntry, 0)

	err := fp.readAll(filepath.Join(fp.root, timersDir), func(data []byte) error {
		var t models.TimerEntry

		err := json.Unmarshal(data, &t)
		if err == nil && match(&t) {
			timers = append(timers, &t)
		}

		return err
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(timers, func(i, j int) bool {
		if timers[i].FireAt.Equal(timers[j].FireAt) {
			return timers[i].ID < timers[j].ID
		}

		return timers[i].FireAt.Before(timers[j].FireAt)
	})

	return timers, nil
}

func (fp *Persistence) DueTimers(_ context.Context, now time.Time, limit int) ([]*models.TimerEntry, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	due, err := fp.timers(func(t *models.TimerEntry) bool { return t.Due(now) })
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (fp *Persistence) ClaimTimer(_ context.Context, id string, now, until time.Time) (*models.TimerEntry, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	var t models.TimerEntry

	found, err := fp.readJSON(fp.timerPath(id), &t)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.ErrTimerNotFound
	}

	if now.Before(t.ClaimedUntil) {
		return nil, persistence.ErrTimerClaimed
	}

	t.ClaimedUntil = until

	err = fp.writeJSON(fp.timerPath(id), &t)
	if err != nil {
		return nil, err
	}

	return &t, nil
}

func (fp *Persistence) CompleteTimer(_ context.Context, timer *models.TimerEntry) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	var t models.TimerEntry

	found, err := fp.readJSON(fp.timerPath(timer.ID), &t)
	if err != nil || !found {
		return err
	}

	if !t.ClaimedUntil.Equal(timer.ClaimedUntil) {
		return nil
	}

	return removeIfExists(fp.timerPath(timer.ID))
}

func (fp *Persistence) DeleteTimer(_ context.Context, id string) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	return removeIfExists(fp.timerPath(id))
}

func (fp *Persistence) DeleteTimersByRun(_ context.Context, runID string) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	timers, err := fp.timers(func(t *models.TimerEntry) bool { return t.RunID == runID })
	if err != nil {
		return err
	}

	for _, t := range timers {
		err = removeIfExists(fp.timerPath(t.ID))
		if err != nil {
			return err
		}
	}

	return nil
}

func (fp *Persistence) TimersByRun(_ context.Context, runID string) ([]*models.TimerEntry, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	return fp.timers(func(t *models.TimerEntry) bool { return t.RunID == runID })
}
