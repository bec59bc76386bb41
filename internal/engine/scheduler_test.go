// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/seekarr/internal/database"
	"github.com/autobrr/seekarr/internal/domain"
	"github.com/autobrr/seekarr/internal/models"
)

type fakeGateway struct {
	missing  []domain.WantedItem
	cutoff   []domain.WantedItem
	fetchErr error

	triggerErr  error
	triggered   []domain.SearchAction
	failForKeys map[string]bool

	// onTrigger runs while a command is in flight, before it is
	// recorded as accepted.
	onTrigger func()
}

func (g *fakeGateway) FetchWanted(_ context.Context, category domain.Category) ([]domain.WantedItem, error) {
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	if category == domain.CategoryCutoff {
		return g.cutoff, nil
	}
	return g.missing, nil
}

func (g *fakeGateway) Calendar(context.Context, time.Time, time.Time) ([]domain.CalendarEntry, error) {
	return nil, nil
}

func (g *fakeGateway) SeasonInventory(context.Context, int, time.Time) (map[int]domain.SeasonTally, error) {
	return map[int]domain.SeasonTally{}, nil
}

func (g *fakeGateway) Trigger(_ context.Context, action domain.SearchAction) error {
	if g.triggerErr != nil {
		return g.triggerErr
	}
	if g.failForKeys[action.Key] {
		return errors.New("command rejected")
	}
	if g.onTrigger != nil {
		g.onTrigger()
	}
	g.triggered = append(g.triggered, action)
	return nil
}

type schedulerFixture struct {
	db      *database.DB
	gateway *fakeGateway
	deps    SchedulerDeps
	now     time.Time
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	db, err := database.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cooldowns := models.NewCooldownStore(db.Conn())
	rates := models.NewRateWindowStore(db.Conn())

	fix := &schedulerFixture{
		db:      db,
		gateway: &fakeGateway{},
		now:     time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC),
	}
	fix.deps = SchedulerDeps{
		Selector:  NewSelector(cooldowns, rates, rand.New(rand.NewSource(1))),
		Cooldowns: cooldowns,
		Rates:     rates,
		Runs:      models.NewRunStateStore(db.Conn()),
		History:   models.NewHistoryStore(db.Conn()),
		Now:       func() time.Time { return fix.now },
	}
	return fix
}

func (f *schedulerFixture) scheduler(inst domain.EffectiveInstance) *Scheduler {
	return NewScheduler(inst, f.gateway, f.deps)
}

func TestScheduler_CycleTriggersAndRecords(t *testing.T) {
	fix := newSchedulerFixture(t)
	inst := radarrInst()
	inst.Interval = 30 * time.Minute
	ctx := context.Background()

	released := fix.now.Add(-24 * time.Hour)
	fix.gateway.missing = []domain.WantedItem{
		movie(1, released, domain.CategoryMissing),
		movie(2, released.Add(-time.Hour), domain.CategoryMissing),
	}

	sched := fix.scheduler(inst)
	sched.runCycle(ctx)

	require.Len(t, fix.gateway.triggered, 2)
	assert.Equal(t, domain.MovieKey(1), fix.gateway.triggered[0].Key)

	// Cooldowns and rate actions recorded for each trigger.
	rec, err := fix.deps.Cooldowns.Get(ctx, inst.AppType, inst.ID, domain.MovieKey(1))
	require.NoError(t, err)
	require.NotNil(t, rec)

	budget, err := fix.deps.Rates.RemainingBudget(ctx, inst.AppType, inst.ID, fix.now, inst.RateWindow, inst.RateCap)
	require.NoError(t, err)
	assert.Equal(t, inst.RateCap-2, budget)

	// Run state moved forward by one interval.
	state, err := fix.deps.Runs.Get(ctx, inst.AppType, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.NotNil(t, state.NextDueAt)
	assert.True(t, state.NextDueAt.Equal(fix.now.Add(inst.Interval)))

	runs, err := fix.deps.History.RecentRuns(ctx, inst.AppType, inst.ID, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusOK, runs[0].Status)
	assert.Equal(t, 2, runs[0].Stats.Triggered)
}

func TestScheduler_FetchFailureMutatesNoActionState(t *testing.T) {
	fix := newSchedulerFixture(t)
	inst := radarrInst()
	inst.Interval = 30 * time.Minute
	ctx := context.Background()

	fix.gateway.fetchErr = errors.New("connection refused")

	sched := fix.scheduler(inst)
	sched.runCycle(ctx)

	assert.Empty(t, fix.gateway.triggered)

	// No cooldown or rate rows were written.
	list, err := fix.deps.Cooldowns.ListForInstance(ctx, inst.AppType, inst.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	budget, err := fix.deps.Rates.RemainingBudget(ctx, inst.AppType, inst.ID, fix.now, inst.RateWindow, inst.RateCap)
	require.NoError(t, err)
	assert.Equal(t, inst.RateCap, budget)

	// But the cycle still rescheduled.
	state, err := fix.deps.Runs.Get(ctx, inst.AppType, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Nil(t, state.LastRunAt)
	require.NotNil(t, state.NextDueAt)
	assert.True(t, state.NextDueAt.Equal(fix.now.Add(inst.Interval)))

	runs, err := fix.deps.History.RecentRuns(ctx, inst.AppType, inst.ID, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusError, runs[0].Status)
}

func TestScheduler_FailedTriggerLeavesItemEligible(t *testing.T) {
	fix := newSchedulerFixture(t)
	inst := radarrInst()
	inst.Interval = 30 * time.Minute
	ctx := context.Background()

	released := fix.now.Add(-24 * time.Hour)
	fix.gateway.missing = []domain.WantedItem{
		movie(1, released, domain.CategoryMissing),
		movie(2, released.Add(-time.Hour), domain.CategoryMissing),
	}
	fix.gateway.failForKeys = map[string]bool{domain.MovieKey(1): true}

	sched := fix.scheduler(inst)
	sched.runCycle(ctx)

	// Only the second command succeeded.
	require.Len(t, fix.gateway.triggered, 1)
	assert.Equal(t, domain.MovieKey(2), fix.gateway.triggered[0].Key)

	// The failed item carries no cooldown, so the next cycle retries it.
	rec, err := fix.deps.Cooldowns.Get(ctx, inst.AppType, inst.ID, domain.MovieKey(1))
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = fix.deps.Cooldowns.Get(ctx, inst.AppType, inst.ID, domain.MovieKey(2))
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestScheduler_QuietHoursDefersCycle(t *testing.T) {
	fix := newSchedulerFixture(t)
	inst := radarrInst()
	inst.Interval = 30 * time.Minute
	inst.QuietStart = "01:00"
	inst.QuietEnd = "23:00"
	inst.QuietTimezone = "UTC"
	ctx := context.Background()

	fix.gateway.missing = []domain.WantedItem{movie(1, fix.now.Add(-24*time.Hour), domain.CategoryMissing)}

	sched := fix.scheduler(inst)
	sched.runCycle(ctx)

	assert.Empty(t, fix.gateway.triggered)

	// Quiet ends at 23:00, far beyond the interval, so the next check
	// lands on the next tick.
	state, err := fix.deps.Runs.Get(ctx, inst.AppType, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.NotNil(t, state.NextDueAt)
	assert.True(t, state.NextDueAt.Equal(fix.now.Add(inst.Interval)))
	assert.Nil(t, state.LastRunAt)

	// The deferral shows up in run history as a skipped cycle.
	runs, err := fix.deps.History.RecentRuns(ctx, inst.AppType, inst.ID, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusSkipped, runs[0].Status)
	assert.Equal(t, 1, runs[0].Stats.SkippedQuiet)
}

func TestScheduler_QuietEndBeforeTickResumesAtQuietEnd(t *testing.T) {
	fix := newSchedulerFixture(t)
	inst := radarrInst()
	inst.Interval = 60 * time.Minute
	inst.QuietStart = "11:00"
	inst.QuietEnd = "12:30"
	inst.QuietTimezone = "UTC"
	ctx := context.Background()

	sched := fix.scheduler(inst)
	sched.runCycle(ctx)

	assert.Empty(t, fix.gateway.triggered)

	state, err := fix.deps.Runs.Get(ctx, inst.AppType, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.NotNil(t, state.NextDueAt)
	assert.True(t, state.NextDueAt.Equal(time.Date(2025, 6, 10, 12, 30, 0, 0, time.UTC)))
}

func TestScheduler_InvalidQuietConfigSkipsCycle(t *testing.T) {
	fix := newSchedulerFixture(t)
	inst := radarrInst()
	inst.Interval = 30 * time.Minute
	inst.QuietStart = "25:00"
	inst.QuietEnd = "07:00"
	ctx := context.Background()

	fix.gateway.missing = []domain.WantedItem{movie(1, fix.now.Add(-24*time.Hour), domain.CategoryMissing)}

	sched := fix.scheduler(inst)
	sched.runCycle(ctx)

	assert.Empty(t, fix.gateway.triggered)

	state, err := fix.deps.Runs.Get(ctx, inst.AppType, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.NotNil(t, state.NextDueAt)
	assert.True(t, state.NextDueAt.Equal(fix.now.Add(inst.Interval)))
}

func TestScheduler_RecentReleasePullsNextDueEarlier(t *testing.T) {
	fix := newSchedulerFixture(t)
	inst := radarrInst()
	inst.Interval = 30 * time.Minute
	ctx := context.Background()

	// Released 7h45m ago: searchable in 15 minutes, sooner than the
	// next interval tick.
	fix.gateway.missing = []domain.WantedItem{
		movie(1, fix.now.Add(-7*time.Hour-45*time.Minute), domain.CategoryMissing),
	}

	sched := fix.scheduler(inst)
	sched.runCycle(ctx)

	assert.Empty(t, fix.gateway.triggered)

	state, err := fix.deps.Runs.Get(ctx, inst.AppType, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.NotNil(t, state.NextDueAt)
	assert.True(t, state.NextDueAt.Equal(fix.now.Add(15*time.Minute)))
}

func TestScheduler_ShutdownMidBatchRecordsAcceptedAction(t *testing.T) {
	fix := newSchedulerFixture(t)
	inst := radarrInst()
	inst.Interval = 30 * time.Minute
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	released := fix.now.Add(-24 * time.Hour)
	cands := []Candidate{
		candAt(domain.MovieKey(1), timePtr(released)),
		candAt(domain.MovieKey(2), timePtr(released)),
	}

	// Cancellation lands while the first command is in flight.
	fix.gateway.onTrigger = cancel

	sched := fix.scheduler(inst)
	triggered := sched.act(ctx, cands)

	// The accepted command still leaves its records behind; the rest of
	// the batch is abandoned.
	assert.Equal(t, 1, triggered)
	require.Len(t, fix.gateway.triggered, 1)

	rec, err := fix.deps.Cooldowns.Get(context.Background(), inst.AppType, inst.ID, domain.MovieKey(1))
	require.NoError(t, err)
	require.NotNil(t, rec)

	used, err := fix.deps.Rates.CountSince(context.Background(), inst.AppType, inst.ID, fix.now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, used)
}

func TestScheduler_WakeRunsImmediately(t *testing.T) {
	fix := newSchedulerFixture(t)
	inst := radarrInst()
	inst.Interval = 30 * time.Minute
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Not due for a long time.
	require.NoError(t, fix.deps.Runs.MarkRun(ctx, inst.AppType, inst.ID, fix.now, fix.now.Add(time.Hour)))

	fix.gateway.missing = []domain.WantedItem{movie(1, fix.now.Add(-24*time.Hour), domain.CategoryMissing)}

	sched := fix.scheduler(inst)
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	sched.Wake()
	require.Eventually(t, func() bool {
		runs, err := fix.deps.History.RecentRuns(context.Background(), inst.AppType, inst.ID, 5)
		return err == nil && len(runs) > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop on cancellation")
	}
}
