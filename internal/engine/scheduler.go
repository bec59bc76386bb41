// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/seekarr/internal/domain"
	"github.com/autobrr/seekarr/internal/metrics"
	"github.com/autobrr/seekarr/internal/models"
)

// Gateway is the manager API surface one scheduling loop needs.
// *arr.Client satisfies it.
type Gateway interface {
	FetchWanted(ctx context.Context, category domain.Category) ([]domain.WantedItem, error)
	Calendar(ctx context.Context, start, end time.Time) ([]domain.CalendarEntry, error)
	SeasonInventory(ctx context.Context, seriesID int, now time.Time) (map[int]domain.SeasonTally, error)
	Trigger(ctx context.Context, action domain.SearchAction) error
}

const runHistoryKeep = 100

// Scheduler drives the cycle loop for one instance: wait until due,
// fetch, select, act, record, reschedule. One goroutine per instance;
// all durable state goes through the stores.
type Scheduler struct {
	inst     domain.EffectiveInstance
	gateway  Gateway
	selector *Selector

	cooldowns *models.CooldownStore
	rates     *models.RateWindowStore
	runs      *models.RunStateStore
	history   *models.HistoryStore
	metrics   *metrics.Metrics

	now  func() time.Time
	wake chan struct{}
	logg zerolog.Logger
}

// SchedulerDeps bundles the shared collaborators a scheduler needs.
type SchedulerDeps struct {
	Selector  *Selector
	Cooldowns *models.CooldownStore
	Rates     *models.RateWindowStore
	Runs      *models.RunStateStore
	History   *models.HistoryStore
	Metrics   *metrics.Metrics

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewScheduler(inst domain.EffectiveInstance, gateway Gateway, deps SchedulerDeps) *Scheduler {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		inst:      inst,
		gateway:   gateway,
		selector:  deps.Selector,
		cooldowns: deps.Cooldowns,
		rates:     deps.Rates,
		runs:      deps.Runs,
		history:   deps.History,
		metrics:   deps.Metrics,
		now:       now,
		wake:      make(chan struct{}, 1),
		logg:      log.With().Str("instance", inst.Key()).Str("name", inst.Name).Logger(),
	}
}

// Wake requests an immediate cycle, bypassing the due check only; the
// quiet-hours gate and all eligibility rules still apply. Non-blocking.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RunOnce executes a single cycle immediately, regardless of the due
// time. Used by the one-shot CLI command.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.runCycle(ctx)
}

// Run loops until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logg.Info().Dur("interval", s.inst.Interval).Msg("scheduler started")
	for {
		wait, err := s.untilDue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			s.logg.Error().Err(err).Msg("failed to read run state, retrying shortly")
			wait = time.Minute
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logg.Info().Msg("scheduler stopped")
			return nil
		case <-s.wake:
			timer.Stop()
			s.logg.Info().Msg("forced run requested")
		case <-timer.C:
		}

		s.runCycle(ctx)
	}
}

// untilDue returns how long to sleep before the next cycle. A missing
// run state means the instance has never run and is due immediately.
func (s *Scheduler) untilDue(ctx context.Context) (time.Duration, error) {
	state, err := s.runs.Get(ctx, s.inst.AppType, s.inst.ID)
	if err != nil {
		return 0, err
	}
	if state == nil || state.NextDueAt == nil {
		return 0, nil
	}
	wait := state.NextDueAt.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	return wait, nil
}

func (s *Scheduler) runCycle(ctx context.Context) {
	now := s.now()

	quietUntil, err := QuietEnd(now, s.inst.QuietStart, s.inst.QuietEnd, s.inst.QuietTimezone)
	if err != nil {
		cfgErr := &domain.ConfigError{AppType: s.inst.AppType, InstanceID: s.inst.ID, Reason: err.Error()}
		s.logg.Error().Err(cfgErr).Msg("skipping cycle")
		s.countCycle("config_error")
		s.deferTo(ctx, now.Add(s.inst.Interval))
		return
	}
	if quietUntil != nil {
		// Re-check at the next tick or at quiet end, whichever comes
		// first, so a shortened window is picked up promptly.
		resume := *quietUntil
		if tick := now.Add(s.inst.Interval); tick.Before(resume) {
			resume = tick
		}
		s.logg.Debug().Time("resume", resume).Msg("inside quiet hours, deferring cycle")
		s.countCycle(models.RunStatusSkipped)
		s.countSkip(metrics.ReasonQuiet, 1)
		s.recordRun(ctx, now, models.RunStatusSkipped, models.RunStats{SkippedQuiet: 1})
		s.deferTo(ctx, resume)
		return
	}

	snap, err := s.fetchSnapshot(ctx, now)
	if err != nil {
		// Nothing durable changes on a failed fetch; the cycle just
		// reschedules.
		s.logg.Error().Err(err).Msg("fetch failed, cycle aborted")
		if s.metrics != nil {
			s.metrics.FetchErrors.WithLabelValues(s.inst.Key()).Inc()
		}
		s.countCycle(models.RunStatusError)
		s.recordRun(ctx, now, models.RunStatusError, models.RunStats{})
		s.deferTo(ctx, now.Add(s.inst.Interval))
		return
	}

	selected, stats, err := s.selector.Select(ctx, s.inst, snap, now)
	if err != nil {
		s.logg.Error().Err(err).Msg("selection failed, cycle aborted")
		s.countCycle(models.RunStatusError)
		s.deferTo(ctx, now.Add(s.inst.Interval))
		return
	}
	s.countSkip(metrics.ReasonDelay, stats.SkippedDelay)
	s.countSkip(metrics.ReasonCooldown, stats.SkippedCooldown)
	s.countSkip(metrics.ReasonCap, stats.SkippedCap)
	s.countSkip(metrics.ReasonRate, stats.SkippedRate)

	stats.Triggered = s.act(ctx, selected)

	finished := s.now()
	nextDue := now.Add(s.inst.Interval)
	if wake := earlyWakeAt(s.inst, append(append([]domain.WantedItem{}, snap.Missing...), snap.Cutoff...), now); wake != nil && wake.Before(nextDue) {
		nextDue = *wake
	}
	if err := s.runs.MarkRun(ctx, s.inst.AppType, s.inst.ID, now, nextDue); err != nil {
		s.logg.Error().Err(err).Msg("failed to persist run state")
	}
	s.history.RecordRun(ctx, models.InstanceRun{
		AppType:      s.inst.AppType,
		InstanceID:   s.inst.ID,
		InstanceName: s.inst.Name,
		StartedAt:    now,
		FinishedAt:   &finished,
		Status:       models.RunStatusOK,
		Stats:        stats,
	})
	s.history.PruneRuns(ctx, s.inst.AppType, s.inst.ID, runHistoryKeep)
	s.rates.Prune(ctx, now.Add(-2*s.inst.RateWindow))
	s.countCycle(models.RunStatusOK)

	s.logg.Info().
		Int("fetched", stats.Fetched).
		Int("eligible", stats.Eligible).
		Int("triggered", stats.Triggered).
		Time("nextDue", nextDue).
		Msg("cycle complete")
}

// fetchSnapshot reads everything a cycle needs up front. Season tallies
// are fetched lazily per series during selection.
func (s *Scheduler) fetchSnapshot(ctx context.Context, now time.Time) (Snapshot, error) {
	var snap Snapshot
	var err error

	if s.inst.SearchMissing {
		if snap.Missing, err = s.gateway.FetchWanted(ctx, domain.CategoryMissing); err != nil {
			return snap, err
		}
	}
	if s.inst.SearchCutoffUnmet {
		if snap.Cutoff, err = s.gateway.FetchWanted(ctx, domain.CategoryCutoff); err != nil {
			return snap, err
		}
	}
	if s.inst.SearchOrder == domain.SearchOrderSmart {
		// The calendar only feeds the smart-order boost; losing it is
		// not worth aborting the cycle.
		if snap.Calendar, err = s.gateway.Calendar(ctx, now.Add(-s.inst.RecentWindow), now.Add(24*time.Hour)); err != nil {
			s.logg.Warn().Err(err).Msg("calendar fetch failed, smart boost disabled for this cycle")
			snap.Calendar = nil
		}
	}
	snap.Tallies = func(ctx context.Context, seriesID int) (map[int]domain.SeasonTally, error) {
		return s.gateway.SeasonInventory(ctx, seriesID, now)
	}
	return snap, nil
}

// act triggers the selected candidates in order, pacing them with the
// configured gap. Cooldown, rate and history records are written only
// after the manager accepts a command; a failed trigger leaves the item
// eligible for the next cycle. Each candidate runs under a detached
// context: once the manager accepts a command its records must land
// even when shutdown arrives mid-batch, so cancellation is honored
// only between candidates.
func (s *Scheduler) act(ctx context.Context, selected []Candidate) int {
	actCtx := context.WithoutCancel(ctx)
	triggered := 0
	for i, cand := range selected {
		if i > 0 && s.inst.ActionGap > 0 {
			select {
			case <-ctx.Done():
				return triggered
			case <-time.After(s.inst.ActionGap):
			}
		}
		if ctx.Err() != nil {
			return triggered
		}

		if err := s.gateway.Trigger(actCtx, cand.Action); err != nil {
			s.logg.Warn().Err(err).Str("key", cand.Action.Key).Str("title", cand.Action.Title).Msg("search command failed")
			if s.metrics != nil {
				s.metrics.ActionsFailed.WithLabelValues(s.inst.Key()).Inc()
			}
			continue
		}

		actedAt := s.now()
		if err := s.cooldowns.RecordAction(actCtx, s.inst.AppType, s.inst.ID, cand.Action.Key, cand.Action.Title, actedAt); err != nil {
			s.logg.Error().Err(err).Str("key", cand.Action.Key).Msg("failed to record cooldown")
		}
		if err := s.rates.RecordAction(actCtx, s.inst.AppType, s.inst.ID, actedAt); err != nil {
			s.logg.Error().Err(err).Msg("failed to record rate action")
		}
		s.history.RecordSearch(actCtx, s.inst.AppType, s.inst.ID, s.inst.Name, cand.Action.Key, cand.Action.Title, actedAt)
		if s.metrics != nil {
			s.metrics.ActionsTriggered.WithLabelValues(s.inst.Key(), string(cand.Category)).Inc()
		}

		triggered++
		s.logg.Info().Str("key", cand.Action.Key).Str("title", cand.Action.Title).Msg("search triggered")
	}
	return triggered
}

// deferTo moves the due time without marking a run.
func (s *Scheduler) deferTo(ctx context.Context, due time.Time) {
	if err := s.runs.SetNextDue(ctx, s.inst.AppType, s.inst.ID, due); err != nil {
		s.logg.Error().Err(err).Msg("failed to persist next due time")
	}
}

func (s *Scheduler) recordRun(ctx context.Context, started time.Time, status string, stats models.RunStats) {
	finished := s.now()
	s.history.RecordRun(ctx, models.InstanceRun{
		AppType:      s.inst.AppType,
		InstanceID:   s.inst.ID,
		InstanceName: s.inst.Name,
		StartedAt:    started,
		FinishedAt:   &finished,
		Status:       status,
		Stats:        stats,
	})
}

func (s *Scheduler) countCycle(status string) {
	if s.metrics != nil {
		s.metrics.CyclesTotal.WithLabelValues(s.inst.Key(), status).Inc()
	}
}

func (s *Scheduler) countSkip(reason string, n int) {
	if s.metrics == nil || n <= 0 {
		return
	}
	s.metrics.ItemsSkipped.WithLabelValues(s.inst.Key(), reason).Add(float64(n))
}
