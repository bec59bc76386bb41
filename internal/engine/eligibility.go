// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/seekarr/internal/domain"
	"github.com/autobrr/seekarr/internal/models"
)

// Snapshot is everything a cycle fetched from the manager before any
// eligibility decision. Selection runs over this stable view; nothing
// re-fetches mid-pipeline.
type Snapshot struct {
	Missing  []domain.WantedItem
	Cutoff   []domain.WantedItem
	Calendar []domain.CalendarEntry
	Tallies  TallyFunc
}

// Selector runs the eligibility pipeline: release delay, cooldowns with
// recency relaxation, ordering, per-category caps and the rate budget.
type Selector struct {
	cooldowns *models.CooldownStore
	rates     *models.RateWindowStore
	rng       *rand.Rand
}

func NewSelector(cooldowns *models.CooldownStore, rates *models.RateWindowStore, rng *rand.Rand) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Selector{cooldowns: cooldowns, rates: rates, rng: rng}
}

// Select returns the candidates a cycle should act on, in trigger
// order, together with the counts of what was filtered out and why.
func (s *Selector) Select(ctx context.Context, inst domain.EffectiveInstance, snap Snapshot, now time.Time) ([]Candidate, models.RunStats, error) {
	var stats models.RunStats
	stats.Fetched = len(snap.Missing) + len(snap.Cutoff)

	merged := DedupMissingWins(append(append([]domain.WantedItem{}, snap.Missing...), snap.Cutoff...))
	if inst.AppType == domain.AppTypeSonarr {
		// Specials are dropped whenever regular episodes are wanted,
		// whichever listing they came from.
		merged = dropSpecials(merged)
	}

	var missing, cutoff []domain.WantedItem
	for _, item := range merged {
		// Items with unknown or too-fresh release dates are not
		// searchable yet.
		if item.ReleaseTime == nil || now.Before(item.ReleaseTime.Add(inst.MinAfterRelease)) {
			stats.SkippedDelay++
			continue
		}
		if item.Category == domain.CategoryMissing {
			missing = append(missing, item)
		} else {
			cutoff = append(cutoff, item)
		}
	}

	missingCands, err := s.missingCandidates(ctx, inst, missing, snap.Tallies, now, &stats)
	if err != nil {
		return nil, stats, err
	}
	cutoffCands, err := s.filterCooldown(ctx, inst, itemCandidates(inst.AppType, cutoff), now, &stats)
	if err != nil {
		return nil, stats, err
	}

	boost := boostIndex(snap.Calendar, inst.AppType, now)
	missingCands = orderCandidates(missingCands, inst.SearchOrder, boost, now, inst.RecentWindow, s.rng)
	cutoffCands = orderCandidates(cutoffCands, inst.SearchOrder, boost, now, inst.RecentWindow, s.rng)

	missingCands = capCandidates(missingCands, inst.MaxMissingAction, &stats)
	cutoffCands = capCandidates(cutoffCands, inst.MaxCutoffAction, &stats)

	selected := append(missingCands, cutoffCands...)

	budget, err := s.rates.RemainingBudget(ctx, inst.AppType, inst.ID, now, inst.RateWindow, inst.RateCap)
	if err != nil {
		return nil, stats, err
	}
	if len(selected) > budget {
		stats.SkippedRate += len(selected) - budget
		selected = selected[:budget]
	}

	stats.Eligible = len(selected)
	log.Debug().
		Str("instance", inst.Key()).
		Int("fetched", stats.Fetched).
		Int("eligible", stats.Eligible).
		Int("budget", budget).
		Msg("cycle selection complete")
	return selected, stats, nil
}

// missingCandidates resolves missing items into candidates (with Sonarr
// season/show aggregation) and applies cooldowns.
func (s *Selector) missingCandidates(ctx context.Context, inst domain.EffectiveInstance, missing []domain.WantedItem, tallies TallyFunc, now time.Time, stats *models.RunStats) ([]Candidate, error) {
	var cands []Candidate
	if inst.AppType == domain.AppTypeSonarr {
		seasonCooled := func(ctx context.Context, key string, release *time.Time) (bool, error) {
			return s.cooldowns.IsCooledDown(ctx, inst.AppType, inst.ID, key, now, retryFor(inst, release, now))
		}
		resolved, skipped, err := resolveSonarrMissing(ctx, inst, missing, tallies, seasonCooled)
		if err != nil {
			return nil, err
		}
		stats.SkippedCooldown += skipped
		cands = resolved
	} else {
		cands = itemCandidates(inst.AppType, missing)
	}
	return s.filterCooldown(ctx, inst, cands, now, stats)
}

// filterCooldown drops candidates whose key is still cooling down. For
// items released inside the recency window the shorter recent retry
// interval applies, so fresh content gets re-searched sooner.
func (s *Selector) filterCooldown(ctx context.Context, inst domain.EffectiveInstance, cands []Candidate, now time.Time, stats *models.RunStats) ([]Candidate, error) {
	out := cands[:0:0]
	for _, cand := range cands {
		ok, err := s.cooldowns.IsCooledDown(ctx, inst.AppType, inst.ID, cand.Action.Key, now, retryFor(inst, cand.ReleaseTime, now))
		if err != nil {
			return nil, err
		}
		if !ok {
			stats.SkippedCooldown += cand.ItemCount
			continue
		}
		out = append(out, cand)
	}
	return out, nil
}

// retryFor picks the retry interval for one candidate key. The season
// aggregate carries its newest member release, so a freshly aired
// season relaxes the same way a fresh episode does.
func retryFor(inst domain.EffectiveInstance, release *time.Time, now time.Time) time.Duration {
	if release != nil && now.Sub(*release) <= inst.RecentWindow {
		return inst.RecentRetry
	}
	return inst.ItemRetry
}

func capCandidates(cands []Candidate, cap int, stats *models.RunStats) []Candidate {
	if cap < 0 {
		cap = 0
	}
	if len(cands) <= cap {
		return cands
	}
	stats.SkippedCap += len(cands) - cap
	return cands[:cap]
}

// earlyWakeAt returns the soonest moment a recently released item
// becomes searchable. Fresh releases pull the next cycle forward so the
// first search lands right when the delay gate opens, instead of
// waiting out a full interval.
func earlyWakeAt(inst domain.EffectiveInstance, items []domain.WantedItem, now time.Time) *time.Time {
	var wake *time.Time
	for _, item := range items {
		if item.ReleaseTime == nil {
			continue
		}
		ready := item.ReleaseTime.Add(inst.MinAfterRelease)
		if !ready.After(now) {
			continue
		}
		// Far-future releases don't justify an early cycle.
		if item.ReleaseTime.Sub(now) > inst.RecentWindow {
			continue
		}
		if wake == nil || ready.Before(*wake) {
			w := ready
			wake = &w
		}
	}
	return wake
}

// itemCandidates maps single wanted items straight to candidates:
// movie searches for Radarr, episode searches for Sonarr.
func itemCandidates(appType domain.AppType, items []domain.WantedItem) []Candidate {
	if appType == domain.AppTypeSonarr {
		return episodeCandidates(items)
	}
	out := make([]Candidate, 0, len(items))
	for _, item := range items {
		out = append(out, Candidate{
			Action: domain.SearchAction{
				Kind:    domain.ActionMovieSearch,
				Key:     item.Key,
				Title:   item.Title,
				MovieID: item.MovieID,
			},
			Category:    item.Category,
			ReleaseTime: item.ReleaseTime,
			ItemCount:   1,
		})
	}
	return out
}
