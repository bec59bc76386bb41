// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"math/rand"
	"sort"
	"time"

	"github.com/autobrr/seekarr/internal/domain"
)

// Candidate is one resolved action a cycle may trigger, carrying the
// release time used for ordering. For aggregate actions (seasons,
// shows) the release time is the newest among the member episodes.
type Candidate struct {
	Action      domain.SearchAction
	Category    domain.Category
	ReleaseTime *time.Time

	// ItemCount is how many wanted items this candidate covers; 1 for
	// single movies/episodes, more for season and show batches.
	ItemCount int
}

// DedupMissingWins merges wanted listings: when the same key appears in
// both the missing and cutoff listings, the missing entry wins. Order
// of first appearance is preserved.
func DedupMissingWins(items []domain.WantedItem) []domain.WantedItem {
	index := make(map[string]int, len(items))
	out := make([]domain.WantedItem, 0, len(items))
	for _, item := range items {
		if i, seen := index[item.Key]; seen {
			if out[i].Category == domain.CategoryCutoff && item.Category == domain.CategoryMissing {
				out[i] = item
			}
			continue
		}
		index[item.Key] = len(out)
		out = append(out, item)
	}
	return out
}

// orderCandidates sorts candidates in the configured search order.
// Candidates without a known release time always sort last.
func orderCandidates(cands []Candidate, order domain.SearchOrder, boost map[string]time.Time, now time.Time, recentWindow time.Duration, rng *rand.Rand) []Candidate {
	out := make([]Candidate, len(cands))
	copy(out, cands)

	switch order {
	case domain.SearchOrderRandom:
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	case domain.SearchOrderOldest:
		sortByRelease(out, true)
		return out
	case domain.SearchOrderSmart:
		return smartOrder(out, boost, now, recentWindow, rng)
	default:
		sortByRelease(out, false)
		return out
	}
}

// sortByRelease sorts by release time, unknown dates last. The sort is
// stable so equal timestamps keep their fetch order.
func sortByRelease(cands []Candidate, oldestFirst bool) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i].ReleaseTime, cands[j].ReleaseTime
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		if oldestFirst {
			return a.Before(*b)
		}
		return a.After(*b)
	})
}

// smartOrder builds the priority sequence for a cycle:
//
//  1. calendar-boosted items whose release has passed, newest first
//  2. recently released items (inside recentWindow), newest first
//  3. the broad middle, shuffled so repeated cycles rotate coverage
//  4. the oldest tenth, oldest first, so back-catalog still drains
//  5. items with unknown release dates
func smartOrder(cands []Candidate, boost map[string]time.Time, now time.Time, recentWindow time.Duration, rng *rand.Rand) []Candidate {
	var boosted, recent, known, unknown []Candidate

	for _, cand := range cands {
		if cand.ReleaseTime == nil {
			unknown = append(unknown, cand)
			continue
		}
		if ts, ok := boost[cand.Action.Key]; ok && !ts.After(now) {
			boosted = append(boosted, cand)
			continue
		}
		if now.Sub(*cand.ReleaseTime) <= recentWindow {
			recent = append(recent, cand)
			continue
		}
		known = append(known, cand)
	}

	sort.SliceStable(boosted, func(i, j int) bool {
		return boost[boosted[i].Action.Key].After(boost[boosted[j].Action.Key])
	})
	sortByRelease(recent, false)

	// Oldest tenth forms a tail that is worked oldest-first; the rest
	// of the middle is shuffled.
	sortByRelease(known, true)
	tailLen := len(known) / 10
	tail := known[:tailLen]
	middle := append([]Candidate(nil), known[tailLen:]...)
	rng.Shuffle(len(middle), func(i, j int) { middle[i], middle[j] = middle[j], middle[i] })

	out := make([]Candidate, 0, len(cands))
	out = append(out, boosted...)
	out = append(out, recent...)
	out = append(out, middle...)
	out = append(out, tail...)
	out = append(out, unknown...)
	return out
}

// boostIndex maps candidate keys to calendar release times, restricted
// to entries whose release has already passed.
func boostIndex(entries []domain.CalendarEntry, appType domain.AppType, now time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(entries))
	for _, entry := range entries {
		if entry.ReleaseTime == nil || entry.ReleaseTime.After(now) {
			continue
		}
		switch appType {
		case domain.AppTypeRadarr:
			out[domain.MovieKey(entry.MovieID)] = *entry.ReleaseTime
		case domain.AppTypeSonarr:
			out[domain.EpisodeKey(entry.EpisodeID)] = *entry.ReleaseTime
			// Aggregate actions are boosted when any member episode
			// just released.
			seasonKey := domain.SeasonKey(entry.SeriesID, entry.SeasonNumber)
			if ts, ok := out[seasonKey]; !ok || entry.ReleaseTime.After(ts) {
				out[seasonKey] = *entry.ReleaseTime
			}
			seriesKey := domain.SeriesKey(entry.SeriesID)
			if ts, ok := out[seriesKey]; !ok || entry.ReleaseTime.After(ts) {
				out[seriesKey] = *entry.ReleaseTime
			}
		}
	}
	return out
}
