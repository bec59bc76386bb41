// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/seekarr/internal/domain"
)

func TestDedupMissingWins(t *testing.T) {
	items := []domain.WantedItem{
		{Key: "movie:1", Category: domain.CategoryMissing, Title: "A"},
		{Key: "movie:2", Category: domain.CategoryCutoff, Title: "B"},
		{Key: "movie:2", Category: domain.CategoryMissing, Title: "B missing"},
		{Key: "movie:3", Category: domain.CategoryMissing, Title: "C"},
		{Key: "movie:1", Category: domain.CategoryCutoff, Title: "A cutoff"},
	}

	out := DedupMissingWins(items)
	require.Len(t, out, 3)
	assert.Equal(t, domain.CategoryMissing, out[0].Category)
	assert.Equal(t, "A", out[0].Title)
	// Later missing entry replaced the earlier cutoff one in place.
	assert.Equal(t, "movie:2", out[1].Key)
	assert.Equal(t, domain.CategoryMissing, out[1].Category)
	assert.Equal(t, "B missing", out[1].Title)
}

func candAt(key string, release *time.Time) Candidate {
	return Candidate{
		Action:      domain.SearchAction{Kind: domain.ActionMovieSearch, Key: key, Title: key},
		Category:    domain.CategoryMissing,
		ReleaseTime: release,
		ItemCount:   1,
	}
}

func keys(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Action.Key
	}
	return out
}

func TestOrderCandidates_NewestAndOldest(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	cands := []Candidate{
		candAt("mid", timePtr(base.Add(-48*time.Hour))),
		candAt("unknown", nil),
		candAt("new", timePtr(base.Add(-time.Hour))),
		candAt("old", timePtr(base.Add(-30*24*time.Hour))),
	}
	rng := rand.New(rand.NewSource(1))

	newest := orderCandidates(cands, domain.SearchOrderNewest, nil, base, 48*time.Hour, rng)
	assert.Equal(t, []string{"new", "mid", "old", "unknown"}, keys(newest))

	oldest := orderCandidates(cands, domain.SearchOrderOldest, nil, base, 48*time.Hour, rng)
	assert.Equal(t, []string{"old", "mid", "new", "unknown"}, keys(oldest))
}

func TestOrderCandidates_RandomKeepsAll(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	var cands []Candidate
	for i := 0; i < 20; i++ {
		cands = append(cands, candAt(domain.MovieKey(i), timePtr(base.Add(-time.Duration(i)*time.Hour))))
	}

	out := orderCandidates(cands, domain.SearchOrderRandom, nil, base, time.Hour, rand.New(rand.NewSource(7)))
	require.Len(t, out, 20)
	assert.ElementsMatch(t, keys(cands), keys(out))
}

func TestSmartOrder_Segments(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	recentWindow := 48 * time.Hour

	boostTime := now.Add(-2 * time.Hour)
	boost := map[string]time.Time{"boosted": boostTime}

	var cands []Candidate
	cands = append(cands, candAt("boosted", timePtr(boostTime)))
	cands = append(cands, candAt("recent-old", timePtr(now.Add(-40*time.Hour))))
	cands = append(cands, candAt("recent-new", timePtr(now.Add(-3*time.Hour))))
	cands = append(cands, candAt("unknown", nil))
	// 20 back-catalog items spread over the past two years.
	for i := 0; i < 20; i++ {
		cands = append(cands, candAt(
			domain.MovieKey(100+i),
			timePtr(now.Add(-time.Duration(30+i*30)*24*time.Hour)),
		))
	}

	out := smartOrder(cands, boost, now, recentWindow, rand.New(rand.NewSource(3)))
	require.Len(t, out, len(cands))
	got := keys(out)

	// Boosted first, then recent newest-first.
	assert.Equal(t, "boosted", got[0])
	assert.Equal(t, "recent-new", got[1])
	assert.Equal(t, "recent-old", got[2])

	// Unknown dates always land last.
	assert.Equal(t, "unknown", got[len(got)-1])

	// The oldest tenth of the 20 catalog items forms an oldest-first
	// tail just before the unknowns.
	tail := got[len(got)-3 : len(got)-1]
	assert.Equal(t, []string{domain.MovieKey(119), domain.MovieKey(118)}, tail)
}

func TestBoostIndex(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-2 * time.Hour)
	older := now.Add(-5 * time.Hour)
	future := now.Add(2 * time.Hour)

	entries := []domain.CalendarEntry{
		{EpisodeID: 1, SeriesID: 9, SeasonNumber: 2, ReleaseTime: &older},
		{EpisodeID: 2, SeriesID: 9, SeasonNumber: 2, ReleaseTime: &past},
		{EpisodeID: 3, SeriesID: 9, SeasonNumber: 3, ReleaseTime: &future},
		{EpisodeID: 4, SeriesID: 9, SeasonNumber: 3},
	}

	out := boostIndex(entries, domain.AppTypeSonarr, now)

	assert.Contains(t, out, domain.EpisodeKey(1))
	assert.Contains(t, out, domain.EpisodeKey(2))
	assert.NotContains(t, out, domain.EpisodeKey(3), "future releases do not boost")
	assert.NotContains(t, out, domain.EpisodeKey(4), "unknown releases do not boost")

	// The season aggregate carries the newest member release.
	assert.True(t, out[domain.SeasonKey(9, 2)].Equal(past))
	assert.True(t, out[domain.SeriesKey(9)].Equal(past))
}

func TestBoostIndex_Radarr(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	out := boostIndex([]domain.CalendarEntry{{MovieID: 5, ReleaseTime: &past}}, domain.AppTypeRadarr, now)
	require.Contains(t, out, domain.MovieKey(5))
	assert.True(t, out[domain.MovieKey(5)].Equal(past))
}
