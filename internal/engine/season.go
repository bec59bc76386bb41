// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/seekarr/internal/domain"
)

// TallyFunc fetches the aired/downloaded tallies per season for one
// series. Results are cached per cycle by the caller.
type TallyFunc func(ctx context.Context, seriesID int) (map[int]domain.SeasonTally, error)

// cooledDownFunc answers whether an item key is past its cooldown. The
// release time lets the caller relax the interval for recent content.
type cooledDownFunc func(ctx context.Context, itemKey string, release *time.Time) (bool, error)

type seasonGroup struct {
	seriesID    int
	seriesTitle string
	season      int
	episodes    []domain.WantedItem
}

// resolveSonarrMissing turns missing episodes into search candidates
// according to the instance's missing mode. The returned skipped count
// is episodes suppressed by an aggregate season cooldown.
func resolveSonarrMissing(ctx context.Context, inst domain.EffectiveInstance, items []domain.WantedItem, tallies TallyFunc, seasonCooled cooledDownFunc) ([]Candidate, int, error) {
	switch inst.MissingMode {
	case domain.MissingModeEpisodes:
		return episodeCandidates(items), 0, nil
	case domain.MissingModeShows:
		return showCandidates(items), 0, nil
	case domain.MissingModeSeasonPacks:
		var out []Candidate
		for _, group := range groupBySeason(items) {
			out = append(out, group.packCandidate())
		}
		return out, 0, nil
	default:
		return resolveSmart(ctx, inst, items, tallies, seasonCooled)
	}
}

// resolveSmart picks a season pack for mostly-empty seasons and falls
// back to per-episode searches otherwise. A season whose aggregate key
// is still cooling down is skipped entirely, episode fallback included.
func resolveSmart(ctx context.Context, inst domain.EffectiveInstance, items []domain.WantedItem, tallies TallyFunc, seasonCooled cooledDownFunc) ([]Candidate, int, error) {
	var (
		out       []Candidate
		skipped   int
		tallyByID = make(map[int]map[int]domain.SeasonTally)
	)

	for _, group := range groupBySeason(items) {
		cooled, err := seasonCooled(ctx, domain.SeasonKey(group.seriesID, group.season), newestRelease(group.episodes))
		if err != nil {
			return nil, 0, err
		}
		if !cooled {
			skipped += len(group.episodes)
			log.Trace().
				Str("series", group.seriesTitle).
				Int("season", group.season).
				Msg("season still cooling down, skipping")
			continue
		}

		seasonTallies, ok := tallyByID[group.seriesID]
		if !ok {
			if seasonTallies, err = tallies(ctx, group.seriesID); err != nil {
				return nil, 0, err
			}
			tallyByID[group.seriesID] = seasonTallies
		}

		if wantsSeasonPack(inst, group.episodes, seasonTallies[group.season]) {
			out = append(out, group.packCandidate())
			continue
		}
		out = append(out, episodeCandidates(group.episodes)...)
	}
	return out, skipped, nil
}

// wantsSeasonPack decides whether a season's missing episodes justify a
// single pack search instead of per-episode searches: an entirely
// undownloaded aired season, a large missing count, or a missing count
// covering most of the season.
func wantsSeasonPack(inst domain.EffectiveInstance, missing []domain.WantedItem, tally domain.SeasonTally) bool {
	if tally.AiredTotal > 0 && tally.AiredDownloaded == 0 {
		return true
	}
	n := len(missing)
	if n >= inst.SeasonPackAlwaysMissing {
		return true
	}
	if n < inst.SeasonPackMinMissing {
		return false
	}
	highest := 0
	for _, ep := range missing {
		if ep.EpisodeNumber > highest {
			highest = ep.EpisodeNumber
		}
	}
	return highest > 0 && float64(n)/float64(highest) >= inst.SeasonPackMinCoverage
}

// dropSpecials removes season-zero episodes whenever regular episodes
// are also wanted; specials only get searched on their own.
func dropSpecials(items []domain.WantedItem) []domain.WantedItem {
	hasRegular := false
	for _, item := range items {
		if item.SeasonNumber > 0 {
			hasRegular = true
			break
		}
	}
	if !hasRegular {
		return items
	}
	out := items[:0:0]
	for _, item := range items {
		if item.SeasonNumber > 0 {
			out = append(out, item)
		}
	}
	return out
}

func groupBySeason(items []domain.WantedItem) []seasonGroup {
	index := make(map[string]int)
	var groups []seasonGroup
	for _, item := range items {
		key := domain.SeasonKey(item.SeriesID, item.SeasonNumber)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, seasonGroup{
				seriesID:    item.SeriesID,
				seriesTitle: item.SeriesTitle,
				season:      item.SeasonNumber,
			})
		}
		groups[i].episodes = append(groups[i].episodes, item)
	}
	return groups
}

func (g seasonGroup) packCandidate() Candidate {
	return Candidate{
		Action: domain.SearchAction{
			Kind:         domain.ActionSeasonSearch,
			Key:          domain.SeasonKey(g.seriesID, g.season),
			Title:        fmt.Sprintf("%s - Season %d", g.seriesTitle, g.season),
			SeriesID:     g.seriesID,
			SeasonNumber: g.season,
		},
		Category:    domain.CategoryMissing,
		ReleaseTime: newestRelease(g.episodes),
		ItemCount:   len(g.episodes),
	}
}

func episodeCandidates(items []domain.WantedItem) []Candidate {
	out := make([]Candidate, 0, len(items))
	for _, item := range items {
		out = append(out, Candidate{
			Action: domain.SearchAction{
				Kind:       domain.ActionEpisodeSearch,
				Key:        item.Key,
				Title:      episodeTitle(item),
				SeriesID:   item.SeriesID,
				EpisodeIDs: []int{item.EpisodeID},
			},
			Category:    item.Category,
			ReleaseTime: item.ReleaseTime,
			ItemCount:   1,
		})
	}
	return out
}

func showCandidates(items []domain.WantedItem) []Candidate {
	index := make(map[int]int)
	var out []Candidate
	for _, item := range items {
		i, ok := index[item.SeriesID]
		if !ok {
			i = len(out)
			index[item.SeriesID] = i
			out = append(out, Candidate{
				Action: domain.SearchAction{
					Kind:     domain.ActionShowSearch,
					Key:      domain.SeriesKey(item.SeriesID),
					Title:    item.SeriesTitle,
					SeriesID: item.SeriesID,
				},
				Category: domain.CategoryMissing,
			})
		}
		out[i].ItemCount++
		if item.ReleaseTime != nil && (out[i].ReleaseTime == nil || item.ReleaseTime.After(*out[i].ReleaseTime)) {
			out[i].ReleaseTime = item.ReleaseTime
		}
	}
	return out
}

func episodeTitle(item domain.WantedItem) string {
	if item.SeriesTitle == "" {
		return item.Title
	}
	return fmt.Sprintf("%s S%02dE%02d", item.SeriesTitle, item.SeasonNumber, item.EpisodeNumber)
}

func newestRelease(items []domain.WantedItem) *time.Time {
	var newest *time.Time
	for _, item := range items {
		if item.ReleaseTime == nil {
			continue
		}
		if newest == nil || item.ReleaseTime.After(*newest) {
			newest = item.ReleaseTime
		}
	}
	return newest
}
