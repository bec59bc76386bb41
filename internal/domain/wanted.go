// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"fmt"
	"time"
)

// WantedItem is a single candidate reported by a library manager: a
// movie or an episode that is missing or below its quality cutoff.
// ReleaseTime is nil when the manager does not know the release/air
// date; such items are never eligible for search.
type WantedItem struct {
	Key         string
	Category    Category
	Title       string
	ReleaseTime *time.Time

	// Radarr
	MovieID int

	// Sonarr
	EpisodeID     int
	SeriesID      int
	SeriesTitle   string
	SeasonNumber  int
	EpisodeNumber int
}

// MovieKey builds the stable item key for a Radarr movie.
func MovieKey(movieID int) string { return fmt.Sprintf("movie:%d", movieID) }

// EpisodeKey builds the stable item key for a Sonarr episode.
func EpisodeKey(episodeID int) string { return fmt.Sprintf("episode:%d", episodeID) }

// SeasonKey builds the synthetic aggregate key for a whole season.
// Cooldown on this key suppresses the season entirely, including any
// episode-level fallback.
func SeasonKey(seriesID, seasonNumber int) string {
	return fmt.Sprintf("season:%d:%d", seriesID, seasonNumber)
}

// SeriesKey builds the aggregate key used by the show-batch missing mode.
func SeriesKey(seriesID int) string { return fmt.Sprintf("series:%d", seriesID) }

// ActionKind distinguishes the command a search action maps to.
type ActionKind string

const (
	ActionMovieSearch   ActionKind = "movie"
	ActionEpisodeSearch ActionKind = "episode"
	ActionShowSearch    ActionKind = "show"
	ActionSeasonSearch  ActionKind = "season"
)

// SearchAction is a fully resolved trigger the scheduler hands to the
// library manager. Key is what gets recorded in the cooldown store.
type SearchAction struct {
	Kind  ActionKind
	Key   string
	Title string

	MovieID      int
	EpisodeIDs   []int
	SeriesID     int
	SeasonNumber int
}

// SeasonTally summarizes one season of a series as known to Sonarr,
// restricted to episodes that have already aired.
type SeasonTally struct {
	AiredTotal      int
	AiredDownloaded int
}

// CalendarEntry is a row from the manager's calendar feed, used by the
// smart ordering boost for recently released content.
type CalendarEntry struct {
	MovieID       int
	EpisodeID     int
	SeriesID      int
	SeasonNumber  int
	EpisodeNumber int
	ReleaseTime   *time.Time
}
