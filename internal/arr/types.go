// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"strings"
	"time"
)

// pagedResponse is the envelope Radarr and Sonarr wrap paged listings in.
type pagedResponse[T any] struct {
	Page         int `json:"page"`
	PageSize     int `json:"pageSize"`
	TotalRecords int `json:"totalRecords"`
	Records      []T `json:"records"`
}

// movieRecord is one row from Radarr's wanted or calendar listings.
type movieRecord struct {
	ID              int    `json:"id"`
	Title           string `json:"title"`
	Monitored       bool   `json:"monitored"`
	InCinemas       string `json:"inCinemas"`
	DigitalRelease  string `json:"digitalRelease"`
	PhysicalRelease string `json:"physicalRelease"`
}

// releaseTime picks the earliest known home-availability date: digital
// if set, else physical, else cinema. Nil when Radarr knows none.
func (m movieRecord) releaseTime() *time.Time {
	for _, raw := range []string{m.DigitalRelease, m.PhysicalRelease, m.InCinemas} {
		if t := parseArrTime(raw); t != nil {
			return t
		}
	}
	return nil
}

// episodeRecord is one row from Sonarr's wanted, calendar or episode
// listings.
type episodeRecord struct {
	ID            int    `json:"id"`
	SeriesID      int    `json:"seriesId"`
	SeasonNumber  int    `json:"seasonNumber"`
	EpisodeNumber int    `json:"episodeNumber"`
	Title         string `json:"title"`
	AirDateUTC    string `json:"airDateUtc"`
	AirDate       string `json:"airDate"`
	Monitored     bool   `json:"monitored"`
	HasFile       bool   `json:"hasFile"`

	Series *seriesRef `json:"series,omitempty"`
}

type seriesRef struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

func (e episodeRecord) airTime() *time.Time {
	if t := parseArrTime(e.AirDateUTC); t != nil {
		return t
	}
	return parseArrTime(e.AirDate)
}

func (e episodeRecord) seriesTitle() string {
	if e.Series != nil {
		return e.Series.Title
	}
	return ""
}

// commandRequest is the POST /api/v3/command payload. Only the fields
// relevant to the command name are set. SeasonNumber is always encoded
// so a specials (season 0) pack search stays addressable.
type commandRequest struct {
	Name         string `json:"name"`
	MovieIDs     []int  `json:"movieIds,omitempty"`
	EpisodeIDs   []int  `json:"episodeIds,omitempty"`
	SeriesID     int    `json:"seriesId,omitempty"`
	SeasonNumber int    `json:"seasonNumber"`
}

// parseArrTime parses the timestamp formats the managers emit: RFC3339
// with or without sub-seconds, or a bare date. Returns nil for empty or
// unparseable values so callers treat the release date as unknown.
func parseArrTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
