// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"fmt"
	"strings"
	"time"
)

// AppType identifies which kind of library manager an instance talks to.
type AppType string

const (
	AppTypeRadarr AppType = "radarr"
	AppTypeSonarr AppType = "sonarr"
)

func (a AppType) Valid() bool {
	return a == AppTypeRadarr || a == AppTypeSonarr
}

// SearchOrder selects how eligible candidates are ordered within a cycle.
type SearchOrder string

const (
	SearchOrderSmart  SearchOrder = "smart"
	SearchOrderNewest SearchOrder = "newest"
	SearchOrderOldest SearchOrder = "oldest"
	SearchOrderRandom SearchOrder = "random"
)

// ParseSearchOrder normalizes a configured search order, defaulting to newest.
func ParseSearchOrder(s string) SearchOrder {
	switch SearchOrder(strings.ToLower(strings.TrimSpace(s))) {
	case SearchOrderSmart:
		return SearchOrderSmart
	case SearchOrderOldest:
		return SearchOrderOldest
	case SearchOrderRandom:
		return SearchOrderRandom
	default:
		return SearchOrderNewest
	}
}

// MissingMode controls how Sonarr missing-episode searches are triggered.
type MissingMode string

const (
	// MissingModeSmart picks season packs for mostly-empty seasons and
	// falls back to per-episode searches otherwise.
	MissingModeSmart       MissingMode = "smart"
	MissingModeSeasonPacks MissingMode = "season_packs"
	MissingModeShows       MissingMode = "shows"
	MissingModeEpisodes    MissingMode = "episodes"
)

// ParseMissingMode normalizes a configured missing mode, accepting the
// aliases older config files used.
func ParseMissingMode(s string) MissingMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "season_packs", "seasons_packs", "seasonpacks", "seasons", "season":
		return MissingModeSeasonPacks
	case "shows", "show":
		return MissingModeShows
	case "episodes", "episode":
		return MissingModeEpisodes
	default:
		return MissingModeSmart
	}
}

// Category classifies a wanted item: new content vs quality upgrade.
type Category string

const (
	CategoryMissing Category = "missing"
	CategoryCutoff  Category = "cutoff"
)

// Config is the application-level configuration, unmarshaled from the
// TOML config file. App-level search knobs act as defaults that each
// instance may override.
type Config struct {
	Version string `mapstructure:"-"`

	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"baseUrl"`

	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`

	DataDir string `mapstructure:"dataDir"`

	MetricsEnabled bool   `mapstructure:"metricsEnabled"`
	MetricsHost    string `mapstructure:"metricsHost"`
	MetricsPort    int    `mapstructure:"metricsPort"`

	RequestTimeoutSeconds int  `mapstructure:"requestTimeoutSeconds"`
	VerifySSL             bool `mapstructure:"verifySsl"`

	// App-level defaults, overridable per instance.
	ItemRetryHours           int    `mapstructure:"itemRetryHours"`
	MinHoursAfterRelease     int    `mapstructure:"minHoursAfterRelease"`
	MinSecondsBetweenActions int    `mapstructure:"minSecondsBetweenActions"`
	RateWindowMinutes        int    `mapstructure:"rateWindowMinutes"`
	RateCap                  int    `mapstructure:"rateCap"`
	MaxMissingPerSync        int    `mapstructure:"maxMissingActionsPerSync"`
	MaxCutoffPerSync         int    `mapstructure:"maxCutoffActionsPerSync"`
	QuietHoursStart          string `mapstructure:"quietHoursStart"`
	QuietHoursEnd            string `mapstructure:"quietHoursEnd"`
	QuietHoursTimezone       string `mapstructure:"quietHoursTimezone"`

	// Recency relaxation and season-pack heuristics (operator tunable).
	RecentWindowDays        int     `mapstructure:"recentWindowDays"`
	RecentRetryHours        int     `mapstructure:"recentRetryHours"`
	SeasonPackMinMissing    int     `mapstructure:"seasonPackMinMissing"`
	SeasonPackMinCoverage   float64 `mapstructure:"seasonPackMinCoverage"`
	SeasonPackAlwaysMissing int     `mapstructure:"seasonPackAlwaysAtMissing"`

	Radarr []InstanceConfig `mapstructure:"radarr"`
	Sonarr []InstanceConfig `mapstructure:"sonarr"`
}

// InstanceConfig describes a single Radarr/Sonarr instance and its
// scheduling behavior. Nil override fields inherit the app-level
// default; an explicit zero is kept, so one instance can disable a cap
// the app default enables. Immutable for the duration of a cycle; the
// scheduler re-reads effective config at every due transition.
type InstanceConfig struct {
	AppType AppType `mapstructure:"-"`

	ID      int    `mapstructure:"instanceId"`
	Name    string `mapstructure:"instanceName"`
	Enabled bool   `mapstructure:"enabled"`

	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"apiKey"`

	IntervalMinutes   int    `mapstructure:"intervalMinutes"`
	SearchMissing     bool   `mapstructure:"searchMissing"`
	SearchCutoffUnmet bool   `mapstructure:"searchCutoffUnmet"`
	SearchOrder       string `mapstructure:"searchOrder"`
	SonarrMissingMode string `mapstructure:"sonarrMissingMode"`

	ItemRetryHours           *int   `mapstructure:"itemRetryHours"`
	MinHoursAfterRelease     *int   `mapstructure:"minHoursAfterRelease"`
	MinSecondsBetweenActions *int   `mapstructure:"minSecondsBetweenActions"`
	RateWindowMinutes        *int   `mapstructure:"rateWindowMinutes"`
	RateCap                  *int   `mapstructure:"rateCap"`
	MaxMissingPerSync        *int   `mapstructure:"maxMissingActionsPerSync"`
	MaxCutoffPerSync         *int   `mapstructure:"maxCutoffActionsPerSync"`
	QuietHoursStart          string `mapstructure:"quietHoursStart"`
	QuietHoursEnd            string `mapstructure:"quietHoursEnd"`
}

// ConfigError reports an invalid instance configuration. The affected
// instance is skipped for the cycle; siblings are unaffected.
type ConfigError struct {
	AppType    AppType
	InstanceID int
	Reason     string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s instance %d config: %s", e.AppType, e.InstanceID, e.Reason)
}

const (
	minIntervalMinutes = 15
	maxIntervalMinutes = 60
)

// EffectiveInstance is a fully resolved, validated snapshot of an
// instance's settings for one scheduling cycle: overrides applied over
// app defaults, enums parsed, numeric limits clamped.
type EffectiveInstance struct {
	AppType AppType
	ID      int
	Name    string
	Enabled bool

	URL    string
	APIKey string

	Interval          time.Duration
	SearchMissing     bool
	SearchCutoffUnmet bool
	SearchOrder       SearchOrder
	MissingMode       MissingMode

	ItemRetry        time.Duration
	RecentRetry      time.Duration
	RecentWindow     time.Duration
	MinAfterRelease  time.Duration
	ActionGap        time.Duration
	RateWindow       time.Duration
	RateCap          int
	MaxMissingAction int
	MaxCutoffAction  int

	QuietStart    string
	QuietEnd      string
	QuietTimezone string

	SeasonPackMinMissing    int
	SeasonPackMinCoverage   float64
	SeasonPackAlwaysMissing int
}

// Key returns a stable identifier for the instance across both app types.
func (e EffectiveInstance) Key() string {
	return fmt.Sprintf("%s:%d", e.AppType, e.ID)
}

// pick applies a per-instance override when one was set, explicit
// zeros included.
func pick(override *int, fallback int) int {
	if override != nil {
		return *override
	}
	return fallback
}

// orDefault substitutes a default for an unset app-level knob, where
// zero still means "not configured".
func orDefault(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func pickStr(override, fallback string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	return fallback
}

// Resolve merges an instance config with app-level defaults into an
// EffectiveInstance, validating identity and connection settings.
func (c *Config) Resolve(inst InstanceConfig) (EffectiveInstance, error) {
	if !inst.AppType.Valid() {
		return EffectiveInstance{}, &ConfigError{AppType: inst.AppType, InstanceID: inst.ID, Reason: "unknown app type"}
	}
	if inst.ID <= 0 {
		return EffectiveInstance{}, &ConfigError{AppType: inst.AppType, InstanceID: inst.ID, Reason: "instanceId must be positive"}
	}
	if inst.Enabled && strings.TrimSpace(inst.URL) == "" {
		return EffectiveInstance{}, &ConfigError{AppType: inst.AppType, InstanceID: inst.ID, Reason: "url is required"}
	}

	interval := inst.IntervalMinutes
	if interval == 0 {
		interval = minIntervalMinutes
	}
	if interval < minIntervalMinutes {
		interval = minIntervalMinutes
	}
	if interval > maxIntervalMinutes {
		interval = maxIntervalMinutes
	}

	retryHours := pick(inst.ItemRetryHours, c.ItemRetryHours)
	if retryHours < 1 {
		retryHours = 1
	}
	recentRetryHours := c.RecentRetryHours
	if recentRetryHours < 1 {
		recentRetryHours = 1
	}
	// The relaxation only ever shortens the retry interval.
	if recentRetryHours > retryHours {
		recentRetryHours = retryHours
	}
	recentWindowDays := c.RecentWindowDays
	if recentWindowDays < 1 {
		recentWindowDays = 1
	}

	rateWindow := pick(inst.RateWindowMinutes, c.RateWindowMinutes)
	if rateWindow < 1 {
		rateWindow = 1
	}
	rateCap := pick(inst.RateCap, c.RateCap)
	if rateCap < 1 {
		rateCap = 1
	}

	name := inst.Name
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("%s-%d", inst.AppType, inst.ID)
	}

	coverage := c.SeasonPackMinCoverage
	if coverage <= 0 || coverage > 1 {
		coverage = 0.6
	}

	return EffectiveInstance{
		AppType:           inst.AppType,
		ID:                inst.ID,
		Name:              name,
		Enabled:           inst.Enabled,
		URL:               strings.TrimRight(strings.TrimSpace(inst.URL), "/"),
		APIKey:            strings.TrimSpace(inst.APIKey),
		Interval:          time.Duration(interval) * time.Minute,
		SearchMissing:     inst.SearchMissing,
		SearchCutoffUnmet: inst.SearchCutoffUnmet,
		SearchOrder:       ParseSearchOrder(inst.SearchOrder),
		MissingMode:       ParseMissingMode(inst.SonarrMissingMode),
		ItemRetry:         time.Duration(retryHours) * time.Hour,
		RecentRetry:       time.Duration(recentRetryHours) * time.Hour,
		RecentWindow:      time.Duration(recentWindowDays) * 24 * time.Hour,
		MinAfterRelease:   time.Duration(pick(inst.MinHoursAfterRelease, c.MinHoursAfterRelease)) * time.Hour,
		ActionGap:         time.Duration(pick(inst.MinSecondsBetweenActions, c.MinSecondsBetweenActions)) * time.Second,
		RateWindow:        time.Duration(rateWindow) * time.Minute,
		RateCap:           rateCap,
		MaxMissingAction:  pick(inst.MaxMissingPerSync, c.MaxMissingPerSync),
		MaxCutoffAction:   pick(inst.MaxCutoffPerSync, c.MaxCutoffPerSync),
		QuietStart:        pickStr(inst.QuietHoursStart, c.QuietHoursStart),
		QuietEnd:          pickStr(inst.QuietHoursEnd, c.QuietHoursEnd),
		QuietTimezone:     c.QuietHoursTimezone,

		SeasonPackMinMissing:    orDefault(c.SeasonPackMinMissing, 3),
		SeasonPackMinCoverage:   coverage,
		SeasonPackAlwaysMissing: orDefault(c.SeasonPackAlwaysMissing, 6),
	}, nil
}

// Instances returns all configured instances with their app type set.
func (c *Config) Instances() []InstanceConfig {
	out := make([]InstanceConfig, 0, len(c.Radarr)+len(c.Sonarr))
	for _, inst := range c.Radarr {
		inst.AppType = AppTypeRadarr
		out = append(out, inst)
	}
	for _, inst := range c.Sonarr {
		inst.AppType = AppTypeSonarr
		out = append(out, inst)
	}
	return out
}
