// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/seekarr/internal/domain"
)

func TestHistoryStore_RunsRoundTrip(t *testing.T) {
	db := newTestDB(t)
	store := NewHistoryStore(db.Conn())
	ctx := context.Background()

	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(20 * time.Second)

	require.NoError(t, store.RecordRun(ctx, InstanceRun{
		AppType:      domain.AppTypeRadarr,
		InstanceID:   1,
		InstanceName: "radarr-main",
		StartedAt:    started,
		FinishedAt:   &finished,
		Status:       RunStatusOK,
		Stats:        RunStats{Fetched: 40, Eligible: 6, Triggered: 5, SkippedCooldown: 30},
	}))

	runs, err := store.RecentRuns(ctx, domain.AppTypeRadarr, 1, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, "radarr-main", run.InstanceName)
	assert.Equal(t, RunStatusOK, run.Status)
	assert.True(t, run.StartedAt.Equal(started))
	require.NotNil(t, run.FinishedAt)
	assert.True(t, run.FinishedAt.Equal(finished))
	assert.Equal(t, 40, run.Stats.Fetched)
	assert.Equal(t, 5, run.Stats.Triggered)
	assert.Equal(t, 30, run.Stats.SkippedCooldown)
}

func TestHistoryStore_RecentRunsNewestFirst(t *testing.T) {
	db := newTestDB(t)
	store := NewHistoryStore(db.Conn())
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.RecordRun(ctx, InstanceRun{
			AppType:    domain.AppTypeSonarr,
			InstanceID: 1,
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			Status:     RunStatusOK,
			Stats:      RunStats{Triggered: i},
		}))
	}

	runs, err := store.RecentRuns(ctx, domain.AppTypeSonarr, 1, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, 4, runs[0].Stats.Triggered)
	assert.Equal(t, 2, runs[2].Stats.Triggered)
}

func TestHistoryStore_FailedRunWithoutFinish(t *testing.T) {
	db := newTestDB(t)
	store := NewHistoryStore(db.Conn())
	ctx := context.Background()

	require.NoError(t, store.RecordRun(ctx, InstanceRun{
		AppType:    domain.AppTypeRadarr,
		InstanceID: 2,
		StartedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Status:     RunStatusError,
	}))

	runs, err := store.RecentRuns(ctx, domain.AppTypeRadarr, 2, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunStatusError, runs[0].Status)
	assert.Nil(t, runs[0].FinishedAt)
}

func TestHistoryStore_SearchActions(t *testing.T) {
	db := newTestDB(t)
	store := NewHistoryStore(db.Conn())
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordSearch(ctx, domain.AppTypeRadarr, 1, "radarr-main",
		domain.MovieKey(10), "Blade Runner", now))
	require.NoError(t, store.RecordSearch(ctx, domain.AppTypeSonarr, 1, "sonarr-main",
		domain.SeasonKey(4, 2), "The Wire - Season 2", now.Add(time.Minute)))

	actions, err := store.RecentSearches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "The Wire - Season 2", actions[0].Title)
	assert.Equal(t, domain.SeasonKey(4, 2), actions[0].ItemKey)
	assert.Equal(t, "Blade Runner", actions[1].Title)
	assert.True(t, actions[1].OccurredAt.Equal(now))
}

func TestHistoryStore_PruneRuns(t *testing.T) {
	db := newTestDB(t)
	store := NewHistoryStore(db.Conn())
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		require.NoError(t, store.RecordRun(ctx, InstanceRun{
			AppType:    domain.AppTypeRadarr,
			InstanceID: 1,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			Status:     RunStatusOK,
			Stats:      RunStats{Triggered: i},
		}))
	}

	require.NoError(t, store.PruneRuns(ctx, domain.AppTypeRadarr, 1, 4))

	runs, err := store.RecentRuns(ctx, domain.AppTypeRadarr, 1, 20)
	require.NoError(t, err)
	require.Len(t, runs, 4)
	assert.Equal(t, 9, runs[0].Stats.Triggered)
	assert.Equal(t, 6, runs[3].Stats.Triggered)
}
