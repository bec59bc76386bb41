// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/autobrr/seekarr/internal/dbinterface"
	"github.com/autobrr/seekarr/internal/domain"
)

// RunStats summarizes one completed cycle. Persisted as JSON alongside
// the run row so the schema never needs a migration when a counter is
// added.
type RunStats struct {
	Fetched   int `json:"fetched"`
	Eligible  int `json:"eligible"`
	Triggered int `json:"triggered"`

	SkippedQuiet    int `json:"skippedQuiet,omitempty"`
	SkippedDelay    int `json:"skippedDelay,omitempty"`
	SkippedCooldown int `json:"skippedCooldown,omitempty"`
	SkippedCap      int `json:"skippedCap,omitempty"`
	SkippedRate     int `json:"skippedRate,omitempty"`
}

// InstanceRun is one row of cycle history.
type InstanceRun struct {
	ID           int64          `json:"id"`
	AppType      domain.AppType `json:"appType"`
	InstanceID   int            `json:"instanceId"`
	InstanceName string         `json:"instanceName"`
	StartedAt    time.Time      `json:"startedAt"`
	FinishedAt   *time.Time     `json:"finishedAt"`
	Status       string         `json:"status"`
	Stats        RunStats       `json:"stats"`
}

// SearchActionRecord is one row of triggered-action history.
type SearchActionRecord struct {
	ID           int64          `json:"id"`
	AppType      domain.AppType `json:"appType"`
	InstanceID   int            `json:"instanceId"`
	InstanceName string         `json:"instanceName"`
	ItemKey      string         `json:"itemKey"`
	Title        string         `json:"title"`
	OccurredAt   time.Time      `json:"occurredAt"`
}

// Run status values.
const (
	RunStatusOK      = "ok"
	RunStatusError   = "error"
	RunStatusSkipped = "skipped"
)

// HistoryStore keeps the append-only record of cycles and actions for
// the ops API. It is display-only; nothing in the eligibility pipeline
// reads from it.
type HistoryStore struct {
	db dbinterface.Querier
}

func NewHistoryStore(db dbinterface.Querier) *HistoryStore {
	return &HistoryStore{db: db}
}

// RecordRun appends one completed (or failed) cycle.
func (s *HistoryStore) RecordRun(ctx context.Context, run InstanceRun) error {
	statsJSON, err := json.Marshal(run.Stats)
	if err != nil {
		return storeErr("history record run", err)
	}

	var finished any
	if run.FinishedAt != nil {
		finished = formatTime(*run.FinishedAt)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instance_run (app_type, instance_id, instance_name, started_at, finished_at, status, stats_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(run.AppType), run.InstanceID, run.InstanceName,
		formatTime(run.StartedAt), finished, run.Status, string(statsJSON))
	return storeErr("history record run", err)
}

// RecentRuns returns the newest cycles for an instance, newest first.
func (s *HistoryStore) RecentRuns(ctx context.Context, appType domain.AppType, instanceID, limit int) ([]InstanceRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_name, started_at, finished_at, status, stats_json
		FROM instance_run
		WHERE app_type = ? AND instance_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		string(appType), instanceID, limit)
	if err != nil {
		return nil, storeErr("history recent runs", err)
	}
	defer rows.Close()

	var out []InstanceRun
	for rows.Next() {
		var (
			run       InstanceRun
			name      sql.NullString
			started   string
			finished  sql.NullString
			statsJSON sql.NullString
		)
		if err := rows.Scan(&run.ID, &name, &started, &finished, &run.Status, &statsJSON); err != nil {
			return nil, storeErr("history recent runs", err)
		}
		run.AppType = appType
		run.InstanceID = instanceID
		run.InstanceName = name.String
		if run.StartedAt, err = parseTime(started); err != nil {
			return nil, storeErr("history recent runs", err)
		}
		if run.FinishedAt, err = parseNullTime(finished); err != nil {
			return nil, storeErr("history recent runs", err)
		}
		if statsJSON.Valid && statsJSON.String != "" {
			if err := json.Unmarshal([]byte(statsJSON.String), &run.Stats); err != nil {
				return nil, storeErr("history recent runs", err)
			}
		}
		out = append(out, run)
	}
	return out, storeErr("history recent runs", rows.Err())
}

// RecordSearch appends one triggered action.
func (s *HistoryStore) RecordSearch(ctx context.Context, appType domain.AppType, instanceID int, instanceName, itemKey, title string, occurredAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO search_action (app_type, instance_id, instance_name, item_key, title, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(appType), instanceID, instanceName, itemKey, title, formatTime(occurredAt))
	return storeErr("history record search", err)
}

// RecentSearches returns the newest triggered actions across all
// instances, newest first.
func (s *HistoryStore) RecentSearches(ctx context.Context, limit int) ([]SearchActionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, app_type, instance_id, instance_name, item_key, title, occurred_at
		FROM search_action
		ORDER BY id DESC
		LIMIT ?`,
		limit)
	if err != nil {
		return nil, storeErr("history recent searches", err)
	}
	defer rows.Close()

	var out []SearchActionRecord
	for rows.Next() {
		var (
			rec      SearchActionRecord
			appType  string
			name     sql.NullString
			itemKey  sql.NullString
			occurred string
		)
		if err := rows.Scan(&rec.ID, &appType, &rec.InstanceID, &name, &itemKey, &rec.Title, &occurred); err != nil {
			return nil, storeErr("history recent searches", err)
		}
		rec.AppType = domain.AppType(appType)
		rec.InstanceName = name.String
		rec.ItemKey = itemKey.String
		if rec.OccurredAt, err = parseTime(occurred); err != nil {
			return nil, storeErr("history recent searches", err)
		}
		out = append(out, rec)
	}
	return out, storeErr("history recent searches", rows.Err())
}

// PruneRuns keeps only the newest keep rows per instance.
func (s *HistoryStore) PruneRuns(ctx context.Context, appType domain.AppType, instanceID, keep int) error {
	if keep <= 0 {
		keep = 100
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM instance_run
		WHERE app_type = ? AND instance_id = ? AND id NOT IN (
			SELECT id FROM instance_run
			WHERE app_type = ? AND instance_id = ?
			ORDER BY id DESC
			LIMIT ?
		)`,
		string(appType), instanceID, string(appType), instanceID, keep)
	return storeErr("history prune runs", err)
}
