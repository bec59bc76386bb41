// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/autobrr/seekarr/internal/dbinterface"
	"github.com/autobrr/seekarr/internal/domain"
)

// CooldownRecord tracks the last search action taken for one item on
// one instance. Records are created on first action, updated on every
// subsequent action and never deleted except by an explicit reset.
type CooldownRecord struct {
	AppType      domain.AppType `json:"appType"`
	InstanceID   int            `json:"instanceId"`
	ItemKey      string         `json:"itemKey"`
	Title        string         `json:"title"`
	LastActionAt time.Time      `json:"lastActionAt"`
	AttemptCount int            `json:"attemptCount"`
}

type CooldownStore struct {
	db dbinterface.Querier
}

func NewCooldownStore(db dbinterface.Querier) *CooldownStore {
	return &CooldownStore{db: db}
}

// Get returns the record for (instance, item), or nil when the item has
// never been acted on.
func (s *CooldownStore) Get(ctx context.Context, appType domain.AppType, instanceID int, itemKey string) (*CooldownRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT title, last_action_at, attempt_count
		FROM cooldown
		WHERE app_type = ? AND instance_id = ? AND item_key = ?`,
		string(appType), instanceID, itemKey)

	var (
		title    sql.NullString
		actedAt  string
		attempts int
	)
	if err := row.Scan(&title, &actedAt, &attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr("cooldown get", err)
	}

	last, err := parseTime(actedAt)
	if err != nil {
		return nil, storeErr("cooldown get", err)
	}

	return &CooldownRecord{
		AppType:      appType,
		InstanceID:   instanceID,
		ItemKey:      itemKey,
		Title:        title.String,
		LastActionAt: last,
		AttemptCount: attempts,
	}, nil
}

// IsCooledDown reports whether the item may be acted on again: true if
// no record exists or at least retry has elapsed since the last action.
func (s *CooldownStore) IsCooledDown(ctx context.Context, appType domain.AppType, instanceID int, itemKey string, now time.Time, retry time.Duration) (bool, error) {
	rec, err := s.Get(ctx, appType, instanceID, itemKey)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return true, nil
	}
	return !now.Before(rec.LastActionAt.Add(retry)), nil
}

// RecordAction upserts last_action_at and bumps attempt_count. The
// single-statement upsert keeps read-then-write atomic per key.
func (s *CooldownStore) RecordAction(ctx context.Context, appType domain.AppType, instanceID int, itemKey, title string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cooldown (app_type, instance_id, item_key, title, last_action_at, attempt_count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT (app_type, instance_id, item_key) DO UPDATE SET
			title = excluded.title,
			last_action_at = excluded.last_action_at,
			attempt_count = attempt_count + 1`,
		string(appType), instanceID, itemKey, title, formatTime(now))
	return storeErr("cooldown record", err)
}

// ListForInstance returns the most recently acted-on items, newest
// first. Read-only display surface for the ops API.
func (s *CooldownStore) ListForInstance(ctx context.Context, appType domain.AppType, instanceID int, limit int) ([]CooldownRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_key, title, last_action_at, attempt_count
		FROM cooldown
		WHERE app_type = ? AND instance_id = ?
		ORDER BY last_action_at DESC
		LIMIT ?`,
		string(appType), instanceID, limit)
	if err != nil {
		return nil, storeErr("cooldown list", err)
	}
	defer rows.Close()

	var out []CooldownRecord
	for rows.Next() {
		var (
			rec     CooldownRecord
			title   sql.NullString
			actedAt string
		)
		if err := rows.Scan(&rec.ItemKey, &title, &actedAt, &rec.AttemptCount); err != nil {
			return nil, storeErr("cooldown list", err)
		}
		rec.AppType = appType
		rec.InstanceID = instanceID
		rec.Title = title.String
		if rec.LastActionAt, err = parseTime(actedAt); err != nil {
			return nil, storeErr("cooldown list", err)
		}
		out = append(out, rec)
	}
	return out, storeErr("cooldown list", rows.Err())
}

// Reset removes all cooldown records for an instance (state reset from
// the ops API).
func (s *CooldownStore) Reset(ctx context.Context, appType domain.AppType, instanceID int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cooldown WHERE app_type = ? AND instance_id = ?`,
		string(appType), instanceID)
	if err != nil {
		return 0, storeErr("cooldown reset", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
