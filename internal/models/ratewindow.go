// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"time"

	"github.com/autobrr/seekarr/internal/dbinterface"
	"github.com/autobrr/seekarr/internal/domain"
)

// RateWindowStore records one row per triggered action and answers
// moving-window budget questions. Rows older than the window are dead
// weight only until pruned; the count query ignores them.
type RateWindowStore struct {
	db dbinterface.Querier
}

func NewRateWindowStore(db dbinterface.Querier) *RateWindowStore {
	return &RateWindowStore{db: db}
}

// CountSince returns the number of actions recorded in [since, now].
func (s *RateWindowStore) CountSince(ctx context.Context, appType domain.AppType, instanceID int, since time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM rate_action
		WHERE app_type = ? AND instance_id = ? AND acted_at >= ?`,
		string(appType), instanceID, formatTime(since))

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, storeErr("rate count", err)
	}
	return n, nil
}

// RemainingBudget returns cap minus the actions recorded inside the
// trailing window, floored at zero.
func (s *RateWindowStore) RemainingBudget(ctx context.Context, appType domain.AppType, instanceID int, now time.Time, window time.Duration, cap int) (int, error) {
	used, err := s.CountSince(ctx, appType, instanceID, now.Add(-window))
	if err != nil {
		return 0, err
	}
	if used >= cap {
		return 0, nil
	}
	return cap - used, nil
}

// RecordAction appends an action timestamp for the instance.
func (s *RateWindowStore) RecordAction(ctx context.Context, appType domain.AppType, instanceID int, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_action (app_type, instance_id, acted_at) VALUES (?, ?, ?)`,
		string(appType), instanceID, formatTime(now))
	return storeErr("rate record", err)
}

// Prune deletes rows older than cutoff. Expired entries are already
// invisible to the window count, so this runs lazily.
func (s *RateWindowStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM rate_action WHERE acted_at < ?`,
		formatTime(cutoff))
	if err != nil {
		return 0, storeErr("rate prune", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
