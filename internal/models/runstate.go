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

// RunState is the durable due-time bookkeeping for one instance. It
// survives restarts so a process bounce never resets the schedule.
type RunState struct {
	AppType    domain.AppType `json:"appType"`
	InstanceID int            `json:"instanceId"`
	LastRunAt  *time.Time     `json:"lastRunAt"`
	NextDueAt  *time.Time     `json:"nextDueAt"`
}

type RunStateStore struct {
	db dbinterface.Querier
}

func NewRunStateStore(db dbinterface.Querier) *RunStateStore {
	return &RunStateStore{db: db}
}

// Get returns the stored run state, or nil when the instance has never
// run. A nil state means the instance is immediately due.
func (s *RunStateStore) Get(ctx context.Context, appType domain.AppType, instanceID int) (*RunState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT last_run_at, next_due_at
		FROM run_state
		WHERE app_type = ? AND instance_id = ?`,
		string(appType), instanceID)

	var lastRun, nextDue sql.NullString
	if err := row.Scan(&lastRun, &nextDue); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr("run state get", err)
	}

	state := &RunState{AppType: appType, InstanceID: instanceID}
	var err error
	if state.LastRunAt, err = parseNullTime(lastRun); err != nil {
		return nil, storeErr("run state get", err)
	}
	if state.NextDueAt, err = parseNullTime(nextDue); err != nil {
		return nil, storeErr("run state get", err)
	}
	return state, nil
}

// MarkRun records that a cycle started at ranAt and the next one is due
// at nextDue.
func (s *RunStateStore) MarkRun(ctx context.Context, appType domain.AppType, instanceID int, ranAt, nextDue time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_state (app_type, instance_id, last_run_at, next_due_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (app_type, instance_id) DO UPDATE SET
			last_run_at = excluded.last_run_at,
			next_due_at = excluded.next_due_at`,
		string(appType), instanceID, formatTime(ranAt), formatTime(nextDue))
	return storeErr("run state mark", err)
}

// SetNextDue moves only the due time, leaving last_run_at untouched.
// Used when a cycle is deferred (quiet hours) without having run.
func (s *RunStateStore) SetNextDue(ctx context.Context, appType domain.AppType, instanceID int, nextDue time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_state (app_type, instance_id, next_due_at)
		VALUES (?, ?, ?)
		ON CONFLICT (app_type, instance_id) DO UPDATE SET
			next_due_at = excluded.next_due_at`,
		string(appType), instanceID, formatTime(nextDue))
	return storeErr("run state set due", err)
}

// All returns run state for every instance that has one, for the status
// API.
func (s *RunStateStore) All(ctx context.Context) ([]RunState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT app_type, instance_id, last_run_at, next_due_at
		FROM run_state
		ORDER BY app_type, instance_id`)
	if err != nil {
		return nil, storeErr("run state all", err)
	}
	defer rows.Close()

	var out []RunState
	for rows.Next() {
		var (
			state            RunState
			appType          string
			lastRun, nextDue sql.NullString
		)
		if err := rows.Scan(&appType, &state.InstanceID, &lastRun, &nextDue); err != nil {
			return nil, storeErr("run state all", err)
		}
		state.AppType = domain.AppType(appType)
		if state.LastRunAt, err = parseNullTime(lastRun); err != nil {
			return nil, storeErr("run state all", err)
		}
		if state.NextDueAt, err = parseNullTime(nextDue); err != nil {
			return nil, storeErr("run state all", err)
		}
		out = append(out, state)
	}
	return out, storeErr("run state all", rows.Err())
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
