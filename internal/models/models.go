// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"fmt"
	"time"
)

// timeFormat is how timestamps are stored: UTC with a fixed-width
// fraction, so string comparison and chronological order stay aligned
// for window scans. RFC3339Nano would trim trailing zeros and mis-order
// at sub-second boundaries.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	// RFC3339Nano also accepts rows written with trimmed or absent
	// fractions.
	return time.Parse(time.RFC3339Nano, s)
}

// StoreError wraps a persistence failure. The scheduler treats it as
// fatal to the current cycle for the affected instance only; the loop
// backs off and retries.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
