// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package engine implements the eligibility pipeline and per-instance
// scheduling loops that decide when and for what to trigger searches.
package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(raw string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q, expected HH:MM", raw)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", raw)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", raw)
	}
	return hour*60 + minute, nil
}

// QuietEnd reports whether now falls inside the configured quiet window
// and, if so, when the window ends. The window is inclusive of its start
// minute and exclusive of its end minute, and may wrap past midnight.
// An empty start or end, or start equal to end, disables the gate.
func QuietEnd(now time.Time, start, end, tzName string) (*time.Time, error) {
	if strings.TrimSpace(start) == "" || strings.TrimSpace(end) == "" {
		return nil, nil
	}

	startMin, err := parseClock(start)
	if err != nil {
		return nil, fmt.Errorf("quiet hours start: %w", err)
	}
	endMin, err := parseClock(end)
	if err != nil {
		return nil, fmt.Errorf("quiet hours end: %w", err)
	}
	if startMin == endMin {
		return nil, nil
	}

	loc := time.Local
	if strings.TrimSpace(tzName) != "" {
		loc, err = time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("quiet hours timezone: %w", err)
		}
	}

	local := now.In(loc)
	nowMin := local.Hour()*60 + local.Minute()
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	endAt := midnight.Add(time.Duration(endMin) * time.Minute)
	if startMin < endMin {
		// Same-day window.
		if nowMin >= startMin && nowMin < endMin {
			return &endAt, nil
		}
		return nil, nil
	}

	// Window wraps midnight: quiet from start until end the next day.
	if nowMin >= startMin {
		next := endAt.AddDate(0, 0, 1)
		return &next, nil
	}
	if nowMin < endMin {
		return &endAt, nil
	}
	return nil, nil
}
