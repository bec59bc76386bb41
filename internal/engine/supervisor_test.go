// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/seekarr/internal/domain"
)

type panicGateway struct{ *fakeGateway }

func (panicGateway) FetchWanted(context.Context, domain.Category) ([]domain.WantedItem, error) {
	panic("wanted listing decode failed")
}

func TestRunRecoveredTurnsPanicIntoError(t *testing.T) {
	fix := newSchedulerFixture(t)
	inst := radarrInst()
	inst.Interval = 30 * time.Minute

	sched := NewScheduler(inst, panicGateway{&fakeGateway{}}, fix.deps)

	// A panic inside one instance's cycle surfaces as an error for the
	// restart backoff instead of unwinding into the errgroup.
	err := runRecovered(context.Background(), sched)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}
