// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/seekarr/internal/database"
	"github.com/autobrr/seekarr/internal/domain"
	"github.com/autobrr/seekarr/internal/engine"
	"github.com/autobrr/seekarr/internal/models"
)

type emptySource struct{}

func (emptySource) Instances() []domain.InstanceConfig { return nil }
func (emptySource) Resolve(inst domain.InstanceConfig) (domain.EffectiveInstance, error) {
	return domain.EffectiveInstance{}, nil
}

func newTestRouter(t *testing.T) (*chi.Mux, *database.DB) {
	t.Helper()
	db, err := database.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	supervisor := engine.NewSupervisor(emptySource{}, nil, engine.SchedulerDeps{})
	handler := NewSchedulingHandler(
		supervisor,
		models.NewCooldownStore(db.Conn()),
		models.NewRunStateStore(db.Conn()),
		models.NewHistoryStore(db.Conn()),
	)

	r := chi.NewRouter()
	r.Get("/api/actions", handler.RecentActions)
	r.Route("/api/instances", func(r chi.Router) {
		r.Get("/", handler.ListInstances)
		r.Route("/{appType}/{instanceID}", func(r chi.Router) {
			r.Get("/runs", handler.RecentRuns)
			r.Get("/cooldowns", handler.ListCooldowns)
			r.Delete("/cooldowns", handler.ResetCooldowns)
			r.Post("/run", handler.RunNow)
		})
	})
	return r, db
}

func TestSchedulingHandler_ListCooldowns(t *testing.T) {
	router, db := newTestRouter(t)
	store := models.NewCooldownStore(db.Conn())

	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordAction(context.Background(), domain.AppTypeRadarr, 1, domain.MovieKey(7), "Heat", now))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/instances/radarr/1/cooldowns", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var records []models.CooldownRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.Equal(t, domain.MovieKey(7), records[0].ItemKey)
	assert.Equal(t, "Heat", records[0].Title)
}

func TestSchedulingHandler_ResetCooldowns(t *testing.T) {
	router, db := newTestRouter(t)
	store := models.NewCooldownStore(db.Conn())
	ctx := context.Background()

	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordAction(ctx, domain.AppTypeSonarr, 2, domain.EpisodeKey(1), "Pilot", now))
	require.NoError(t, store.RecordAction(ctx, domain.AppTypeSonarr, 2, domain.EpisodeKey(2), "Two", now))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/instances/sonarr/2/cooldowns", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int64
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.EqualValues(t, 2, resp["removed"])

	list, err := store.ListForInstance(ctx, domain.AppTypeSonarr, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSchedulingHandler_RecentRuns(t *testing.T) {
	router, db := newTestRouter(t)
	history := models.NewHistoryStore(db.Conn())

	started := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, history.RecordRun(context.Background(), models.InstanceRun{
		AppType:    domain.AppTypeRadarr,
		InstanceID: 1,
		StartedAt:  started,
		Status:     models.RunStatusOK,
		Stats:      models.RunStats{Triggered: 3},
	}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/instances/radarr/1/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []models.InstanceRun
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, 3, runs[0].Stats.Triggered)
}

func TestSchedulingHandler_BadParams(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/instances/lidarr/1/runs", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/instances/radarr/zero/runs", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchedulingHandler_RunNowUnknownInstance(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/instances/radarr/9/run", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSchedulingHandler_EmptyListsAreJSONArrays(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/actions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}
