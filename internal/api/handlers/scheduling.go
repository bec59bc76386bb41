// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/seekarr/internal/domain"
	"github.com/autobrr/seekarr/internal/engine"
	"github.com/autobrr/seekarr/internal/models"
)

// SchedulingHandler exposes scheduler state: what is configured, when
// it last ran, what it acted on and what is still cooling down.
type SchedulingHandler struct {
	supervisor *engine.Supervisor
	cooldowns  *models.CooldownStore
	runs       *models.RunStateStore
	history    *models.HistoryStore
}

func NewSchedulingHandler(supervisor *engine.Supervisor, cooldowns *models.CooldownStore, runs *models.RunStateStore, history *models.HistoryStore) *SchedulingHandler {
	return &SchedulingHandler{
		supervisor: supervisor,
		cooldowns:  cooldowns,
		runs:       runs,
		history:    history,
	}
}

type instanceStatus struct {
	AppType         domain.AppType `json:"appType"`
	ID              int            `json:"instanceId"`
	Name            string         `json:"name"`
	IntervalMinutes int            `json:"intervalMinutes"`
	SearchMissing   bool           `json:"searchMissing"`
	SearchCutoff    bool           `json:"searchCutoffUnmet"`
	SearchOrder     string         `json:"searchOrder"`
	LastRunAt       *time.Time     `json:"lastRunAt"`
	NextDueAt       *time.Time     `json:"nextDueAt"`
}

// ListInstances returns every supervised instance with its run state.
func (h *SchedulingHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	states, err := h.runs.All(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to load run states")
		writeError(w, http.StatusInternalServerError, "failed to load run states")
		return
	}
	stateFor := make(map[string]models.RunState, len(states))
	for _, st := range states {
		stateFor[string(st.AppType)+":"+strconv.Itoa(st.InstanceID)] = st
	}

	instances := h.supervisor.Instances()
	sort.Slice(instances, func(i, j int) bool { return instances[i].Key() < instances[j].Key() })

	out := make([]instanceStatus, 0, len(instances))
	for _, inst := range instances {
		status := instanceStatus{
			AppType:         inst.AppType,
			ID:              inst.ID,
			Name:            inst.Name,
			IntervalMinutes: int(inst.Interval.Minutes()),
			SearchMissing:   inst.SearchMissing,
			SearchCutoff:    inst.SearchCutoffUnmet,
			SearchOrder:     string(inst.SearchOrder),
		}
		if st, ok := stateFor[inst.Key()]; ok {
			status.LastRunAt = st.LastRunAt
			status.NextDueAt = st.NextDueAt
		}
		out = append(out, status)
	}
	writeJSON(w, http.StatusOK, out)
}

// RecentRuns returns the newest cycle history rows for one instance.
func (h *SchedulingHandler) RecentRuns(w http.ResponseWriter, r *http.Request) {
	appType, instanceID, ok := instanceParams(w, r)
	if !ok {
		return
	}

	runs, err := h.history.RecentRuns(r.Context(), appType, instanceID, queryLimit(r, 20))
	if err != nil {
		log.Error().Err(err).Msg("failed to load run history")
		writeError(w, http.StatusInternalServerError, "failed to load run history")
		return
	}
	if runs == nil {
		runs = []models.InstanceRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// RecentActions returns the newest triggered searches across instances.
func (h *SchedulingHandler) RecentActions(w http.ResponseWriter, r *http.Request) {
	actions, err := h.history.RecentSearches(r.Context(), queryLimit(r, 50))
	if err != nil {
		log.Error().Err(err).Msg("failed to load action history")
		writeError(w, http.StatusInternalServerError, "failed to load action history")
		return
	}
	if actions == nil {
		actions = []models.SearchActionRecord{}
	}
	writeJSON(w, http.StatusOK, actions)
}

// ListCooldowns returns the most recently acted-on items for one instance.
func (h *SchedulingHandler) ListCooldowns(w http.ResponseWriter, r *http.Request) {
	appType, instanceID, ok := instanceParams(w, r)
	if !ok {
		return
	}

	records, err := h.cooldowns.ListForInstance(r.Context(), appType, instanceID, queryLimit(r, 50))
	if err != nil {
		log.Error().Err(err).Msg("failed to load cooldowns")
		writeError(w, http.StatusInternalServerError, "failed to load cooldowns")
		return
	}
	if records == nil {
		records = []models.CooldownRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// ResetCooldowns clears all cooldown records for one instance so every
// item becomes immediately retryable.
func (h *SchedulingHandler) ResetCooldowns(w http.ResponseWriter, r *http.Request) {
	appType, instanceID, ok := instanceParams(w, r)
	if !ok {
		return
	}

	removed, err := h.cooldowns.Reset(r.Context(), appType, instanceID)
	if err != nil {
		log.Error().Err(err).Msg("failed to reset cooldowns")
		writeError(w, http.StatusInternalServerError, "failed to reset cooldowns")
		return
	}

	log.Info().Str("appType", string(appType)).Int("instanceId", instanceID).Int64("removed", removed).Msg("cooldowns reset")
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

// RunNow wakes one instance's scheduler immediately.
func (h *SchedulingHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	appType, instanceID, ok := instanceParams(w, r)
	if !ok {
		return
	}

	if err := h.supervisor.RunNow(appType, instanceID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "run requested"})
}

func instanceParams(w http.ResponseWriter, r *http.Request) (domain.AppType, int, bool) {
	appType := domain.AppType(chi.URLParam(r, "appType"))
	if !appType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown app type")
		return "", 0, false
	}
	instanceID, err := strconv.Atoi(chi.URLParam(r, "instanceID"))
	if err != nil || instanceID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return "", 0, false
	}
	return appType, instanceID, true
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 500 {
		return fallback
	}
	return limit
}
