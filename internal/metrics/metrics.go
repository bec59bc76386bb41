// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes Prometheus counters for the scheduling loops.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Skip reasons reported on seekarr_items_skipped_total.
const (
	ReasonQuiet    = "quiet_hours"
	ReasonDelay    = "release_delay"
	ReasonCooldown = "cooldown"
	ReasonCap      = "category_cap"
	ReasonRate     = "rate_limit"
)

type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal      *prometheus.CounterVec
	ActionsTriggered *prometheus.CounterVec
	ActionsFailed    *prometheus.CounterVec
	ItemsSkipped     *prometheus.CounterVec
	FetchErrors      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seekarr_cycles_total",
			Help: "Scheduling cycles per instance by outcome.",
		}, []string{"instance", "status"}),
		ActionsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seekarr_actions_triggered_total",
			Help: "Search commands accepted by the manager.",
		}, []string{"instance", "category"}),
		ActionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seekarr_actions_failed_total",
			Help: "Search commands rejected or failed.",
		}, []string{"instance"}),
		ItemsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seekarr_items_skipped_total",
			Help: "Wanted items filtered out before triggering, by reason.",
		}, []string{"instance", "reason"}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seekarr_fetch_errors_total",
			Help: "Failed wanted/calendar fetches from the manager.",
		}, []string{"instance"}),
	}

	m.registry.MustRegister(
		m.CyclesTotal,
		m.ActionsTriggered,
		m.ActionsFailed,
		m.ItemsSkipped,
		m.FetchErrors,
	)
	return m
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
