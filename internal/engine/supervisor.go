// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/seekarr/internal/domain"
)

// GatewayFactory builds the API client for one resolved instance.
type GatewayFactory func(inst domain.EffectiveInstance) Gateway

// ConfigSource yields the current instance list. The supervisor calls
// it again after every reload notification.
type ConfigSource interface {
	Instances() []domain.InstanceConfig
	Resolve(inst domain.InstanceConfig) (domain.EffectiveInstance, error)
}

// Supervisor owns one scheduler goroutine per enabled instance. On
// config reload the whole set is torn down and respawned from the new
// instance list; durable run state makes that restart invisible to the
// schedule.
type Supervisor struct {
	source   ConfigSource
	gateways GatewayFactory
	deps     SchedulerDeps

	mu         sync.RWMutex
	schedulers map[string]*Scheduler

	reload chan struct{}
}

func NewSupervisor(source ConfigSource, gateways GatewayFactory, deps SchedulerDeps) *Supervisor {
	return &Supervisor{
		source:     source,
		gateways:   gateways,
		deps:       deps,
		schedulers: make(map[string]*Scheduler),
		reload:     make(chan struct{}, 1),
	}
}

// NotifyReload requests a teardown-and-respawn of all scheduler
// goroutines. Safe to call from the config watcher goroutine.
func (s *Supervisor) NotifyReload() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

// RunNow wakes the scheduler for one instance, bypassing its due check.
func (s *Supervisor) RunNow(appType domain.AppType, instanceID int) error {
	s.mu.RLock()
	sched, ok := s.schedulers[fmt.Sprintf("%s:%d", appType, instanceID)]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no running scheduler for %s instance %d", appType, instanceID)
	}
	sched.Wake()
	return nil
}

// Instances returns the currently supervised instances.
func (s *Supervisor) Instances() []domain.EffectiveInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.EffectiveInstance, 0, len(s.schedulers))
	for _, sched := range s.schedulers {
		out = append(out, sched.inst)
	}
	return out
}

// Run blocks until ctx is cancelled, respawning the scheduler set on
// every reload notification.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		groupCtx, cancel := context.WithCancel(ctx)
		group, gctx := errgroup.WithContext(groupCtx)

		count := s.spawn(gctx, group)
		log.Info().Int("instances", count).Msg("schedulers running")

		select {
		case <-ctx.Done():
			cancel()
			group.Wait()
			return nil
		case <-s.reload:
			log.Info().Msg("configuration changed, restarting schedulers")
			cancel()
			group.Wait()
		}
	}
}

func (s *Supervisor) spawn(ctx context.Context, group *errgroup.Group) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.schedulers = make(map[string]*Scheduler)
	for _, instCfg := range s.source.Instances() {
		inst, err := s.source.Resolve(instCfg)
		if err != nil {
			// One bad instance never takes down its siblings.
			log.Error().Err(err).Msg("skipping misconfigured instance")
			continue
		}
		if !inst.Enabled {
			continue
		}

		sched := NewScheduler(inst, s.gateways(inst), s.deps)
		s.schedulers[inst.Key()] = sched
		group.Go(func() error {
			return runWithRestart(ctx, sched)
		})
	}
	return len(s.schedulers)
}

// runWithRestart keeps one scheduler alive until cancellation, backing
// off before respawning after an unexpected exit or panic.
func runWithRestart(ctx context.Context, sched *Scheduler) error {
	for {
		err := runRecovered(ctx, sched)
		if ctx.Err() != nil {
			return nil
		}
		log.Error().Err(err).Str("instance", sched.inst.Key()).Msg("scheduler exited unexpectedly, restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(30 * time.Second):
		}
	}
}

// runRecovered converts a panic inside one instance's loop into an
// error, so the restart backoff applies instead of the panic unwinding
// through the errgroup and taking down every sibling scheduler.
func runRecovered(ctx context.Context, sched *Scheduler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler panicked: %v", r)
		}
	}()
	return sched.Run(ctx)
}
