// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/seekarr/internal/api/handlers"
	"github.com/autobrr/seekarr/internal/config"
	"github.com/autobrr/seekarr/internal/engine"
	"github.com/autobrr/seekarr/internal/models"
)

// Server hosts the read-mostly ops API: instance status, run history,
// cooldown inspection, forced runs and cooldown resets.
type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *config.AppConfig
	version string

	supervisor *engine.Supervisor
	cooldowns  *models.CooldownStore
	runs       *models.RunStateStore
	history    *models.HistoryStore
}

type Dependencies struct {
	Config     *config.AppConfig
	Version    string
	Supervisor *engine.Supervisor
	Cooldowns  *models.CooldownStore
	Runs       *models.RunStateStore
	History    *models.HistoryStore
}

func NewServer(deps *Dependencies) *Server {
	return &Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       180 * time.Second,
		},
		logger:     log.Logger.With().Str("module", "api").Logger(),
		config:     deps.Config,
		version:    deps.Version,
		supervisor: deps.Supervisor,
		cooldowns:  deps.Cooldowns,
		runs:       deps.Runs,
		history:    deps.History,
	}
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := fmt.Sprintf("%s:%d", s.config.Config.Host, s.config.Config.Port)

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msgf("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Msgf("Starting API server - Open: http://%s%s", host, s.config.Config.BaseURL)

	s.server.Handler = s.Handler()

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)

	corsMiddleware := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedMethods:   []string{"HEAD", "OPTIONS", "GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowOriginFunc:  func(origin string) bool { return true },
		MaxAge:           300,
	})
	r.Use(corsMiddleware.Handler)

	healthHandler := handlers.NewHealthHandler(s.version)
	schedulingHandler := handlers.NewSchedulingHandler(s.supervisor, s.cooldowns, s.runs, s.history)

	apiRouter := chi.NewRouter()
	apiRouter.Get("/health", healthHandler.Health)
	apiRouter.Get("/actions", schedulingHandler.RecentActions)
	apiRouter.Route("/instances", func(r chi.Router) {
		r.Get("/", schedulingHandler.ListInstances)
		r.Route("/{appType}/{instanceID}", func(r chi.Router) {
			r.Get("/runs", schedulingHandler.RecentRuns)
			r.Get("/cooldowns", schedulingHandler.ListCooldowns)
			r.Delete("/cooldowns", schedulingHandler.ResetCooldowns)
			r.Post("/run", schedulingHandler.RunNow)
		})
	})

	baseURL := strings.TrimRight(s.config.Config.BaseURL, "/")
	r.Mount(baseURL+"/api", apiRouter)

	return r
}
