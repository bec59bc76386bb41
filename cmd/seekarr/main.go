// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/seekarr/internal/api"
	"github.com/autobrr/seekarr/internal/arr"
	"github.com/autobrr/seekarr/internal/buildinfo"
	"github.com/autobrr/seekarr/internal/config"
	"github.com/autobrr/seekarr/internal/database"
	"github.com/autobrr/seekarr/internal/domain"
	"github.com/autobrr/seekarr/internal/engine"
	"github.com/autobrr/seekarr/internal/metrics"
	"github.com/autobrr/seekarr/internal/models"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "seekarr",
		Short: "Automated wanted-list search scheduler for Radarr and Sonarr",
		Long: `seekarr - Continuously and politely searches for missing and
below-cutoff content across multiple Radarr and Sonarr instances.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunOnceCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler and ops API",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/seekarr/). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the database (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath)
		app.runServer()
	}

	return command
}

func RunOnceCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
	)

	command := &cobra.Command{
		Use:   "run",
		Short: "Run a single cycle for every enabled instance and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(configDir, buildinfo.Version)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			if dataDir != "" {
				cfg.SetDataDir(dataDir)
			}
			cfg.ApplyLogConfig()

			db, err := database.New(cfg.GetDatabasePath())
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer db.Close()

			deps := buildSchedulerDeps(db, nil)

			ctx := cmd.Context()
			for _, instCfg := range cfg.Config.Instances() {
				inst, err := cfg.Config.Resolve(instCfg)
				if err != nil {
					log.Error().Err(err).Msg("skipping misconfigured instance")
					continue
				}
				if !inst.Enabled {
					continue
				}
				sched := engine.NewScheduler(inst, gatewayFor(cfg.Config, inst), deps)
				sched.RunOnce(ctx)
			}
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory path")

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of seekarr",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the scheduler.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/seekarr/config.toml
- Windows: %APPDATA%\seekarr\config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				configPath = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
}

func NewApplication(configDir, dataDir, logPath string) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
	}
}

// configSource adapts the hot-reloadable config to the supervisor.
type configSource struct {
	cfg *config.AppConfig
}

func (s configSource) Instances() []domain.InstanceConfig {
	return s.cfg.Config.Instances()
}

func (s configSource) Resolve(inst domain.InstanceConfig) (domain.EffectiveInstance, error) {
	return s.cfg.Config.Resolve(inst)
}

func gatewayFor(conf *domain.Config, inst domain.EffectiveInstance) engine.Gateway {
	return arr.NewClient(inst.AppType, inst.URL, inst.APIKey, arr.Options{
		Timeout:   time.Duration(conf.RequestTimeoutSeconds) * time.Second,
		VerifySSL: conf.VerifySSL,
	})
}

func buildSchedulerDeps(db *database.DB, m *metrics.Metrics) engine.SchedulerDeps {
	cooldowns := models.NewCooldownStore(db.Conn())
	rates := models.NewRateWindowStore(db.Conn())
	return engine.SchedulerDeps{
		Selector:  engine.NewSelector(cooldowns, rates, nil),
		Cooldowns: cooldowns,
		Rates:     rates,
		Runs:      models.NewRunStateStore(db.Conn()),
		History:   models.NewHistoryStore(db.Conn()),
		Metrics:   m,
	}
}

func (app *Application) runServer() {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("SEEKARR__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("SEEKARR__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting seekarr")

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	var metricsManager *metrics.Metrics
	if cfg.Config.MetricsEnabled {
		metricsManager = metrics.New()
	}

	deps := buildSchedulerDeps(db, metricsManager)
	supervisor := engine.NewSupervisor(
		configSource{cfg: cfg},
		func(inst domain.EffectiveInstance) engine.Gateway {
			return gatewayFor(cfg.Config, inst)
		},
		deps,
	)
	cfg.RegisterReloadListener(func(*domain.Config) {
		supervisor.NotifyReload()
	})

	supervisorCtx, supervisorCancel := context.WithCancel(context.Background())
	defer supervisorCancel()
	supervisorDone := make(chan struct{})
	go func() {
		supervisor.Run(supervisorCtx)
		close(supervisorDone)
	}()

	httpServer := api.NewServer(&api.Dependencies{
		Config:     cfg,
		Version:    buildinfo.Version,
		Supervisor: supervisor,
		Cooldowns:  deps.Cooldowns,
		Runs:       deps.Runs,
		History:    deps.History,
	})

	errorChannel := make(chan error)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	if metricsManager != nil {
		go func() {
			addr := fmt.Sprintf("%s:%d", cfg.Config.MetricsHost, cfg.Config.MetricsPort)
			log.Info().Str("addr", addr).Msg("Starting metrics server")
			mux := http.NewServeMux()
			mux.Handle("/metrics", metricsManager.Handler())
			errorChannel <- http.ListenAndServe(addr, mux)
		}()
	}

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
	}

	supervisorCancel()
	// Let in-flight cycles finish their current candidate and persist
	// its records before the process exits.
	<-supervisorDone

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")
		os.Exit(1)
	}

	os.Exit(0)
}
