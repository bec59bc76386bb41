// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autobrr/seekarr/internal/domain"
)

var envPrefix = "SEEKARR__"

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	dataDir string
	version string

	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	c.defaults()

	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	c.loadFromEnv()

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.Config.Version = c.version

	c.resolveDataDir()

	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	host := "localhost"
	if detectContainer() {
		host = "0.0.0.0"
	}

	c.viper.SetDefault("host", host)
	c.viper.SetDefault("port", 8788)
	c.viper.SetDefault("baseUrl", "/")
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", "") // Empty means auto-detect (next to config file)
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", 9788)
	c.viper.SetDefault("requestTimeoutSeconds", 30)
	c.viper.SetDefault("verifySsl", true)

	// Engine defaults; every instance may override the search knobs.
	c.viper.SetDefault("itemRetryHours", 72)
	c.viper.SetDefault("minHoursAfterRelease", 8)
	c.viper.SetDefault("minSecondsBetweenActions", 2)
	c.viper.SetDefault("rateWindowMinutes", 60)
	c.viper.SetDefault("rateCap", 25)
	c.viper.SetDefault("maxMissingActionsPerSync", 5)
	c.viper.SetDefault("maxCutoffActionsPerSync", 1)
	c.viper.SetDefault("quietHoursStart", "")
	c.viper.SetDefault("quietHoursEnd", "")
	c.viper.SetDefault("quietHoursTimezone", "")
	c.viper.SetDefault("recentWindowDays", 2)
	c.viper.SetDefault("recentRetryHours", 6)
	c.viper.SetDefault("seasonPackMinMissing", 3)
	c.viper.SetDefault("seasonPackMinCoverage", 0.6)
	c.viper.SetDefault("seasonPackAlwaysAtMissing", 6)
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		configPath := c.resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		if err := c.viper.ReadInConfig(); err != nil {
			// With an explicit file viper surfaces a plain not-exist error
			// rather than ConfigFileNotFoundError.
			if isConfigNotFound(err) {
				if err := c.writeDefaultConfig(configPath); err != nil {
					return err
				}
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		c.viper.SetConfigName("config")
		c.viper.AddConfigPath(".")
		c.viper.AddConfigPath(GetDefaultConfigDir())

		if err := c.viper.ReadInConfig(); err != nil {
			if isConfigNotFound(err) {
				defaultConfigPath := filepath.Join(GetDefaultConfigDir(), "config.toml")
				if err := c.writeDefaultConfig(defaultConfigPath); err != nil {
					return err
				}
				c.viper.SetConfigFile(defaultConfigPath)
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				c.dataDir = filepath.Dir(defaultConfigPath)
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	return nil
}

func isConfigNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}

func (c *AppConfig) loadFromEnv() {
	// Explicit bindings only; AutomaticEnv reads ALL env vars and causes
	// conflicts with orchestrator-injected variables.
	c.viper.BindEnv("host", envPrefix+"HOST")
	c.viper.BindEnv("port", envPrefix+"PORT")
	c.viper.BindEnv("baseUrl", envPrefix+"BASE_URL")
	c.viper.BindEnv("logLevel", envPrefix+"LOG_LEVEL")
	c.viper.BindEnv("logPath", envPrefix+"LOG_PATH")
	c.viper.BindEnv("logMaxSize", envPrefix+"LOG_MAX_SIZE")
	c.viper.BindEnv("logMaxBackups", envPrefix+"LOG_MAX_BACKUPS")
	c.viper.BindEnv("dataDir", envPrefix+"DATA_DIR")
	c.viper.BindEnv("metricsEnabled", envPrefix+"METRICS_ENABLED")
	c.viper.BindEnv("metricsHost", envPrefix+"METRICS_HOST")
	c.viper.BindEnv("metricsPort", envPrefix+"METRICS_PORT")
	c.viper.BindEnv("requestTimeoutSeconds", envPrefix+"REQUEST_TIMEOUT_SECONDS")
	c.viper.BindEnv("verifySsl", envPrefix+"VERIFY_SSL")
	c.viper.BindEnv("itemRetryHours", envPrefix+"ITEM_RETRY_HOURS")
	c.viper.BindEnv("minHoursAfterRelease", envPrefix+"MIN_HOURS_AFTER_RELEASE")
	c.viper.BindEnv("minSecondsBetweenActions", envPrefix+"MIN_SECONDS_BETWEEN_ACTIONS")
	c.viper.BindEnv("rateWindowMinutes", envPrefix+"RATE_WINDOW_MINUTES")
	c.viper.BindEnv("rateCap", envPrefix+"RATE_CAP")
	c.viper.BindEnv("maxMissingActionsPerSync", envPrefix+"MAX_MISSING_ACTIONS_PER_SYNC")
	c.viper.BindEnv("maxCutoffActionsPerSync", envPrefix+"MAX_CUTOFF_ACTIONS_PER_SYNC")
	c.viper.BindEnv("quietHoursStart", envPrefix+"QUIET_HOURS_START")
	c.viper.BindEnv("quietHoursEnd", envPrefix+"QUIET_HOURS_END")
	c.viper.BindEnv("quietHoursTimezone", envPrefix+"QUIET_HOURS_TIMEZONE")
}

func (c *AppConfig) watchConfig() {
	c.viper.WatchConfig()
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)

		fresh := &domain.Config{}
		if err := c.viper.Unmarshal(fresh); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}
		c.Config = fresh

		c.applyDynamicChanges()
	})
}

func (c *AppConfig) applyDynamicChanges() {
	c.Config.Version = c.version
	c.ApplyLogConfig()

	c.notifyListeners()
}

// RegisterReloadListener registers a callback that's invoked when the configuration file is reloaded.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners() {
	c.listenersMu.RLock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	copied := *c.Config
	for _, listener := range listeners {
		listener(&copied)
	}
}

func (c *AppConfig) writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	log.Debug().Msgf("Created config directory: %s", dir)

	configTemplate := `# config.toml - Auto-generated on first run

# Hostname / IP
# Default: "localhost" (or "0.0.0.0" in containers)
host = "{{ .host }}"

# Port
# Default: 8788
port = {{ .port }}

# Base URL
# Set custom baseUrl eg /seekarr/ to serve in subdirectory.
# Optional
#baseUrl = "/seekarr/"

# Log file path
# If not defined, logs to stdout
# Optional
#logPath = "log/seekarr.log"

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

# Data directory (default: next to config file)
# Database file (seekarr.db) will be created inside this directory
#dataDir = "/var/db/seekarr"

# Prometheus metrics on a separate port
# Default: false
#metricsEnabled = false
#metricsHost = "127.0.0.1"
#metricsPort = 9788

# Engine defaults. Every instance below may override the search knobs.
itemRetryHours = {{ .itemRetryHours }}
minHoursAfterRelease = {{ .minHoursAfterRelease }}
minSecondsBetweenActions = {{ .minSecondsBetweenActions }}
rateWindowMinutes = {{ .rateWindowMinutes }}
rateCap = {{ .rateCap }}
maxMissingActionsPerSync = {{ .maxMissingActionsPerSync }}
maxCutoffActionsPerSync = {{ .maxCutoffActionsPerSync }}

# Quiet hours: local clock times, window may wrap midnight.
#quietHoursStart = "23:00"
#quietHoursEnd = "06:00"
# IANA timezone for the quiet window; defaults to the process timezone.
#quietHoursTimezone = "Europe/Oslo"

# Radarr instances
#[[radarr]]
#instanceId = 1
#instanceName = "Radarr Main"
#enabled = true
#url = "http://localhost:7878"
#apiKey = ""
#intervalMinutes = 15
#searchMissing = true
#searchCutoffUnmet = true
#searchOrder = "smart" # smart | newest | oldest | random

# Sonarr instances
#[[sonarr]]
#instanceId = 1
#instanceName = "Sonarr Main"
#enabled = true
#url = "http://localhost:8989"
#apiKey = ""
#intervalMinutes = 15
#searchMissing = true
#searchCutoffUnmet = true
#searchOrder = "smart"
#sonarrMissingMode = "smart" # smart | season_packs | shows | episodes
`

	data := map[string]any{
		"host":                     c.viper.GetString("host"),
		"port":                     c.viper.GetInt("port"),
		"logLevel":                 c.viper.GetString("logLevel"),
		"itemRetryHours":           c.viper.GetInt("itemRetryHours"),
		"minHoursAfterRelease":     c.viper.GetInt("minHoursAfterRelease"),
		"minSecondsBetweenActions": c.viper.GetInt("minSecondsBetweenActions"),
		"rateWindowMinutes":        c.viper.GetInt("rateWindowMinutes"),
		"rateCap":                  c.viper.GetInt("rateCap"),
		"maxMissingActionsPerSync": c.viper.GetInt("maxMissingActionsPerSync"),
		"maxCutoffActionsPerSync":  c.viper.GetInt("maxCutoffActionsPerSync"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	// XDG_CONFIG_HOME is set to /config by the Docker image
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "seekarr")
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "seekarr")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "seekarr")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "seekarr")
	}
}

func detectContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if _, err := os.Stat("/dev/.lxc-boot-id"); err == nil {
		return true
	}
	if os.Getpid() == 1 {
		return true
	}
	return false
}

func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	setLogLevel(c.Config.LogLevel)

	writer := c.baseLogWriter()

	if c.Config.LogPath != "" {
		multiWriter, err := setupLogFile(c.Config.LogPath, writer, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	log.Logger = log.Logger.Output(writer)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}

	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

func baseLogWriter(version string) io.Writer {
	if isDevBuild(version) {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
		return writer
	}
	return os.Stderr
}

func (c *AppConfig) baseLogWriter() io.Writer {
	return baseLogWriter(c.version)
}

// DefaultLogWriter returns the base log writer for the provided version.
func DefaultLogWriter(version string) io.Writer {
	return baseLogWriter(version)
}

// InitDefaultLogger configures zerolog with the default writer for this version.
// This is used by CLI entry points before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(DefaultLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// resolveConfigPath determines the actual config file path from the provided directory or file path
func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}

	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}

	return filepath.Join(configDirOrPath, "config.toml")
}

// resolveDataDir sets the data directory based on configuration
func (c *AppConfig) resolveDataDir() {
	switch {
	case c.Config.DataDir != "":
		c.dataDir = c.Config.DataDir
	case c.viper.ConfigFileUsed() != "":
		c.dataDir = filepath.Dir(c.viper.ConfigFileUsed())
	default:
		c.dataDir = "."
	}
}

// GetDatabasePath returns the path to the database file
func (c *AppConfig) GetDatabasePath() string {
	return filepath.Join(c.dataDir, "seekarr.db")
}

// GetDataDir returns the resolved data directory path.
func (c *AppConfig) GetDataDir() string {
	return c.dataDir
}

// SetDataDir sets the data directory (used by CLI flags)
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

// GetConfigDir returns the directory containing the config file
func (c *AppConfig) GetConfigDir() string {
	if c.viper.ConfigFileUsed() != "" {
		return filepath.Dir(c.viper.ConfigFileUsed())
	}
	return GetDefaultConfigDir()
}

func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults()

	return c.writeDefaultConfig(path)
}
