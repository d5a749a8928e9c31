// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"
	"unicode"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/autobrr/licguard/internal/domain"
)

const (
	appName           = "licguard"
	envPrefix         = "LICGUARD__"
	configFileName    = "config.toml"
	databaseFileName  = "licguard.db"
	encryptionKeySize = 32
)

// keys bound to environment variables, e.g. guard.pollSchedule -> LICGUARD__GUARD__POLL_SCHEDULE
var envKeys = []string{
	"host",
	"port",
	"baseUrl",
	"sessionSecret",
	"logLevel",
	"logPath",
	"dataDir",
	"metricsEnabled",
	"authority.url",
	"authority.token",
	"authority.timeout",
	"guard.throttleInterval",
	"guard.requestTimeout",
	"guard.pollSchedule",
	"guard.historyRetention",
	"banner.notifyDuration",
	"httpTimeouts.readTimeout",
	"httpTimeouts.writeTimeout",
	"httpTimeouts.idleTimeout",
}

type AppConfig struct {
	Config *domain.Config

	viper     *viper.Viper
	configDir string
	dataDir   string

	mu        sync.Mutex
	listeners []func(*domain.Config)
}

// New loads configPath, which may be a file or a directory holding config.toml.
// An empty path selects the OS default directory. A missing file is created with
// defaults first.
func New(configPath string) (*AppConfig, error) {
	c := &AppConfig{
		viper:  viper.New(),
		Config: &domain.Config{},
	}

	c.defaults()

	if configPath == "" {
		configPath = GetDefaultConfigDir()
	}
	configFile := c.resolveConfigPath(configPath)

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configFile); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	c.configDir = filepath.Dir(configFile)
	c.viper.SetConfigFile(configFile)
	c.viper.SetConfigType("toml")

	if err := c.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
	}

	if err := c.bindEnv(); err != nil {
		return nil, err
	}

	if err := c.load(); err != nil {
		return nil, err
	}

	if c.Config.SessionSecret == "" {
		secret, err := generateSecureToken(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
		c.Config.SessionSecret = secret
		log.Warn().Msg("No sessionSecret configured, sessions will not survive a restart")
	}

	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("host", "localhost")
	c.viper.SetDefault("port", 7480)
	c.viper.SetDefault("baseUrl", "/")
	c.viper.SetDefault("sessionSecret", "")
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("dataDir", "")
	c.viper.SetDefault("metricsEnabled", false)

	c.viper.SetDefault("authority.url", "http://localhost:8080/api/license")
	c.viper.SetDefault("authority.token", "")
	c.viper.SetDefault("authority.timeout", "30s")

	c.viper.SetDefault("guard.throttleInterval", "60s")
	c.viper.SetDefault("guard.requestTimeout", "30s")
	c.viper.SetDefault("guard.pollSchedule", "@every 1m")
	c.viper.SetDefault("guard.historyRetention", 1000)

	c.viper.SetDefault("banner.notifyDuration", "15s")

	c.viper.SetDefault("httpTimeouts.readTimeout", 60)
	c.viper.SetDefault("httpTimeouts.writeTimeout", 120)
	c.viper.SetDefault("httpTimeouts.idleTimeout", 180)
}

func (c *AppConfig) bindEnv() error {
	for _, key := range envKeys {
		if err := c.viper.BindEnv(key, envName(key)); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	return nil
}

// envName maps a dotted camelCase key to its environment variable.
func envName(key string) string {
	parts := strings.Split(key, ".")
	for i, part := range parts {
		var b strings.Builder
		for j, r := range part {
			if unicode.IsUpper(r) && j > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToUpper(r))
		}
		parts[i] = b.String()
	}
	return envPrefix + strings.Join(parts, "__")
}

func (c *AppConfig) load() error {
	cfg := &domain.Config{}
	if err := c.viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}

	*c.Config = *cfg
	return nil
}

// resolveConfigPath turns a directory or bare path into the config file path.
func (c *AppConfig) resolveConfigPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return path
	}

	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			return filepath.Join(path, configFileName)
		}
		return path
	}

	return filepath.Join(path, configFileName)
}

// SetDataDir overrides where the database lives, e.g. from a --data-dir flag.
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
	c.Config.DataDir = dir
}

func (c *AppConfig) GetDatabasePath() string {
	dir := c.Config.DataDir
	if dir == "" {
		dir = c.configDir
	}
	return filepath.Join(dir, databaseFileName)
}

// ConfigDir is the directory holding the loaded config file.
func (c *AppConfig) ConfigDir() string {
	return c.configDir
}

// GetEncryptionKey derives the cookie encryption key from the session secret.
func (c *AppConfig) GetEncryptionKey() []byte {
	sum := sha256.Sum256([]byte(c.Config.SessionSecret))
	return sum[:encryptionKeySize]
}

// OnChange registers fn to run after the config file was reloaded.
func (c *AppConfig) OnChange(fn func(*domain.Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Watch reloads the file on change and re-applies the log level. Everything else
// needs a restart.
func (c *AppConfig) Watch() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		if err := c.load(); err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("Failed to reload config")
			return
		}

		c.applyLogLevel()
		log.Info().Str("file", e.Name).Str("logLevel", c.Config.LogLevel).Msg("Config reloaded")

		c.mu.Lock()
		listeners := append([]func(*domain.Config){}, c.listeners...)
		c.mu.Unlock()

		for _, fn := range listeners {
			fn(c.Config)
		}
	})
	c.viper.WatchConfig()
}

// ApplyLogConfig sets the global logger level and output.
func (c *AppConfig) ApplyLogConfig() error {
	c.applyLogLevel()

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}

	if c.Config.LogPath != "" {
		path := c.Config.LogPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.configDir, path)
		}

		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}

		out = zerolog.MultiLevelWriter(out, f)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

func (c *AppConfig) applyLogLevel() {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Config.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("logLevel", c.Config.LogLevel).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func generateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GetDefaultConfigDir returns the OS specific config directory.
func GetDefaultConfigDir() string {
	xdg := os.Getenv("XDG_CONFIG_HOME")

	// container images mount their volume at /config
	if xdg == "/config" {
		return xdg
	}

	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return appData + `\` + appName
		}
	}

	if xdg != "" {
		return filepath.Join(xdg, appName)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", appName)
	}
	return filepath.Join(home, ".config", appName)
}

var configTemplate = template.Must(template.New("config").Parse(`# config.toml - licguard

# Address the HTTP API listens on
host = "{{ .Host }}"
port = {{ .Port }}

# Path prefix when served behind a reverse proxy
baseUrl = "/"

# Signs session cookies. Generated on first start, keep it secret.
sessionSecret = "{{ .SessionSecret }}"

# TRACE, DEBUG, INFO, WARN, ERROR. Reloaded without restart.
logLevel = "INFO"

# Optional log file, relative paths are resolved next to this file
#logPath = "log/licguard.log"

# Where licguard.db is stored, defaults to this directory
#dataDir = ""

# Serve Prometheus metrics on /metrics
metricsEnabled = false

[authority]
# Base URL of the License Authority API
url = "http://localhost:8080/api/license"
# Bearer token sent to the authority, empty sends none
token = ""
timeout = "30s"

[guard]
# Minimum time between two checks that reach the authority
throttleInterval = "60s"
# Upper bound for a single status request
requestTimeout = "30s"
# cron expression or @every duration
pollSchedule = "@every 1m"
# Rows of check history to keep
historyRetention = 1000

[banner]
# How long expiry notifications stay visible
notifyDuration = "15s"

[httpTimeouts]
# seconds
readTimeout = 60
writeTimeout = 120
idleTimeout = 180
`))

// WriteDefaultConfig creates a config file with a fresh session secret. An
// existing file is left untouched.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	secret, err := generateSecureToken(32)
	if err != nil {
		return fmt.Errorf("failed to generate session secret: %w", err)
	}

	host := "localhost"
	if os.Getenv("XDG_CONFIG_HOME") == "/config" {
		host = "0.0.0.0"
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	data := struct {
		Host          string
		Port          int
		SessionSecret string
	}{
		Host:          host,
		Port:          7480,
		SessionSecret: secret,
	}

	if err := configTemplate.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Str("path", path).Msg("Wrote default config")
	return nil
}
