// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "time"

// Config represents the application configuration
type Config struct {
	Host           string          `toml:"host" mapstructure:"host"`
	Port           int             `toml:"port" mapstructure:"port"`
	BaseURL        string          `toml:"baseUrl" mapstructure:"baseUrl"`
	SessionSecret  string          `toml:"sessionSecret" mapstructure:"sessionSecret"`
	LogLevel       string          `toml:"logLevel" mapstructure:"logLevel"`
	LogPath        string          `toml:"logPath" mapstructure:"logPath"`
	DataDir        string          `toml:"dataDir" mapstructure:"dataDir"`
	MetricsEnabled bool            `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	Authority      AuthorityConfig `toml:"authority" mapstructure:"authority"`
	Guard          GuardConfig     `toml:"guard" mapstructure:"guard"`
	Banner         BannerConfig    `toml:"banner" mapstructure:"banner"`
	HTTPTimeouts   HTTPTimeouts    `toml:"httpTimeouts" mapstructure:"httpTimeouts"`
}

// AuthorityConfig points at the License Authority, e.g. http://pos.local:8080/api/license
type AuthorityConfig struct {
	URL     string        `toml:"url" mapstructure:"url"`
	Token   string        `toml:"token" mapstructure:"token"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

// GuardConfig tunes how often the authority is asked
type GuardConfig struct {
	ThrottleInterval time.Duration `toml:"throttleInterval" mapstructure:"throttleInterval"`
	RequestTimeout   time.Duration `toml:"requestTimeout" mapstructure:"requestTimeout"`
	PollSchedule     string        `toml:"pollSchedule" mapstructure:"pollSchedule"`
	HistoryRetention int           `toml:"historyRetention" mapstructure:"historyRetention"`
}

type BannerConfig struct {
	NotifyDuration time.Duration `toml:"notifyDuration" mapstructure:"notifyDuration"`
}

// HTTPTimeouts represents HTTP server timeout configuration
type HTTPTimeouts struct {
	ReadTimeout  int `toml:"readTimeout" mapstructure:"readTimeout"`   // seconds
	WriteTimeout int `toml:"writeTimeout" mapstructure:"writeTimeout"` // seconds
	IdleTimeout  int `toml:"idleTimeout" mapstructure:"idleTimeout"`   // seconds
}
