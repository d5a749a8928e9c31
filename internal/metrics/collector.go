// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/licguard/internal/guard"
	"github.com/autobrr/licguard/internal/license"
)

// GuardSource is the read side of the guard.
type GuardSource interface {
	CurrentStatus() *license.Status
	State() guard.State
	Stats() guard.Stats
}

// BreakerSource reports the authority circuit breaker state.
type BreakerSource interface {
	BreakerState() string
}

var breakerStates = []string{"closed", "half-open", "open"}

type LicenseCollector struct {
	guard   GuardSource
	breaker BreakerSource

	validDesc         *prometheus.Desc
	activatedDesc     *prometheus.Desc
	daysRemainingDesc *prometheus.Desc
	infoDesc          *prometheus.Desc
	checkingDesc      *prometheus.Desc
	lastCheckDesc     *prometheus.Desc
	checksDesc        *prometheus.Desc
	deliveriesDesc    *prometheus.Desc
	breakerDesc       *prometheus.Desc
}

func NewLicenseCollector(g GuardSource, breaker BreakerSource) *LicenseCollector {
	return &LicenseCollector{
		guard:   g,
		breaker: breaker,

		validDesc: prometheus.NewDesc(
			"licguard_license_valid",
			"Whether the last known license status is valid (1=valid, 0=invalid)",
			nil, nil,
		),
		activatedDesc: prometheus.NewDesc(
			"licguard_license_activated",
			"Whether the system is activated (1=activated, 0=not activated)",
			nil, nil,
		),
		daysRemainingDesc: prometheus.NewDesc(
			"licguard_license_days_remaining",
			"Days until the license expires, may be negative",
			nil, nil,
		),
		infoDesc: prometheus.NewDesc(
			"licguard_license_info",
			"License metadata, always 1",
			[]string{"license_type", "machine_id"}, nil,
		),
		checkingDesc: prometheus.NewDesc(
			"licguard_guard_checking",
			"Whether a status check is in flight",
			nil, nil,
		),
		lastCheckDesc: prometheus.NewDesc(
			"licguard_guard_last_check_timestamp_seconds",
			"Unix time of the last check that reached the authority",
			nil, nil,
		),
		checksDesc: prometheus.NewDesc(
			"licguard_guard_checks_total",
			"Check requests by outcome",
			[]string{"outcome"}, nil,
		),
		deliveriesDesc: prometheus.NewDesc(
			"licguard_guard_notifications_total",
			"Statuses delivered to subscribers",
			nil, nil,
		),
		breakerDesc: prometheus.NewDesc(
			"licguard_authority_breaker_state",
			"Circuit breaker state of the authority client, 1 for the current state",
			[]string{"state"}, nil,
		),
	}
}

func (c *LicenseCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.validDesc
	ch <- c.activatedDesc
	ch <- c.daysRemainingDesc
	ch <- c.infoDesc
	ch <- c.checkingDesc
	ch <- c.lastCheckDesc
	ch <- c.checksDesc
	ch <- c.deliveriesDesc
	ch <- c.breakerDesc
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (c *LicenseCollector) Collect(ch chan<- prometheus.Metric) {
	if c.breaker != nil {
		current := c.breaker.BreakerState()
		for _, state := range breakerStates {
			ch <- prometheus.MustNewConstMetric(c.breakerDesc, prometheus.GaugeValue, boolValue(state == current), state)
		}
	}

	if c.guard == nil {
		log.Debug().Msg("Guard is nil, skipping license metrics")
		return
	}

	state := c.guard.State()
	stats := c.guard.Stats()

	ch <- prometheus.MustNewConstMetric(c.checkingDesc, prometheus.GaugeValue, boolValue(state.Checking))
	if !state.LastCheck.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.lastCheckDesc, prometheus.GaugeValue, float64(state.LastCheck.Unix()))
	}

	for outcome, v := range map[string]uint64{
		"issued":    stats.Issued,
		"in_flight": stats.InFlight,
		"throttled": stats.Throttled,
		"failed":    stats.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(c.checksDesc, prometheus.CounterValue, float64(v), outcome)
	}
	ch <- prometheus.MustNewConstMetric(c.deliveriesDesc, prometheus.CounterValue, float64(stats.Deliveries))

	status := c.guard.CurrentStatus()
	if status == nil {
		return
	}

	ch <- prometheus.MustNewConstMetric(c.validDesc, prometheus.GaugeValue, boolValue(status.IsValid))
	ch <- prometheus.MustNewConstMetric(c.activatedDesc, prometheus.GaugeValue, boolValue(status.IsActivated))
	ch <- prometheus.MustNewConstMetric(c.daysRemainingDesc, prometheus.GaugeValue, float64(status.DaysRemaining))
	ch <- prometheus.MustNewConstMetric(c.infoDesc, prometheus.GaugeValue, 1, status.LicenseType, status.MachineID)
}
