// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package banner

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/licguard/internal/guard"
	"github.com/autobrr/licguard/internal/license"
)

const DefaultNotifyDuration = 15 * time.Second

// AdminResolver tells the watcher whether its audience holds the admin role.
type AdminResolver func() bool

// StaticAdmin always answers v.
func StaticAdmin(v bool) AdminResolver {
	return func() bool { return v }
}

// Watcher follows the guard and keeps the banner for one audience up to date.
// It owns lastWarningDay, so each warning day is announced once.
type Watcher struct {
	guard    *guard.Guard
	admin    AdminResolver
	duration time.Duration
	sinks    []Sink

	mu             sync.RWMutex
	lastWarningDay *int
	decision       license.BannerDecision
	sub            *guard.Subscription
}

func NewWatcher(g *guard.Guard, admin AdminResolver, duration time.Duration, sinks ...Sink) *Watcher {
	if admin == nil {
		admin = StaticAdmin(false)
	}
	if duration <= 0 {
		duration = DefaultNotifyDuration
	}

	return &Watcher{
		guard:    g,
		admin:    admin,
		duration: duration,
		sinks:    sinks,
	}
}

// Start subscribes to the guard. Calling it twice is a no-op.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.sub != nil {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	sub := w.guard.Subscribe(w.handle)

	w.mu.Lock()
	if w.sub != nil {
		w.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	w.sub = sub
	w.mu.Unlock()
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()

	sub.Unsubscribe()
}

// Current returns the banner decision for the last status seen.
func (w *Watcher) Current() license.BannerDecision {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return copyDecision(w.decision)
}

// LastWarningDay returns the day of the last announced authority warning, or nil.
func (w *Watcher) LastWarningDay() *int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.lastWarningDay == nil {
		return nil
	}
	d := *w.lastWarningDay
	return &d
}

// DecideFor evaluates the banner for a different audience without touching the
// watcher's own bookkeeping. It returns a zero decision before the first status.
func (w *Watcher) DecideFor(isAdmin bool) license.BannerDecision {
	status := w.guard.CurrentStatus()
	if status == nil {
		return license.BannerDecision{}
	}

	d := license.DecideBanner(*status, isAdmin, w.LastWarningDay())
	d.ShouldNotify = false
	return d
}

func (w *Watcher) handle(status license.Status) {
	w.mu.Lock()
	d := license.DecideBanner(status, w.admin(), w.lastWarningDay)
	w.lastWarningDay = d.LastWarningDay
	w.decision = d
	w.mu.Unlock()

	if !d.ShouldNotify || d.Text == nil {
		return
	}

	n := Notification{
		Level:     LevelWarning,
		Message:   *d.Text,
		Duration:  w.duration,
		Timestamp: time.Now(),
	}

	log.Debug().
		Int("daysRemaining", status.DaysRemaining).
		Int("sinks", len(w.sinks)).
		Msg("Announcing license expiry warning")

	ctx := context.Background()
	for _, sink := range w.sinks {
		sink.Notify(ctx, n)
	}
}

func copyDecision(d license.BannerDecision) license.BannerDecision {
	out := license.BannerDecision{ShouldNotify: d.ShouldNotify}
	if d.Text != nil {
		t := *d.Text
		out.Text = &t
	}
	if d.LastWarningDay != nil {
		day := *d.LastWarningDay
		out.LastWarningDay = &day
	}
	return out
}
