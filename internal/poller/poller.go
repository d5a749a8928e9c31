// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultSchedule = "@every 1m"

// Checker is the part of the guard the poller drives.
type Checker interface {
	CheckStatus(ctx context.Context) bool
}

// Poller re-runs license checks on a cron schedule. The guard's throttle still
// decides whether a tick reaches the authority.
type Poller struct {
	checker  Checker
	schedule string
	cron     *cron.Cron

	mu      sync.Mutex
	running bool
	gen     uint64
	entry   cron.EntryID
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates schedule and prepares a stopped poller. An empty schedule means
// DefaultSchedule.
func New(checker Checker, schedule string) (*Poller, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid poll schedule %q: %w", schedule, err)
	}

	logger := cronLogger{}
	return &Poller{
		checker:  checker,
		schedule: schedule,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}, nil
}

// Start runs one check right away and then follows the schedule until ctx is
// done or Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)

	entry, err := p.cron.AddFunc(p.schedule, func() { p.tick(ctx) })
	if err != nil {
		cancel()
		return fmt.Errorf("failed to register poll job: %w", err)
	}

	p.entry = entry
	p.cancel = cancel
	p.running = true
	p.gen++
	gen := p.gen

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.tick(ctx)
	}()
	p.cron.Start()

	go func() {
		<-ctx.Done()
		p.stop(gen)
	}()

	log.Info().Str("schedule", p.schedule).Msg("License poller started")
	return nil
}

// Stop halts the schedule and waits for a running check to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()

	p.stop(gen)
}

func (p *Poller) stop(gen uint64) {
	p.mu.Lock()
	if !p.running || p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.cron.Remove(p.entry)
	p.mu.Unlock()

	cancel()
	<-p.cron.Stop().Done()
	p.wg.Wait()

	log.Info().Msg("License poller stopped")
}

// Running reports whether the schedule is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.running
}

func (p *Poller) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if p.checker.CheckStatus(ctx) {
		log.Trace().Msg("Scheduled license check issued")
	}
}

// cronLogger routes cron's internal messages to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	withFields(log.Trace(), keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	withFields(log.Error().Err(err), keysAndValues).Msg("cron: " + msg)
}

func withFields(ev *zerolog.Event, keysAndValues []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, keysAndValues[i+1])
	}
	return ev
}
