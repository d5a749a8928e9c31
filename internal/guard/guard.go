// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/licguard/internal/license"
)

const (
	DefaultThrottle       = 60 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

var errEmptyStatus = errors.New("authority returned an empty status")

// StatusFetcher asks the License Authority for the current status.
type StatusFetcher interface {
	FetchStatus(ctx context.Context) (*license.Status, error)
}

// Option configures a Guard.
type Option func(*Guard)

// WithThrottle sets the minimum time between two checks that reach the authority.
func WithThrottle(d time.Duration) Option {
	return func(g *Guard) {
		g.throttle = d
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithRequestTimeout bounds every authority call. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(g *Guard) {
		g.requestTimeout = d
	}
}

// Guard is the single source of truth for license validity inside the process.
// It deduplicates concurrent checks, throttles checks that reach the authority and
// fans out changes to subscribers. A Guard never returns authority errors to its
// callers; failures surface as license.Unverified.
type Guard struct {
	fetcher        StatusFetcher
	now            func() time.Time
	throttle       time.Duration
	requestTimeout time.Duration

	mu            sync.Mutex
	current       *license.Status
	currentOrigin Origin
	checking      bool
	lastCheck     time.Time
	generation    uint64
	subscribers   []*Subscription
	nextSubID     uint64
	queue         []delivery
	delivering    bool

	issued     atomic.Uint64
	inFlight   atomic.Uint64
	throttled  atomic.Uint64
	failed     atomic.Uint64
	deliveries atomic.Uint64
}

// New creates a Guard with no known status.
func New(fetcher StatusFetcher, opts ...Option) *Guard {
	g := &Guard{
		fetcher:        fetcher,
		now:            time.Now,
		throttle:       DefaultThrottle,
		requestTimeout: DefaultRequestTimeout,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

type resetMode int

const (
	resetNone resetMode = iota
	resetThrottle
	resetAll
)

// CheckStatus fetches a fresh status unless a check is already running or the last
// check happened less than the throttle interval ago. It reports whether a request
// was issued. The request runs on the caller's goroutine but outlives ctx: a caller
// that gives up does not turn into an authority failure.
func (g *Guard) CheckStatus(ctx context.Context) bool {
	return g.check(ctx, resetNone)
}

// Refresh bypasses the throttle but still yields to a running check.
func (g *Guard) Refresh(ctx context.Context) bool {
	return g.check(ctx, resetThrottle)
}

// ForceRefresh bypasses both the throttle and the in-flight check, so a hung
// request can never block an explicit retry.
func (g *Guard) ForceRefresh(ctx context.Context) bool {
	return g.check(ctx, resetAll)
}

func (g *Guard) check(ctx context.Context, mode resetMode) bool {
	g.mu.Lock()

	switch mode {
	case resetAll:
		g.checking = false
		g.lastCheck = time.Time{}
	case resetThrottle:
		g.lastCheck = time.Time{}
	}

	if g.checking {
		g.mu.Unlock()
		g.inFlight.Add(1)
		log.Debug().Msg("License check already in progress, skipping")
		return false
	}

	now := g.now()
	if !g.lastCheck.IsZero() && now.Sub(g.lastCheck) < g.throttle {
		g.mu.Unlock()
		g.throttled.Add(1)
		log.Debug().
			Dur("sinceLastCheck", now.Sub(g.lastCheck)).
			Msg("License check throttled")
		return false
	}

	g.checking = true
	g.lastCheck = now
	g.generation++
	gen := g.generation
	g.mu.Unlock()

	g.issued.Add(1)

	origin := OriginCheck
	status, err := g.fetch(ctx)
	if err != nil {
		g.failed.Add(1)
		log.Warn().Err(err).Msg("Unable to verify license status")
		fallback := license.Unverified()
		status = &fallback
		origin = OriginFallback
	}

	g.mu.Lock()
	start := g.storeLocked(*status, origin)
	// a check superseded by ForceRefresh still lands its status, but must not
	// clear the flag owned by the newer check
	if g.generation == gen {
		g.checking = false
	}
	g.mu.Unlock()

	if start {
		g.drain()
	}

	return true
}

func (g *Guard) fetch(ctx context.Context) (*license.Status, error) {
	// only requestTimeout bounds the request
	ctx = context.WithoutCancel(ctx)
	if g.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.requestTimeout)
		defer cancel()
	}

	status, err := g.fetcher.FetchStatus(ctx)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, errEmptyStatus
	}

	log.Debug().
		Bool("isValid", status.IsValid).
		Bool("isActivated", status.IsActivated).
		Int("daysRemaining", status.DaysRemaining).
		Msg("License status received")

	return status, nil
}

// UpdateStatus adopts a status obtained elsewhere, for example from an activation.
func (g *Guard) UpdateStatus(status license.Status) {
	g.mu.Lock()
	start := g.storeLocked(status, OriginUpdate)
	g.mu.Unlock()

	if start {
		g.drain()
	}
}

// CurrentStatus returns a copy of the last known status, or nil before the first check.
func (g *Guard) CurrentStatus() *license.Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current == nil {
		return nil
	}
	s := *g.current
	return &s
}

// IsLicenseValid reports whether the last known status is valid.
func (g *Guard) IsLicenseValid() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.current != nil && g.current.IsValid
}

// State is a point-in-time view of the guard's bookkeeping.
type State struct {
	Checking  bool
	LastCheck time.Time
	HasStatus bool
}

func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()

	return State{
		Checking:  g.checking,
		LastCheck: g.lastCheck,
		HasStatus: g.current != nil,
	}
}

// Stats are monotonically increasing counters.
type Stats struct {
	Issued     uint64
	InFlight   uint64
	Throttled  uint64
	Failed     uint64
	Deliveries uint64
}

func (g *Guard) Stats() Stats {
	return Stats{
		Issued:     g.issued.Load(),
		InFlight:   g.inFlight.Load(),
		Throttled:  g.throttled.Load(),
		Failed:     g.failed.Load(),
		Deliveries: g.deliveries.Load(),
	}
}

// storeLocked records status as current and queues it for every subscriber.
// It returns true when the caller has to drain the queue.
func (g *Guard) storeLocked(status license.Status, origin Origin) bool {
	s := status
	g.current = &s
	g.currentOrigin = origin

	return g.enqueueLocked(delivery{status: status, origin: origin})
}
