// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package guard

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/licguard/internal/license"
)

// Observer receives published statuses.
type Observer func(status license.Status)

// Origin tells how a published status was obtained.
type Origin string

const (
	OriginCheck    Origin = "check"
	OriginFallback Origin = "fallback"
	OriginUpdate   Origin = "update"
)

// Event is a delivered status together with its origin.
type Event struct {
	Status license.Status
	Origin Origin
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      uint64
	guard   *Guard
	handler func(Event)
	once    sync.Once

	// last is only touched by the draining goroutine
	last *license.Status
}

// delivery is a queued status. A nil target means every subscriber.
type delivery struct {
	status license.Status
	origin Origin
	target *Subscription
}

// Subscribe registers observer for every future status that differs from the last
// one it saw. If a status is already known it is delivered right away.
func (g *Guard) Subscribe(observer Observer) *Subscription {
	return g.SubscribeEvents(func(e Event) { observer(e.Status) })
}

// SubscribeEvents is Subscribe with the origin of each status attached. The
// replayed status keeps the origin it was published with.
func (g *Guard) SubscribeEvents(handler func(Event)) *Subscription {
	g.mu.Lock()
	g.nextSubID++
	sub := &Subscription{
		id:      g.nextSubID,
		guard:   g,
		handler: handler,
	}
	g.subscribers = append(g.subscribers, sub)

	start := false
	if g.current != nil {
		start = g.enqueueLocked(delivery{status: *g.current, origin: g.currentOrigin, target: sub})
	}
	g.mu.Unlock()

	if start {
		g.drain()
	}

	return sub
}

// Unsubscribe stops deliveries. It may be called more than once, and from inside
// the observer itself.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.guard == nil {
		return
	}

	s.once.Do(func() {
		g := s.guard
		g.mu.Lock()
		defer g.mu.Unlock()

		for i, sub := range g.subscribers {
			if sub == s {
				g.subscribers = append(g.subscribers[:i:i], g.subscribers[i+1:]...)
				break
			}
		}
	})
}

func (s *Subscription) activeLocked() bool {
	for _, sub := range s.guard.subscribers {
		if sub == s {
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of registered observers.
func (g *Guard) SubscriberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.subscribers)
}

func (g *Guard) enqueueLocked(d delivery) bool {
	g.queue = append(g.queue, d)
	if g.delivering {
		return false
	}
	g.delivering = true
	return true
}

// drain hands queued statuses to observers outside the lock. Only one goroutine
// drains at a time, so observers see statuses in publish order and may publish
// again from their callback without deadlocking.
func (g *Guard) drain() {
	for {
		g.mu.Lock()
		if len(g.queue) == 0 {
			g.delivering = false
			g.queue = nil
			g.mu.Unlock()
			return
		}

		d := g.queue[0]
		g.queue = g.queue[1:]

		var targets []*Subscription
		if d.target != nil {
			if d.target.activeLocked() {
				targets = []*Subscription{d.target}
			}
		} else {
			targets = make([]*Subscription, len(g.subscribers))
			copy(targets, g.subscribers)
		}
		g.mu.Unlock()

		for _, sub := range targets {
			if license.Equivalent(sub.last, &d.status) {
				continue
			}

			// the observer may have unsubscribed from an earlier callback
			g.mu.Lock()
			active := sub.activeLocked()
			g.mu.Unlock()
			if !active {
				continue
			}

			s := d.status
			sub.last = &s
			g.deliveries.Add(1)
			notify(sub, Event{Status: s, Origin: d.origin})
		}
	}
}

// notify keeps a panicking observer from wedging the delivery queue.
func notify(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Uint64("subscription", sub.id).
				Msg("License status observer panicked")
		}
	}()

	sub.handler(event)
}
