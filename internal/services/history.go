// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/licguard/internal/guard"
	"github.com/autobrr/licguard/internal/license"
	"github.com/autobrr/licguard/internal/models"
)

const (
	recordTimeout = 5 * time.Second
	pruneEvery    = 50
)

// HistoryService persists every status the guard publishes.
type HistoryService struct {
	guard     *guard.Guard
	store     *models.LicenseCheckStore
	retention int

	mu       sync.Mutex
	sub      *guard.Subscription
	recorded int
}

// NewHistoryService records into store and keeps at most retention rows. A
// retention <= 0 keeps everything.
func NewHistoryService(g *guard.Guard, store *models.LicenseCheckStore, retention int) *HistoryService {
	return &HistoryService{
		guard:     g,
		store:     store,
		retention: retention,
	}
}

func (s *HistoryService) Start() {
	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	sub := s.guard.SubscribeEvents(s.record)

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
}

func (s *HistoryService) Stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	sub.Unsubscribe()
}

// Adopt publishes a status obtained outside the guard, e.g. from an activation.
// The guard tags it as an update, so it is recorded as one.
func (s *HistoryService) Adopt(status license.Status) {
	log.Debug().
		Bool("valid", status.IsValid).
		Int("daysRemaining", status.DaysRemaining).
		Msg("Adopting license status")

	s.guard.UpdateStatus(status)
}

// Recent returns the newest rows first.
func (s *HistoryService) Recent(ctx context.Context, limit int) ([]models.LicenseCheck, error) {
	return s.store.Recent(ctx, limit)
}

func sourceFor(origin guard.Origin) models.CheckSource {
	switch origin {
	case guard.OriginUpdate:
		return models.SourceUpdate
	case guard.OriginFallback:
		return models.SourceFallback
	default:
		return models.SourceCheck
	}
}

func (s *HistoryService) record(event guard.Event) {
	status := event.Status
	source := sourceFor(event.Origin)

	s.mu.Lock()
	s.recorded++
	prune := s.retention > 0 && s.recorded%pruneEvery == 0
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	check, err := s.store.Record(ctx, models.NewLicenseCheck(status, source))
	if err != nil {
		log.Error().Err(err).Msg("Failed to record license check")
		return
	}

	log.Debug().
		Int("id", check.ID).
		Str("source", string(check.Source)).
		Bool("valid", check.IsValid).
		Msg("License status recorded")

	if prune {
		s.prune(ctx)
	}
}

func (s *HistoryService) prune(ctx context.Context) {
	removed, err := s.store.Prune(ctx, s.retention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to prune license history")
		return
	}
	if removed > 0 {
		log.Debug().Int64("removed", removed).Int("retention", s.retention).Msg("Pruned license history")
	}
}
