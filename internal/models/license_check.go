// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/autobrr/licguard/internal/license"
)

// CheckSource says where a published status came from.
type CheckSource string

const (
	SourceCheck    CheckSource = "check"
	SourceUpdate   CheckSource = "update"
	SourceFallback CheckSource = "fallback"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type LicenseCheck struct {
	ID            int         `json:"id"`
	Source        CheckSource `json:"source"`
	IsValid       bool        `json:"isValid"`
	IsActivated   bool        `json:"isActivated"`
	DaysRemaining int         `json:"daysRemaining"`
	LicenseType   string      `json:"licenseType,omitempty"`
	MachineID     string      `json:"machineId"`
	Message       string      `json:"message"`
	CheckedAt     time.Time   `json:"checkedAt"`
}

// NewLicenseCheck builds a history row from a published status. The synthetic
// unverified status is always recorded as a fallback.
func NewLicenseCheck(status license.Status, source CheckSource) LicenseCheck {
	if status.Message == license.UnverifiedMessage && !status.IsValid && status.MachineID == "" {
		source = SourceFallback
	}

	return LicenseCheck{
		Source:        source,
		IsValid:       status.IsValid,
		IsActivated:   status.IsActivated,
		DaysRemaining: status.DaysRemaining,
		LicenseType:   status.LicenseType,
		MachineID:     status.MachineID,
		Message:       status.Message,
	}
}

type LicenseCheckStore struct {
	db *sql.DB
}

func NewLicenseCheckStore(db *sql.DB) *LicenseCheckStore {
	return &LicenseCheckStore{db: db}
}

func (s *LicenseCheckStore) Record(ctx context.Context, check LicenseCheck) (*LicenseCheck, error) {
	query := `
		INSERT INTO license_checks (source, is_valid, is_activated, days_remaining, license_type, machine_id, message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id, checked_at
	`

	out := check
	err := s.db.QueryRowContext(ctx, query,
		check.Source,
		check.IsValid,
		check.IsActivated,
		check.DaysRemaining,
		check.LicenseType,
		check.MachineID,
		check.Message,
	).Scan(&out.ID, &out.CheckedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record license check: %w", err)
	}

	return &out, nil
}

// Recent returns the newest checks first. limit <= 0 selects the default.
func (s *LicenseCheckStore) Recent(ctx context.Context, limit int) ([]LicenseCheck, error) {
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, is_valid, is_activated, days_remaining, license_type, machine_id, message, checked_at
		FROM license_checks
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query license checks: %w", err)
	}
	defer rows.Close()

	checks := make([]LicenseCheck, 0, limit)
	for rows.Next() {
		var c LicenseCheck
		if err := rows.Scan(
			&c.ID,
			&c.Source,
			&c.IsValid,
			&c.IsActivated,
			&c.DaysRemaining,
			&c.LicenseType,
			&c.MachineID,
			&c.Message,
			&c.CheckedAt,
		); err != nil {
			return nil, err
		}
		checks = append(checks, c)
	}

	return checks, rows.Err()
}

// Prune keeps the newest keep rows and reports how many were removed.
func (s *LicenseCheckStore) Prune(ctx context.Context, keep int) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM license_checks
		WHERE id NOT IN (SELECT id FROM license_checks ORDER BY id DESC LIMIT ?)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune license checks: %w", err)
	}

	return result.RowsAffected()
}
