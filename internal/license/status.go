// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package license

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// UnverifiedMessage is reported when the authority could not be reached or answered garbage.
const UnverifiedMessage = "Unable to verify license status"

// Status is a snapshot of the license state as reported by the License Authority.
// A Status is never mutated after it has been handed to the guard.
type Status struct {
	IsActivated       bool       `json:"isActivated" yaml:"isActivated"`
	IsValid           bool       `json:"isValid" yaml:"isValid"`
	LicenseType       string     `json:"licenseType,omitempty" yaml:"licenseType,omitempty"`
	ActivatedAt       *Timestamp `json:"activatedAt,omitempty" yaml:"activatedAt,omitempty"`
	ExpiresAt         *Timestamp `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
	DaysRemaining     int        `json:"daysRemaining" yaml:"daysRemaining"`
	Message           string     `json:"message" yaml:"message"`
	MachineID         string     `json:"machineId" yaml:"machineId"`
	ShouldShowWarning *bool      `json:"shouldShowWarning,omitempty" yaml:"shouldShowWarning,omitempty"`
	WarningMessage    *string    `json:"warningMessage,omitempty" yaml:"warningMessage,omitempty"`
}

// Unverified returns the status used in place of an authority answer that could not be obtained.
func Unverified() Status {
	return Status{
		IsActivated:   false,
		IsValid:       false,
		DaysRemaining: 0,
		Message:       UnverifiedMessage,
		MachineID:     "",
	}
}

// Equivalent reports whether two statuses would look the same to subscribers.
// Only validity, activation, remaining days and machine id are compared.
func Equivalent(a, b *Status) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}

	return a.IsValid == b.IsValid &&
		a.IsActivated == b.IsActivated &&
		a.DaysRemaining == b.DaysRemaining &&
		a.MachineID == b.MachineID
}

// WantsWarning reports whether the authority asked for its own warning text to be shown.
func (s Status) WantsWarning() bool {
	return s.ShouldShowWarning != nil && *s.ShouldShowWarning && s.WarningMessage != nil
}

// Timestamp is a point in time as sent by the authority. The authority emits local
// date-times without a zone, so several layouts are accepted.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses any of the layouts the authority is known to send.
func ParseTimestamp(value string) (Timestamp, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return Timestamp{Time: t}, nil
		}
	}

	return Timestamp{}, fmt.Errorf("unrecognized timestamp %q", value)
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}

	parsed, err := ParseTimestamp(raw)
	if err != nil {
		return err
	}

	*t = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(time.RFC3339))
}

func (t Timestamp) MarshalYAML() (interface{}, error) {
	return t.Time.Format(time.RFC3339), nil
}
