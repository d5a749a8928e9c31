// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package license

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolRef(b bool) *bool    { return &b }
func strRef(s string) *string { return &s }
func intRef(i int) *int       { return &i }

func TestDecideBanner(t *testing.T) {
	tests := []struct {
		name           string
		status         Status
		isAdmin        bool
		lastWarningDay *int
		wantText       *string
		wantLastDay    *int
		wantNotify     bool
	}{
		{
			name:     "expiring_admin_templated",
			status:   Status{IsValid: true, DaysRemaining: 10, ShouldShowWarning: boolRef(false)},
			isAdmin:  true,
			wantText: strRef("Warning: Your license will expire in 10 day(s). Please renew your license before expiration."),
		},
		{
			name:     "expiring_user_templated",
			status:   Status{IsValid: true, DaysRemaining: 3},
			isAdmin:  false,
			wantText: strRef("Warning: License will expire in 3 day(s). Please contact your administrator to renew the license."),
		},
		{
			name:           "expiring_templated_keeps_last_day",
			status:         Status{IsValid: true, DaysRemaining: 7},
			isAdmin:        true,
			lastWarningDay: intRef(10),
			wantText:       strRef(ExpiringMessage(7, true)),
			wantLastDay:    intRef(10),
		},
		{
			name:        "authority_warning_first_time",
			status:      Status{IsValid: true, DaysRemaining: 5, ShouldShowWarning: boolRef(true), WarningMessage: strRef("renew now")},
			isAdmin:     false,
			wantText:    strRef("renew now"),
			wantLastDay: intRef(5),
			wantNotify:  true,
		},
		{
			name:           "authority_warning_same_day",
			status:         Status{IsValid: true, DaysRemaining: 5, ShouldShowWarning: boolRef(true), WarningMessage: strRef("renew now")},
			isAdmin:        true,
			lastWarningDay: intRef(5),
			wantText:       strRef("renew now"),
			wantLastDay:    intRef(5),
			wantNotify:     false,
		},
		{
			name:           "authority_warning_new_day",
			status:         Status{IsValid: true, DaysRemaining: 4, ShouldShowWarning: boolRef(true), WarningMessage: strRef("renew now")},
			isAdmin:        true,
			lastWarningDay: intRef(5),
			wantText:       strRef("renew now"),
			wantLastDay:    intRef(4),
			wantNotify:     true,
		},
		{
			name:        "expires_today",
			status:      Status{IsValid: true, DaysRemaining: 0, ShouldShowWarning: boolRef(true), WarningMessage: strRef("Warning: Your license expires today! Please renew immediately.")},
			isAdmin:     true,
			wantText:    strRef("Warning: Your license expires today! Please renew immediately."),
			wantLastDay: intRef(0),
			wantNotify:  true,
		},
		{
			name:     "warning_flag_without_message_falls_back_to_template",
			status:   Status{IsValid: true, DaysRemaining: 15, ShouldShowWarning: boolRef(true)},
			isAdmin:  true,
			wantText: strRef(ExpiringMessage(15, true)),
		},
		{
			name:           "healthy_clears_banner_and_day",
			status:         Status{IsValid: true, DaysRemaining: 20},
			isAdmin:        false,
			lastWarningDay: intRef(5),
		},
		{
			name:     "invalid_admin_sees_authority_message",
			status:   Status{IsValid: false, Message: "Key revoked"},
			isAdmin:  true,
			wantText: strRef("Key revoked"),
		},
		{
			name:           "invalid_user_sees_contact_admin",
			status:         Status{IsValid: false, Message: "Key revoked"},
			isAdmin:        false,
			lastWarningDay: intRef(2),
			wantText:       strRef(UserInvalidMessage),
			wantLastDay:    intRef(2),
		},
		{
			name:     "valid_negative_days_admin",
			status:   Status{IsValid: true, DaysRemaining: -1, Message: "License valid."},
			isAdmin:  true,
			wantText: strRef(AdminExpiredMessage),
		},
		{
			name:     "valid_negative_days_user",
			status:   Status{IsValid: true, DaysRemaining: -3},
			isAdmin:  false,
			wantText: strRef(UserInvalidMessage),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecideBanner(tt.status, tt.isAdmin, tt.lastWarningDay)

			if tt.wantText == nil {
				assert.Nil(t, got.Text)
			} else {
				require.NotNil(t, got.Text)
				assert.Equal(t, *tt.wantText, *got.Text)
			}

			if tt.wantLastDay == nil {
				assert.Nil(t, got.LastWarningDay)
			} else {
				require.NotNil(t, got.LastWarningDay)
				assert.Equal(t, *tt.wantLastDay, *got.LastWarningDay)
			}

			assert.Equal(t, tt.wantNotify, got.ShouldNotify)
		})
	}
}
