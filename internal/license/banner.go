// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package license

import "fmt"

// WarningWindowDays is the number of days before expiry in which a banner is shown.
const WarningWindowDays = 15

const (
	adminExpiringTemplate = "Warning: Your license will expire in %d day(s). Please renew your license before expiration."
	userExpiringTemplate  = "Warning: License will expire in %d day(s). Please contact your administrator to renew the license."

	// UserInvalidMessage is what non-admin users see for any unusable license.
	UserInvalidMessage = "License is not valid. Please contact your administrator."
	// AdminExpiredMessage is shown to admins when the authority reports a valid license with negative days.
	AdminExpiredMessage = "Your license has expired. Please renew your license."
)

// BannerDecision is the outcome of DecideBanner.
type BannerDecision struct {
	// Text is nil when no banner should be shown.
	Text *string `json:"text"`
	// LastWarningDay is the day value the caller must remember for the next decision.
	LastWarningDay *int `json:"lastWarningDay"`
	// ShouldNotify is true when a transient notification should accompany the banner.
	ShouldNotify bool `json:"shouldNotify"`
}

// DecideBanner computes the banner for a status as seen by an admin or a regular user.
// lastWarningDay is the days-remaining value of the last proactive notification, nil if none.
func DecideBanner(status Status, isAdmin bool, lastWarningDay *int) BannerDecision {
	days := status.DaysRemaining

	switch {
	case status.IsValid && days >= 0 && days <= WarningWindowDays:
		if status.WantsWarning() {
			decision := BannerDecision{
				Text:           stringPtr(*status.WarningMessage),
				LastWarningDay: lastWarningDay,
			}
			if lastWarningDay == nil || *lastWarningDay != days {
				decision.ShouldNotify = true
				decision.LastWarningDay = intPtr(days)
			}
			return decision
		}

		return BannerDecision{
			Text:           stringPtr(ExpiringMessage(days, isAdmin)),
			LastWarningDay: lastWarningDay,
		}

	case status.IsValid && days > WarningWindowDays:
		return BannerDecision{}

	case !status.IsValid:
		text := UserInvalidMessage
		if isAdmin {
			text = status.Message
		}
		return BannerDecision{
			Text:           stringPtr(text),
			LastWarningDay: lastWarningDay,
		}

	default:
		// valid but already past expiry
		text := UserInvalidMessage
		if isAdmin {
			text = AdminExpiredMessage
		}
		return BannerDecision{
			Text:           stringPtr(text),
			LastWarningDay: lastWarningDay,
		}
	}
}

// ExpiringMessage renders the templated expiry warning for the given audience.
func ExpiringMessage(days int, isAdmin bool) string {
	if isAdmin {
		return fmt.Sprintf(adminExpiringTemplate, days)
	}
	return fmt.Sprintf(userExpiringTemplate, days)
}

func stringPtr(s string) *string {
	return &s
}

func intPtr(i int) *int {
	return &i
}
