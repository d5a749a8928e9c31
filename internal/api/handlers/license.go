// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/autobrr/licguard/internal/api/middleware"
	"github.com/autobrr/licguard/internal/authority"
	"github.com/autobrr/licguard/internal/guard"
	"github.com/autobrr/licguard/internal/license"
	"github.com/autobrr/licguard/internal/models"
)

const (
	activationInterval = 10 * time.Second
	activationBurst    = 3
)

// LicenseGuard is the guard surface the handlers use.
type LicenseGuard interface {
	CheckStatus(ctx context.Context) bool
	Refresh(ctx context.Context) bool
	ForceRefresh(ctx context.Context) bool
	CurrentStatus() *license.Status
	UpdateStatus(status license.Status)
	State() guard.State
}

// Authority performs the calls that do not go through the guard.
type Authority interface {
	Activate(ctx context.Context, licenseKey string) (*license.Status, error)
	MachineID(ctx context.Context) (string, error)
}

type BannerSource interface {
	DecideFor(isAdmin bool) license.BannerDecision
}

type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]models.LicenseCheck, error)
}

type LicenseHandler struct {
	guard     LicenseGuard
	authority Authority
	banner    BannerSource
	history   HistorySource
	adopt     func(license.Status)
	limiter   *rate.Limiter
}

// NewLicenseHandler wires the license endpoints. adopt publishes an activation
// result; nil falls back to the guard's UpdateStatus. banner and history may be nil.
func NewLicenseHandler(g LicenseGuard, authority Authority, banner BannerSource, history HistorySource, adopt func(license.Status)) *LicenseHandler {
	if adopt == nil {
		adopt = g.UpdateStatus
	}

	return &LicenseHandler{
		guard:     g,
		authority: authority,
		banner:    banner,
		history:   history,
		adopt:     adopt,
		limiter:   rate.NewLimiter(rate.Every(activationInterval), activationBurst),
	}
}

type statusResponse struct {
	Status    *license.Status `json:"status"`
	Valid     bool            `json:"valid"`
	Checking  bool            `json:"checking"`
	LastCheck *time.Time      `json:"lastCheck,omitempty"`
	Issued    *bool           `json:"issued,omitempty"`
}

func (h *LicenseHandler) statusResponse(issued *bool) statusResponse {
	status := h.guard.CurrentStatus()
	state := h.guard.State()

	resp := statusResponse{
		Status:   status,
		Valid:    status != nil && status.IsValid,
		Checking: state.Checking,
		Issued:   issued,
	}
	if !state.LastCheck.IsZero() {
		lastCheck := state.LastCheck.UTC()
		resp.LastCheck = &lastCheck
	}
	return resp
}

// GetStatus returns the last known status without contacting the authority.
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.statusResponse(nil))
}

// Check runs a throttled check.
func (h *LicenseHandler) Check(w http.ResponseWriter, r *http.Request) {
	issued := h.guard.CheckStatus(r.Context())
	RespondJSON(w, http.StatusOK, h.statusResponse(&issued))
}

// Refresh skips the throttle but joins a running check.
func (h *LicenseHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	issued := h.guard.Refresh(r.Context())
	RespondJSON(w, http.StatusOK, h.statusResponse(&issued))
}

// ForceRefresh always reaches the authority.
func (h *LicenseHandler) ForceRefresh(w http.ResponseWriter, r *http.Request) {
	issued := h.guard.ForceRefresh(r.Context())
	RespondJSON(w, http.StatusOK, h.statusResponse(&issued))
}

type activateRequest struct {
	LicenseKey string `json:"licenseKey"`
}

// Activate submits a license key. The resulting status replaces the guard's.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		w.Header().Set("Retry-After", strconv.Itoa(int(activationInterval.Seconds())))
		RespondError(w, http.StatusTooManyRequests, "Too many activation attempts, try again later")
		return
	}

	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	status, err := h.authority.Activate(r.Context(), req.LicenseKey)
	if err != nil {
		var statusErr *authority.StatusError
		switch {
		case errors.Is(err, authority.ErrEmptyLicenseKey):
			RespondError(w, http.StatusBadRequest, "License key is required")
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			RespondError(w, http.StatusServiceUnavailable, "License authority unavailable")
		case errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500:
			msg := statusErr.Message
			if msg == "" {
				msg = "License key rejected"
			}
			RespondError(w, http.StatusUnprocessableEntity, msg)
		default:
			RespondError(w, http.StatusBadGateway, "Failed to reach license authority")
		}
		return
	}

	h.adopt(*status)

	if user := middleware.UserFromContext(r.Context()); user != nil {
		log.Info().
			Str("username", user.Username).
			Bool("isValid", status.IsValid).
			Int("daysRemaining", status.DaysRemaining).
			Msg("License activated")
	}

	RespondJSON(w, http.StatusOK, status)
}

func (h *LicenseHandler) MachineID(w http.ResponseWriter, r *http.Request) {
	id, err := h.authority.MachineID(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch machine id")
		RespondError(w, http.StatusBadGateway, "Failed to fetch machine id")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"machineId": id})
}

// Banner returns the banner for the calling user's role.
func (h *LicenseHandler) Banner(w http.ResponseWriter, r *http.Request) {
	if h.banner == nil {
		RespondJSON(w, http.StatusOK, license.BannerDecision{})
		return
	}

	isAdmin := models.IsAdmin(middleware.UserFromContext(r.Context()))
	RespondJSON(w, http.StatusOK, h.banner.DecideFor(isAdmin))
}

// History lists recorded statuses, newest first. ?limit= caps the rows.
func (h *LicenseHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		RespondJSON(w, http.StatusOK, []models.LicenseCheck{})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			RespondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	checks, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load license history")
		RespondError(w, http.StatusInternalServerError, "Failed to load license history")
		return
	}

	RespondJSON(w, http.StatusOK, checks)
}
