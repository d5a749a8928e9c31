// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	pkgerrors "github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/licguard/internal/authority"
	"github.com/autobrr/licguard/internal/guard"
	"github.com/autobrr/licguard/internal/license"
	"github.com/autobrr/licguard/internal/models"
)

type stubAuthority struct {
	status *license.Status
	err    error
}

func (s stubAuthority) Activate(ctx context.Context, key string) (*license.Status, error) {
	return s.status, s.err
}

func (s stubAuthority) MachineID(ctx context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "SRV-1", nil
}

type stubHistory struct {
	limit int
}

func (s *stubHistory) Recent(ctx context.Context, limit int) ([]models.LicenseCheck, error) {
	s.limit = limit
	return []models.LicenseCheck{{ID: 1, Source: models.SourceCheck}}, nil
}

func activate(h *LicenseHandler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.Activate(rec, httptest.NewRequest(http.MethodPost, "/api/license/activate", strings.NewReader(body)))
	return rec
}

func TestLicenseHandler_ActivateErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{name: "bad body", body: "{", wantCode: http.StatusBadRequest, wantMsg: "Invalid request body"},
		{name: "empty key", body: `{"licenseKey":""}`, err: authority.ErrEmptyLicenseKey, wantCode: http.StatusBadRequest, wantMsg: "License key is required"},
		{name: "breaker open", body: `{"licenseKey":"K"}`, err: pkgerrors.Wrap(gobreaker.ErrOpenState, "activate license"), wantCode: http.StatusServiceUnavailable},
		{name: "rejected", body: `{"licenseKey":"K"}`, err: pkgerrors.Wrap(&authority.StatusError{Code: 400, Message: "Key revoked"}, "activate"), wantCode: http.StatusUnprocessableEntity, wantMsg: "Key revoked"},
		{name: "rejected without message", body: `{"licenseKey":"K"}`, err: &authority.StatusError{Code: 404}, wantCode: http.StatusUnprocessableEntity, wantMsg: "License key rejected"},
		{name: "server error", body: `{"licenseKey":"K"}`, err: &authority.StatusError{Code: 500}, wantCode: http.StatusBadGateway},
		{name: "network", body: `{"licenseKey":"K"}`, err: errors.New("connection refused"), wantCode: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := guard.New(nil)
			h := NewLicenseHandler(g, stubAuthority{err: tt.err}, nil, nil, nil)

			rec := activate(h, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)

			if tt.wantMsg != "" {
				var body map[string]string
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, tt.wantMsg, body["error"])
			}
			assert.Nil(t, g.CurrentStatus())
		})
	}
}

func TestLicenseHandler_ActivateAdoptsStatus(t *testing.T) {
	g := guard.New(nil)
	status := &license.Status{IsActivated: true, IsValid: true, DaysRemaining: 365, MachineID: "SRV-1"}

	var adopted []license.Status
	h := NewLicenseHandler(g, stubAuthority{status: status}, nil, nil, func(s license.Status) {
		adopted = append(adopted, s)
		g.UpdateStatus(s)
	})

	rec := activate(h, `{"licenseKey":"GOOD"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, adopted, 1)
	assert.True(t, g.IsLicenseValid())
}

func TestLicenseHandler_ActivateDefaultsToGuard(t *testing.T) {
	g := guard.New(nil)
	status := &license.Status{IsActivated: true, IsValid: true, DaysRemaining: 30, MachineID: "SRV-1"}
	h := NewLicenseHandler(g, stubAuthority{status: status}, nil, nil, nil)

	require.Equal(t, http.StatusOK, activate(h, `{"licenseKey":"GOOD"}`).Code)
	require.NotNil(t, g.CurrentStatus())
	assert.Equal(t, 30, g.CurrentStatus().DaysRemaining)
}

func TestLicenseHandler_MachineIDError(t *testing.T) {
	h := NewLicenseHandler(guard.New(nil), stubAuthority{err: errors.New("down")}, nil, nil, nil)

	rec := httptest.NewRecorder()
	h.MachineID(rec, httptest.NewRequest(http.MethodGet, "/api/license/machine-id", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestLicenseHandler_History(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantLimit int
	}{
		{name: "default", query: "", wantCode: http.StatusOK, wantLimit: 0},
		{name: "explicit", query: "?limit=25", wantCode: http.StatusOK, wantLimit: 25},
		{name: "negative", query: "?limit=-1", wantCode: http.StatusBadRequest},
		{name: "garbage", query: "?limit=abc", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := &stubHistory{limit: -99}
			h := NewLicenseHandler(guard.New(nil), stubAuthority{}, nil, history, nil)

			rec := httptest.NewRecorder()
			h.History(rec, httptest.NewRequest(http.MethodGet, "/api/license/history"+tt.query, nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, tt.wantLimit, history.limit)
			}
		})
	}
}

func TestLicenseHandler_BannerWithoutWatcher(t *testing.T) {
	h := NewLicenseHandler(guard.New(nil), stubAuthority{}, nil, nil, nil)

	rec := httptest.NewRecorder()
	h.Banner(rec, httptest.NewRequest(http.MethodGet, "/api/license/banner", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"text":null,"lastWarningDay":null,"shouldNotify":false}`, rec.Body.String())
}

func TestParseIDFromPath(t *testing.T) {
	tests := []struct {
		value   string
		want    int
		wantErr bool
	}{
		{value: "7", want: 7},
		{value: "0", wantErr: true},
		{value: "-3", wantErr: true},
		{value: "x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			rctx := chi.NewRouteContext()
			rctx.URLParams.Add("id", tt.value)
			req := httptest.NewRequest(http.MethodDelete, "/api/api-keys/"+tt.value, nil)
			req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

			got, err := ParseIDFromPath(req, "id")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
