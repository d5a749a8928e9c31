// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"github.com/autobrr/licguard/internal/models"
)

type staticValidity bool

func (s staticValidity) IsLicenseValid() bool { return bool(s) }

func TestLicenseStatus(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		valid bool
		want  string
	}{
		{name: "valid", path: "/api/auth/me", valid: true, want: "VALID"},
		{name: "invalid", path: "/api/api-keys", valid: false, want: "INVALID"},
		{name: "license endpoints exempt", path: "/api/license/status", valid: true, want: ""},
		{name: "license root exempt", path: "/api/license", valid: true, want: ""},
		{name: "login exempt", path: "/api/auth/login", valid: false, want: ""},
		{name: "health exempt", path: "/health", valid: true, want: ""},
		{name: "prefix lookalike", path: "/api/licenses", valid: true, want: "VALID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := LicenseStatus(staticValidity(tt.valid))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.True(t, called, "request must never be blocked")
			assert.Equal(t, tt.want, rec.Header().Get(LicenseStatusHeader))
		})
	}
}

func TestLicenseStatus_MountedUnderBaseURL(t *testing.T) {
	sub := chi.NewRouter()
	sub.Use(LicenseStatus(staticValidity(true)))
	ok := func(w http.ResponseWriter, r *http.Request) {}
	sub.Get("/health", ok)
	sub.Get("/api/license/status", ok)
	sub.Get("/api/auth/me", ok)

	parent := chi.NewRouter()
	parent.Mount("/licguard", sub)

	tests := []struct {
		path string
		want string
	}{
		{path: "/licguard/health", want: ""},
		{path: "/licguard/api/license/status", want: ""},
		{path: "/licguard/api/auth/me", want: "VALID"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			parent.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, rec.Header().Get(LicenseStatusHeader))
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	adminID := models.AdminRoleID
	tests := []struct {
		name string
		user *models.User
		want int
	}{
		{name: "no user", user: nil, want: http.StatusForbidden},
		{name: "regular user", user: &models.User{Username: "bob", RoleName: "user"}, want: http.StatusForbidden},
		{name: "admin by name", user: &models.User{Username: "alice", RoleName: "ADMIN"}, want: http.StatusNoContent},
		{name: "admin by id", user: &models.User{Username: "carol", RoleID: &adminID}, want: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/license/activate", nil)
			if tt.user != nil {
				req = req.WithContext(WithUser(req.Context(), tt.user))
			}

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
