// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/licguard/internal/database"
	"github.com/autobrr/licguard/internal/models"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewService(db.Conn(), "0123456789abcdef0123456789abcdef", []byte("abcdefghijklmnopqrstuvwxyz012345"))
}

func TestService_SetupAndLogin(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	_, err := svc.Login(ctx, "owner", "password123")
	assert.ErrorIs(t, err, ErrNotSetup)

	complete, err := svc.IsSetupComplete(ctx)
	require.NoError(t, err)
	assert.False(t, complete)

	_, err = svc.SetupUser(ctx, "owner", "short")
	assert.ErrorIs(t, err, ErrWeakPassword)

	owner, err := svc.SetupUser(ctx, "owner", "password123")
	require.NoError(t, err)
	assert.True(t, models.IsAdmin(owner))

	_, err = svc.SetupUser(ctx, "second", "password123")
	assert.ErrorIs(t, err, ErrAlreadySetup)

	user, err := svc.Login(ctx, "owner", "password123")
	require.NoError(t, err)
	assert.Equal(t, owner.ID, user.ID)

	_, err = svc.Login(ctx, "owner", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(ctx, "nobody", "password123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestService_CreateUserRoles(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	_, err := svc.SetupUser(ctx, "owner", "password123")
	require.NoError(t, err)

	cashier, err := svc.CreateUser(ctx, "cashier", "password123", models.UserRoleName)
	require.NoError(t, err)
	assert.False(t, models.IsAdmin(cashier))

	_, err = svc.CreateUser(ctx, "  ", "password123", models.UserRoleName)
	assert.Error(t, err)

	_, err = svc.CreateUser(ctx, "cashier", "password123", models.UserRoleName)
	assert.ErrorIs(t, err, models.ErrUserAlreadyExists)
}

func TestService_ChangePassword(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	_, err := svc.SetupUser(ctx, "owner", "password123")
	require.NoError(t, err)

	err = svc.ChangePassword(ctx, "owner", "not-the-password", "newpassword1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, svc.ChangePassword(ctx, "owner", "password123", "newpassword1"))
	_, err = svc.Login(ctx, "owner", "newpassword1")
	require.NoError(t, err)

	// CLI path skips the old password
	require.NoError(t, svc.ChangePassword(ctx, "owner", "", "anotherpass1"))
	_, err = svc.Login(ctx, "owner", "anotherpass1")
	require.NoError(t, err)

	assert.ErrorIs(t, svc.ChangePassword(ctx, "owner", "", "short"), ErrWeakPassword)
}

func TestService_SessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	owner, err := svc.SetupUser(ctx, "owner", "password123")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	require.NoError(t, svc.StartSession(rec, req, owner))

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)

	next := httptest.NewRequest(http.MethodGet, "/api/license/status", nil)
	for _, c := range cookies {
		next.AddCookie(c)
	}

	user, err := svc.UserFromRequest(next)
	require.NoError(t, err)
	assert.Equal(t, "owner", user.Username)

	_, err = svc.UserFromRequest(httptest.NewRequest(http.MethodGet, "/api/license/status", nil))
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestService_APIKeyAuth(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	owner, err := svc.SetupUser(ctx, "owner", "password123")
	require.NoError(t, err)

	raw, _, err := svc.APIKeys().Create(ctx, owner.ID, "terminal")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/license/status", nil)
	req.Header.Set("X-API-Key", raw)

	user, err := svc.UserFromRequest(req)
	require.NoError(t, err)
	assert.True(t, models.IsAdmin(user))

	req.Header.Set("X-API-Key", "bogus")
	_, err = svc.UserFromRequest(req)
	assert.ErrorIs(t, err, models.ErrInvalidAPIKey)
}
