// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/sessions"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/licguard/internal/models"
)

const (
	SessionName    = "licguard_session"
	sessionMaxAge  = 86400 * 7
	minPasswordLen = 8
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotSetup           = errors.New("setup not completed")
	ErrAlreadySetup       = errors.New("setup already completed")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", minPasswordLen)
	ErrNotAuthenticated   = errors.New("not authenticated")
)

type Service struct {
	users *models.UserStore
	keys  *models.APIKeyStore
	store *sessions.CookieStore
}

// NewService wires the user stores and a cookie store signed with sessionSecret.
// A non-empty encryptionKey (16, 24 or 32 bytes) also encrypts the cookie.
func NewService(db *sql.DB, sessionSecret string, encryptionKey []byte) *Service {
	store := sessions.NewCookieStore([]byte(sessionSecret), encryptionKey)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	return &Service{
		users: models.NewUserStore(db),
		keys:  models.NewAPIKeyStore(db),
		store: store,
	}
}

func (s *Service) GetSessionStore() *sessions.CookieStore {
	return s.store
}

func (s *Service) Users() *models.UserStore {
	return s.users
}

func (s *Service) APIKeys() *models.APIKeyStore {
	return s.keys
}

func (s *Service) IsSetupComplete(ctx context.Context) (bool, error) {
	return s.users.Exists(ctx)
}

// SetupUser creates the first account, which is always an admin.
func (s *Service) SetupUser(ctx context.Context, username, password string) (*models.User, error) {
	complete, err := s.IsSetupComplete(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check setup status: %w", err)
	}
	if complete {
		return nil, ErrAlreadySetup
	}

	return s.CreateUser(ctx, username, password, models.AdminRoleName)
}

func (s *Service) CreateUser(ctx context.Context, username, password, role string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("username is required")
	}
	if len(password) < minPasswordLen {
		return nil, ErrWeakPassword
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.users.Create(ctx, username, hash, role)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("username", user.Username).
		Bool("admin", models.IsAdmin(user)).
		Msg("User created")

	return user, nil
}

// Login verifies credentials and transparently upgrades old password hashes.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	complete, err := s.IsSetupComplete(ctx)
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, ErrNotSetup
	}

	user, err := s.users.GetByUsername(ctx, username)
	if errors.Is(err, models.ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	if NeedsRehash(user.PasswordHash) {
		if hash, err := HashPassword(password); err == nil {
			if err := s.users.UpdatePassword(ctx, user.Username, hash); err != nil {
				log.Warn().Err(err).Str("username", user.Username).Msg("Failed to upgrade password hash")
			}
		}
	}

	return user, nil
}

// ChangePassword sets a new password for username. An empty oldPassword skips the
// verification, which only the CLI does.
func (s *Service) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	if len(newPassword) < minPasswordLen {
		return ErrWeakPassword
	}

	if oldPassword != "" {
		if _, err := s.Login(ctx, username, oldPassword); err != nil {
			return err
		}
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	return s.users.UpdatePassword(ctx, username, hash)
}

// StartSession writes the session cookie for user.
func (s *Service) StartSession(w http.ResponseWriter, r *http.Request, user *models.User) error {
	session, _ := s.store.Get(r, SessionName)
	session.Values["authenticated"] = true
	session.Values["user_id"] = user.ID
	session.Values["username"] = user.Username

	opts := *s.store.Options
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		opts.Secure = true
		opts.SameSite = http.SameSiteStrictMode
	}
	session.Options = &opts

	return session.Save(r, w)
}

// EndSession expires the session cookie.
func (s *Service) EndSession(w http.ResponseWriter, r *http.Request) error {
	session, _ := s.store.Get(r, SessionName)
	session.Values["authenticated"] = false
	delete(session.Values, "user_id")
	delete(session.Values, "username")

	opts := *s.store.Options
	opts.MaxAge = -1
	session.Options = &opts

	return session.Save(r, w)
}

// UserFromRequest resolves the caller from the X-API-Key header or the session
// cookie.
func (s *Service) UserFromRequest(r *http.Request) (*models.User, error) {
	ctx := r.Context()

	if raw := r.Header.Get("X-API-Key"); raw != "" {
		key, err := s.keys.Validate(ctx, raw)
		if err != nil {
			return nil, err
		}
		return s.users.Get(ctx, key.UserID)
	}

	session, _ := s.store.Get(r, SessionName)
	if ok, _ := session.Values["authenticated"].(bool); !ok {
		return nil, ErrNotAuthenticated
	}

	userID, ok := session.Values["user_id"].(int)
	if !ok {
		return nil, ErrNotAuthenticated
	}

	user, err := s.users.Get(ctx, userID)
	if errors.Is(err, models.ErrUserNotFound) {
		return nil, ErrNotAuthenticated
	}
	return user, err
}
