// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var ErrAPIKeyNotFound = errors.New("api key not found")
var ErrInvalidAPIKey = errors.New("invalid api key")

// APIKey lets a terminal or script read license state without a browser session.
// It acts with the role of the user that owns it.
type APIKey struct {
	ID         int        `json:"id"`
	UserID     int        `json:"userId"`
	KeyHash    string     `json:"-"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

type APIKeyStore struct {
	db *sql.DB
}

func NewAPIKeyStore(db *sql.DB) *APIKeyStore {
	return &APIKeyStore{db: db}
}

// GenerateAPIKey returns 32 random bytes, hex encoded.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashAPIKey returns the sha256 of key; only hashes are stored.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

const apiKeyColumns = `id, user_id, key_hash, name, created_at, last_used_at`

func scanAPIKey(row rowScanner) (*APIKey, error) {
	k := &APIKey{}
	var lastUsed sql.NullTime
	if err := row.Scan(&k.ID, &k.UserID, &k.KeyHash, &k.Name, &k.CreatedAt, &lastUsed); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		k.LastUsedAt = &t
	}
	return k, nil
}

// Create stores a new key for userID and returns the raw key, which is not
// recoverable afterwards.
func (s *APIKeyStore) Create(ctx context.Context, userID int, name string) (string, *APIKey, error) {
	rawKey, err := GenerateAPIKey()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate API key: %w", err)
	}

	query := `
		INSERT INTO api_keys (user_id, key_hash, name)
		VALUES (?, ?, ?)
		RETURNING ` + apiKeyColumns

	apiKey, err := scanAPIKey(s.db.QueryRowContext(ctx, query, userID, HashAPIKey(rawKey), name))
	if err != nil {
		return "", nil, err
	}

	return rawKey, apiKey, nil
}

func (s *APIKeyStore) List(ctx context.Context, userID int) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id = ? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}

	return keys, rows.Err()
}

// Delete removes a key owned by userID.
func (s *APIKeyStore) Delete(ctx context.Context, userID, id int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAPIKeyNotFound
	}

	return nil
}

// Validate resolves a raw key to its record and stamps last_used_at.
func (s *APIKeyStore) Validate(ctx context.Context, rawKey string) (*APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key_hash = ?`

	apiKey, err := scanAPIKey(s.db.QueryRowContext(ctx, query, HashAPIKey(rawKey)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = CURRENT_TIMESTAMP WHERE id = ?`, apiKey.ID); err != nil {
		return nil, fmt.Errorf("failed to update api key usage: %w", err)
	}

	return apiKey, nil
}
