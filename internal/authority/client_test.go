// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package authority

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statusPayload = `{
	"isActivated": true,
	"isValid": true,
	"licenseType": "ANNUAL",
	"activatedAt": "2025-01-01T10:00:00",
	"expiresAt": "2025-12-31T23:59:59",
	"daysRemaining": 12,
	"message": "License valid. 12 days remaining.",
	"machineId": "SRV-42",
	"shouldShowWarning": true,
	"warningMessage": "Warning: Your license will expire in 12 day(s). Please renew your license before expiration."
}`

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL+"/api/license/", opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return c
}

func TestNewClient(t *testing.T) {
	c, err := NewClient("http://localhost:8080/api/license/")
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "http://localhost:8080/api/license", c.baseURL)
	assert.Equal(t, defaultTimeout, c.httpClient.Timeout)
	assert.Nil(t, c.tokens)
	assert.Equal(t, "closed", c.BreakerState())
}

func TestNewClient_InvalidBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
	}{
		{name: "empty", baseURL: ""},
		{name: "blank", baseURL: "   "},
		{name: "relative", baseURL: "/api/license"},
		{name: "no_host", baseURL: "http://"},
		{name: "wrong_scheme", baseURL: "ftp://pos.local/api/license"},
		{name: "unparseable", baseURL: "http://pos local:%zz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(tt.baseURL)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidBaseURL)
			assert.Nil(t, c)
		})
	}
}

func TestNewClient_TrimsWhitespace(t *testing.T) {
	c, err := NewClient("  https://pos.local/api/license/ ")
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "https://pos.local/api/license", c.baseURL)
}

func TestNewClient_Options(t *testing.T) {
	hc := &http.Client{}
	c, err := NewClient("http://localhost", WithHTTPClient(hc), WithTimeout(5*time.Second), WithTokenSource(StaticToken("abc")))
	require.NoError(t, err)
	defer c.Close()

	assert.Same(t, hc, c.httpClient)
	assert.Equal(t, 5*time.Second, c.httpClient.Timeout)
	assert.Equal(t, StaticToken("abc"), c.tokens)
}

func TestFetchStatus(t *testing.T) {
	var gotAuth, gotPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, statusPayload)
	}), WithTokenSource(StaticToken("secret-token")))

	status, err := c.FetchStatus(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/api/license/status", gotPath)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.True(t, status.IsValid)
	assert.Equal(t, 12, status.DaysRemaining)
	assert.Equal(t, "SRV-42", status.MachineID)
	require.NotNil(t, status.ExpiresAt)
	assert.Equal(t, 2025, status.ExpiresAt.Year())
	assert.True(t, status.WantsWarning())
}

func TestFetchStatus_NoTokenNoHeader(t *testing.T) {
	var hadAuth bool
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadAuth = r.Header["Authorization"]
		_, _ = io.WriteString(w, statusPayload)
	}), WithTokenSource(StaticToken("")))

	_, err := c.FetchStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, hadAuth)
}

func TestFetchStatus_Errors(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantCode  int
		wantMsg   string
		malformed bool
	}{
		{
			name: "server_error_json_message",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(w, `{"message":"database down"}`)
			},
			wantCode: http.StatusInternalServerError,
			wantMsg:  "database down",
		},
		{
			name: "unauthorized_plain_text",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "bad token", http.StatusUnauthorized)
			},
			wantCode: http.StatusUnauthorized,
			wantMsg:  "bad token",
		},
		{
			name: "malformed_json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, `{"isValid": "yes"`)
			},
			malformed: true,
		},
		{
			name: "malformed_timestamp",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, `{"isValid": true, "expiresAt": "soon"}`)
			},
			malformed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)

			status, err := c.FetchStatus(context.Background())
			require.Error(t, err)
			assert.Nil(t, status)

			if tt.malformed {
				assert.ErrorIs(t, err, ErrMalformedResponse)
				return
			}

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.wantCode, se.Code)
			assert.Equal(t, tt.wantMsg, se.Message)
		})
	}
}

func TestFetchStatus_ContextTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.FetchStatus(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestActivate(t *testing.T) {
	var gotKey, gotMethod, gotContentType string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")

		var body struct {
			LicenseKey string `json:"licenseKey"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotKey = body.LicenseKey

		_, _ = io.WriteString(w, `{"isActivated":true,"isValid":true,"licenseType":"LIFETIME","daysRemaining":36500,"message":"License valid.","machineId":"SRV-42"}`)
	}))

	status, err := c.Activate(context.Background(), "  ABCD-1234-EFGH-5678 ")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "ABCD-1234-EFGH-5678", gotKey)
	assert.True(t, status.IsActivated)
	assert.Equal(t, "LIFETIME", status.LicenseType)
}

func TestActivate_EmptyKey(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))

	_, err := c.Activate(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyLicenseKey)
	assert.Equal(t, int32(0), hits.Load())
}

func TestActivate_Rejected(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"Invalid license key"}`)
	}))

	_, err := c.Activate(context.Background(), "WRONG-KEY-0000")
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, "Invalid license key", se.Message)
	assert.NotContains(t, err.Error(), "WRONG-KEY-0000")
}

func TestMachineID_Cached(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/api/license/machine-id", r.URL.Path)
		_, _ = io.WriteString(w, "SRV-42\n")
	}))

	for i := 0; i < 3; i++ {
		id, err := c.MachineID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "SRV-42", id)
	}

	assert.Equal(t, int32(1), hits.Load())
}

func TestMachineID_Empty(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	_, err := c.MachineID(context.Background())
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestBreaker_OpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}), WithBreaker(gobreaker.Settings{
		Timeout: time.Hour,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	}))

	for i := 0; i < 2; i++ {
		_, err := c.FetchStatus(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, "open", c.BreakerState())

	_, err := c.FetchStatus(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), hits.Load())
}

func TestBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}), WithBreaker(gobreaker.Settings{
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	}))

	for i := 0; i < 3; i++ {
		_, err := c.FetchStatus(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, "closed", c.BreakerState())
}

func TestMaskLicenseKey(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		expected string
	}{
		{name: "short key returns stars", key: "123", expected: "***"},
		{name: "8 char key returns stars", key: "12345678", expected: "***"},
		{name: "long key returns first 8 plus stars", key: "123456789012345", expected: "12345678***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, maskLicenseKey(tt.key))
		})
	}
}
