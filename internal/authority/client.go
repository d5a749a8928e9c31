// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/autobrr/licguard/internal/license"
)

const (
	defaultTimeout  = 30 * time.Second
	machineIDTTL    = 10 * time.Minute
	machineIDKey    = "machine-id"
	maxErrorBody    = 4 << 10
	breakerName     = "license-authority"
	userAgentHeader = "licguard"
)

var (
	ErrMalformedResponse = errors.New("malformed response from license authority")
	ErrEmptyLicenseKey   = errors.New("license key is required")
	ErrInvalidBaseURL    = errors.New("license authority url must be an absolute http(s) url")
)

// StatusError is returned for any non-2xx answer from the authority.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("license authority returned %d", e.Code)
	}
	return fmt.Sprintf("license authority returned %d: %s", e.Code, e.Message)
}

// TokenSource supplies the bearer token for authority requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token, usually read from config.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// Client talks to the License Authority over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	breaker    *gobreaker.CircuitBreaker
	cache      *ristretto.Cache
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// WithTimeout sets the timeout of the default http client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithBreaker replaces the default circuit breaker settings.
func WithBreaker(settings gobreaker.Settings) Option {
	return func(c *Client) {
		if settings.Name == "" {
			settings.Name = breakerName
		}
		if settings.IsSuccessful == nil {
			settings.IsSuccessful = isSuccessful
		}
		c.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

// NewClient creates a client for the authority rooted at baseURL, for example
// http://pos.local:8080/api/license.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.Wrap(ErrInvalidBaseURL, "empty url")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidBaseURL, "parse %q: %v", baseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Wrapf(ErrInvalidBaseURL, "%q", baseURL)
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e3,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		cache:      cache,
	}

	c.breaker = gobreaker.NewCircuitBreaker(defaultBreakerSettings())

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func defaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("License authority circuit breaker changed state")
		},
		IsSuccessful: isSuccessful,
	}
}

// isSuccessful keeps caller cancellations and 4xx answers from tripping the breaker.
func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code < http.StatusInternalServerError
	}
	return false
}

// Close releases the machine id cache.
func (c *Client) Close() {
	c.cache.Close()
}

// BreakerState reports the circuit breaker state, e.g. "closed" or "open".
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// FetchStatus returns the current license status.
func (c *Client) FetchStatus(ctx context.Context) (*license.Status, error) {
	var status license.Status
	if err := c.doJSON(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, errors.Wrap(err, "fetch license status")
	}

	return &status, nil
}

// Activate submits a license key and returns the status the authority reports
// afterwards.
func (c *Client) Activate(ctx context.Context, licenseKey string) (*license.Status, error) {
	licenseKey = strings.TrimSpace(licenseKey)
	if licenseKey == "" {
		return nil, ErrEmptyLicenseKey
	}

	log.Debug().
		Str("licenseKey", maskLicenseKey(licenseKey)).
		Msg("Activating license key with authority")

	body := struct {
		LicenseKey string `json:"licenseKey"`
	}{LicenseKey: licenseKey}

	var status license.Status
	if err := c.doJSON(ctx, http.MethodPost, "/activate", body, &status); err != nil {
		log.Error().
			Err(err).
			Str("licenseKey", maskLicenseKey(licenseKey)).
			Msg("Failed to activate license key")
		return nil, errors.Wrapf(err, "activate license %s", maskLicenseKey(licenseKey))
	}

	log.Info().
		Str("licenseKey", maskLicenseKey(licenseKey)).
		Bool("isValid", status.IsValid).
		Str("licenseType", status.LicenseType).
		Msg("License key activated")

	return &status, nil
}

// MachineID returns the identifier of the licensed machine. Answers are cached.
func (c *Client) MachineID(ctx context.Context) (string, error) {
	if cached, found := c.cache.Get(machineIDKey); found {
		if id, ok := cached.(string); ok {
			return id, nil
		}
	}

	raw, err := c.do(ctx, http.MethodGet, "/machine-id", nil, "text/plain")
	if err != nil {
		return "", errors.Wrap(err, "fetch machine id")
	}

	id := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if id == "" {
		return "", errors.Wrap(ErrMalformedResponse, "empty machine id")
	}

	c.cache.SetWithTTL(machineIDKey, id, 1, machineIDTTL)
	c.cache.Wait()

	return id, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var payload io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		payload = bytes.NewReader(buf)
	}

	raw, err := c.do(ctx, method, path, payload, "application/json")
	if err != nil {
		return err
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(ErrMalformedResponse, "decode %s: %v", path, err)
	}

	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, accept string) ([]byte, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, method, path, body, accept)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.Wrap(err, "license authority unavailable")
		}
		return nil, err
	}

	return res.([]byte), nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body io.Reader, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}

	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgentHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "get authority token")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newStatusError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}

	return raw, nil
}

func newStatusError(resp *http.Response) *StatusError {
	se := &StatusError{Code: resp.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return se
	}

	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		switch {
		case payload.Message != "":
			se.Message = payload.Message
		case payload.Error != "":
			se.Message = payload.Error
		}
		return se
	}

	se.Message = strings.TrimSpace(string(raw))
	return se
}

// maskLicenseKey masks a license key for logging (shows first 8 chars + ***)
func maskLicenseKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "***"
}
