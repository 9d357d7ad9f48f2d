// Package lims implements the authenticated client for the remote
// lab-information REST API: token lifecycle, pagination, and retry handling
// for rate limiting and transient authentication failures.
package lims

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/hyperengineering/labmirror/internal/types"
)

const (
	// MaxPageSize is the documented maximum page size of the remote API.
	// Caller-requested sizes are clamped to it.
	MaxPageSize = 50

	jwtBearerGrant       = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	tokenRefreshMargin   = 60 * time.Second
	defaultTokenLifetime = time.Hour
	defaultTimeout       = 30 * time.Second
	defaultMaxRetries    = 5
)

// Config holds the settings needed to reach the remote API.
type Config struct {
	BaseURL      string
	TokenURL     string // optional; derived from BaseURL when empty
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	MaxRetries   int
}

// Client performs authenticated requests against the remote LIMS.
// Token refresh mutates client state; the mutex documents single-owner use,
// it is not a concurrency guarantee for the crawl itself.
type Client struct {
	baseURL      string
	tokenURL     string
	clientID     string
	clientSecret string
	maxRetries   int
	httpClient   *http.Client
	now          func() time.Time

	mu             sync.Mutex
	authHeader     string
	tokenExpiresAt time.Time
}

// New creates a Client. ClientID and ClientSecret are required.
func New(cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("lims client_id and client_secret are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		maxRetries:   maxRetries,
		httpClient:   &http.Client{Timeout: timeout},
		now:          time.Now,
	}, nil
}

// ListPage retrieves one page of the list endpoint for the given kind.
func (c *Client) ListPage(ctx context.Context, kind types.EntityKind, opts ListOptions) (*Page, error) {
	query := url.Values{}
	pageNum := opts.PageNum
	if pageNum < 1 {
		pageNum = 1
	}
	query.Set("page_num", strconv.Itoa(pageNum))
	query.Set("page_size", strconv.Itoa(clampPageSize(opts.PageSize)))
	if opts.SortBy != "" {
		query.Set("sort_by", opts.SortBy)
	}
	if opts.SortOrder != "" {
		query.Set("sort_order", opts.SortOrder)
	}
	for key, values := range opts.Filters {
		for _, v := range values {
			query.Add(key, v)
		}
	}

	body, err := c.do(ctx, http.MethodGet, kindPath(kind), query)
	if err != nil {
		return nil, err
	}

	var envelope listEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode %s list page %d: %w", kind, pageNum, err)
	}
	return &Page{Items: envelope.Data, TotalPages: int(envelope.TotalPages)}, nil
}

// FetchOne retrieves a single entity by its remote ID.
// Returns ErrNotFound when the remote reports 404.
func (c *Client) FetchOne(ctx context.Context, kind types.EntityKind, id int64) (json.RawMessage, error) {
	query := url.Values{}
	if kind == types.KindBatches || kind == types.KindTests {
		query.Set("include_raw_worksheet_data", "true")
	}
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/%d", kindPath(kind), id), query)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func kindPath(kind types.EntityKind) string {
	return "/api/v1/" + kind.Singular()
}

func clampPageSize(size int) int {
	if size <= 0 || size > MaxPageSize {
		return MaxPageSize
	}
	return size
}

// do issues one request with the client's retry policy: bounded
// re-authentication on 401 and auth-flagged 400, bounded Retry-After/backoff
// sleeps on 429, and no retry for anything else.
func (c *Client) do(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	var reauthAttempts, rateLimitAttempts int

	operation := func() ([]byte, error) {
		if err := c.ensureToken(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.URL.RawQuery = query.Encode()
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", c.currentAuthHeader())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, backoff.Permanent(fmt.Errorf("read response: %w", readErr))
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return c.replayAfterReauth(ctx, method, path, resp.StatusCode, &reauthAttempts, 0)

		case resp.StatusCode == http.StatusBadRequest && authErrorReason(body) != "":
			slog.Warn("re-authenticating after auth-flagged 400",
				"method", method, "path", path, "reason", authErrorReason(body))
			// Pace 400-triggered re-auth by one second.
			return c.replayAfterReauth(ctx, method, path, resp.StatusCode, &reauthAttempts, 1)

		case resp.StatusCode == http.StatusTooManyRequests:
			rateLimitAttempts++
			if rateLimitAttempts > c.maxRetries {
				return nil, backoff.Permanent(fmt.Errorf("%w: %s %s after %d attempts",
					ErrRateLimited, method, path, rateLimitAttempts))
			}
			if seconds, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
				slog.Warn("rate limited; honoring Retry-After",
					"method", method, "path", path, "seconds", seconds,
					"attempt", rateLimitAttempts, "max", c.maxRetries)
				return nil, backoff.RetryAfter(seconds)
			}
			slog.Warn("rate limited; backing off",
				"method", method, "path", path, "attempt", rateLimitAttempts, "max", c.maxRetries)
			return nil, fmt.Errorf("rate limited: %s %s", method, path)

		case resp.StatusCode == http.StatusNotFound:
			return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, path))

		case resp.StatusCode >= 400:
			return nil, backoff.Permanent(&StatusError{
				Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(body),
			})
		}
		return body, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Second
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxInterval = 30 * time.Second

	// The per-condition counters above enforce the real bounds; the tries cap
	// keeps a pathological mixed sequence from looping.
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(4*c.maxRetries)))
}

// replayAfterReauth re-authenticates and signals the retry loop to replay
// the request, or gives up once the bounded attempts are spent.
func (c *Client) replayAfterReauth(ctx context.Context, method, path string, status int, attempts *int, pauseSeconds int) ([]byte, error) {
	if *attempts >= c.maxRetries {
		slog.Error("authentication retries exhausted",
			"method", method, "path", path, "status", status, "attempts", *attempts)
		return nil, backoff.Permanent(fmt.Errorf("%w: %s %s status %d", ErrAuthExhausted, method, path, status))
	}
	*attempts++
	if err := c.reauthenticate(ctx); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("re-authenticate: %w", err))
	}
	return nil, backoff.RetryAfter(pauseSeconds)
}

// authErrorReason reports the recognized auth error code carried in a 400
// body, or "" when the 400 is not authentication-related.
func authErrorReason(body []byte) string {
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.Error == "invalid_request" &&
		strings.Contains(payload.ErrorDescription, "Invalid Authorization header format") {
		return "invalid_request"
	}
	if payload.Error == "invalid_grant" {
		return "invalid_grant"
	}
	return ""
}

func parseRetryAfter(header string) (int, bool) {
	if header == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(header); err == nil && n >= 0 {
		return n, true
	}
	if f, err := strconv.ParseFloat(header, 64); err == nil && f >= 0 {
		return int(f + 0.5), true
	}
	return 0, false
}

func (c *Client) currentAuthHeader() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authHeader
}

// ensureToken authenticates lazily and proactively refreshes the token when
// its remaining lifetime falls below the safety margin.
func (c *Client) ensureToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authHeader != "" && c.now().Before(c.tokenExpiresAt.Add(-tokenRefreshMargin)) {
		return nil
	}
	if c.authHeader != "" {
		slog.Info("refreshing access token before expiry")
	}
	return c.authenticateLocked(ctx)
}

func (c *Client) reauthenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticateLocked(ctx)
}

// authenticateLocked exchanges a signed assertion for a bearer token.
// Callers must hold c.mu.
func (c *Client) authenticateLocked(ctx context.Context) error {
	endpoint := c.tokenEndpoint()
	assertion, err := buildAssertion(c.clientID, c.clientSecret, c.now())
	if err != nil {
		return fmt.Errorf("build assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {jwtBearerGrant},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return fmt.Errorf("read token response: %w", readErr)
	}
	if resp.StatusCode >= 400 {
		slog.Error("token request failed", "endpoint", endpoint, "status", resp.StatusCode)
		return &StatusError{Method: http.MethodPost, Path: endpoint, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		AccessToken string  `json:"access_token"`
		TokenType   string  `json:"token_type"`
		ExpiresIn   FlexInt `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return fmt.Errorf("token response did not include an access token")
	}
	tokenType := payload.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	lifetime := time.Duration(payload.ExpiresIn) * time.Second
	if lifetime <= 0 {
		slog.Debug("token response missing usable expires_in; using default lifetime",
			"default", defaultTokenLifetime)
		lifetime = defaultTokenLifetime
	}

	c.authHeader = tokenType + " " + payload.AccessToken
	c.tokenExpiresAt = c.now().Add(lifetime)
	return nil
}

// tokenEndpoint returns the configured token URL or derives it from the base
// URL with any trailing /api segment stripped.
func (c *Client) tokenEndpoint() string {
	if c.tokenURL != "" {
		return c.tokenURL
	}
	host := strings.TrimSuffix(c.baseURL, "/api")
	return host + "/oauth/token"
}

// buildAssertion signs a short-lived HS256 JWT identifying the client.
func buildAssertion(clientID, clientSecret string, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": clientID,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})
	return token.SignedString([]byte(clientSecret))
}
