// Package api is the REST client for the recipe backend collaborators: the
// bootstrap reads and the user actions that precede realtime fan-out.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout    = 15 * time.Second
	maxErrorBodyBytes = 4 << 10
)

var (
	noOpLogger = zap.NewNop()

	errMissingBaseURL = errors.New("base url required")
	errInvalidBaseURL = errors.New("base url must be absolute http(s)")
	errInvalidID      = errors.New("identifier must be positive")
	errEmptyContent   = errors.New("comment content required")
)

// ServiceError is a coded client-side failure. Codes read "<operation>.<reason>".
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Error is a non-2xx response from the backend.
type Error struct {
	StatusCode int
	Code       string
	Method     string
	Path       string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api: %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("api: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Code)
}

// IsStatus reports whether err is an *Error with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// Config describes a Client.
type Config struct {
	BaseURL    string
	Token      string
	Header     http.Header
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client calls the backend REST API with the session's bearer token.
type Client struct {
	baseURL    *url.URL
	header     http.Header
	httpClient *http.Client
	logger     *zap.Logger

	tokenMu sync.RWMutex
	token   string
}

const opClientNew = "api.client.new"

// NewClient validates cfg and constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	rawURL := strings.TrimSpace(cfg.BaseURL)
	if rawURL == "" {
		return nil, newServiceError(opClientNew, "missing_base_url", errMissingBaseURL)
	}
	baseURL, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, newServiceError(opClientNew, "invalid_base_url", err)
	}
	if (baseURL.Scheme != "http" && baseURL.Scheme != "https") || baseURL.Host == "" {
		return nil, newServiceError(opClientNew, "invalid_base_url", errInvalidBaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Client{
		baseURL:    baseURL,
		header:     cfg.Header.Clone(),
		httpClient: httpClient,
		logger:     logger,
		token:      strings.TrimSpace(cfg.Token),
	}, nil
}

// SetToken replaces the bearer token used by subsequent requests.
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	c.token = strings.TrimSpace(token)
	c.tokenMu.Unlock()
}

func (c *Client) bearer() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// do sends a JSON request and decodes a JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, operation, method, path string, query url.Values, body any, out any) error {
	target := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return newServiceError(operation, "encode_failed", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return newServiceError(operation, "request_failed", err)
	}
	for key, values := range c.header {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token := c.bearer(); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("api request failed",
			zap.String("operation", operation),
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return newServiceError(operation, "transport_failed", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		apiErr := &Error{StatusCode: response.StatusCode, Method: method, Path: path}
		var payload struct {
			Error string `json:"error"`
		}
		if data, readErr := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes)); readErr == nil {
			if json.Unmarshal(data, &payload) == nil {
				apiErr.Code = payload.Error
			}
		}
		c.logger.Warn("api request rejected",
			zap.String("operation", operation),
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode),
			zap.String("error_code", apiErr.Code))
		return newServiceError(operation, "status", apiErr)
	}

	if out == nil || response.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return newServiceError(operation, "decode_failed", err)
	}
	return nil
}
