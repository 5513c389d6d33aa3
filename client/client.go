package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/InsulaLabs/ephemera/db/models"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultRetryAfter = time.Second
)

type Config struct {
	// Endpoint is the host:port of the ephemerad instance.
	Endpoint     string
	ClientDomain string
	ApiKey       string
	SkipVerify   bool
	// PlainHTTP talks http:// instead of https://. Only meant for loopback
	// instances started without TLS.
	PlainHTTP bool
	Timeout   time.Duration
	Logger    *slog.Logger
}

// StoreOptions overrides the server's default fragmentation parameters.
// Zero values select the server defaults.
type StoreOptions struct {
	Count          int
	OverlapPercent *float64
	TTL            time.Duration
	Quorum         int
}

// Client is the API client for the ephemera service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
	skipVerify bool
	logger     *slog.Logger
}

// NewClient creates a new ephemera API client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if cfg.ApiKey == "" {
		return nil, fmt.Errorf("apiKey cannot be empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clientLogger := logger.WithGroup("ephemera_client")

	connectHost, connectPort, err := net.SplitHostPort(cfg.Endpoint)
	if err != nil {
		clientLogger.Error("Failed to parse endpoint", "endpoint", cfg.Endpoint, "error", err)
		return nil, fmt.Errorf("failed to parse endpoint '%s': %w", cfg.Endpoint, err)
	}
	if cfg.ClientDomain != "" {
		connectHost = cfg.ClientDomain
		clientLogger.Debug("Using ClientDomain for connection URL host", "domain", cfg.ClientDomain)
	}

	scheme := "https"
	if cfg.PlainHTTP {
		scheme = "http"
		clientLogger.Warn("Client configured for plain HTTP, payloads travel unencrypted")
	}
	baseURLStr := fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(connectHost, connectPort))
	baseURL, err := url.Parse(baseURLStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL '%s': %w", baseURLStr, err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.SkipVerify},
		},
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	clientLogger.Debug("Ephemera client initialized", "base_url", baseURL.String(), "tls_skip_verify", cfg.SkipVerify)

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		apiKey:     cfg.ApiKey,
		skipVerify: cfg.SkipVerify,
		logger:     clientLogger,
	}, nil
}

// goneResponse is the 410 body, which carries the reconstruction report.
type goneResponse struct {
	models.ErrorResponse
	Report models.RetrieveReport `json:"report"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any, target any) error {
	reqURL := c.baseURL.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		reqURL.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request %s %s: %w", method, reqURL.String(), err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("Sending request", "method", method, "url", reqURL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "method", method, "url", reqURL.String(), "error", err)
		return fmt.Errorf("http request %s %s failed: %w", method, reqURL.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("Received non-2xx status code", "method", method, "url", reqURL.String(), "status_code", resp.StatusCode)
		return c.responseError(resp)
	}

	if target != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response body for %s %s (status %d): %w", method, reqURL.String(), resp.StatusCode, err)
		}
	}
	return nil
}

func (c *Client) responseError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(resp.Body)

	var errorResp goneResponse
	if err := json.Unmarshal(bodyBytes, &errorResp); err != nil {
		errorResp.Message = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		rl := &ErrRateLimited{
			Message:    errorResp.Message,
			RetryAfter: defaultRetryAfter,
		}
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
			rl.RetryAfter = time.Duration(seconds) * time.Second
		}
		if limit, err := strconv.ParseFloat(resp.Header.Get("X-RateLimit-Limit"), 64); err == nil {
			rl.Limit = int(limit)
		}
		if burst, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Burst")); err == nil {
			rl.Burst = burst
		}
		return rl
	case http.StatusGone:
		return &ErrGone{Message: errorResp.Message, Report: errorResp.Report}
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, errorResp.Message)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, errorResp.Message)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, errorResp.Message)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, errorResp.Message)
	case http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", ErrPayloadTooLarge, errorResp.Message)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, errorResp.Message)
	}
	return &ErrServer{
		StatusCode: resp.StatusCode,
		ErrorType:  errorResp.ErrorType,
		Message:    errorResp.Message,
	}
}

// --- Payload Operations ---

// Store fragments data on the server and returns its manifest.
func (c *Client) Store(ctx context.Context, data []byte, opts StoreOptions) (*models.Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("data cannot be empty")
	}
	req := models.StoreRequest{
		Data:           data,
		Count:          opts.Count,
		OverlapPercent: opts.OverlapPercent,
		Quorum:         opts.Quorum,
	}
	if opts.TTL > 0 {
		req.TTL = opts.TTL.String()
	}
	return withRetries(ctx, c.logger, func() (*models.Manifest, error) {
		var manifest models.Manifest
		if err := c.doRequest(ctx, http.MethodPost, "/v1/payloads", nil, req, &manifest); err != nil {
			return nil, err
		}
		return &manifest, nil
	})
}

// Retrieve reconstructs a payload. When the payload can no longer be
// rebuilt the error is an *ErrGone carrying the report.
func (c *Client) Retrieve(ctx context.Context, payloadID string) ([]byte, *models.RetrieveReport, error) {
	if payloadID == "" {
		return nil, nil, fmt.Errorf("payloadID cannot be empty")
	}
	resp, err := withRetries(ctx, c.logger, func() (*models.RetrieveResponse, error) {
		var resp models.RetrieveResponse
		if err := c.doRequest(ctx, http.MethodGet, "/v1/payloads/"+url.PathEscape(payloadID), nil, nil, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return resp.Data, &resp.Report, nil
}

func (c *Client) Manifest(ctx context.Context, payloadID string) (*models.Manifest, error) {
	if payloadID == "" {
		return nil, fmt.Errorf("payloadID cannot be empty")
	}
	return withRetries(ctx, c.logger, func() (*models.Manifest, error) {
		var manifest models.Manifest
		if err := c.doRequest(ctx, http.MethodGet, "/v1/payloads/"+url.PathEscape(payloadID)+"/manifest", nil, nil, &manifest); err != nil {
			return nil, err
		}
		return &manifest, nil
	})
}

// List pages through stored manifests. Expired payloads stay listed until
// their manifest retention lapses; compare ExpiresAt to tell them apart.
// A limit of zero uses the server default.
func (c *Client) List(ctx context.Context, offset, limit int) ([]models.ManifestSummary, error) {
	query := url.Values{}
	query.Set("offset", strconv.Itoa(offset))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	return withRetries(ctx, c.logger, func() ([]models.ManifestSummary, error) {
		var resp models.ListResponse
		if err := c.doRequest(ctx, http.MethodGet, "/v1/payloads", query, nil, &resp); err != nil {
			return nil, err
		}
		return resp.Payloads, nil
	})
}

// Destroy discards every fragment key of a payload ahead of its TTL.
func (c *Client) Destroy(ctx context.Context, payloadID string) error {
	if payloadID == "" {
		return fmt.Errorf("payloadID cannot be empty")
	}
	return withRetriesVoid(ctx, c.logger, func() error {
		return c.doRequest(ctx, http.MethodDelete, "/v1/payloads/"+url.PathEscape(payloadID), nil, nil, nil)
	})
}

// --- System Operations ---

func (c *Client) Stats(ctx context.Context) (*models.Stats, error) {
	return withRetries(ctx, c.logger, func() (*models.Stats, error) {
		var stats models.Stats
		if err := c.doRequest(ctx, http.MethodGet, "/v1/stats", nil, nil, &stats); err != nil {
			return nil, err
		}
		return &stats, nil
	})
}

func (c *Client) Ping(ctx context.Context) (*models.PingResponse, error) {
	return withRetries(ctx, c.logger, func() (*models.PingResponse, error) {
		var resp models.PingResponse
		if err := c.doRequest(ctx, http.MethodGet, "/v1/ping", nil, nil, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
}
