package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const DefaultRequestTimeout = 5 * time.Minute

// HTTPOptions configure an HTTPClient.
type HTTPOptions struct {
	// BaseURL serves every resource without an entry in Resources.
	BaseURL   string
	Resources map[string]string
	// RateLimit is the number of requests per second across all resources. 0 disables limiting.
	RateLimit float64
	Burst     int
	Client    *http.Client
}

// HTTPClient posts messages to <base>/agents/<resource_key>/messages.
type HTTPClient struct {
	baseURL   string
	resources map[string]string
	client    *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(opts HTTPOptions, logger *slog.Logger) *HTTPClient {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultRequestTimeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}

		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &HTTPClient{
		baseURL:   strings.TrimSuffix(opts.BaseURL, "/"),
		resources: opts.Resources,
		client:    client,
		limiter:   limiter,
		logger:    logger.With("module", "agent_client"),
	}
}

type sendRequest struct {
	ResourceKey string `json:"resource_key"`
	Message     string `json:"message"`
}

func (c *HTTPClient) Send(ctx context.Context, resourceKey, message string) (*Response, error) {
	endpoint, err := c.endpoint(resourceKey)
	if err != nil {
		return nil, &ResourceUnavailableError{ResourceKey: resourceKey, Err: err}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(sendRequest{ResourceKey: resourceKey, Message: message})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create agent request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	started := time.Now()

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, &ResourceUnavailableError{ResourceKey: resourceKey, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.ErrorContext(ctx, "failed to close response body", "error", err)
		}
	}()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent response: %w", err)
	}

	c.logger.DebugContext(ctx, "agent responded",
		"resource_key", resourceKey,
		"status", resp.StatusCode,
		"duration", time.Since(started))

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode >= http.StatusInternalServerError:
		return nil, &ResourceUnavailableError{ResourceKey: resourceKey, StatusCode: resp.StatusCode}
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, &TaskError{ResourceKey: resourceKey, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}

	var response Response
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &response); err != nil {
			return nil, fmt.Errorf("failed to decode agent response: %w", err)
		}
	}

	if response.Metrics == nil {
		response.Metrics = make(map[string]any)
	}

	response.Metrics["duration_ms"] = time.Since(started).Milliseconds()

	return &response, nil
}

func (c *HTTPClient) endpoint(resourceKey string) (string, error) {
	base := c.baseURL
	if override, ok := c.resources[resourceKey]; ok {
		base = strings.TrimSuffix(override, "/")
	}

	if base == "" {
		return "", fmt.Errorf("no agent url configured for %q", resourceKey)
	}

	return base + "/agents/" + url.PathEscape(resourceKey) + "/messages", nil
}
