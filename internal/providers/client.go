package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiting and retry settings for provider calls
type Config struct {
	RequestsPerSecond int
	Burst             int
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	RequestTimeout    time.Duration
}

// DefaultConfig returns the default provider call configuration
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 2,
		Burst:             4,
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		RequestTimeout:    120 * time.Second,
	}
}

// Client calls external tool provider endpoints with rate limiting and
// retry on transient failures. One client is shared per provider so the
// limiter covers every worker goroutine hitting that provider.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	config     Config
	authToken  string
}

// NewClient creates a provider client. authToken, when set, is sent as a
// bearer token on every request.
func NewClient(config Config, authToken string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: config.RequestTimeout,
		},
		limiter:   rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		config:    config,
		authToken: authToken,
	}
}

// NewClientDefault creates a provider client with default settings
func NewClientDefault() *Client {
	return NewClient(DefaultConfig(), "")
}

// Invoke POSTs a JSON payload to a provider endpoint and returns the
// response body. Transient failures (network errors, 429, 5xx) are retried
// with backoff until the attempt budget runs out; the per-job context bounds
// the whole exchange including backoff sleeps.
func (c *Client) Invoke(ctx context.Context, url string, payload json.RawMessage) (json.RawMessage, error) {
	var lastStatus int
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to build provider request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.authToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if attempt < c.config.MaxRetries {
				if err := sleep(ctx, calculateBackoff(attempt, c.config)); err != nil {
					return nil, err
				}
				continue
			}
			break
		}

		lastStatus = resp.StatusCode

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to read provider response: %w", err)
			}
			return body, nil
		}

		retryAfter := resp.Header.Get("Retry-After")
		resp.Body.Close()

		if !isRetryableStatus(resp.StatusCode) || attempt == c.config.MaxRetries {
			break
		}

		var backoff time.Duration
		if resp.StatusCode == http.StatusTooManyRequests {
			backoff = calculateRateLimitBackoff(attempt, c.config, retryAfter)
		} else {
			backoff = calculateBackoff(attempt, c.config)
		}
		if err := sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}

	return nil, &InvokeError{
		URL:        url,
		Attempts:   attempts,
		LastStatus: lastStatus,
		LastError:  lastErr,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
