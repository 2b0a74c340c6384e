package providers

import (
	"math"
	"math/rand"
	"strconv"
	"time"
)

// InvokeError is returned when all attempts against a provider endpoint are
// exhausted
type InvokeError struct {
	URL        string
	Attempts   int
	LastStatus int
	LastError  error
}

func (e *InvokeError) Error() string {
	msg := "provider call to " + e.URL + " failed after " + strconv.Itoa(e.Attempts) + " attempts"
	if e.LastStatus != 0 {
		msg += " (HTTP " + strconv.Itoa(e.LastStatus) + ")"
	}
	if e.LastError != nil {
		msg += ": " + e.LastError.Error()
	}
	return msg
}

func (e *InvokeError) Unwrap() error {
	return e.LastError
}

// isRetryableStatus reports whether an HTTP status is worth another attempt.
// Retryable: 429, 500-599
func isRetryableStatus(status int) bool {
	return status == 429 || (status >= 500 && status < 600)
}

// calculateBackoff returns the exponential backoff delay for an attempt,
// with 0-25% jitter to avoid thundering herds against a recovering provider
func calculateBackoff(attempt int, config Config) time.Duration {
	exponentialDelay := float64(config.InitialBackoff) * math.Pow(2.0, float64(attempt))
	cappedDelay := math.Min(exponentialDelay, float64(config.MaxBackoff))
	jitter := rand.Float64() * 0.25 * cappedDelay
	return time.Duration(cappedDelay + jitter)
}

// calculateRateLimitBackoff returns the delay after an HTTP 429. A server
// provided Retry-After wins; otherwise back off more steeply than for plain
// server errors.
func calculateRateLimitBackoff(attempt int, config Config, retryAfterHeader string) time.Duration {
	if retryAfterHeader != "" {
		if seconds, err := strconv.Atoi(retryAfterHeader); err == nil && seconds > 0 {
			jitter := time.Duration(rand.Float64() * float64(time.Second))
			return time.Duration(seconds)*time.Second + jitter
		}
	}

	exponentialDelay := float64(config.InitialBackoff) * math.Pow(3.0, float64(attempt))
	cappedDelay := math.Min(exponentialDelay, float64(config.MaxBackoff))
	jitter := rand.Float64() * 0.25 * cappedDelay
	return time.Duration(cappedDelay + jitter)
}
