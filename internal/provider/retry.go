package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

const (
	maxRetries         = 3
	maxBackoff         = 30 * time.Second
	defaultHTTPTimeout = 120 * time.Second
)

// retryBaseDelay is the first-retry delay; tests shrink it.
var retryBaseDelay = time.Second

// transientError is a response worth retrying: a 5xx or a rate limit.
type transientError struct {
	statusCode int
	body       string
}

func (e *transientError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// sendWithRetry executes an HTTP request, retrying transient failures
// (network errors, 5xx, 429) with capped exponential backoff and jitter.
// A 429 carrying a Retry-After header is honored over the computed delay.
func sendWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error
	var retryAfter time.Duration

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			if retryAfter > delay {
				delay = retryAfter
			}
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		retryAfter = 0

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxRetries {
				logger.Warn("request failed, will retry", "error", err)
				continue
			}
			return nil, fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			if resp.StatusCode == http.StatusTooManyRequests {
				if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
					retryAfter = time.Duration(secs) * time.Second
				}
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = &transientError{statusCode: resp.StatusCode, body: string(body)}
			if attempt < maxRetries {
				logger.Warn("server error, will retry",
					"status", resp.StatusCode, "body", string(body))
				continue
			}
			return nil, fmt.Errorf("server error after %d retries: %w", maxRetries, lastErr)
		}

		return resp, nil
	}

	return nil, lastErr
}

// backoffDelay grows exponentially per attempt, with jitter so concurrent
// callers spread out, capped at maxBackoff.
func backoffDelay(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt-1)) * retryBaseDelay
	if base > maxBackoff {
		base = maxBackoff
	}
	return base + time.Duration(rand.Int64N(int64(base/2+1)))
}
