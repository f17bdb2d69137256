package source

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

// backoff retries bridge requests that failed for transient reasons: network
// errors, 5xx and 429. A Retry-After header in seconds overrides the computed
// wait, capped at max.
type backoff struct {
	attempts int           // total tries including the first
	base     time.Duration // wait before retry n is n*n*base plus up to half as jitter
	max      time.Duration
	logger   *slog.Logger
}

func newBackoff(base time.Duration, logger *slog.Logger) backoff {
	return backoff{attempts: 4, base: base, max: 30 * base, logger: logger}
}

// statusError is a response that was still transient after the last attempt.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.body)
}

func transientStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// do sends the request built by newReq until it gets a non-transient
// response, the attempts run out, or ctx ends. The caller closes the body.
func (b backoff) do(ctx context.Context, client *http.Client, newReq func() (*http.Request, error)) (*http.Response, error) {
	var (
		lastErr error
		wait    time.Duration
	)
	for attempt := 1; attempt <= b.attempts; attempt++ {
		if attempt > 1 {
			b.logger.Warn("retrying bridge request", "attempt", attempt, "wait", wait, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := newReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			wait = b.delay(attempt, "")
			continue
		}
		if !transientStatus(resp.StatusCode) {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		lastErr = &statusError{status: resp.StatusCode, body: string(body)}
		wait = b.delay(attempt, resp.Header.Get("Retry-After"))
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", b.attempts, lastErr)
}

// delay is the wait before the attempt after the given one.
func (b backoff) delay(attempt int, retryAfter string) time.Duration {
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
		return min(time.Duration(secs)*time.Second, b.max)
	}
	d := time.Duration(attempt*attempt) * b.base
	d += time.Duration(rand.Int64N(int64(d/2) + 1))
	return min(d, b.max)
}
