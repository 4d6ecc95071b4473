// Package remote holds the retry policy shared by the OpenAI-backed
// embedder and generator.
package remote

import (
	"context"
	"errors"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultMaxRetries = 3
	DefaultBackoff    = 500 * time.Millisecond
)

// Policy is a Fibonacci backoff capped at MaxRetries extra attempts.
// The zero value uses the defaults; a negative MaxRetries disables retries.
type Policy struct {
	MaxRetries int
	Backoff    time.Duration
}

// Do runs call until it succeeds, fails permanently or the retries run out.
func (p Policy) Do(ctx context.Context, call func(ctx context.Context) error) error {
	maxRetries, base := p.MaxRetries, p.Backoff
	switch {
	case maxRetries < 0:
		return call(ctx)
	case maxRetries == 0:
		maxRetries = DefaultMaxRetries
	}
	if base <= 0 {
		base = DefaultBackoff
	}
	b := retry.WithMaxRetries(uint64(maxRetries), retry.NewFibonacci(base))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := call(ctx)
		if Retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Retryable reports whether err is a transient API failure: rate limiting,
// a server-side error or a per-call timeout. Cancellation of the caller's
// context is permanent.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return transientStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return transientStatus(reqErr.HTTPStatusCode)
	}
	return false
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
