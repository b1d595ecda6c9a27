// Package provider defines the embedding-provider capability C4
// dispatches text to, plus a retrying wrapper and two concrete
// implementations: an HTTP client and a deterministic in-memory fake
// for tests.
//
// Reference: spec.md §4.4.1 Embedding provider
package provider

import (
	"context"
	"math"
	"time"

	"crucible/pkg/errkind"
)

// EmbeddingResponse is one embedding result.
type EmbeddingResponse struct {
	Vector     []float32
	Dimensions int
	Model      string
}

// Provider is the embedding capability. Implementations include
// in-process model runners (out of scope for Crucible; see SPEC_FULL.md)
// and HTTP/RPC clients.
type Provider interface {
	Embed(ctx context.Context, text string) (EmbeddingResponse, error)
	EmbedBatch(ctx context.Context, texts []string) ([]EmbeddingResponse, error)
	Dimensions() int
}

// RetryConfig controls RetryWrapper's exponential backoff.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig returns reasonable defaults: 3 attempts, 100ms
// base delay doubling up to a 5s ceiling.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// RetryOutcome reports how a retried call concluded.
type RetryOutcome struct {
	AttemptCount int
	Succeeded    bool
	FinalError   error
}

// Sleeper abstracts time.Sleep so tests can run a retry loop without
// real delay; production wiring passes RealSleeper.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RealSleeper sleeps for real, but honors ctx cancellation.
type RealSleeper struct{}

// Sleep blocks for d or until ctx is done, whichever comes first.
func (RealSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryWrapper wraps a Provider with exponential backoff retry.
type RetryWrapper struct {
	inner   Provider
	cfg     RetryConfig
	sleeper Sleeper
}

// NewRetryWrapper wraps inner with cfg's backoff policy, sleeping via
// sleeper (pass RealSleeper{} in production).
func NewRetryWrapper(inner Provider, cfg RetryConfig, sleeper Sleeper) *RetryWrapper {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}
	if sleeper == nil {
		sleeper = RealSleeper{}
	}
	return &RetryWrapper{inner: inner, cfg: cfg, sleeper: sleeper}
}

func (r *RetryWrapper) delayForAttempt(attempt int) time.Duration {
	d := time.Duration(float64(r.cfg.BaseDelay) * math.Pow(2, float64(attempt)))
	if d > r.cfg.MaxDelay {
		d = r.cfg.MaxDelay
	}
	return d
}

// EmbedWithRetry calls the wrapped provider's Embed, retrying on error
// up to cfg.MaxAttempts times with exponential backoff.
func (r *RetryWrapper) EmbedWithRetry(ctx context.Context, text string) (EmbeddingResponse, RetryOutcome) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		resp, err := r.inner.Embed(ctx, text)
		if err == nil {
			return resp, RetryOutcome{AttemptCount: attempt + 1, Succeeded: true}
		}
		lastErr = err
		if attempt < r.cfg.MaxAttempts-1 {
			if sleepErr := r.sleeper.Sleep(ctx, r.delayForAttempt(attempt)); sleepErr != nil {
				return EmbeddingResponse{}, RetryOutcome{AttemptCount: attempt + 1, Succeeded: false, FinalError: sleepErr}
			}
		}
	}
	return EmbeddingResponse{}, RetryOutcome{AttemptCount: r.cfg.MaxAttempts, Succeeded: false, FinalError: lastErr}
}

// Dimensions delegates to the wrapped provider.
func (r *RetryWrapper) Dimensions() int { return r.inner.Dimensions() }

// CheckDimensions returns a hard error if resp's dimensionality does
// not match the configured provider dimensionality, per spec.md
// §4.4.1 ("Dimension mismatch ... is a hard error").
func CheckDimensions(resp EmbeddingResponse, want int) error {
	if resp.Dimensions != want {
		return errkind.New(errkind.Validation, "embedding dimension mismatch: got a vector of a different size than the configured provider")
	}
	return nil
}
