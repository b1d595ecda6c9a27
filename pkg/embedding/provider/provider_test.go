package provider_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"crucible/pkg/embedding/provider"
)

type fakeSleeper struct{ calls int }

func (f *fakeSleeper) Sleep(_ context.Context, _ time.Duration) error {
	f.calls++
	return nil
}

func TestFakeProviderDeterministic(t *testing.T) {
	p := provider.NewFakeProvider(8)
	ctx := context.Background()

	r1, err := p.Embed(ctx, "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	r2, err := p.Embed(ctx, "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(r1.Vector) != 8 || len(r2.Vector) != 8 {
		t.Fatalf("expected 8-dim vectors, got %d and %d", len(r1.Vector), len(r2.Vector))
	}
	for i := range r1.Vector {
		if r1.Vector[i] != r2.Vector[i] {
			t.Fatalf("expected identical input to produce identical vector, diverged at %d", i)
		}
	}

	r3, err := p.Embed(ctx, "different")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if sameVector(r1.Vector, r3.Vector) {
		t.Fatalf("expected different input to produce a different vector")
	}
}

func sameVector(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRetryWrapperSucceedsAfterFailures(t *testing.T) {
	ctx := context.Background()
	fp := provider.NewFakeProvider(4)
	fp.FailNextCall()

	sleeper := &fakeSleeper{}
	wrapped := provider.NewRetryWrapper(fp, provider.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, sleeper)

	_, outcome := wrapped.EmbedWithRetry(ctx, "hello")
	if !outcome.Succeeded {
		t.Fatalf("expected retry to eventually succeed, got %+v", outcome)
	}
	if outcome.AttemptCount != 2 {
		t.Fatalf("expected success on second attempt, got attempt_count=%d", outcome.AttemptCount)
	}
	if sleeper.calls != 1 {
		t.Fatalf("expected exactly 1 backoff sleep before the successful retry, got %d", sleeper.calls)
	}
}

type alwaysFailProvider struct{ dims int }

func (a alwaysFailProvider) Embed(context.Context, string) (provider.EmbeddingResponse, error) {
	return provider.EmbeddingResponse{}, errors.New("boom")
}
func (a alwaysFailProvider) EmbedBatch(context.Context, []string) ([]provider.EmbeddingResponse, error) {
	return nil, errors.New("boom")
}
func (a alwaysFailProvider) Dimensions() int { return a.dims }

func TestRetryWrapperReportsFinalErrorAfterExhaustingAttempts(t *testing.T) {
	ctx := context.Background()
	sleeper := &fakeSleeper{}
	wrapped := provider.NewRetryWrapper(alwaysFailProvider{dims: 4}, provider.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, sleeper)

	_, outcome := wrapped.EmbedWithRetry(ctx, "hello")
	if outcome.Succeeded {
		t.Fatalf("expected exhausted retries to fail")
	}
	if outcome.AttemptCount != 3 {
		t.Fatalf("expected attempt_count=3, got %d", outcome.AttemptCount)
	}
	if outcome.FinalError == nil {
		t.Fatalf("expected a final_error to be reported")
	}
}

func TestCheckDimensionsMismatchIsHardError(t *testing.T) {
	resp := provider.EmbeddingResponse{Dimensions: 4}
	if err := provider.CheckDimensions(resp, 8); err == nil {
		t.Fatalf("expected dimension mismatch to be an error")
	}
	if err := provider.CheckDimensions(resp, 4); err != nil {
		t.Fatalf("expected matching dimensions to pass, got %v", err)
	}
}
