package provider

import (
	"context"

	"crucible/pkg/errkind"
	"crucible/pkg/hash"
)

// FakeProvider is a deterministic in-memory Provider for tests: each
// text's vector is derived from its content hash, so identical input
// always produces an identical vector and different input produces a
// different one, without any network dependency.
type FakeProvider struct {
	dimensions int
	failNext   bool
}

// NewFakeProvider constructs a FakeProvider producing vectors of the
// given dimensionality.
func NewFakeProvider(dimensions int) *FakeProvider {
	return &FakeProvider{dimensions: dimensions}
}

// FailNextCall makes the next Embed/EmbedBatch call return an error,
// for exercising retry behavior in tests.
func (f *FakeProvider) FailNextCall() {
	f.failNext = true
}

// Dimensions implements Provider.
func (f *FakeProvider) Dimensions() int { return f.dimensions }

func (f *FakeProvider) vectorFor(text string) []float32 {
	h := hash.NewHasher().Hash([]byte(text))
	bytes := h.Bytes()
	vec := make([]float32, f.dimensions)
	for i := range vec {
		vec[i] = float32(bytes[i%len(bytes)]) / 255.0
	}
	return vec
}

// Embed implements Provider.
func (f *FakeProvider) Embed(_ context.Context, text string) (EmbeddingResponse, error) {
	if f.failNext {
		f.failNext = false
		return EmbeddingResponse{}, errkind.New(errkind.ProviderFailed, "fake provider forced failure")
	}
	return EmbeddingResponse{Vector: f.vectorFor(text), Dimensions: f.dimensions, Model: "fake"}, nil
}

// EmbedBatch implements Provider.
func (f *FakeProvider) EmbedBatch(ctx context.Context, texts []string) ([]EmbeddingResponse, error) {
	out := make([]EmbeddingResponse, 0, len(texts))
	for _, text := range texts {
		resp, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, nil
}

var _ Provider = (*FakeProvider)(nil)
