package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"crucible/pkg/errkind"
)

// HTTPProvider talks to an HTTP embedding endpoint (e.g. a local
// inference server) over a single JSON request/response shape. Model
// and dimensionality are carried on construction; HTTPProviderConfig
// has no device setting.
type HTTPProvider struct {
	endpoint   string
	model      string
	dimensions int
	client     *http.Client
}

// HTTPProviderConfig configures an HTTPProvider.
type HTTPProviderConfig struct {
	Endpoint   string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// NewHTTPProvider constructs an HTTPProvider from cfg.
func NewHTTPProvider(cfg HTTPProviderConfig) (*HTTPProvider, error) {
	if cfg.Endpoint == "" {
		return nil, errkind.New(errkind.Configuration, "HTTPProvider requires a non-empty endpoint")
	}
	if cfg.Dimensions <= 0 {
		return nil, errkind.New(errkind.Configuration, "HTTPProvider requires a positive dimensions count")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		endpoint:   cfg.Endpoint,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

// Dimensions implements Provider.
func (p *HTTPProvider) Dimensions() int { return p.dimensions }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponseBody struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements Provider by delegating to EmbedBatch for a single
// text.
func (p *HTTPProvider) Embed(ctx context.Context, text string) (EmbeddingResponse, error) {
	resps, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return EmbeddingResponse{}, err
	}
	return resps[0], nil
}

// EmbedBatch implements Provider by POSTing a single JSON request
// carrying every text in the batch.
func (p *HTTPProvider) EmbedBatch(ctx context.Context, texts []string) ([]EmbeddingResponse, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, errkind.Wrap(errkind.Io, "marshaling embedding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errkind.Wrap(errkind.Io, "constructing embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.ProviderFailed, "embedding endpoint request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errkind.Wrap(errkind.Io, "reading embedding response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errkind.New(errkind.ProviderFailed, fmt.Sprintf("embedding endpoint returned status %d", resp.StatusCode))
	}

	var decoded embedResponseBody
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, errkind.Wrap(errkind.Parse, "parsing embedding response", err)
	}

	if len(decoded.Embeddings) != len(texts) {
		return nil, errkind.New(errkind.ProviderFailed, "embedding endpoint returned a different number of vectors than requested")
	}

	out := make([]EmbeddingResponse, len(decoded.Embeddings))
	for i, vec := range decoded.Embeddings {
		out[i] = EmbeddingResponse{Vector: vec, Dimensions: len(vec), Model: p.model}
	}
	return out, nil
}

var _ Provider = (*HTTPProvider)(nil)
