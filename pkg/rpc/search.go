package rpc

import (
	"context"
	"encoding/json"
	"math"
	"sort"

	"crucible/pkg/embedding/provider"
	"crucible/pkg/errkind"
	"crucible/pkg/storage"
)

const embeddingEntityType = "embedding"

// ScoredResult is one ranked kiln.search hit.
type ScoredResult struct {
	EntityID string  `json:"entity_id"`
	Score    float64 `json:"score"`
}

// Searcher answers kiln.search by embedding the query text with a
// provider.Provider and ranking every stored embedding entity by
// cosine similarity. It is a thin composition over a pkg/storage
// backend and pkg/embedding/provider — it owns no storage of its own.
//
// Reference: SPEC_FULL.md SUPPLEMENTED FEATURES #7 (kiln.search contract)
type Searcher struct {
	backend  storage.ContentAddressedStorage
	provider provider.Provider
}

// NewSearcher constructs a Searcher over backend and an embedding
// provider.
func NewSearcher(backend storage.ContentAddressedStorage, p provider.Provider) *Searcher {
	return &Searcher{backend: backend, provider: p}
}

// Search embeds query and returns the topK stored embedding entities
// ranked by descending cosine similarity. Identical kiln state and
// identical query always produce identical results: ranking is a pure
// function of the stored vectors and the provider's (deterministic)
// embedding of query.
func (s *Searcher) Search(ctx context.Context, query string, topK int) ([]ScoredResult, error) {
	if query == "" {
		return nil, errkind.New(errkind.Validation, "kiln.search requires a non-empty query")
	}
	if topK <= 0 {
		topK = 10
	}

	resp, err := s.provider.Embed(ctx, query)
	if err != nil {
		return nil, errkind.Wrap(errkind.ProviderFailed, "embedding search query", err)
	}

	entities, err := s.backend.QueryEntities(ctx, storage.EntityFilter{Type: embeddingEntityType})
	if err != nil {
		return nil, errkind.Wrap(errkind.Io, "querying embedding entities", err)
	}

	results := make([]ScoredResult, 0, len(entities))
	for _, e := range entities {
		vector, ok := decodeVector(e.Data["vector"])
		if !ok {
			continue
		}
		score, ok := cosineSimilarity(resp.Vector, vector)
		if !ok {
			continue
		}
		results = append(results, ScoredResult{EntityID: e.ID, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].EntityID < results[j].EntityID
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func decodeVector(raw string) ([]float32, bool) {
	if raw == "" {
		return nil, false
	}
	var vector []float32
	if err := json.Unmarshal([]byte(raw), &vector); err != nil {
		return nil, false
	}
	return vector, true
}

func cosineSimilarity(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}
