// Package embedding provides the dense-vector engine behind semantic
// search. Two providers are supported: a deterministic local hasher that
// needs no external service, and an Ollama-backed engine.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"

	"skillsmith/internal/logging"
)

// DefaultDimensions is the catalog's fixed embedding width.
const DefaultDimensions = 384

// Engine generates embeddings for skill text.
type Engine interface {
	// Embed generates an embedding vector for the given text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector dimensions
	Dimensions() int

	// Name returns the engine name for logging
	Name() string
}

// HealthChecker is implemented by engines that can verify their backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config holds embedding engine configuration.
type Config struct {
	Provider   string // "local" or "ollama"
	BaseURL    string
	Model      string
	Dimensions int
}

// NewEngine creates an embedding engine based on config.
func NewEngine(cfg Config) (Engine, error) {
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = DefaultDimensions
	}

	switch cfg.Provider {
	case "", "local":
		logging.Get(logging.CategoryEmbedding).Info("using local hash embedder (%d dims)", dims)
		return NewLocalEngine(dims), nil
	case "ollama":
		logging.Get(logging.CategoryEmbedding).Info("using ollama embedder at %s (model %s)", cfg.BaseURL, cfg.Model)
		return NewOllamaEngine(cfg.BaseURL, cfg.Model, dims), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

// CosineSimilarity computes cosine similarity between two vectors.
// Returns 0 on length mismatch or zero vectors.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Scored pairs an id with its similarity.
type Scored struct {
	ID         string
	Similarity float32
}

// FindTopK returns the k nearest candidates to query by cosine similarity,
// most similar first. Ties break by id for determinism.
func FindTopK(query []float32, candidates map[string][]float32, k int) []Scored {
	scored := make([]Scored, 0, len(candidates))
	for id, vec := range candidates {
		scored = append(scored, Scored{ID: id, Similarity: CosineSimilarity(query, vec)})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].ID < scored[j].ID
	})

	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}
