package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// LocalEngine is a deterministic feature-hashing embedder. It needs no
// external service, which keeps ingest and tests working when no model
// backend is reachable. Quality is below a real model but distances are
// still meaningful for token overlap.
type LocalEngine struct {
	dims int
}

// NewLocalEngine creates a local hash embedder with the given width.
func NewLocalEngine(dims int) *LocalEngine {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &LocalEngine{dims: dims}
}

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

// Embed hashes unigram and bigram tokens into a normalized vector.
func (e *LocalEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)

	tokens := tokenRe.FindAllString(strings.ToLower(text), -1)
	for i, tok := range tokens {
		e.accumulate(vec, tok, 1.0)
		if i > 0 {
			e.accumulate(vec, tokens[i-1]+"_"+tok, 0.5)
		}
	}

	// L2-normalize so cosine similarity is a dot product on unit vectors
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}

	return vec, nil
}

// accumulate adds a signed hashed feature, two buckets per token.
func (e *LocalEngine) accumulate(vec []float32, token string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(token))
	sum := h.Sum64()

	idx := int(sum % uint64(e.dims))
	sign := float32(1)
	if (sum>>32)&1 == 1 {
		sign = -1
	}
	vec[idx] += sign * weight

	idx2 := int((sum >> 16) % uint64(e.dims))
	vec[idx2] += sign * weight * 0.5
}

// EmbedBatch embeds each text in order.
func (e *LocalEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the vector width.
func (e *LocalEngine) Dimensions() int { return e.dims }

// Name returns the engine name.
func (e *LocalEngine) Name() string { return "local-hash" }
