// Package offline provides a deterministic, network-free embeddings provider.
//
// Vectors are derived purely from a SHA-256 hash of the input text, so equal
// inputs always produce equal vectors across runs and machines. The vectors
// carry no semantic signal; the point is to exercise the full pipeline
// (batching, storage, vector-index writes, retrieval plumbing) in tests and
// air-gapped environments without an embeddings API.
package offline

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strings"

	"github.com/sblumenf/podcastknowledge-sub012/pkg/provider/embeddings"
)

// DefaultDimensions matches the pipeline's stored vector dimensionality.
const DefaultDimensions = 768

// ModelID is the identifier reported by this provider.
const ModelID = "offline-sha256"

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider with deterministic pseudo-embeddings.
type Provider struct {
	dimensions int
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithDimensions overrides the output dimensionality. Default: 768.
func WithDimensions(d int) Option {
	return func(p *Provider) { p.dimensions = d }
}

// New constructs an offline Provider.
func New(opts ...Option) (*Provider, error) {
	p := &Provider{dimensions: DefaultDimensions}
	for _, o := range opts {
		o(p)
	}
	if p.dimensions <= 0 {
		return nil, fmt.Errorf("offline embeddings: dimensions must be positive, got %d", p.dimensions)
	}
	return p, nil
}

// Embed implements embeddings.Provider. The vector is a unit-norm sequence
// drawn from a PRNG seeded with the SHA-256 of the input text. Empty or
// whitespace-only text yields the zero vector.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return make([]float32, p.dimensions), nil
	}

	sum := sha256.Sum256([]byte(text))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))

	v := make([]float32, p.dimensions)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return embeddings.Normalize(v), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > embeddings.MaxBatchSize {
		return nil, fmt.Errorf("offline embeddings: batch of %d exceeds limit %d", len(texts), embeddings.MaxBatchSize)
	}

	result := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		result[i] = v
	}
	return result, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	return p.dimensions
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return ModelID
}
