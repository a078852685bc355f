// Package mock provides a mock embeddings provider for testing.
package mock

import (
	"context"
	"sync"

	"github.com/sblumenf/podcastknowledge-sub012/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider. It records every
// call and returns fixed-value vectors, making it suitable for unit tests
// that need predictable embedding behavior without network access.
type Provider struct {
	mu sync.Mutex

	// Dims is the dimensionality of returned vectors. Defaults to 8.
	Dims int

	// Err, when non-nil, is returned by every Embed/EmbedBatch call.
	Err error

	// EmbedCalls records every text passed to Embed.
	EmbedCalls []string

	// EmbedBatchCalls records every slice passed to EmbedBatch.
	EmbedBatchCalls [][]string
}

var _ embeddings.Provider = (*Provider)(nil)

// New creates a mock Provider producing vectors of the given dimensionality.
func New(dims int) *Provider {
	return &Provider{Dims: dims}
}

// Embed implements embeddings.Provider. The vector's first component is 1 and
// the rest are 0, so every vector is already unit norm.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	err := p.Err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p.vector(), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, texts)
	err := p.Err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	result := make([][]float32, len(texts))
	for i := range texts {
		result[i] = p.vector()
	}
	return result, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	return p.dims()
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return "mock"
}

func (p *Provider) dims() int {
	if p.Dims <= 0 {
		return 8
	}
	return p.Dims
}

func (p *Provider) vector() []float32 {
	v := make([]float32, p.dims())
	v[0] = 1
	return v
}
