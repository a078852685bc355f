// Package openai provides an embeddings provider backed by the OpenAI API.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/sblumenf/podcastknowledge-sub012/pkg/provider/embeddings"
)

// DefaultModel is the default OpenAI embeddings model.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// DefaultDimensions is the dimensionality requested from models that support
// output truncation. Keeping all backends at the same dimensionality lets the
// graph's vector index serve vectors from any of them.
const DefaultDimensions = 768

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using the OpenAI API.
type Provider struct {
	client     oai.Client
	model      string
	dimensions int
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	dimensions   int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithDimensions requests a specific output dimensionality. Only supported by
// text-embedding-3 models; other models ignore it.
func WithDimensions(d int) Option {
	return func(c *config) {
		c.dimensions = d
	}
}

// New constructs a new OpenAI embeddings Provider.
// If model is empty, DefaultModel (text-embedding-3-small) is used, truncated
// to DefaultDimensions.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{dimensions: DefaultDimensions}
	for _, o := range opts {
		o(cfg)
	}
	if !supportsDimensions(model) {
		cfg.dimensions = 0
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model, dimensions: cfg.dimensions}, nil
}

// Embed implements embeddings.Provider. Empty or whitespace-only text yields
// the zero vector without an API call.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return make([]float32, p.Dimensions()), nil
	}

	params := oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	}
	if p.dimensions > 0 {
		params.Dimensions = param.NewOpt(int64(p.dimensions))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}
	return embeddings.Normalize(float64ToFloat32(resp.Data[0].Embedding)), nil
}

// EmbedBatch implements embeddings.Provider. Empty texts in the batch yield
// zero vectors and are excluded from the API request.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > embeddings.MaxBatchSize {
		return nil, fmt.Errorf("openai embeddings: batch of %d exceeds limit %d", len(texts), embeddings.MaxBatchSize)
	}

	nonEmpty, srcIdx := splitEmpty(texts)
	result := make([][]float32, len(texts))
	for i := range result {
		result[i] = make([]float32, p.Dimensions())
	}
	if len(nonEmpty) == 0 {
		return result, nil
	}

	params := oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: nonEmpty,
		},
	}
	if p.dimensions > 0 {
		params.Dimensions = param.NewOpt(int64(p.dimensions))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed batch: %w", err)
	}
	if len(resp.Data) != len(nonEmpty) {
		return nil, fmt.Errorf("openai embeddings: expected %d embeddings, got %d", len(nonEmpty), len(resp.Data))
	}

	for _, e := range resp.Data {
		if int(e.Index) >= len(nonEmpty) {
			return nil, fmt.Errorf("openai embeddings: unexpected index %d", e.Index)
		}
		result[srcIdx[e.Index]] = embeddings.Normalize(float64ToFloat32(e.Embedding))
	}
	return result, nil
}

// splitEmpty separates the non-empty texts from a batch, returning them along
// with their positions in the original slice.
func splitEmpty(texts []string) (nonEmpty []string, srcIdx []int) {
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		nonEmpty = append(nonEmpty, t)
		srcIdx = append(srcIdx, i)
	}
	return nonEmpty, srcIdx
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.dimensions > 0 {
		return p.dimensions
	}
	return modelDimensions(p.model)
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// supportsDimensions reports whether the model accepts the dimensions
// parameter for output truncation.
func supportsDimensions(model string) bool {
	return strings.Contains(strings.ToLower(model), "text-embedding-3")
}

// modelDimensions returns the native embedding dimensions for known OpenAI models.
func modelDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "text-embedding-3-large"):
		return 3072
	case strings.Contains(lower, "text-embedding-3-small"):
		return 1536
	case strings.Contains(lower, "text-embedding-ada-002"):
		return 1536
	default:
		return 1536 // sensible default for unknown models
	}
}

// float64ToFloat32 converts a []float64 slice to []float32.
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
