// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider maps text strings to dense float32 vectors (e.g.,
// OpenAI text-embedding-3, Gemini embedding-001, or the deterministic offline
// embedder). These vectors are attached to meaningful units and stored in the
// graph's vector index for semantic retrieval.
//
// All vectors returned by a Provider are L2-normalized so cosine similarity
// and dot product coincide in the vector index.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"math"
)

// MaxBatchSize is the maximum number of texts a single EmbedBatch provider
// call may carry. Callers with more inputs must split them; [Chunk] helps.
const MaxBatchSize = 32

// Provider is the abstraction over any text-embedding backend.
//
// All embedding vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions) and are L2-normalized. Callers must
// not mix vectors from different Provider instances in the same similarity
// computation unless both use the same model and space.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns a
	// float32 slice of length Dimensions() or an error if the request fails
	// or ctx is cancelled.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for up to MaxBatchSize texts in a
	// single provider call. The returned slice has the same length as texts
	// and the i-th element corresponds to texts[i].
	//
	// Returns an error if any single embedding fails or if ctx is cancelled.
	// Partial results are not returned: on error the entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every embedding vector produced
	// by this provider, constant for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the provider-specific model identifier (e.g.,
	// "text-embedding-3-small", "offline"). Useful for logging and for
	// ensuring a graph's vector index is only queried with matching vectors.
	ModelID() string
}

// Chunk splits texts into consecutive slices of at most MaxBatchSize
// elements. The returned slices alias the input.
func Chunk(texts []string) [][]string {
	if len(texts) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(texts)+MaxBatchSize-1)/MaxBatchSize)
	for len(texts) > MaxBatchSize {
		chunks = append(chunks, texts[:MaxBatchSize])
		texts = texts[MaxBatchSize:]
	}
	return append(chunks, texts)
}

// Normalize scales v in place to unit L2 norm and returns it. A zero vector
// is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}
