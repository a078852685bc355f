// Package graph defines the Store interface for the knowledge graph backend.
//
// A graph store is a labeled property graph supporting merge-by-key,
// transactional multi-statement writes, uniqueness constraints, secondary
// indexes, and a cosine vector index over unit embeddings. All merges key on
// the deterministic IDs from [types], so re-ingesting identical content is a
// no-op and changed content updates in place.
//
// Implementations must be safe for concurrent use.
package graph

import (
	"context"
	"errors"
	"time"

	"github.com/sblumenf/podcastknowledge-sub012/pkg/types"
)

// DefaultTopK is the default result count for vector search.
const DefaultTopK = 5

// ErrNotFound is returned when a referenced node does not exist.
var ErrNotFound = errors.New("graph: not found")

// UnitWrite carries everything persisted in one unit transaction.
type UnitWrite struct {
	// Unit is the meaningful unit, including its embedding (nil when the
	// embedder failed and offline mode is off).
	Unit types.MeaningfulUnit

	// PrevUnitID is the committed predecessor for the NEXT edge, or "" for
	// the episode's first unit.
	PrevUnitID string

	// Speakers are the speakers appearing in this unit's distribution.
	Speakers []types.Speaker

	// Extraction is the unit's knowledge output; an empty extraction with
	// Status extraction_failed is stored as a flag on the unit.
	Extraction *types.Extraction
}

// SearchResult is one hit from the vector retrieval primitive.
type SearchResult struct {
	// UnitID identifies the matched unit.
	UnitID string

	// EpisodeID and EpisodeTitle locate the unit's episode.
	EpisodeID    string
	EpisodeTitle string

	// Text is the unit's concatenated caption text.
	Text string

	// StartTime and EndTime bound the unit within the episode, in seconds.
	StartTime float64
	EndTime   float64

	// Score is the cosine similarity against the query vector.
	Score float64
}

// Store is the knowledge-graph abstraction.
//
// Implementations must be safe for concurrent use and must observe context
// cancellation on every call.
type Store interface {
	// EnsureSchema creates the uniqueness constraints, secondary indexes,
	// and the vector index of the given dimensionality. Idempotent.
	EnsureSchema(ctx context.Context, dimensions int) error

	// UpsertPodcast merges the podcast node by id.
	UpsertPodcast(ctx context.Context, p types.Podcast) error

	// UpsertEpisode merges the episode node by id, overwrites its scalar
	// properties, and links it to its podcast.
	UpsertEpisode(ctx context.Context, ep types.Episode) error

	// DeleteAnalyticsArtifacts removes stale derived nodes (e.g. cluster
	// nodes) attached to the episode's units before a rewrite.
	DeleteAnalyticsArtifacts(ctx context.Context, episodeID string) error

	// WriteUnit persists one unit and its knowledge in a single
	// transaction: unit merge + properties + embedding, HAS_UNIT, NEXT from
	// the committed predecessor, speaker merges + SPEAKS_IN, entity/quote/
	// insight/topic merges and links, MENTIONS confidence. A failure rolls
	// back only this unit.
	WriteUnit(ctx context.Context, episodeID string, w UnitWrite) error

	// FinalizeEpisode stamps the processing timestamp and final status.
	FinalizeEpisode(ctx context.Context, episodeID string, status types.EpisodeStatus, processedAt time.Time) error

	// Search embeds nothing itself: it takes a ready query vector and runs
	// vector kNN over unit embeddings, returning up to topK results in
	// descending similarity. topK <= 0 uses DefaultTopK.
	Search(ctx context.Context, vector []float32, topK int) ([]SearchResult, error)

	// Close releases the underlying driver.
	Close(ctx context.Context) error
}
