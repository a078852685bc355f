// Package mock provides an in-memory mock graph store for testing.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/sblumenf/podcastknowledge-sub012/pkg/graph"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/types"
)

// Store is a mock implementation of graph.Store. It records every call and
// keeps upserted nodes in memory keyed by ID, so tests can assert both the
// call sequence and the resulting graph shape (including idempotence: a
// repeated merge does not grow the node maps).
type Store struct {
	mu sync.Mutex

	// Errs maps method name → error to return ("WriteUnit", "Search", ...).
	Errs map[string]error

	// WriteUnitErrs returns an error for specific unit IDs, letting tests
	// fail exactly one unit's transaction.
	WriteUnitErrs map[string]error

	// SearchResults is returned by Search.
	SearchResults []graph.SearchResult

	SchemaDimensions int
	Podcasts         map[string]types.Podcast
	Episodes         map[string]types.Episode
	Units            map[string]graph.UnitWrite
	UnitOrder        []string
	NextEdges        map[string]string // prev unit ID → next unit ID
	Finalized        map[string]types.EpisodeStatus
	AnalyticsDeletes []string
	SearchCalls      [][]float32
	Closed           bool
}

var _ graph.Store = (*Store)(nil)

// New creates an empty mock store.
func New() *Store {
	return &Store{
		Podcasts:  make(map[string]types.Podcast),
		Episodes:  make(map[string]types.Episode),
		Units:     make(map[string]graph.UnitWrite),
		NextEdges: make(map[string]string),
		Finalized: make(map[string]types.EpisodeStatus),
	}
}

func (s *Store) err(method string) error {
	if s.Errs == nil {
		return nil
	}
	return s.Errs[method]
}

// EnsureSchema implements graph.Store.
func (s *Store) EnsureSchema(ctx context.Context, dimensions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("EnsureSchema"); err != nil {
		return err
	}
	s.SchemaDimensions = dimensions
	return nil
}

// UpsertPodcast implements graph.Store.
func (s *Store) UpsertPodcast(ctx context.Context, p types.Podcast) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("UpsertPodcast"); err != nil {
		return err
	}
	s.Podcasts[p.ID] = p
	return nil
}

// UpsertEpisode implements graph.Store.
func (s *Store) UpsertEpisode(ctx context.Context, ep types.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("UpsertEpisode"); err != nil {
		return err
	}
	s.Episodes[ep.ID] = ep
	return nil
}

// DeleteAnalyticsArtifacts implements graph.Store.
func (s *Store) DeleteAnalyticsArtifacts(ctx context.Context, episodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("DeleteAnalyticsArtifacts"); err != nil {
		return err
	}
	s.AnalyticsDeletes = append(s.AnalyticsDeletes, episodeID)
	return nil
}

// WriteUnit implements graph.Store.
func (s *Store) WriteUnit(ctx context.Context, episodeID string, w graph.UnitWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("WriteUnit"); err != nil {
		return err
	}
	if err := s.WriteUnitErrs[w.Unit.ID]; err != nil {
		return err
	}

	if _, exists := s.Units[w.Unit.ID]; !exists {
		s.UnitOrder = append(s.UnitOrder, w.Unit.ID)
	}
	s.Units[w.Unit.ID] = w
	if w.PrevUnitID != "" {
		s.NextEdges[w.PrevUnitID] = w.Unit.ID
	}
	return nil
}

// FinalizeEpisode implements graph.Store.
func (s *Store) FinalizeEpisode(ctx context.Context, episodeID string, status types.EpisodeStatus, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("FinalizeEpisode"); err != nil {
		return err
	}
	s.Finalized[episodeID] = status
	return nil
}

// Search implements graph.Store.
func (s *Store) Search(ctx context.Context, vector []float32, topK int) ([]graph.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("Search"); err != nil {
		return nil, err
	}
	s.SearchCalls = append(s.SearchCalls, vector)
	if topK <= 0 {
		topK = graph.DefaultTopK
	}
	if len(s.SearchResults) > topK {
		return s.SearchResults[:topK], nil
	}
	return s.SearchResults, nil
}

// Close implements graph.Store.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return s.err("Close")
}
