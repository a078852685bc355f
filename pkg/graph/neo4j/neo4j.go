// Package neo4j implements the graph.Store interface on a Neo4j database
// using the official Go driver.
//
// The driver is shared; a session is created per operation and closed on
// exit. Each unit write runs in a single managed write transaction, so a
// failed unit rolls back completely without touching earlier units.
package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/sblumenf/podcastknowledge-sub012/pkg/graph"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/types"
)

// Config holds connection settings, typically sourced from the NEO4J_*
// environment variables.
type Config struct {
	// URI is the bolt/neo4j connection URI (e.g. "neo4j://localhost:7687").
	URI string

	// User and Password authenticate the connection.
	User     string
	Password string

	// Database is the target database name. Empty selects the server default.
	Database string
}

// Ensure Store implements the graph.Store interface.
var _ graph.Store = (*Store)(nil)

// Store is a Neo4j-backed graph.Store.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
}

// New connects to Neo4j and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("neo4j: URI must not be empty")
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j: create driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j: verify connectivity: %w", err)
	}
	return &Store{driver: driver, database: cfg.Database}, nil
}

// session opens a new session in the store's database.
func (s *Store) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
}

// runStatements executes stmts inside one managed write transaction.
func (s *Store) runStatements(ctx context.Context, stmts []statement) error {
	session := s.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, st := range stmts {
			if _, err := tx.Run(ctx, st.cypher, st.params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

// EnsureSchema implements graph.Store. Constraints and indexes are DDL and
// cannot share a transaction with data statements, so each runs on its own.
func (s *Store) EnsureSchema(ctx context.Context, dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("neo4j: vector dimensions must be positive, got %d", dimensions)
	}

	session := s.session(ctx)
	defer session.Close(ctx)

	for _, st := range schemaStatements(dimensions) {
		if _, err := session.Run(ctx, st.cypher, st.params); err != nil {
			return fmt.Errorf("neo4j: ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertPodcast implements graph.Store.
func (s *Store) UpsertPodcast(ctx context.Context, p types.Podcast) error {
	if err := s.runStatements(ctx, []statement{upsertPodcastStatement(p)}); err != nil {
		return fmt.Errorf("neo4j: upsert podcast %s: %w", p.ID, err)
	}
	return nil
}

// UpsertEpisode implements graph.Store.
func (s *Store) UpsertEpisode(ctx context.Context, ep types.Episode) error {
	if err := s.runStatements(ctx, []statement{upsertEpisodeStatement(ep)}); err != nil {
		return fmt.Errorf("neo4j: upsert episode %s: %w", ep.ID, err)
	}
	return nil
}

// DeleteAnalyticsArtifacts implements graph.Store.
func (s *Store) DeleteAnalyticsArtifacts(ctx context.Context, episodeID string) error {
	if err := s.runStatements(ctx, []statement{deleteAnalyticsStatement(episodeID)}); err != nil {
		return fmt.Errorf("neo4j: delete analytics artifacts for %s: %w", episodeID, err)
	}
	return nil
}

// WriteUnit implements graph.Store.
func (s *Store) WriteUnit(ctx context.Context, episodeID string, w graph.UnitWrite) error {
	if err := s.runStatements(ctx, unitStatements(episodeID, w)); err != nil {
		return fmt.Errorf("neo4j: write unit %s: %w", w.Unit.ID, err)
	}
	return nil
}

// FinalizeEpisode implements graph.Store.
func (s *Store) FinalizeEpisode(ctx context.Context, episodeID string, status types.EpisodeStatus, processedAt time.Time) error {
	if err := s.runStatements(ctx, []statement{finalizeEpisodeStatement(episodeID, status, processedAt)}); err != nil {
		return fmt.Errorf("neo4j: finalize episode %s: %w", episodeID, err)
	}
	return nil
}

// Search implements graph.Store.
func (s *Store) Search(ctx context.Context, vector []float32, topK int) ([]graph.SearchResult, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("neo4j: search vector must not be empty")
	}
	if topK <= 0 {
		topK = graph.DefaultTopK
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer session.Close(ctx)

	st := searchStatement(vector, topK)
	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, st.cypher, st.params)
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j: vector search: %w", err)
	}

	recs := records.([]*neo4j.Record)
	results := make([]graph.SearchResult, 0, len(recs))
	for _, rec := range recs {
		results = append(results, graph.SearchResult{
			UnitID:       stringValue(rec, "unit_id"),
			EpisodeID:    stringValue(rec, "episode_id"),
			EpisodeTitle: stringValue(rec, "episode_title"),
			Text:         stringValue(rec, "text"),
			StartTime:    floatValue(rec, "start_time"),
			EndTime:      floatValue(rec, "end_time"),
			Score:        floatValue(rec, "score"),
		})
	}
	return results, nil
}

// Close implements graph.Store.
func (s *Store) Close(ctx context.Context) error {
	if err := s.driver.Close(ctx); err != nil {
		return fmt.Errorf("neo4j: close driver: %w", err)
	}
	return nil
}

func stringValue(rec *neo4j.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func floatValue(rec *neo4j.Record, key string) float64 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	default:
		return 0
	}
}
