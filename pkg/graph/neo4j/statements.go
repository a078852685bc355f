package neo4j

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sblumenf/podcastknowledge-sub012/pkg/graph"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/types"
)

// statement pairs a Cypher string with its parameters. Builders below are
// pure functions so tests can assert key and parameter shape without a
// database.
type statement struct {
	cypher string
	params map[string]any
}

// vectorIndexName is the name of the cosine index over unit embeddings.
const vectorIndexName = "unit_embedding_index"

// schemaStatements returns the idempotent constraint and index DDL.
// dimensions sizes the vector index.
func schemaStatements(dimensions int) []statement {
	ddl := []string{
		"CREATE CONSTRAINT podcast_id IF NOT EXISTS FOR (p:Podcast) REQUIRE p.id IS UNIQUE",
		"CREATE CONSTRAINT episode_id IF NOT EXISTS FOR (e:Episode) REQUIRE e.id IS UNIQUE",
		"CREATE CONSTRAINT unit_id IF NOT EXISTS FOR (u:MeaningfulUnit) REQUIRE u.id IS UNIQUE",
		"CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT topic_name IF NOT EXISTS FOR (t:Topic) REQUIRE t.name IS UNIQUE",
		"CREATE INDEX episode_title IF NOT EXISTS FOR (e:Episode) ON (e.title)",
		"CREATE INDEX episode_published IF NOT EXISTS FOR (e:Episode) ON (e.published_date)",
		"CREATE INDEX unit_start_time IF NOT EXISTS FOR (u:MeaningfulUnit) ON (u.start_time)",
		"CREATE INDEX unit_primary_speaker IF NOT EXISTS FOR (u:MeaningfulUnit) ON (u.primary_speaker)",
		"CREATE INDEX entity_name IF NOT EXISTS FOR (n:Entity) ON (n.name)",
		"CREATE INDEX entity_type IF NOT EXISTS FOR (n:Entity) ON (n.type)",
	}

	stmts := make([]statement, 0, len(ddl)+1)
	for _, s := range ddl {
		stmts = append(stmts, statement{cypher: s})
	}
	// Index options do not accept parameters; dimensions is a trusted int.
	stmts = append(stmts, statement{
		cypher: fmt.Sprintf(
			"CREATE VECTOR INDEX %s IF NOT EXISTS FOR (u:MeaningfulUnit) ON (u.embedding) "+
				"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}",
			vectorIndexName, dimensions),
	})
	return stmts
}

func upsertPodcastStatement(p types.Podcast) statement {
	return statement{
		cypher: `MERGE (p:Podcast {id: $id})
SET p.name = $name, p.description = $description, p.metadata = $metadata`,
		params: map[string]any{
			"id":          p.ID,
			"name":        p.Name,
			"description": p.Description,
			"metadata":    metadataParam(p.Metadata),
		},
	}
}

// metadataParam flattens caller metadata to a JSON string, since Neo4j
// properties cannot hold maps. Empty metadata clears the property.
func metadataParam(m map[string]string) any {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(b)
}

func upsertEpisodeStatement(ep types.Episode) statement {
	return statement{
		cypher: `MERGE (e:Episode {id: $id})
SET e.title = $title,
    e.podcast_name = $podcast_name,
    e.published_date = $published_date,
    e.duration_seconds = $duration_seconds,
    e.vtt_path = $vtt_path,
    e.youtube_url = $youtube_url
WITH e
MATCH (p:Podcast {id: $podcast_id})
MERGE (p)-[:HAS_EPISODE]->(e)`,
		params: map[string]any{
			"id":               ep.ID,
			"title":            ep.Title,
			"podcast_name":     ep.PodcastName,
			"published_date":   ep.PublishedDate,
			"duration_seconds": ep.DurationSeconds,
			"vtt_path":         ep.VTTPath,
			"youtube_url":      ep.YouTubeURL,
			"podcast_id":       ep.PodcastID,
		},
	}
}

// deleteAnalyticsStatement removes derived cluster nodes attached to the
// episode's units. Clusters are rebuilt by a separate analytics pass and must
// never survive a rewrite.
func deleteAnalyticsStatement(episodeID string) statement {
	return statement{
		cypher: `MATCH (e:Episode {id: $episode_id})-[:HAS_UNIT]->(:MeaningfulUnit)-[:IN_CLUSTER]->(c:Cluster)
DETACH DELETE c`,
		params: map[string]any{"episode_id": episodeID},
	}
}

func finalizeEpisodeStatement(episodeID string, status types.EpisodeStatus, processedAt time.Time) statement {
	return statement{
		cypher: `MATCH (e:Episode {id: $id})
SET e.status = $status, e.processing_timestamp = $processing_timestamp`,
		params: map[string]any{
			"id":                   episodeID,
			"status":               string(status),
			"processing_timestamp": processedAt.UTC().Format(time.RFC3339),
		},
	}
}

// unitStatements expands one UnitWrite into the ordered statements of its
// transaction.
func unitStatements(episodeID string, w graph.UnitWrite) []statement {
	u := w.Unit
	stmts := []statement{{
		cypher: `MATCH (e:Episode {id: $episode_id})
MERGE (u:MeaningfulUnit {id: $id})
SET u.unit_type = $unit_type,
    u.summary = $summary,
    u.themes = $themes,
    u.start_time = $start_time,
    u.end_time = $end_time,
    u.segment_count = $segment_count,
    u.primary_speaker = $primary_speaker,
    u.text = $text,
    u.embedding = $embedding,
    u.extraction_failed = $extraction_failed
MERGE (e)-[:HAS_UNIT]->(u)`,
		params: map[string]any{
			"episode_id":        episodeID,
			"id":                u.ID,
			"unit_type":         string(u.Type),
			"summary":           u.Summary,
			"themes":            u.Themes,
			"start_time":        u.StartTime,
			"end_time":          u.EndTime,
			"segment_count":     u.SegmentCount,
			"primary_speaker":   u.PrimarySpeaker,
			"text":              u.Text,
			"embedding":         embeddingParam(u.Embedding),
			"extraction_failed": w.Extraction != nil && w.Extraction.Status == types.ExtractionFailed,
		},
	}}

	if w.PrevUnitID != "" {
		stmts = append(stmts, statement{
			cypher: `MATCH (prev:MeaningfulUnit {id: $prev_id}), (u:MeaningfulUnit {id: $id})
MERGE (prev)-[:NEXT]->(u)`,
			params: map[string]any{"prev_id": w.PrevUnitID, "id": u.ID},
		})
	}

	for _, s := range w.Speakers {
		stmts = append(stmts, statement{
			cypher: `MATCH (u:MeaningfulUnit {id: $unit_id})
MERGE (s:Speaker {id: $id})
SET s.name = $name, s.role = $role, s.confidence = $confidence
MERGE (s)-[:SPEAKS_IN]->(u)`,
			params: map[string]any{
				"unit_id":    u.ID,
				"id":         s.ID,
				"name":       s.Name,
				"role":       string(s.Role),
				"confidence": s.Confidence,
			},
		})
	}

	if w.Extraction != nil {
		stmts = append(stmts, extractionStatements(u.ID, w.Extraction)...)
	}
	return stmts
}

// extractionStatements persists a unit's entities, quotes, insights, topics,
// and entity relationships.
func extractionStatements(unitID string, ex *types.Extraction) []statement {
	var stmts []statement

	entityIDByValue := make(map[string]string, len(ex.Entities))
	for _, ent := range ex.Entities {
		entityIDByValue[ent.Value] = ent.ID
		stmts = append(stmts, statement{
			cypher: `MATCH (u:MeaningfulUnit {id: $unit_id})
MERGE (n:Entity {id: $id})
SET n.name = $name, n.type = $type, n.description = $description
MERGE (u)-[m:MENTIONS]->(n)
SET m.confidence = $confidence, m.importance = $importance, m.frequency = $frequency`,
			params: map[string]any{
				"unit_id":     unitID,
				"id":          ent.ID,
				"name":        ent.Value,
				"type":        string(ent.Type),
				"description": ent.Description,
				"confidence":  ent.Confidence,
				"importance":  ent.Importance,
				"frequency":   ent.Frequency,
			},
		})
	}

	for _, q := range ex.Quotes {
		stmts = append(stmts, statement{
			cypher: `MATCH (u:MeaningfulUnit {id: $unit_id})
MERGE (q:Quote {id: $id})
SET q.text = $text, q.speaker = $speaker, q.context = $context,
    q.quote_type = $quote_type, q.importance = $importance,
    q.timestamp_start = $timestamp_start, q.timestamp_end = $timestamp_end
MERGE (u)-[:CONTAINS_QUOTE]->(q)`,
			params: map[string]any{
				"unit_id":         unitID,
				"id":              q.ID,
				"text":            q.Text,
				"speaker":         q.Speaker,
				"context":         q.Context,
				"quote_type":      string(q.Type),
				"importance":      q.Importance,
				"timestamp_start": q.TimestampStart,
				"timestamp_end":   q.TimestampEnd,
			},
		})
	}

	for _, in := range ex.Insights {
		stmts = append(stmts, statement{
			cypher: `MATCH (u:MeaningfulUnit {id: $unit_id})
MERGE (i:Insight {id: $id})
SET i.title = $title, i.description = $description,
    i.insight_type = $insight_type, i.confidence = $confidence,
    i.supporting_entities = $supporting_entities
MERGE (u)-[:CONTAINS_INSIGHT]->(i)`,
			params: map[string]any{
				"unit_id":             unitID,
				"id":                  in.ID,
				"title":               in.Title,
				"description":         in.Description,
				"insight_type":        string(in.Type),
				"confidence":          in.Confidence,
				"supporting_entities": in.SupportingEntities,
			},
		})
	}

	for _, t := range ex.Topics {
		stmts = append(stmts, statement{
			cypher: `MATCH (u:MeaningfulUnit {id: $unit_id})
MERGE (t:Topic {name: $name})
MERGE (u)-[:DISCUSSES]->(t)`,
			params: map[string]any{"unit_id": unitID, "name": t.Name},
		})
	}

	for _, r := range ex.Relationships {
		srcID, okSrc := entityIDByValue[r.Source]
		dstID, okDst := entityIDByValue[r.Target]
		if !okSrc || !okDst {
			// Endpoints were validated upstream; a miss here means the
			// extraction was mutated after normalization. Skip quietly.
			continue
		}
		stmts = append(stmts, statement{
			cypher: `MATCH (a:Entity {id: $source_id}), (b:Entity {id: $target_id})
MERGE (a)-[r:RELATED_TO {type: $type}]->(b)
SET r.confidence = $confidence`,
			params: map[string]any{
				"source_id":  srcID,
				"target_id":  dstID,
				"type":       r.Type,
				"confidence": r.Confidence,
			},
		})
	}
	return stmts
}

// searchStatement runs vector kNN over unit embeddings and joins episode
// metadata.
func searchStatement(vector []float32, topK int) statement {
	return statement{
		cypher: fmt.Sprintf(`CALL db.index.vector.queryNodes('%s', $top_k, $vector)
YIELD node, score
MATCH (e:Episode)-[:HAS_UNIT]->(node)
RETURN node.id AS unit_id, node.text AS text,
       node.start_time AS start_time, node.end_time AS end_time,
       e.id AS episode_id, e.title AS episode_title, score
ORDER BY score DESC`, vectorIndexName),
		params: map[string]any{
			"top_k":  topK,
			"vector": embeddingParam(vector),
		},
	}
}

// embeddingParam converts a float32 vector to the float64 list the driver
// transmits. A nil or empty vector becomes nil, which clears the property.
func embeddingParam(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
