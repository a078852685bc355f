// Package pipeline orchestrates one episode's journey from VTT file to
// knowledge graph.
//
// Stages run in order: parse, speaker identification, segmentation,
// extraction, embedding, graph writes. Parsing through segmentation is
// sequential; extraction fans out over units with a bounded worker count;
// embedding is batched; writes are serialized in unit time order so the NEXT
// chain only ever links committed predecessors. A checkpoint is saved after
// every committed unit, and a re-run of the same episode skips units the
// checkpoint lists as committed.
//
// Unit-level failures degrade the episode to partial or failed but never
// abort the run. Only invalid input, an exhausted key pool before
// segmentation, and unrecoverable store errors abort.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sblumenf/podcastknowledge-sub012/internal/checkpoint"
	"github.com/sblumenf/podcastknowledge-sub012/internal/config"
	"github.com/sblumenf/podcastknowledge-sub012/internal/extract"
	"github.com/sblumenf/podcastknowledge-sub012/internal/observe"
	"github.com/sblumenf/podcastknowledge-sub012/internal/resilience"
	"github.com/sblumenf/podcastknowledge-sub012/internal/segment"
	"github.com/sblumenf/podcastknowledge-sub012/internal/speaker"
	"github.com/sblumenf/podcastknowledge-sub012/internal/vtt"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/graph"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/provider/embeddings"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/types"
)

// finalizeTimeout bounds the post-cancellation flush of episode status.
const finalizeTimeout = 30 * time.Second

// Request describes one episode to ingest.
type Request struct {
	// PodcastName is the podcast's display name; its normalized form is the
	// podcast key.
	PodcastName string

	// PodcastDescription is free text handed to the speaker identifier.
	PodcastDescription string

	// EpisodeTitle is the episode title.
	EpisodeTitle string

	// PublishedDate is the publication date in YYYY-MM-DD form. When empty,
	// the VTT file's content hash takes its place in the episode key.
	PublishedDate string

	// YouTubeURL is an optional link to the episode video.
	YouTubeURL string

	// VTTPath is the transcript file.
	VTTPath string
}

// Deps are the pipeline's collaborators. Parser, Speakers, Segmenter,
// Extractor, Embedder, Store, and Checkpoints are required.
type Deps struct {
	Parser    *vtt.Parser
	Speakers  *speaker.Identifier
	Segmenter *segment.Segmenter
	Extractor *extract.Extractor
	Embedder  embeddings.Provider

	// Offline substitutes deterministic pseudo-embeddings when Embedder
	// fails. Nil disables the substitution (failed units store a null
	// embedding).
	Offline embeddings.Provider

	Store       graph.Store
	Checkpoints *checkpoint.Manager

	// Metrics defaults to observe.DefaultMetrics when nil.
	Metrics *observe.Metrics

	Config config.PipelineConfig
}

// Pipeline processes episodes. Safe for sequential use; one Process call
// runs at a time per episode.
type Pipeline struct {
	deps    Deps
	metrics *observe.Metrics

	// embedders tries the primary embedder first and falls back to the
	// offline one when configured.
	embedders *resilience.FallbackGroup[embeddings.Provider]
}

// New validates deps and returns a ready Pipeline.
func New(deps Deps) (*Pipeline, error) {
	switch {
	case deps.Parser == nil:
		return nil, fmt.Errorf("pipeline: Parser is required")
	case deps.Speakers == nil:
		return nil, fmt.Errorf("pipeline: Speakers is required")
	case deps.Segmenter == nil:
		return nil, fmt.Errorf("pipeline: Segmenter is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("pipeline: Extractor is required")
	case deps.Embedder == nil:
		return nil, fmt.Errorf("pipeline: Embedder is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("pipeline: Store is required")
	case deps.Checkpoints == nil:
		return nil, fmt.Errorf("pipeline: Checkpoints is required")
	}
	if deps.Config.MaxConcurrentUnits < 1 {
		return nil, fmt.Errorf("pipeline: MaxConcurrentUnits must be at least 1")
	}
	m := deps.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	eg := resilience.NewFallbackGroup[embeddings.Provider](
		deps.Embedder, "embedder", resilience.BreakerConfig{})
	if deps.Offline != nil {
		eg.AddFallback("offline", deps.Offline)
	}
	return &Pipeline{deps: deps, metrics: m, embedders: eg}, nil
}

// Process ingests one episode. The returned report is non-nil whenever
// segmentation succeeded, even if err is set.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Report, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.deps.Config.EpisodeTimeout())
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "pipeline.process")
	defer span.End()

	// ── C1: parse ──────────────────────────────────────────────────────

	t0 := time.Now()
	captions, fileHash, err := p.parse(req.VTTPath)
	if err != nil {
		return nil, err
	}
	p.metrics.ParseDuration.Record(ctx, time.Since(t0).Seconds())

	podcast := types.Podcast{
		ID:          types.NormalizeName(req.PodcastName),
		Name:        req.PodcastName,
		Description: req.PodcastDescription,
	}
	dateOrHash := req.PublishedDate
	if dateOrHash == "" {
		dateOrHash = fileHash
	}
	ep := types.Episode{
		ID:              types.EpisodeID(podcast.ID, req.EpisodeTitle, dateOrHash),
		PodcastID:       podcast.ID,
		Title:           req.EpisodeTitle,
		PodcastName:     req.PodcastName,
		PublishedDate:   req.PublishedDate,
		DurationSeconds: vtt.Duration(captions),
		VTTPath:         req.VTTPath,
		YouTubeURL:      req.YouTubeURL,
	}
	rep := &Report{EpisodeID: ep.ID}
	log := observe.Logger(ctx).With("episode", ep.ID)

	cp, err := p.deps.Checkpoints.Load(ep.ID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load checkpoint: %w", err)
	}
	committed := map[string]bool{}
	var committedOrder []string
	if cp != nil && len(cp.CommittedUnitIDs) > 0 {
		committed = cp.Committed()
		committedOrder = cp.CommittedUnitIDs
		rep.Resumed = true
		log.Info("resuming from checkpoint",
			"stage", cp.Stage, "committed_units", len(committedOrder))
	}

	// Graph prologue: schema, podcast and episode nodes, stale analytics.
	if err := p.deps.Store.EnsureSchema(ctx, p.deps.Embedder.Dimensions()); err != nil {
		return nil, fmt.Errorf("pipeline: ensure schema: %w", err)
	}
	if err := p.deps.Store.UpsertPodcast(ctx, podcast); err != nil {
		return nil, fmt.Errorf("pipeline: upsert podcast: %w", err)
	}
	if err := p.deps.Store.UpsertEpisode(ctx, ep); err != nil {
		return nil, fmt.Errorf("pipeline: upsert episode: %w", err)
	}
	if err := p.deps.Store.DeleteAnalyticsArtifacts(ctx, ep.ID); err != nil {
		return nil, fmt.Errorf("pipeline: delete analytics artifacts: %w", err)
	}
	p.saveCheckpoint(ep.ID, checkpoint.StageParse, 0, committedOrder)

	// ── C2: speaker identification ─────────────────────────────────────

	t0 = time.Now()
	sctx, scancel := context.WithTimeout(ctx, p.deps.Config.SpeakerTimeout())
	speakers, err := p.deps.Speakers.Identify(sctx, ep, req.PodcastDescription, captions)
	scancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("pipeline: identify speakers: %w", err)
	}
	p.metrics.SpeakerDuration.Record(ctx, time.Since(t0).Seconds())
	p.saveCheckpoint(ep.ID, checkpoint.StageSpeaker, 0, committedOrder)

	// ── C3: segmentation ───────────────────────────────────────────────

	t0 = time.Now()
	gctx, gcancel := context.WithTimeout(ctx, p.deps.Config.SegmentTimeout())
	units, err := p.deps.Segmenter.Segment(gctx, ep, captions, speakers)
	gcancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// Even the deterministic fallback failed: mark the episode failed
		// and leave any previously committed units in place.
		p.finalize(ctx, ep.ID, types.StatusFailed)
		return nil, fmt.Errorf("pipeline: segment: %w", err)
	}
	p.metrics.SegmentDuration.Record(ctx, time.Since(t0).Seconds())
	rep.UnitsTotal = len(units)
	p.saveCheckpoint(ep.ID, checkpoint.StageSegment, len(units), committedOrder)

	byName := make(map[string]types.Speaker)
	for _, s := range speakers.Speakers() {
		byName[s.Name] = s
	}

	// ── C4: extraction fan-out ─────────────────────────────────────────

	extractions := make([]*types.Extraction, len(units))
	g, ectx := errgroup.WithContext(ctx)
	g.SetLimit(p.deps.Config.MaxConcurrentUnits)
	for i, u := range units {
		if committed[u.ID] {
			continue
		}
		g.Go(func() error {
			p.metrics.ActiveExtractions.Add(ectx, 1)
			defer p.metrics.ActiveExtractions.Add(ectx, -1)

			uctx, ucancel := context.WithTimeout(ectx, p.deps.Config.ExtractTimeout())
			defer ucancel()
			uctx, uspan := observe.StartSpan(uctx, "pipeline.extract_unit")
			defer uspan.End()

			t := time.Now()
			ex, err := p.deps.Extractor.Extract(uctx, ep, u, byName)
			p.metrics.ExtractDuration.Record(ectx, time.Since(t).Seconds())
			if err != nil {
				return err
			}
			extractions[i] = ex
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		rep.UnitsSkipped = rep.UnitsTotal - len(committedOrder)
		p.finishEpisode(ctx, ep.ID, rep, committedOrder)
		rep.Elapsed = time.Since(start)
		return rep, err
	}
	p.saveCheckpoint(ep.ID, checkpoint.StageExtract, len(units), committedOrder)

	// ── C5: embeddings ─────────────────────────────────────────────────

	p.embed(ctx, units, committed)

	// ── C6: serialized writes ──────────────────────────────────────────

	prev := ""
	for i, u := range units {
		if committed[u.ID] {
			prev = u.ID
			rep.UnitsCommitted++
			continue
		}
		if ctx.Err() != nil {
			rep.UnitsSkipped = rep.UnitsTotal - rep.UnitsCommitted
			p.finishEpisode(ctx, ep.ID, rep, committedOrder)
			rep.Elapsed = time.Since(start)
			return rep, ctx.Err()
		}

		w := graph.UnitWrite{
			Unit:       u,
			PrevUnitID: prev,
			Speakers:   unitSpeakers(u, byName),
			Extraction: extractions[i],
		}
		t := time.Now()
		err := p.writeUnit(ctx, ep.ID, w)
		p.metrics.WriteDuration.Record(ctx, time.Since(t).Seconds())
		if err != nil {
			rep.UnitsSkipped++
			p.metrics.RecordUnitOutcome(ctx, "skipped")
			log.Warn("unit write failed twice, skipping unit",
				"unit", u.ID, "error", err)
			continue
		}

		prev = u.ID
		rep.UnitsCommitted++
		committedOrder = append(committedOrder, u.ID)
		if extractions[i] != nil && extractions[i].Status == types.ExtractionFailed {
			rep.UnitsExtractionFailed++
			p.metrics.RecordUnitOutcome(ctx, "extraction_failed")
		} else {
			p.metrics.RecordUnitOutcome(ctx, "ok")
		}
		p.saveCheckpoint(ep.ID, checkpoint.StageWrite, len(units), committedOrder)
	}

	p.finishEpisode(ctx, ep.ID, rep, committedOrder)
	rep.Elapsed = time.Since(start)
	log.Info("episode processed",
		"status", rep.Status,
		"units", rep.UnitsTotal,
		"committed", rep.UnitsCommitted,
		"extraction_failed", rep.UnitsExtractionFailed,
		"skipped", rep.UnitsSkipped,
		"elapsed", rep.Elapsed)
	return rep, nil
}

// Query embeds text and runs the vector retrieval primitive.
func (p *Pipeline) Query(ctx context.Context, text string, topK int) ([]graph.SearchResult, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.query")
	defer span.End()

	t0 := time.Now()
	vec, err := resilience.ExecuteWithResult(p.embedders, func(e embeddings.Provider) ([]float32, error) {
		return e.Embed(ctx, text)
	})
	p.metrics.EmbedDuration.Record(ctx, time.Since(t0).Seconds())
	if err != nil {
		return nil, fmt.Errorf("pipeline: embed query: %w", err)
	}
	return p.deps.Store.Search(ctx, vec, topK)
}

// parse opens and parses the VTT file, returning the captions and the
// file's content hash.
func (p *Pipeline) parse(path string) ([]types.Caption, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", invalidInput("open %q: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	captions, err := p.deps.Parser.Parse(io.TeeReader(f, h))
	if err != nil {
		return nil, "", invalidInput("parse %q: %w", path, err)
	}
	if len(captions) == 0 {
		return nil, "", invalidInput("%q contains no captions", path)
	}
	return captions, hex.EncodeToString(h.Sum(nil)), nil
}

// embed fills Embedding on every unit not already committed. Provider
// failure degrades to the offline embedder when configured, otherwise the
// affected units keep a nil embedding.
func (p *Pipeline) embed(ctx context.Context, units []types.MeaningfulUnit, committed map[string]bool) {
	var idx []int
	var texts []string
	for i, u := range units {
		if committed[u.ID] {
			continue
		}
		// Empty text embeds as the zero vector, without a provider call.
		if strings.TrimSpace(u.Text) == "" {
			units[i].Embedding = make([]float32, p.deps.Embedder.Dimensions())
			continue
		}
		idx = append(idx, i)
		texts = append(texts, u.Text)
	}

	pos := 0
	for _, batch := range embeddings.Chunk(texts) {
		if ctx.Err() != nil {
			return
		}
		t0 := time.Now()
		vecs, err := resilience.ExecuteWithResult(p.embedders, func(e embeddings.Provider) ([][]float32, error) {
			return e.EmbedBatch(ctx, batch)
		})
		p.metrics.EmbedDuration.Record(ctx, time.Since(t0).Seconds())
		if err != nil {
			slog.Warn("embedding batch failed, storing null embeddings",
				"batch_size", len(batch), "error", err)
			pos += len(batch)
			continue
		}
		for j := range batch {
			units[idx[pos+j]].Embedding = vecs[j]
		}
		pos += len(batch)
	}
}

// writeUnit runs one unit transaction, retrying once on failure.
func (p *Pipeline) writeUnit(ctx context.Context, episodeID string, w graph.UnitWrite) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, p.deps.Config.WriteTimeout())
		lastErr = p.deps.Store.WriteUnit(wctx, episodeID, w)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// finishEpisode computes the final status, persists it, and updates the
// checkpoint. It runs even when ctx is cancelled so committed units are
// never left behind an unfinalized episode.
func (p *Pipeline) finishEpisode(ctx context.Context, episodeID string, rep *Report, committedOrder []string) {
	okUnits := rep.UnitsCommitted - rep.UnitsExtractionFailed
	switch {
	case rep.UnitsExtractionFailed == 0 && rep.UnitsSkipped == 0:
		rep.Status = types.StatusOK
	case okUnits*2 < rep.UnitsTotal:
		rep.Status = types.StatusFailed
	default:
		rep.Status = types.StatusPartial
	}

	p.finalize(ctx, episodeID, rep.Status)
	p.metrics.RecordEpisode(ctx, string(rep.Status))

	if rep.Status == types.StatusOK {
		if err := p.deps.Checkpoints.Delete(episodeID); err != nil {
			slog.Warn("checkpoint delete failed", "episode", episodeID, "error", err)
		}
		return
	}
	p.saveCheckpoint(episodeID, checkpoint.StageDone, rep.UnitsTotal, committedOrder)
}

// finalize writes the episode status, surviving cancellation of ctx.
func (p *Pipeline) finalize(ctx context.Context, episodeID string, status types.EpisodeStatus) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := p.deps.Store.FinalizeEpisode(fctx, episodeID, status, time.Now().UTC()); err != nil {
		slog.Error("finalize episode failed", "episode", episodeID, "error", err)
	}
}

// saveCheckpoint persists progress; failures are logged, not fatal.
func (p *Pipeline) saveCheckpoint(episodeID string, stage checkpoint.Stage, total int, committedOrder []string) {
	err := p.deps.Checkpoints.Save(&checkpoint.Checkpoint{
		EpisodeID:        episodeID,
		Stage:            stage,
		UnitsTotal:       total,
		CommittedUnitIDs: committedOrder,
	})
	if err != nil {
		slog.Warn("checkpoint save failed", "episode", episodeID, "error", err)
	}
}

// unitSpeakers resolves the unit's distribution names to speaker records.
func unitSpeakers(u types.MeaningfulUnit, byName map[string]types.Speaker) []types.Speaker {
	out := make([]types.Speaker, 0, len(u.SpeakerDistribution))
	for name := range u.SpeakerDistribution {
		if s, ok := byName[name]; ok {
			out = append(out, s)
		}
	}
	return out
}
