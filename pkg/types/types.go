// Package types defines the shared domain model for the podcast knowledge
// pipeline: podcasts, episodes, captions, speakers, meaningful units, and the
// knowledge artifacts (entities, quotes, insights, topics) extracted from them.
//
// These types form the lingua franca between the parser, the extraction
// stages, and the graph writer. All persistent objects carry deterministic
// IDs derived from their semantic keys (see ids.go) so that re-ingesting the
// same episode converges on the same graph. Captions are transient; they
// exist only within one ingest and are never persisted.
package types

import "time"

// ─────────────────────────────────────────────────────────────────────────────
// Enums
// ─────────────────────────────────────────────────────────────────────────────

// SpeakerRole classifies a speaker's part in a podcast.
type SpeakerRole string

const (
	RoleHost             SpeakerRole = "host"
	RoleRecurringHost    SpeakerRole = "recurring_host"
	RoleGuest            SpeakerRole = "guest"
	RoleBriefContributor SpeakerRole = "brief_contributor"
	RoleUnknown          SpeakerRole = "unknown"
)

// IsValid reports whether r is a recognised speaker role.
func (r SpeakerRole) IsValid() bool {
	switch r {
	case RoleHost, RoleRecurringHost, RoleGuest, RoleBriefContributor, RoleUnknown:
		return true
	}
	return false
}

// UnitType classifies the discursive shape of a meaningful unit.
type UnitType string

const (
	UnitStory       UnitType = "story"
	UnitExplanation UnitType = "explanation"
	UnitQAndA       UnitType = "q_and_a"
	UnitDiscussion  UnitType = "discussion"
	UnitExample     UnitType = "example"
	UnitTransition  UnitType = "transition"
	UnitOther       UnitType = "other"
)

// CoerceUnitType maps an arbitrary string onto the closed UnitType enum.
// Unknown values collapse to UnitOther.
func CoerceUnitType(s string) UnitType {
	t := UnitType(NormalizeName(s))
	switch t {
	case UnitStory, UnitExplanation, UnitQAndA, UnitDiscussion, UnitExample, UnitTransition, UnitOther:
		return t
	}
	return UnitOther
}

// EntityType classifies an extracted entity.
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityPlace        EntityType = "place"
	EntityProduct      EntityType = "product"
	EntityConcept      EntityType = "concept"
	EntityEvent        EntityType = "event"
	EntityTechnology   EntityType = "technology"
	EntityOther        EntityType = "other"
)

// CoerceEntityType maps an arbitrary string onto the closed EntityType enum.
// Unknown values collapse to EntityOther.
func CoerceEntityType(s string) EntityType {
	t := EntityType(NormalizeName(s))
	switch t {
	case EntityPerson, EntityOrganization, EntityPlace, EntityProduct,
		EntityConcept, EntityEvent, EntityTechnology, EntityOther:
		return t
	}
	return EntityOther
}

// QuoteType classifies why a quote was worth extracting.
type QuoteType string

const (
	QuoteKeyPoint    QuoteType = "key_point"
	QuoteFunny       QuoteType = "funny"
	QuoteProvocative QuoteType = "provocative"
	QuotePersonal    QuoteType = "personal"
	QuoteOther       QuoteType = "other"
)

// CoerceQuoteType maps an arbitrary string onto the closed QuoteType enum.
func CoerceQuoteType(s string) QuoteType {
	t := QuoteType(NormalizeName(s))
	switch t {
	case QuoteKeyPoint, QuoteFunny, QuoteProvocative, QuotePersonal, QuoteOther:
		return t
	}
	return QuoteOther
}

// InsightType classifies an extracted insight.
type InsightType string

const (
	InsightKeyPoint InsightType = "key_point"
	InsightSummary  InsightType = "summary"
	InsightFact     InsightType = "fact"
	InsightOther    InsightType = "other"
)

// CoerceInsightType maps an arbitrary string onto the closed InsightType enum.
func CoerceInsightType(s string) InsightType {
	t := InsightType(NormalizeName(s))
	switch t {
	case InsightKeyPoint, InsightSummary, InsightFact, InsightOther:
		return t
	}
	return InsightOther
}

// EpisodeStatus summarises how an episode's ingest run ended.
type EpisodeStatus string

const (
	// StatusOK means every unit was extracted and written.
	StatusOK EpisodeStatus = "ok"

	// StatusPartial means at least one unit failed extraction or its write
	// was skipped, but half or more of the units succeeded.
	StatusPartial EpisodeStatus = "partial"

	// StatusFailed means fewer than 50% of the episode's units succeeded.
	StatusFailed EpisodeStatus = "failed"
)

// ─────────────────────────────────────────────────────────────────────────────
// Core objects
// ─────────────────────────────────────────────────────────────────────────────

// Podcast is the root of the graph. One per store; merged on first ingest.
type Podcast struct {
	// ID is the stable external key for the podcast.
	ID string

	// Name is the podcast's display name.
	Name string

	// Description is free text from the feed or the caller.
	Description string

	// Metadata holds caller-supplied key/value pairs persisted verbatim.
	Metadata map[string]string
}

// Episode is a single ingested transcript. It belongs to exactly one Podcast.
//
// Invariant: the episode's meaningful units span disjoint, monotonically
// non-decreasing time intervals within [0, DurationSeconds].
type Episode struct {
	// ID is the deterministic episode key (see EpisodeID).
	ID string

	// PodcastID references the owning Podcast.
	PodcastID string

	// Title is the episode title as supplied by the caller.
	Title string

	// PodcastName duplicates the podcast display name for cheap retrieval.
	PodcastName string

	// PublishedDate is the publication date in YYYY-MM-DD form, if known.
	PublishedDate string

	// DurationSeconds is the end time of the last caption.
	DurationSeconds float64

	// VTTPath is the source transcript path.
	VTTPath string

	// YouTubeURL is an optional link to the episode video.
	YouTubeURL string

	// ProcessingTimestamp records when the last ingest run finished.
	ProcessingTimestamp time.Time

	// Status summarises the last ingest run.
	Status EpisodeStatus
}

// Caption is one timed text cue from a VTT file. Captions are transient:
// they are produced by the parser and discarded after segmentation.
type Caption struct {
	// Index is the 0-based position in file order.
	Index int

	// StartTime and EndTime are offsets in seconds from episode start.
	StartTime float64
	EndTime   float64

	// SpeakerTag is the raw voice tag from the cue ("<v Name>"), or "" when
	// the cue carries no tag.
	SpeakerTag string

	// Text is the cue text with multi-line content joined by single spaces.
	Text string
}

// Speaker is a named participant. Speakers are shared across episodes within
// a podcast by normalized name; a lower-confidence identification never
// replaces a higher-confidence one.
type Speaker struct {
	// ID is the deterministic speaker key (see SpeakerID).
	ID string

	// Name is the display name ("Jane Smith", "Primary Speaker").
	Name string

	// Role classifies the speaker's part in the podcast.
	Role SpeakerRole

	// Confidence is the identification confidence in [0, 1]. Name-only merges
	// across episodes carry confidence ≤ 0.5.
	Confidence float64
}

// MeaningfulUnit is a contiguous group of captions forming one topical or
// discursive chunk. It is the unit of extraction, embedding, and retrieval.
type MeaningfulUnit struct {
	// ID is the deterministic unit key (see UnitID).
	ID string

	// EpisodeID references the owning Episode.
	EpisodeID string

	// Type is the discursive shape of the unit.
	Type UnitType

	// Summary is a single LLM-written sentence describing the unit.
	Summary string

	// Themes is a bounded set of short topical tags.
	Themes []string

	// StartTime and EndTime are the min caption start and max caption end of
	// the covered captions, in seconds. EndTime > StartTime.
	StartTime float64
	EndTime   float64

	// SegmentIndices is the contiguous range of caption indices covered by
	// this unit, in ascending order.
	SegmentIndices []int

	// SegmentCount is len(SegmentIndices), ≥ 1. Values above 60 mark a
	// fallback unit that must be re-segmented.
	SegmentCount int

	// PrimarySpeaker is the name of the speaker with the largest token share.
	PrimarySpeaker string

	// SpeakerDistribution maps speaker name → fraction of tokens spoken,
	// summing to 1.0 ± 0.01. Computed from caption token counts, never
	// LLM-reported.
	SpeakerDistribution map[string]float64

	// Text is the concatenated caption text of the unit, space-joined.
	Text string

	// Embedding is the unit's dense vector of store dimension D, L2-normalized.
	// Nil when embedding failed and offline mode is disabled.
	Embedding []float32
}

// Entity is a named thing mentioned in a unit. Entities with the same
// (normalized value, type) within one episode merge: confidence and
// importance take the max, frequency sums.
type Entity struct {
	// ID is the deterministic entity key (see EntityID).
	ID string

	// Value is the surface form, stripped, whitespace-collapsed, ≤ 200 chars.
	Value string

	// Type classifies the entity.
	Type EntityType

	// Confidence is the extraction confidence in [0, 1].
	Confidence float64

	// Description is optional free text about the entity.
	Description string

	// Importance ranks the entity within its unit, in [0, 1].
	Importance float64

	// Frequency counts mentions, ≥ 1.
	Frequency int
}

// Quote is a verbatim span of caption text worth surfacing on its own.
//
// Invariant: Text is a substring of the whitespace-normalized concatenated
// caption text of its unit.
type Quote struct {
	// ID is the deterministic quote key (see QuoteID).
	ID string

	// Text is the verbatim quote.
	Text string

	// Speaker is the name of the person quoted.
	Speaker string

	// Context optionally explains the surrounding conversation.
	Context string

	// Type classifies the quote.
	Type QuoteType

	// Importance ranks the quote within its unit, in [0, 1].
	Importance float64

	// TimestampStart and TimestampEnd bound the quote within the episode,
	// in seconds.
	TimestampStart float64
	TimestampEnd   float64
}

// Insight is a synthesised observation about a unit.
type Insight struct {
	// ID is the deterministic insight key (see InsightID).
	ID string

	// Title is a short headline for the insight.
	Title string

	// Description elaborates the insight.
	Description string

	// Type classifies the insight.
	Type InsightType

	// Confidence is the extraction confidence in [0, 1].
	Confidence float64

	// SupportingEntities lists entity values that ground this insight.
	SupportingEntities []string
}

// Topic is a short lowercase tag shared across all episodes in the store.
// One node per normalized name.
type Topic struct {
	// Name is the unique lowercase topic name.
	Name string
}

// Relationship is a typed edge between two entities within one episode.
// Relationships are data, not pointers: Source and Target are entity values,
// and both must appear in the unit's extracted entity set.
type Relationship struct {
	// Source and Target are entity values.
	Source string
	Target string

	// Type is a short free-form relation label (e.g. "works_at").
	Type string

	// Confidence is the extraction confidence in [0, 1].
	Confidence float64
}

// ExtractionStatus records the outcome of one unit's knowledge extraction.
type ExtractionStatus string

const (
	// ExtractionOK means the unit's extraction parsed and validated.
	ExtractionOK ExtractionStatus = "ok"

	// ExtractionFailed means every retry was exhausted; the unit is persisted
	// with an empty extraction and flagged.
	ExtractionFailed ExtractionStatus = "extraction_failed"
)

// Extraction is the full knowledge output for a single unit.
type Extraction struct {
	// UnitID references the extracted MeaningfulUnit.
	UnitID string

	Entities      []Entity
	Quotes        []Quote
	Insights      []Insight
	Relationships []Relationship
	Topics        []Topic

	// Status is ExtractionOK or ExtractionFailed.
	Status ExtractionStatus
}

// Clamp01 clamps v to the [0, 1] interval. NaN clamps to 0.
func Clamp01(v float64) float64 {
	if !(v > 0) { // catches NaN and negatives
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
