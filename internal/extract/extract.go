// Package extract runs per-unit knowledge extraction: one structured LLM
// call per meaningful unit that returns entities, quotes, insights,
// relationships, and topics as JSON.
//
// LLM output is treated as hostile input. The parser strips code fences,
// isolates the first top-level JSON value, applies conservative repairs
// (trailing commas, raw newlines inside strings), coerces a lone object
// where a list was expected, and validates everything against the closed
// enums. A response that cannot be repaired is a [SchemaError]; the unit is
// re-prompted with stricter instructions up to the retry budget and finally
// stored with an empty extraction and the extraction_failed flag. Extraction
// failures never abort the episode.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sblumenf/podcastknowledge-sub012/pkg/provider/llm"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/types"
)

const (
	// DefaultMaxRetries is the total attempt budget per unit.
	DefaultMaxRetries = 3

	// defaultRetryDelay seeds the backoff between schema retries.
	defaultRetryDelay = 5 * time.Second

	// maxRetryDelay caps the backoff.
	maxRetryDelay = 60 * time.Second
)

// SchemaError indicates the LLM response could not be repaired into the
// extraction schema. It is permanent for a single attempt; the extractor
// handles its own stricter-prompt retries.
type SchemaError struct {
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("extraction schema error: %s", e.Reason)
}

// Completer is the slice of the rate-limited LLM client the extractor needs.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// Extractor runs knowledge extraction for units. Construct via [New].
type Extractor struct {
	client     Completer
	maxRetries int
	retryDelay time.Duration
}

// Option is a functional option for [New].
type Option func(*Extractor)

// WithMaxRetries overrides the per-unit attempt budget.
func WithMaxRetries(n int) Option {
	return func(e *Extractor) { e.maxRetries = n }
}

// WithRetryDelay overrides the initial schema-retry backoff (tests use 0).
func WithRetryDelay(d time.Duration) Option {
	return func(e *Extractor) { e.retryDelay = d }
}

// New creates an Extractor.
func New(client Completer, opts ...Option) *Extractor {
	e := &Extractor{
		client:     client,
		maxRetries: DefaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract runs the combined-mode extraction for one unit. On unrecoverable
// schema failure it returns an empty extraction flagged extraction_failed
// and a nil error; the only returned errors are context cancellation and
// exhausted LLM transport failures.
func (e *Extractor) Extract(ctx context.Context, ep types.Episode, unit types.MeaningfulUnit, speakers map[string]types.Speaker) (*types.Extraction, error) {
	delay := e.retryDelay
	var lastErr error

	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		prompt := buildPrompt(ep, unit, speakers, attempt > 1)
		resp, err := e.client.Complete(ctx, llm.CompletionRequest{
			Messages:    []llm.Message{{Role: "user", Content: prompt}},
			Temperature: 0.2,
			JSONMode:    true,
		})
		if err != nil {
			// Transport failures were already retried by the client; treat
			// as final for this unit.
			slog.Warn("extraction LLM call failed", "unit", unit.ID, "error", err)
			lastErr = err
			break
		}

		extraction, err := e.parse(resp.Content, unit)
		if err == nil {
			extraction.UnitID = unit.ID
			extraction.Status = types.ExtractionOK
			return extraction, nil
		}
		lastErr = err
		slog.Warn("extraction response rejected",
			"unit", unit.ID, "attempt", attempt, "error", err)

		if attempt < e.maxRetries && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}
	}

	slog.Warn("extraction failed permanently, storing empty",
		"unit", unit.ID, "error", lastErr)
	return &types.Extraction{
		UnitID: unit.ID,
		Status: types.ExtractionFailed,
	}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Prompt
// ─────────────────────────────────────────────────────────────────────────────

// buildPrompt renders the combined-mode extraction prompt. The strict
// variant spells out the most common schema mistakes.
func buildPrompt(ep types.Episode, unit types.MeaningfulUnit, speakers map[string]types.Speaker, strict bool) string {
	var b strings.Builder
	b.WriteString("Extract structured knowledge from this podcast segment.\n\n")
	fmt.Fprintf(&b, "Podcast: %s\nEpisode: %s\nSegment time range: %.1fs - %.1fs\n",
		ep.PodcastName, ep.Title, unit.StartTime, unit.EndTime)

	if len(speakers) > 0 {
		b.WriteString("Speakers in this segment:\n")
		seen := make(map[string]bool, len(speakers))
		for _, s := range speakers {
			if seen[s.Name] {
				continue
			}
			seen[s.Name] = true
			fmt.Fprintf(&b, "- %s (%s)\n", s.Name, s.Role)
		}
	}

	b.WriteString("\nTranscript:\n")
	b.WriteString(unit.Text)
	b.WriteString("\n\nReturn a JSON object with exactly these keys:\n")
	b.WriteString(`{
  "entities": [{"value": "...", "type": "person|organization|place|product|concept|event|technology|other", "confidence": 0.0, "description": "...", "importance": 0.0, "frequency": 1}],
  "quotes": [{"text": "verbatim from transcript", "speaker": "...", "context": "...", "quote_type": "key_point|funny|provocative|personal|other", "importance": 0.0}],
  "insights": [{"title": "...", "description": "...", "type": "key_point|summary|fact|other", "confidence": 0.0, "supporting_entities": ["..."]}],
  "relationships": [{"source": "entity value", "target": "entity value", "type": "...", "confidence": 0.0}],
  "topics": ["short lowercase tag"]
}`)
	b.WriteString("\n")

	if strict {
		b.WriteString(`
STRICT REQUIREMENTS (your previous answer was rejected):
- Output ONLY the JSON object. No prose, no markdown fences.
- Every key above must be present; use [] when a list is empty.
- quote "text" must be copied verbatim from the transcript.
- relationship "source" and "target" must exactly match an entity "value".
- No trailing commas. Escape newlines inside strings.
`)
	}
	return b.String()
}

// ─────────────────────────────────────────────────────────────────────────────
// Parsing and repair
// ─────────────────────────────────────────────────────────────────────────────

// rawExtraction mirrors the response schema before normalization.
type rawExtraction struct {
	Entities      []rawEntity       `json:"entities"`
	Quotes        []rawQuote        `json:"quotes"`
	Insights      []rawInsight      `json:"insights"`
	Relationships []rawRelationship `json:"relationships"`
	Topics        []string          `json:"topics"`
}

type rawEntity struct {
	Value       string  `json:"value"`
	Type        string  `json:"type"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
	Importance  float64 `json:"importance"`
	Frequency   int     `json:"frequency"`
}

type rawQuote struct {
	Text       string  `json:"text"`
	Speaker    string  `json:"speaker"`
	Context    string  `json:"context"`
	QuoteType  string  `json:"quote_type"`
	Importance float64 `json:"importance"`
}

type rawInsight struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Type               string   `json:"type"`
	Confidence         float64  `json:"confidence"`
	SupportingEntities []string `json:"supporting_entities"`
}

type rawRelationship struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// parse turns a raw LLM response into a validated, normalized Extraction.
func (e *Extractor) parse(content string, unit types.MeaningfulUnit) (*types.Extraction, error) {
	body := FirstJSONValue(stripCodeFences(content))
	if body == "" {
		return nil, &SchemaError{Reason: "no JSON value in response"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		repaired := RepairJSON(body)
		if err2 := json.Unmarshal([]byte(repaired), &fields); err2 != nil {
			return nil, &SchemaError{Reason: fmt.Sprintf("unparseable JSON: %v", err)}
		}
		body = repaired
	}

	known := 0
	for _, key := range []string{"entities", "quotes", "insights", "relationships", "topics"} {
		if _, ok := fields[key]; ok {
			known++
		}
	}
	if known == 0 {
		return nil, &SchemaError{Reason: "response carries none of the schema keys"}
	}

	var raw rawExtraction
	if err := decodeField(fields["entities"], &raw.Entities, "entities"); err != nil {
		return nil, err
	}
	if err := decodeField(fields["quotes"], &raw.Quotes, "quotes"); err != nil {
		return nil, err
	}
	if err := decodeField(fields["insights"], &raw.Insights, "insights"); err != nil {
		return nil, err
	}
	if err := decodeField(fields["relationships"], &raw.Relationships, "relationships"); err != nil {
		return nil, err
	}
	if rawTopics, ok := fields["topics"]; ok {
		if err := json.Unmarshal(rawTopics, &raw.Topics); err != nil {
			var single string
			if err2 := json.Unmarshal(rawTopics, &single); err2 != nil {
				return nil, &SchemaError{Reason: fmt.Sprintf("topics: %v", err)}
			}
			raw.Topics = []string{single}
		}
	}

	return normalize(raw, unit), nil
}

// decodeField unmarshals a list field, coercing a single object to a
// one-element list with a warning.
func decodeField[T any](data json.RawMessage, out *[]T, name string) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err == nil {
		return nil
	}
	var single T
	if err := json.Unmarshal(data, &single); err != nil {
		return &SchemaError{Reason: fmt.Sprintf("%s is neither a list nor an object", name)}
	}
	slog.Warn("extraction field was an object, coerced to one-element list", "field", name)
	*out = []T{single}
	return nil
}

// FirstJSONValue returns the first balanced top-level JSON object or array
// in s, or "" when none exists. String literals and escapes are respected.
func FirstJSONValue(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// RepairJSON applies conservative fixes to almost-JSON: trailing commas
// before a closing bracket and raw newlines inside string literals.
func RepairJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
			b.WriteByte(c)
		case inString && c == '\\':
			escaped = true
			b.WriteByte(c)
		case c == '"':
			inString = !inString
			b.WriteByte(c)
		case inString && (c == '\n' || c == '\r'):
			b.WriteString(`\n`)
			if c == '\r' && i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
		case !inString && c == ',':
			// Drop the comma if the next non-whitespace byte closes a scope.
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// stripCodeFences removes a surrounding markdown code fence, if present.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// ─────────────────────────────────────────────────────────────────────────────
// Normalization
// ─────────────────────────────────────────────────────────────────────────────

// normalize applies the schema's cleanup rules and builds the final
// Extraction with deterministic IDs.
func normalize(raw rawExtraction, unit types.MeaningfulUnit) *types.Extraction {
	out := &types.Extraction{}

	// Entities: normalize value/type, clamp scores, merge in-unit duplicates
	// (max confidence/importance, summed frequency).
	type entityKey struct {
		value string
		typ   types.EntityType
	}
	merged := make(map[entityKey]*types.Entity)
	var order []entityKey
	for _, re := range raw.Entities {
		value := types.NormalizeValue(re.Value)
		if value == "" {
			continue
		}
		typ := types.CoerceEntityType(re.Type)
		freq := re.Frequency
		if freq < 1 {
			freq = 1
		}

		key := entityKey{value: strings.ToLower(value), typ: typ}
		if ex, ok := merged[key]; ok {
			ex.Confidence = maxf(ex.Confidence, types.Clamp01(re.Confidence))
			ex.Importance = maxf(ex.Importance, types.Clamp01(re.Importance))
			ex.Frequency += freq
			if ex.Description == "" {
				ex.Description = strings.TrimSpace(re.Description)
			}
			continue
		}
		merged[key] = &types.Entity{
			ID:          types.EntityID(unit.ID, value, typ),
			Value:       value,
			Type:        typ,
			Confidence:  types.Clamp01(re.Confidence),
			Description: strings.TrimSpace(re.Description),
			Importance:  types.Clamp01(re.Importance),
			Frequency:   freq,
		}
		order = append(order, key)
	}
	entityValues := make(map[string]bool, len(merged))
	for _, key := range order {
		out.Entities = append(out.Entities, *merged[key])
		entityValues[key.value] = true
	}

	// Quotes: verbatim substring check against the unit text, whitespace
	// normalized; failures are dropped with a warning.
	unitText := types.NormalizeWhitespace(unit.Text)
	for _, rq := range raw.Quotes {
		text := types.NormalizeWhitespace(rq.Text)
		if text == "" {
			continue
		}
		if !strings.Contains(unitText, text) {
			slog.Warn("quote not verbatim in unit, dropped",
				"unit", unit.ID, "quote", truncateForLog(text))
			continue
		}
		out.Quotes = append(out.Quotes, types.Quote{
			ID:             types.QuoteID(unit.ID, text),
			Text:           text,
			Speaker:        strings.TrimSpace(rq.Speaker),
			Context:        strings.TrimSpace(rq.Context),
			Type:           types.CoerceQuoteType(rq.QuoteType),
			Importance:     types.Clamp01(rq.Importance),
			TimestampStart: unit.StartTime,
			TimestampEnd:   unit.EndTime,
		})
	}

	// Insights.
	for _, ri := range raw.Insights {
		title := types.NormalizeValue(ri.Title)
		if title == "" {
			continue
		}
		var supporting []string
		for _, s := range ri.SupportingEntities {
			if v := types.NormalizeValue(s); v != "" {
				supporting = append(supporting, v)
			}
		}
		out.Insights = append(out.Insights, types.Insight{
			ID:                 types.InsightID(unit.ID, title),
			Title:              title,
			Description:        strings.TrimSpace(ri.Description),
			Type:               types.CoerceInsightType(ri.Type),
			Confidence:         types.Clamp01(ri.Confidence),
			SupportingEntities: supporting,
		})
	}

	// Relationships: both endpoints must be unit entities.
	for _, rr := range raw.Relationships {
		src := types.NormalizeValue(rr.Source)
		dst := types.NormalizeValue(rr.Target)
		if src == "" || dst == "" {
			continue
		}
		if !entityValues[strings.ToLower(src)] || !entityValues[strings.ToLower(dst)] {
			slog.Warn("relationship endpoint not in unit entities, dropped",
				"unit", unit.ID, "source", src, "target", dst)
			continue
		}
		relType := types.NormalizeName(rr.Type)
		if relType == "" {
			relType = "related_to"
		}
		out.Relationships = append(out.Relationships, types.Relationship{
			Source:     src,
			Target:     dst,
			Type:       relType,
			Confidence: types.Clamp01(rr.Confidence),
		})
	}

	// Topics: lowercase, dedupe, drop empties.
	seenTopics := make(map[string]bool, len(raw.Topics))
	for _, t := range raw.Topics {
		t = strings.ToLower(types.NormalizeWhitespace(t))
		if t == "" || seenTopics[t] {
			continue
		}
		seenTopics[t] = true
		out.Topics = append(out.Topics, types.Topic{Name: t})
	}

	return out
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func truncateForLog(s string) string {
	if len(s) > 80 {
		return s[:80] + "…"
	}
	return s
}
