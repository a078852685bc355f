// Package segment groups an episode's captions into meaningful units:
// contiguous, non-overlapping caption ranges that each cover one topical
// beat of the conversation.
//
// The segmenter asks the LLM for unit boundaries and validates the answer
// against four rules: coverage (every caption in exactly one unit),
// contiguity (units are ordered, gap-free ranges), size bounds (unit count
// near N/20, each unit 5–60 captions), and boundary preference. An invalid
// answer is retried once with a stricter prompt; a second failure falls back
// to a deterministic splitter that cuts 15–25-caption units on speaker
// changes or long silences. Unit metadata (type, summary, themes) comes from
// the LLM where available; speaker distribution is always computed from
// caption token counts.
package segment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/sblumenf/podcastknowledge-sub012/internal/speaker"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/provider/llm"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/types"
)

const (
	// targetCaptionsPerUnit drives the expected unit count: max(1, round(N/20)).
	targetCaptionsPerUnit = 20

	// countTolerance is the allowed deviation from the expected unit count.
	countTolerance = 0.30

	// minUnitCaptions and maxUnitCaptions bound a single unit's size.
	minUnitCaptions = 5
	maxUnitCaptions = 60

	// giantUnitMinCaptions: a single unit covering more than this many
	// captions (with N above smallEpisodeCaptions) triggers the strict
	// re-prompt.
	giantUnitMinCaptions = 60

	// smallEpisodeCaptions: episodes at or below this size skip the
	// giant-unit retry entirely.
	smallEpisodeCaptions = 30

	// Deterministic splitter tuning.
	splitterMinCaptions   = 15
	splitterMaxCaptions   = 25
	splitterSilenceSplit  = 15.0 // seconds
	maxThemes             = 8
	maxThemeLen           = 64
	maxSummaryLen         = 280
)

// Completer is the slice of the rate-limited LLM client the segmenter needs.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// Segmenter turns captions into meaningful units. Construct via [New].
type Segmenter struct {
	client Completer
}

// New creates a Segmenter. client may be nil, in which case only the
// deterministic splitter runs.
func New(client Completer) *Segmenter {
	return &Segmenter{client: client}
}

// llmUnit is one entry in the LLM's segmentation response.
type llmUnit struct {
	StartIndex int      `json:"start_index"`
	EndIndex   int      `json:"end_index"`
	UnitType   string   `json:"unit_type"`
	Summary    string   `json:"summary"`
	Themes     []string `json:"themes"`
}

// Segment produces the episode's ordered meaningful units. The returned
// units carry boundaries and metadata only; text, entities, and embeddings
// are attached by later stages.
func (s *Segmenter) Segment(ctx context.Context, ep types.Episode, captions []types.Caption, speakers *speaker.Result) ([]types.MeaningfulUnit, error) {
	if len(captions) == 0 {
		return nil, fmt.Errorf("segment: no captions")
	}

	n := len(captions)
	var units []llmUnit

	if s.client != nil {
		var err error
		units, err = s.tryLLM(ctx, ep, captions, false)
		if err == nil {
			err = validate(units, n)
		}
		if err != nil && n > smallEpisodeCaptions {
			slog.Warn("segmentation invalid, retrying with strict prompt",
				"episode", ep.ID, "error", err)
			units, err = s.tryLLM(ctx, ep, captions, true)
			if err == nil {
				err = validate(units, n)
			}
		}
		if err != nil {
			slog.Warn("segmentation falling back to deterministic splitter",
				"episode", ep.ID, "error", err)
			units = nil
		}
	}

	if units == nil {
		units = deterministicSplit(captions)
		if err := validateCoverage(units, n); err != nil {
			return nil, fmt.Errorf("segment: deterministic splitter: %w", err)
		}
	}

	return s.build(ep, captions, speakers, units), nil
}

// tryLLM issues one segmentation request and decodes the response.
func (s *Segmenter) tryLLM(ctx context.Context, ep types.Episode, captions []types.Caption, strict bool) ([]llmUnit, error) {
	prompt := buildPrompt(ep, captions, strict)
	resp, err := s.client.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0.1,
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("segment: llm: %w", err)
	}

	var parsed struct {
		Units []llmUnit `json:"units"`
	}
	raw := stripCodeFences(resp.Content)
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("segment: decode response: %w", err)
	}
	if len(parsed.Units) == 0 {
		return nil, fmt.Errorf("segment: response contains no units")
	}
	sort.Slice(parsed.Units, func(i, j int) bool {
		return parsed.Units[i].StartIndex < parsed.Units[j].StartIndex
	})
	return parsed.Units, nil
}

// buildPrompt renders the numbered transcript and the segmentation
// instructions. The strict variant enumerates allowed unit types and forbids
// a single all-covering unit.
func buildPrompt(ep types.Episode, captions []types.Caption, strict bool) string {
	n := len(captions)
	expected := expectedUnits(n)

	var b strings.Builder
	b.WriteString("Segment this podcast transcript into meaningful units: contiguous caption ranges that each cover one topic, story, or exchange.\n\n")
	fmt.Fprintf(&b, "Podcast: %s\nEpisode: %s\nCaptions: %d (numbered 0-%d)\n\n", ep.PodcastName, ep.Title, n, n-1)

	b.WriteString("Transcript:\n")
	for _, c := range captions {
		tag := c.SpeakerTag
		if tag == "" {
			tag = "-"
		}
		fmt.Fprintf(&b, "[%d] (%.1fs, %s) %s\n", c.Index, c.StartTime, tag, c.Text)
	}

	fmt.Fprintf(&b, "\nRules:\n")
	fmt.Fprintf(&b, "- Every caption index 0-%d belongs to exactly one unit; units are contiguous and in order.\n", n-1)
	fmt.Fprintf(&b, "- Aim for about %d units; each unit spans %d-%d captions.\n", expected, minUnitCaptions, maxUnitCaptions)
	b.WriteString("- Prefer boundaries at sustained speaker changes, explicit topic shifts (\"so, next...\", \"let's talk about...\"), silences of 8s or more, and completed question/answer exchanges.\n")

	if strict {
		b.WriteString("- Allowed unit_type values, use these EXACTLY: story, explanation, q_and_a, discussion, example, transition, other.\n")
		fmt.Fprintf(&b, "- Do NOT return a single unit covering the whole transcript. You MUST return at least %d units.\n", max(2, expected/2))
	}

	b.WriteString("\nRespond as JSON: {\"units\":[{\"start_index\":0,\"end_index\":12,\"unit_type\":\"discussion\",\"summary\":\"one sentence\",\"themes\":[\"tag\",...]}]}\n")
	return b.String()
}

// expectedUnits is max(1, round(N/20)).
func expectedUnits(n int) int {
	e := int(math.Round(float64(n) / targetCaptionsPerUnit))
	if e < 1 {
		e = 1
	}
	return e
}

// validate enforces the segmentation contract: coverage, contiguity, size
// bounds, and unit count within ±30% of expected.
func validate(units []llmUnit, n int) error {
	if err := validateCoverage(units, n); err != nil {
		return err
	}

	if len(units) == 1 && n > smallEpisodeCaptions && units[0].EndIndex-units[0].StartIndex+1 > giantUnitMinCaptions {
		return fmt.Errorf("segment: one giant unit covering %d captions", n)
	}

	expected := expectedUnits(n)
	low := int(math.Floor(float64(expected) * (1 - countTolerance)))
	if low < 1 {
		low = 1
	}
	high := int(math.Ceil(float64(expected) * (1 + countTolerance)))
	if len(units) < low || len(units) > high {
		return fmt.Errorf("segment: %d units outside expected range [%d, %d]", len(units), low, high)
	}

	for _, u := range units {
		size := u.EndIndex - u.StartIndex + 1
		if size > maxUnitCaptions {
			return fmt.Errorf("segment: unit [%d,%d] covers %d captions, max %d", u.StartIndex, u.EndIndex, size, maxUnitCaptions)
		}
		// The lower bound only binds when the episode is big enough to honor it.
		if size < minUnitCaptions && n >= minUnitCaptions*2 {
			return fmt.Errorf("segment: unit [%d,%d] covers %d captions, min %d", u.StartIndex, u.EndIndex, size, minUnitCaptions)
		}
	}
	return nil
}

// validateCoverage checks that units partition 0..n-1 as ordered contiguous
// ranges.
func validateCoverage(units []llmUnit, n int) error {
	if len(units) == 0 {
		return fmt.Errorf("segment: no units")
	}
	next := 0
	for _, u := range units {
		if u.StartIndex != next {
			return fmt.Errorf("segment: unit starts at %d, expected %d (gap or overlap)", u.StartIndex, next)
		}
		if u.EndIndex < u.StartIndex {
			return fmt.Errorf("segment: unit [%d,%d] is inverted", u.StartIndex, u.EndIndex)
		}
		next = u.EndIndex + 1
	}
	if next != n {
		return fmt.Errorf("segment: units cover up to %d, expected %d captions", next, n)
	}
	return nil
}

// deterministicSplit cuts captions into 15–25-caption units, preferring
// boundaries at speaker changes and silences of 15s or more.
func deterministicSplit(captions []types.Caption) []llmUnit {
	var units []llmUnit
	start := 0
	for i := 1; i <= len(captions); i++ {
		size := i - start
		atEnd := i == len(captions)

		boundary := false
		if !atEnd && size >= splitterMinCaptions {
			prev, cur := captions[i-1], captions[i]
			if cur.SpeakerTag != prev.SpeakerTag || cur.StartTime-prev.EndTime >= splitterSilenceSplit {
				boundary = true
			}
		}
		if size >= splitterMaxCaptions {
			boundary = true
		}

		if atEnd || boundary {
			units = append(units, llmUnit{
				StartIndex: start,
				EndIndex:   i - 1,
				UnitType:   string(types.UnitDiscussion),
			})
			start = i
		}
	}

	// Fold a tiny trailing remainder into the previous unit.
	if len(units) >= 2 {
		last := &units[len(units)-1]
		if last.EndIndex-last.StartIndex+1 < splitterMinCaptions {
			units[len(units)-2].EndIndex = last.EndIndex
			units = units[:len(units)-1]
		}
	}
	return units
}

// build materializes [types.MeaningfulUnit] values from validated ranges.
func (s *Segmenter) build(ep types.Episode, captions []types.Caption, speakers *speaker.Result, units []llmUnit) []types.MeaningfulUnit {
	out := make([]types.MeaningfulUnit, 0, len(units))
	for _, u := range units {
		span := captions[u.StartIndex : u.EndIndex+1]

		start, end := span[0].StartTime, span[0].EndTime
		indices := make([]int, 0, len(span))
		var text strings.Builder
		for _, c := range span {
			if c.StartTime < start {
				start = c.StartTime
			}
			if c.EndTime > end {
				end = c.EndTime
			}
			indices = append(indices, c.Index)
			if text.Len() > 0 {
				text.WriteByte(' ')
			}
			text.WriteString(c.Text)
		}

		dist, primary := speakerDistribution(span, speakers)

		out = append(out, types.MeaningfulUnit{
			ID:                  types.UnitID(ep.ID, start, end),
			EpisodeID:           ep.ID,
			Type:                types.CoerceUnitType(u.UnitType),
			Summary:             truncate(types.NormalizeWhitespace(u.Summary), maxSummaryLen),
			Themes:              normalizeThemes(u.Themes),
			StartTime:           start,
			EndTime:             end,
			SegmentIndices:      indices,
			SegmentCount:        len(indices),
			PrimarySpeaker:      primary,
			SpeakerDistribution: dist,
			Text:                text.String(),
		})
	}
	return out
}

// speakerDistribution computes each speaker's token share of the span and
// the dominant speaker's name. Shares sum to 1 ± rounding.
func speakerDistribution(span []types.Caption, speakers *speaker.Result) (map[string]float64, string) {
	counts := make(map[string]float64)
	total := 0.0
	for _, c := range span {
		name := speakerName(c.SpeakerTag, speakers)
		n := float64(types.TokenCount(c.Text))
		counts[name] += n
		total += n
	}

	primary := ""
	best := -1.0
	dist := make(map[string]float64, len(counts))
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		share := 0.0
		if total > 0 {
			share = counts[name] / total
		}
		dist[name] = share
		if share > best {
			primary, best = name, share
		}
	}
	return dist, primary
}

// speakerName resolves a voice tag through the speaker map, falling back to
// the episode default and finally to the raw tag.
func speakerName(tag string, speakers *speaker.Result) string {
	if speakers != nil {
		if s, ok := speakers.ByTag[tag]; ok {
			return s.Name
		}
		if speakers.Default.Name != "" {
			return speakers.Default.Name
		}
	}
	if tag == "" {
		return "Unknown Speaker"
	}
	return tag
}

// normalizeThemes lowercases, trims, dedupes, and bounds the theme list.
func normalizeThemes(themes []string) []string {
	seen := make(map[string]bool, len(themes))
	var out []string
	for _, t := range themes {
		t = strings.ToLower(types.NormalizeWhitespace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, truncate(t, maxThemeLen))
		if len(out) == maxThemes {
			break
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
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
