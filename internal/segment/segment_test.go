package segment_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/sblumenf/podcastknowledge-sub012/internal/segment"
	"github.com/sblumenf/podcastknowledge-sub012/internal/speaker"
	llmmock "github.com/sblumenf/podcastknowledge-sub012/pkg/provider/llm/mock"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/types"
)

var testEpisode = types.Episode{
	ID:          "ep-1",
	PodcastID:   "pod-1",
	PodcastName: "Deep Dives",
	Title:       "Segmentation",
}

// makeCaptions builds n captions alternating between two speakers every 20
// captions, 2 seconds each.
func makeCaptions(n int) []types.Caption {
	caps := make([]types.Caption, n)
	for i := 0; i < n; i++ {
		tag := "A"
		if (i/20)%2 == 1 {
			tag = "B"
		}
		caps[i] = types.Caption{
			Index:      i,
			StartTime:  float64(i) * 2,
			EndTime:    float64(i)*2 + 2,
			SpeakerTag: tag,
			Text:       fmt.Sprintf("caption number %d with a few words", i),
		}
	}
	return caps
}

// unitsJSON renders a valid LLM segmentation response covering n captions in
// chunks of size.
func unitsJSON(n, size int) string {
	type u struct {
		StartIndex int      `json:"start_index"`
		EndIndex   int      `json:"end_index"`
		UnitType   string   `json:"unit_type"`
		Summary    string   `json:"summary"`
		Themes     []string `json:"themes"`
	}
	var units []u
	for start := 0; start < n; start += size {
		end := start + size - 1
		if end >= n {
			end = n - 1
		}
		units = append(units, u{
			StartIndex: start, EndIndex: end,
			UnitType: "discussion",
			Summary:  "a chunk of conversation",
			Themes:   []string{"Testing", "testing", "Systems"},
		})
	}
	b, _ := json.Marshal(map[string]any{"units": units})
	return string(b)
}

func TestSegment_AcceptsValidLLMUnits(t *testing.T) {
	t.Parallel()

	caps := makeCaptions(100)
	mock := llmmock.New(unitsJSON(100, 20))

	units, err := segment.New(mock).Segment(context.Background(), testEpisode, caps, nil)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if len(units) != 5 {
		t.Fatalf("got %d units, want 5", len(units))
	}

	// Coverage and contiguity.
	next := 0
	for _, u := range units {
		for _, idx := range u.SegmentIndices {
			if idx != next {
				t.Fatalf("coverage broken at index %d (got %d)", next, idx)
			}
			next++
		}
		if u.SegmentCount != len(u.SegmentIndices) {
			t.Errorf("unit %s segment count mismatch", u.ID)
		}
		// Time bounds come from the covered captions.
		first := caps[u.SegmentIndices[0]]
		last := caps[u.SegmentIndices[len(u.SegmentIndices)-1]]
		if u.StartTime != first.StartTime || u.EndTime != last.EndTime {
			t.Errorf("unit %s time bounds [%v,%v], want [%v,%v]",
				u.ID, u.StartTime, u.EndTime, first.StartTime, last.EndTime)
		}
		if u.Type != types.UnitDiscussion {
			t.Errorf("unit type = %v", u.Type)
		}
		// Themes are lowercased and deduped.
		if len(u.Themes) != 2 {
			t.Errorf("themes = %v, want 2 entries", u.Themes)
		}
	}
	if next != 100 {
		t.Errorf("covered %d captions, want 100", next)
	}
}

func TestSegment_SpeakerDistributionSumsToOne(t *testing.T) {
	t.Parallel()

	caps := makeCaptions(40)
	mock := llmmock.New(unitsJSON(40, 20))

	spk := &speaker.Result{
		ByTag: map[string]types.Speaker{
			"A": {ID: "s-a", Name: "Alice"},
			"B": {ID: "s-b", Name: "Bob"},
		},
		Default: types.Speaker{ID: "s-a", Name: "Alice"},
	}

	units, err := segment.New(mock).Segment(context.Background(), testEpisode, caps, spk)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	for _, u := range units {
		sum := 0.0
		for _, share := range u.SpeakerDistribution {
			sum += share
		}
		if math.Abs(sum-1.0) > 0.01 {
			t.Errorf("unit %s distribution sums to %v", u.ID, sum)
		}
		if u.PrimarySpeaker == "" {
			t.Errorf("unit %s has no primary speaker", u.ID)
		}
	}
	// Units 0-19 are all Alice.
	if units[0].PrimarySpeaker != "Alice" {
		t.Errorf("first unit primary = %q, want Alice", units[0].PrimarySpeaker)
	}
}

func TestSegment_GiantUnitRetriesThenFallsBack(t *testing.T) {
	t.Parallel()

	const n = 313
	caps := makeCaptions(n)

	giant := fmt.Sprintf(`{"units":[{"start_index":0,"end_index":%d,"unit_type":"discussion","summary":"everything"}]}`, n-1)
	mock := llmmock.New(giant, giant) // strict retry also returns one unit

	units, err := segment.New(mock).Segment(context.Background(), testEpisode, caps, nil)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if mock.Calls() != 2 {
		t.Errorf("LLM called %d times, want 2 (original + strict retry)", mock.Calls())
	}
	if len(units) < 10 {
		t.Fatalf("fallback produced %d units, want >= 10", len(units))
	}
	for _, u := range units[:len(units)-1] {
		if u.SegmentCount < 15 || u.SegmentCount > 25 {
			t.Errorf("fallback unit covers %d captions, want 15-25", u.SegmentCount)
		}
	}
	// The strict retry names the allowed unit types.
	strict := mock.CompleteCalls[1].Messages[0].Content
	if !strings.Contains(strict, "story, explanation, q_and_a, discussion, example, transition, other") {
		t.Error("strict prompt does not enumerate allowed unit types")
	}
}

func TestSegment_SmallEpisodeSkipsRetry(t *testing.T) {
	t.Parallel()

	// 20 captions, LLM fails: no strict retry (N <= 30), straight to fallback.
	caps := makeCaptions(20)
	mock := &llmmock.Provider{Errs: []error{errors.New("provider down")}}

	units, err := segment.New(mock).Segment(context.Background(), testEpisode, caps, nil)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if mock.Calls() != 1 {
		t.Errorf("LLM called %d times, want 1", mock.Calls())
	}
	if len(units) == 0 {
		t.Fatal("no units from fallback")
	}
}

func TestSegment_OneCaptionEpisode(t *testing.T) {
	t.Parallel()

	caps := makeCaptions(1)
	units, err := segment.New(nil).Segment(context.Background(), testEpisode, caps, nil)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("got %d units, want 1", len(units))
	}
	if units[0].SegmentCount != 1 {
		t.Errorf("segment count = %d, want 1", units[0].SegmentCount)
	}
}

func TestSegment_RejectsGapsAndOverlaps(t *testing.T) {
	t.Parallel()

	caps := makeCaptions(40)
	// First response has a gap (unit skips captions 20-24); second (strict)
	// has an overlap. Both invalid: fallback must kick in.
	gap := `{"units":[{"start_index":0,"end_index":19},{"start_index":25,"end_index":39}]}`
	overlap := `{"units":[{"start_index":0,"end_index":24},{"start_index":20,"end_index":39}]}`
	mock := llmmock.New(gap, overlap)

	units, err := segment.New(mock).Segment(context.Background(), testEpisode, caps, nil)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	next := 0
	for _, u := range units {
		for _, idx := range u.SegmentIndices {
			if idx != next {
				t.Fatalf("fallback coverage broken at %d", next)
			}
			next++
		}
	}
	if next != 40 {
		t.Errorf("covered %d captions, want 40", next)
	}
}

func TestSegment_DeterministicSplitterBoundaries(t *testing.T) {
	t.Parallel()

	// No LLM: splitter alone. Speaker changes every 20 captions give natural
	// boundaries within the 15-25 range.
	caps := makeCaptions(100)
	units, err := segment.New(nil).Segment(context.Background(), testEpisode, caps, nil)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	for _, u := range units {
		if u.SegmentCount > 25 {
			t.Errorf("unit covers %d captions, splitter max is 25", u.SegmentCount)
		}
	}
	if len(units) < 4 {
		t.Errorf("got %d units from 100 captions", len(units))
	}
}

func TestSegment_SummaryTruncation(t *testing.T) {
	t.Parallel()

	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	resp := fmt.Sprintf(`{"units":[{"start_index":0,"end_index":0,"unit_type":"weird","summary":"%s"}]}`, long)
	caps := makeCaptions(1)

	units, err := segment.New(llmmock.New(resp)).Segment(context.Background(), testEpisode, caps, nil)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if len(units[0].Summary) > 280 {
		t.Errorf("summary length = %d, want <= 280", len(units[0].Summary))
	}
	if units[0].Type != types.UnitOther {
		t.Errorf("unknown unit_type coerced to %v, want other", units[0].Type)
	}
}
