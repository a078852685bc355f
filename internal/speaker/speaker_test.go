package speaker_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/sblumenf/podcastknowledge-sub012/internal/keyring"
	"github.com/sblumenf/podcastknowledge-sub012/internal/speaker"
	llmmock "github.com/sblumenf/podcastknowledge-sub012/pkg/provider/llm/mock"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/types"
)

var testEpisode = types.Episode{
	ID:          "ep-1",
	PodcastID:   "pod-1",
	PodcastName: "Deep Dives",
	Title:       "Distributed Systems with Dr. Jane Smith",
}

// captionsWithShares builds captions where tag A dominates, B is secondary,
// and C speaks fewer than 2% of the tokens.
func captionsWithShares() []types.Caption {
	var caps []types.Caption
	add := func(tag, text string, n int) {
		for i := 0; i < n; i++ {
			caps = append(caps, types.Caption{
				Index:      len(caps),
				StartTime:  float64(len(caps)),
				EndTime:    float64(len(caps)) + 1,
				SpeakerTag: tag,
				Text:       text,
			})
		}
	}
	add("A", "this is the main host talking quite a lot about things", 60)
	add("B", "the guest replies with shorter remarks here", 30)
	add("C", "brief", 1)
	return caps
}

func TestIdentify_AcceptsConfidentLLMAssignments(t *testing.T) {
	t.Parallel()

	mock := llmmock.New(`{"speakers":[
		{"tag":"A","name":"Alex Rivera","role":"host","confidence":0.95},
		{"tag":"B","name":"Jane Smith","role":"guest","confidence":0.9},
		{"tag":"C","name":"Producer","role":"brief_contributor","confidence":0.2}
	]}`)

	id := speaker.New(mock)
	res, err := id.Identify(context.Background(), testEpisode, "A show about systems.", captionsWithShares())
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if !res.LLMAssisted {
		t.Error("LLMAssisted = false, want true")
	}

	if got := res.ByTag["A"]; got.Name != "Alex Rivera" || got.Role != types.RoleHost {
		t.Errorf("tag A = %+v", got)
	}
	if got := res.ByTag["B"]; got.Name != "Jane Smith" || got.Role != types.RoleGuest {
		t.Errorf("tag B = %+v", got)
	}
	// C's confidence 0.2 is below the 0.5 threshold; with <2% token share the
	// fallback makes it a Brief Contributor.
	if got := res.ByTag["C"]; got.Name != "Brief Contributor" || got.Role != types.RoleBriefContributor {
		t.Errorf("tag C = %+v", got)
	}

	// Prompt carries the metadata and tag list.
	if len(mock.CompleteCalls) != 1 {
		t.Fatalf("LLM called %d times, want 1", len(mock.CompleteCalls))
	}
	prompt := mock.CompleteCalls[0].Messages[0].Content
	for _, want := range []string{"Deep Dives", "Distributed Systems", "A, B, C"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestIdentify_FallbackOnLLMFailure(t *testing.T) {
	t.Parallel()

	mock := &llmmock.Provider{Errs: []error{errors.New("provider down")}}
	id := speaker.New(mock)

	res, err := id.Identify(context.Background(), testEpisode, "", captionsWithShares())
	if err != nil {
		t.Fatalf("Identify must not fail when the LLM does: %v", err)
	}
	if res.LLMAssisted {
		t.Error("LLMAssisted = true after LLM failure")
	}

	if got := res.ByTag["A"]; got.Name != "Primary Speaker" || got.Role != types.RoleHost {
		t.Errorf("tag A = %+v", got)
	}
	if got := res.ByTag["B"]; got.Name != "Co-host/Major Guest" {
		t.Errorf("tag B = %+v", got)
	}
	if got := res.ByTag["C"]; got.Name != "Brief Contributor" {
		t.Errorf("tag C = %+v", got)
	}
	// Untagged captions default to the dominant speaker.
	if res.Default.Name != "Primary Speaker" {
		t.Errorf("default = %+v", res.Default)
	}
}

func TestIdentify_KeyExhaustionAborts(t *testing.T) {
	t.Parallel()

	mock := &llmmock.Provider{Errs: []error{fmt.Errorf("llm: %w", keyring.ErrExhausted)}}
	id := speaker.New(mock)

	_, err := id.Identify(context.Background(), testEpisode, "", captionsWithShares())
	if !errors.Is(err, keyring.ErrExhausted) {
		t.Errorf("err = %v, want ErrExhausted", err)
	}
}

func TestIdentify_MergesTitleVariants(t *testing.T) {
	t.Parallel()

	mock := llmmock.New(`{"speakers":[
		{"tag":"A","name":"Dr. Jane Smith","role":"guest","confidence":0.9},
		{"tag":"B","name":"Jane Smith","role":"guest","confidence":0.8}
	]}`)

	caps := []types.Caption{
		{Index: 0, EndTime: 1, SpeakerTag: "A", Text: "hello there everyone"},
		{Index: 1, StartTime: 1, EndTime: 2, SpeakerTag: "B", Text: "more words from the same person"},
	}

	id := speaker.New(mock)
	res, err := id.Identify(context.Background(), testEpisode, "", caps)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}

	a, b := res.ByTag["A"], res.ByTag["B"]
	if a.ID != b.ID {
		t.Fatalf("variants not merged: %q vs %q", a.Name, b.Name)
	}
	// Name-only merges are capped at 0.5 confidence.
	if a.Confidence > 0.5 {
		t.Errorf("merged confidence = %v, want <= 0.5", a.Confidence)
	}
	if got := len(res.Speakers()); got != 1 {
		t.Errorf("distinct speakers = %d, want 1", got)
	}
}

func TestIdentify_NoTags(t *testing.T) {
	t.Parallel()

	caps := []types.Caption{
		{Index: 0, EndTime: 5, Text: "a transcript with no voice tags at all"},
	}
	id := speaker.New(nil)
	res, err := id.Identify(context.Background(), testEpisode, "", caps)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if res.Default.Name != "Unknown Speaker" || res.Default.Role != types.RoleUnknown {
		t.Errorf("default = %+v", res.Default)
	}
}

func TestIdentify_EmptyCaptions(t *testing.T) {
	t.Parallel()

	if _, err := speaker.New(nil).Identify(context.Background(), testEpisode, "", nil); err == nil {
		t.Error("expected error for empty captions")
	}
}

func TestIdentify_CustomThreshold(t *testing.T) {
	t.Parallel()

	mock := llmmock.New(`{"speakers":[{"tag":"A","name":"Alex","role":"host","confidence":0.6}]}`)
	caps := []types.Caption{
		{Index: 0, EndTime: 1, SpeakerTag: "A", Text: "hello out there"},
	}

	id := speaker.New(mock, speaker.WithConfidenceThreshold(0.8))
	res, err := id.Identify(context.Background(), testEpisode, "", caps)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	// 0.6 < 0.8: rejected, fallback name applies.
	if res.ByTag["A"].Name != "Primary Speaker" {
		t.Errorf("tag A = %+v, want fallback", res.ByTag["A"])
	}
}
