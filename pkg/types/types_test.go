package types_test

import (
	"strings"
	"testing"

	"github.com/sblumenf/podcastknowledge-sub012/pkg/types"
)

func TestDeterministicIDs_Stable(t *testing.T) {
	t.Parallel()

	ep1 := types.EpisodeID("pod-1", "Episode 42", "2024-03-01")
	ep2 := types.EpisodeID("pod-1", "Episode 42", "2024-03-01")
	if ep1 != ep2 {
		t.Fatalf("EpisodeID not deterministic: %q vs %q", ep1, ep2)
	}
	if len(ep1) != 32 {
		t.Errorf("EpisodeID length = %d, want 32", len(ep1))
	}

	if types.EpisodeID("pod-1", "Episode 42", "2024-03-02") == ep1 {
		t.Error("different published date must change the episode ID")
	}

	u1 := types.UnitID(ep1, 0, 125.5)
	u2 := types.UnitID(ep1, 0.0, 125.500)
	if u1 != u2 {
		t.Errorf("UnitID must be stable across float formatting: %q vs %q", u1, u2)
	}
}

func TestSpeakerID_MergesOnNormalizedName(t *testing.T) {
	t.Parallel()

	a := types.SpeakerID("pod-1", "Jane Smith")
	b := types.SpeakerID("pod-1", "  jane   SMITH ")
	if a != b {
		t.Errorf("SpeakerID must normalize names: %q vs %q", a, b)
	}
	if types.SpeakerID("pod-2", "Jane Smith") == a {
		t.Error("speakers must not merge across podcasts")
	}
}

func TestQuoteID_TruncatesLongText(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 300)
	if types.QuoteID("unit-1", long) != types.QuoteID("unit-1", long[:128]) {
		t.Error("QuoteID must key on the first 128 bytes only")
	}
	if types.QuoteID("unit-1", long) == types.QuoteID("unit-2", long) {
		t.Error("QuoteID must include the unit ID")
	}
}

func TestEnumCoercion(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want types.EntityType
	}{
		{"person", types.EntityPerson},
		{"Person", types.EntityPerson},
		{"ORGANIZATION", types.EntityOrganization},
		{"gadget", types.EntityOther},
		{"", types.EntityOther},
	}
	for _, c := range cases {
		if got := types.CoerceEntityType(c.in); got != c.want {
			t.Errorf("CoerceEntityType(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	if got := types.CoerceUnitType("Q_and_A"); got != types.UnitQAndA {
		t.Errorf("CoerceUnitType(Q_and_A) = %q, want %q", got, types.UnitQAndA)
	}
	if got := types.CoerceUnitType("monologue"); got != types.UnitOther {
		t.Errorf("CoerceUnitType(monologue) = %q, want %q", got, types.UnitOther)
	}
	if got := types.CoerceQuoteType("funny"); got != types.QuoteFunny {
		t.Errorf("CoerceQuoteType(funny) = %q, want %q", got, types.QuoteFunny)
	}
	if got := types.CoerceInsightType("speculation"); got != types.InsightOther {
		t.Errorf("CoerceInsightType(speculation) = %q, want %q", got, types.InsightOther)
	}
}

func TestNormalizeValue(t *testing.T) {
	t.Parallel()

	if got := types.NormalizeValue("  Large \n Language\tModels  "); got != "Large Language Models" {
		t.Errorf("NormalizeValue = %q", got)
	}
	long := strings.Repeat("x", 250)
	if got := types.NormalizeValue(long); len(got) != 200 {
		t.Errorf("NormalizeValue length = %d, want 200", len(got))
	}
}

func TestNormalizeName(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"Dr. Jane Smith", "dr jane smith"},
		{"JANE   SMITH", "jane smith"},
		{"O'Brien, Conan", "obrien conan"},
	}
	for _, c := range cases {
		if got := types.NormalizeName(c.in); got != c.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestClamp01(t *testing.T) {
	t.Parallel()

	if types.Clamp01(1.7) != 1 {
		t.Error("Clamp01(1.7) != 1")
	}
	if types.Clamp01(-0.3) != 0 {
		t.Error("Clamp01(-0.3) != 0")
	}
	if types.Clamp01(0.42) != 0.42 {
		t.Error("Clamp01(0.42) changed an in-range value")
	}
}
