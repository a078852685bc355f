// Package speaker resolves the voice tags of an episode's captions into
// named [types.Speaker] records.
//
// Resolution is two-layered. An LLM pass reads the episode metadata and the
// opening captions and proposes a name, role, and confidence per voice tag;
// assignments at or above the confidence threshold are accepted. Every
// rejected tag (and every tag when the LLM is unavailable) falls back to
// deterministic roles derived from token share. Finally, speakers whose
// normalized names match, exactly or within a Jaro-Winkler distance, are
// merged so "Dr. Jane Smith" and "Jane Smith" become one node in the graph.
package speaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/sblumenf/podcastknowledge-sub012/internal/keyring"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/provider/llm"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/types"
)

const (
	// DefaultConfidenceThreshold is the minimum LLM confidence for an
	// assignment to be accepted.
	DefaultConfidenceThreshold = 0.5

	// maxDescriptionBytes bounds how much episode description goes into the
	// prompt.
	maxDescriptionBytes = 4096

	// maxCaptionBytes bounds how much caption text goes into the prompt.
	maxCaptionBytes = 2048

	// jaroWinklerThreshold is the similarity at or above which two normalized
	// speaker names are considered the same person.
	jaroWinklerThreshold = 0.93

	// nameMergeMaxConfidence caps the confidence of speakers merged on name
	// alone: names collide easily, so a name-only match is never more than
	// half-certain.
	nameMergeMaxConfidence = 0.5

	// briefContributorShare is the token share below which a fallback role
	// becomes Brief Contributor.
	briefContributorShare = 0.02
)

// Fallback role names assigned by token share when no accepted LLM
// assignment exists for a tag.
const (
	rolePrimary = "Primary Speaker"
	roleCoHost  = "Co-host/Major Guest"
	roleBrief   = "Brief Contributor"
	roleGuest   = "Guest/Contributor"
)

// Completer is the slice of the rate-limited LLM client the identifier needs.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// Result maps each voice tag to its resolved speaker. Untagged captions use
// Default.
type Result struct {
	// ByTag maps voice tag → resolved speaker. Multiple tags may point to
	// the same speaker after name merging.
	ByTag map[string]types.Speaker

	// Default is the speaker attributed to captions without a voice tag.
	Default types.Speaker

	// LLMAssisted reports whether any assignment came from the LLM (false
	// when the call failed or every assignment was below threshold).
	LLMAssisted bool
}

// Speakers returns the distinct resolved speakers in stable name order.
func (r *Result) Speakers() []types.Speaker {
	seen := make(map[string]bool, len(r.ByTag))
	var out []types.Speaker
	for _, s := range r.ByTag {
		if !seen[s.ID] {
			seen[s.ID] = true
			out = append(out, s)
		}
	}
	if r.Default.ID != "" && !seen[r.Default.ID] {
		out = append(out, r.Default)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Identifier resolves voice tags to speakers. Construct via [New].
type Identifier struct {
	client    Completer
	threshold float64
}

// Option is a functional option for [New].
type Option func(*Identifier)

// WithConfidenceThreshold overrides the LLM acceptance threshold.
func WithConfidenceThreshold(t float64) Option {
	return func(id *Identifier) { id.threshold = t }
}

// New creates an Identifier. client may be nil, in which case only the
// deterministic fallback runs.
func New(client Completer, opts ...Option) *Identifier {
	id := &Identifier{
		client:    client,
		threshold: DefaultConfidenceThreshold,
	}
	for _, o := range opts {
		o(id)
	}
	return id
}

// llmAssignment is one entry in the LLM's JSON response.
type llmAssignment struct {
	Tag        string  `json:"tag"`
	Name       string  `json:"name"`
	Role       string  `json:"role"`
	Confidence float64 `json:"confidence"`
}

// Identify resolves the voice tags in captions against the episode metadata.
// An LLM failure degrades to fallback-only resolution; it never fails the
// episode.
func (id *Identifier) Identify(ctx context.Context, ep types.Episode, description string, captions []types.Caption) (*Result, error) {
	if len(captions) == 0 {
		return nil, fmt.Errorf("speaker: no captions")
	}

	tags := collectTags(captions)
	shares := tokenShares(captions)

	accepted := make(map[string]llmAssignment)
	if id.client != nil && len(tags) > 0 {
		assignments, err := id.askLLM(ctx, ep, description, captions, tags)
		if err != nil {
			// With every key exhausted no later stage can work either, so
			// this is the one LLM failure that aborts instead of degrading.
			if errors.Is(err, keyring.ErrExhausted) {
				return nil, err
			}
			slog.Warn("speaker identification LLM call failed, using fallback roles",
				"episode", ep.ID, "error", err)
		}
		for _, a := range assignments {
			if a.Confidence >= id.threshold && strings.TrimSpace(a.Name) != "" {
				a.Confidence = types.Clamp01(a.Confidence)
				accepted[a.Tag] = a
			}
		}
	}

	res := &Result{
		ByTag:       make(map[string]types.Speaker, len(tags)),
		LLMAssisted: len(accepted) > 0,
	}

	fallbackNames := fallbackRoles(tags, shares)
	for _, tag := range tags {
		if a, ok := accepted[tag]; ok {
			role := types.SpeakerRole(strings.ToLower(strings.TrimSpace(a.Role)))
			if !role.IsValid() {
				role = types.RoleUnknown
			}
			res.ByTag[tag] = types.Speaker{
				ID:         types.SpeakerID(ep.PodcastID, a.Name),
				Name:       strings.TrimSpace(a.Name),
				Role:       role,
				Confidence: a.Confidence,
			}
			continue
		}
		name, role := fallbackNames[tag], fallbackRole(fallbackNames[tag])
		res.ByTag[tag] = types.Speaker{
			ID:         types.SpeakerID(ep.PodcastID, name),
			Name:       name,
			Role:       role,
			Confidence: 0,
		}
	}

	mergeByName(ep.PodcastID, res.ByTag)
	res.Default = defaultSpeaker(ep.PodcastID, res.ByTag, shares)
	return res, nil
}

// askLLM builds the identification prompt and parses the response.
func (id *Identifier) askLLM(ctx context.Context, ep types.Episode, description string, captions []types.Caption, tags []string) ([]llmAssignment, error) {
	prompt := buildPrompt(ep, description, captions, tags)

	resp, err := id.client.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0.1,
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("speaker: llm: %w", err)
	}

	var parsed struct {
		Speakers []llmAssignment `json:"speakers"`
	}
	raw := stripCodeFences(resp.Content)
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("speaker: decode response: %w", err)
	}
	return parsed.Speakers, nil
}

// buildPrompt assembles the identification prompt: episode metadata, a
// bounded caption sample, and the tag list.
func buildPrompt(ep types.Episode, description string, captions []types.Caption, tags []string) string {
	var b strings.Builder
	b.WriteString("Identify the people speaking in this podcast episode.\n\n")
	fmt.Fprintf(&b, "Podcast: %s\nEpisode title: %s\n", ep.PodcastName, ep.Title)

	if description != "" {
		b.WriteString("\nEpisode description:\n")
		b.WriteString(truncateBytes(description, maxDescriptionBytes))
		b.WriteString("\n")
	}

	b.WriteString("\nTranscript opening:\n")
	var sample strings.Builder
	for _, c := range captions {
		line := c.Text
		if c.SpeakerTag != "" {
			line = c.SpeakerTag + ": " + c.Text
		}
		if sample.Len()+len(line)+1 > maxCaptionBytes {
			break
		}
		sample.WriteString(line)
		sample.WriteString("\n")
	}
	b.WriteString(sample.String())

	b.WriteString("\nVoice tags to resolve: ")
	b.WriteString(strings.Join(tags, ", "))
	b.WriteString("\n\nFor each voice tag, give the speaker's actual name, their role, and your confidence.\n")
	b.WriteString(`Respond as JSON: {"speakers":[{"tag":"...","name":"...","role":"host|recurring_host|guest|brief_contributor|unknown","confidence":0.0}]}`)
	return b.String()
}

// collectTags returns the distinct non-empty voice tags in first-seen order.
func collectTags(captions []types.Caption) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, c := range captions {
		if c.SpeakerTag != "" && !seen[c.SpeakerTag] {
			seen[c.SpeakerTag] = true
			tags = append(tags, c.SpeakerTag)
		}
	}
	return tags
}

// tokenShares computes each tag's share of the episode's tokens. The empty
// tag collects untagged captions.
func tokenShares(captions []types.Caption) map[string]float64 {
	counts := make(map[string]float64)
	total := 0.0
	for _, c := range captions {
		n := float64(types.TokenCount(c.Text))
		counts[c.SpeakerTag] += n
		total += n
	}
	if total == 0 {
		return counts
	}
	for tag := range counts {
		counts[tag] /= total
	}
	return counts
}

// fallbackRoles assigns deterministic role names by descending token share.
func fallbackRoles(tags []string, shares map[string]float64) map[string]string {
	ranked := append([]string(nil), tags...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return shares[ranked[i]] > shares[ranked[j]]
	})

	names := make(map[string]string, len(ranked))
	for i, tag := range ranked {
		switch {
		case shares[tag] < briefContributorShare:
			names[tag] = roleBrief
		case i == 0:
			names[tag] = rolePrimary
		case i == 1:
			names[tag] = roleCoHost
		default:
			names[tag] = roleGuest
		}
	}
	return names
}

// fallbackRole maps a fallback role name onto the role enum.
func fallbackRole(name string) types.SpeakerRole {
	switch name {
	case rolePrimary:
		return types.RoleHost
	case roleCoHost:
		return types.RoleRecurringHost
	case roleBrief:
		return types.RoleBriefContributor
	default:
		return types.RoleGuest
	}
}

// mergeByName collapses tags whose speakers share a normalized name, exactly
// or within the Jaro-Winkler threshold. The survivor is the higher-confidence
// speaker; fuzzy (non-exact) matches cap the merged confidence at
// nameMergeMaxConfidence.
func mergeByName(podcastID string, byTag map[string]types.Speaker) {
	tags := make([]string, 0, len(byTag))
	for tag := range byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	for i, ti := range tags {
		for _, tj := range tags[i+1:] {
			a, b := byTag[ti], byTag[tj]
			if a.ID == b.ID {
				continue
			}
			na, nb := types.NormalizeName(a.Name), types.NormalizeName(b.Name)
			exact := na == nb
			if !exact && !namesSimilar(na, nb) {
				continue
			}

			survivor := a
			if b.Confidence > a.Confidence {
				survivor = b
			}
			if !exact && survivor.Confidence > nameMergeMaxConfidence {
				survivor.Confidence = nameMergeMaxConfidence
			}
			survivor.ID = types.SpeakerID(podcastID, survivor.Name)
			byTag[ti], byTag[tj] = survivor, survivor
		}
	}
}

// namesSimilar reports whether two normalized names are close enough to be
// the same person: one contains the other as a whole-word suffix/prefix
// ("jane smith" in "dr jane smith") or Jaro-Winkler similarity ≥ 0.93.
func namesSimilar(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if strings.HasSuffix(a, " "+b) || strings.HasSuffix(b, " "+a) {
		return true
	}
	return matchr.JaroWinkler(a, b, false) >= jaroWinklerThreshold
}

// defaultSpeaker picks the speaker for untagged captions: the resolved
// speaker with the highest tagged token share, or a synthetic unknown when
// the episode has no voice tags at all.
func defaultSpeaker(podcastID string, byTag map[string]types.Speaker, shares map[string]float64) types.Speaker {
	bestTag := ""
	bestShare := -1.0
	for tag := range byTag {
		if shares[tag] > bestShare {
			bestTag, bestShare = tag, shares[tag]
		}
	}
	if bestTag != "" {
		return byTag[bestTag]
	}
	name := "Unknown Speaker"
	return types.Speaker{
		ID:   types.SpeakerID(podcastID, name),
		Name: name,
		Role: types.RoleUnknown,
	}
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
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
