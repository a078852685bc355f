// Package vtt parses the WebVTT subset produced by podcast transcription
// services into ordered caption sequences, and serializes captions back to
// WebVTT for round-trip tests and debug dumps.
//
// The accepted grammar is deliberately strict: a required WEBVTT header line,
// optional NOTE/STYLE/REGION blocks (skipped), and cue blocks of the form
//
//	[identifier]
//	HH:MM:SS.mmm --> HH:MM:SS.mmm [settings]
//	[<v Speaker>]text line[</v>]
//	...
//
// Multi-line cue text is joined with single spaces. Unknown cue settings are
// ignored. A missing header or an unparseable cue timing fails the whole
// parse with an error wrapping [ErrInvalidFormat].
package vtt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sblumenf/podcastknowledge-sub012/pkg/types"
)

// ErrInvalidFormat is returned (wrapped) when the input is not valid WebVTT:
// the header is missing or a cue timing line cannot be parsed.
var ErrInvalidFormat = errors.New("invalid WebVTT format")

const (
	// defaultMinSegmentDuration is the merged-caption duration ceiling in
	// seconds. Two adjacent captions are only merged while their combined
	// span stays under this threshold.
	defaultMinSegmentDuration = 2.0

	// mergeGapSeconds is the maximum silence between two same-speaker
	// captions for them to be merge candidates.
	mergeGapSeconds = 0.250
)

// Parser converts WebVTT input into ordered [types.Caption] values.
// The zero value is not usable; construct via [NewParser].
type Parser struct {
	minSegmentDuration float64
	mergeCaptions      bool
}

// Option is a functional option for [NewParser].
type Option func(*Parser)

// WithMinSegmentDuration overrides the merged-caption duration ceiling
// (seconds). Default: 2.0.
func WithMinSegmentDuration(seconds float64) Option {
	return func(p *Parser) { p.minSegmentDuration = seconds }
}

// WithCaptionMerging enables or disables merging of consecutive same-speaker
// captions separated by < 250 ms. Enabled by default; disable for lossless
// round-trip parsing.
func WithCaptionMerging(enabled bool) Option {
	return func(p *Parser) { p.mergeCaptions = enabled }
}

// NewParser returns a [Parser] with the supplied options applied.
func NewParser(opts ...Option) *Parser {
	p := &Parser{
		minSegmentDuration: defaultMinSegmentDuration,
		mergeCaptions:      true,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Parse reads WebVTT from r and returns the captions in file order, indexed
// 0..N-1. Returns an error wrapping [ErrInvalidFormat] when the header is
// missing or a cue timing is malformed.
func (p *Parser) Parse(r io.Reader) ([]types.Caption, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	// Header: first line must begin with "WEBVTT" (after an optional BOM).
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("vtt: read header: %w", err)
		}
		return nil, fmt.Errorf("vtt: empty input: %w", ErrInvalidFormat)
	}
	header := strings.TrimPrefix(sc.Text(), "\uFEFF")
	if header != "WEBVTT" && !strings.HasPrefix(header, "WEBVTT ") && !strings.HasPrefix(header, "WEBVTT\t") {
		return nil, fmt.Errorf("vtt: missing WEBVTT header: %w", ErrInvalidFormat)
	}

	var captions []types.Caption
	var block []string

	flush := func() error {
		if len(block) == 0 {
			return nil
		}
		defer func() { block = block[:0] }()
		return p.parseBlock(block, &captions)
	}

	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		block = append(block, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("vtt: read: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if p.mergeCaptions {
		captions = p.mergeAdjacent(captions)
	}
	for i := range captions {
		captions[i].Index = i
	}
	return captions, nil
}

// parseBlock interprets one blank-line-delimited block. NOTE, STYLE, and
// REGION blocks are skipped; everything else must be a cue.
func (p *Parser) parseBlock(block []string, out *[]types.Caption) error {
	first := strings.TrimSpace(block[0])
	if first == "NOTE" || strings.HasPrefix(first, "NOTE ") ||
		first == "STYLE" || strings.HasPrefix(first, "REGION") {
		return nil
	}

	// An optional cue identifier precedes the timing line.
	timingIdx := -1
	for i, line := range block {
		if strings.Contains(line, "-->") {
			timingIdx = i
			break
		}
	}
	if timingIdx < 0 || timingIdx > 1 {
		return fmt.Errorf("vtt: cue block %q has no timing line: %w", first, ErrInvalidFormat)
	}

	start, end, err := parseTimingLine(block[timingIdx])
	if err != nil {
		return err
	}

	speaker, text := parseCueText(block[timingIdx+1:])
	*out = append(*out, types.Caption{
		StartTime:  start,
		EndTime:    end,
		SpeakerTag: speaker,
		Text:       text,
	})
	return nil
}

// parseTimingLine parses "HH:MM:SS.mmm --> HH:MM:SS.mmm [settings]".
// Cue settings after the end timestamp are ignored.
func parseTimingLine(line string) (start, end float64, err error) {
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("vtt: malformed timing line %q: %w", line, ErrInvalidFormat)
	}
	start, err = parseTimecode(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	endFields := strings.Fields(strings.TrimSpace(parts[1]))
	if len(endFields) == 0 {
		return 0, 0, fmt.Errorf("vtt: timing line %q missing end time: %w", line, ErrInvalidFormat)
	}
	end, err = parseTimecode(endFields[0])
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("vtt: cue end %s before start %s: %w", endFields[0], strings.TrimSpace(parts[0]), ErrInvalidFormat)
	}
	return start, end, nil
}

// parseTimecode parses "HH:MM:SS.mmm" or "MM:SS.mmm" into seconds.
func parseTimecode(tc string) (float64, error) {
	fields := strings.Split(tc, ":")
	if len(fields) != 2 && len(fields) != 3 {
		return 0, fmt.Errorf("vtt: bad timecode %q: %w", tc, ErrInvalidFormat)
	}

	var hours, minutes int64
	var err error
	secField := fields[len(fields)-1]

	if len(fields) == 3 {
		if hours, err = strconv.ParseInt(fields[0], 10, 32); err != nil {
			return 0, fmt.Errorf("vtt: bad hours in %q: %w", tc, ErrInvalidFormat)
		}
	}
	if minutes, err = strconv.ParseInt(fields[len(fields)-2], 10, 32); err != nil {
		return 0, fmt.Errorf("vtt: bad minutes in %q: %w", tc, ErrInvalidFormat)
	}
	seconds, err := strconv.ParseFloat(secField, 64)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("vtt: bad seconds in %q: %w", tc, ErrInvalidFormat)
	}
	if hours < 0 || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("vtt: out-of-range timecode %q: %w", tc, ErrInvalidFormat)
	}
	return float64(hours)*3600 + float64(minutes)*60 + seconds, nil
}

// parseCueText joins the cue's text lines with single spaces and extracts a
// leading voice tag. Both "<v Name>text" and "<v Name>text</v>" forms are
// accepted; voice-tag classes ("<v.loud Name>") are tolerated.
func parseCueText(lines []string) (speaker, text string) {
	joined := strings.Join(lines, " ")
	joined = types.NormalizeWhitespace(joined)

	if strings.HasPrefix(joined, "<v") {
		if close := strings.Index(joined, ">"); close > 0 {
			tag := joined[2:close]
			// Strip classes: "<v.loud Jane>" carries ".loud" before the name.
			tag = strings.TrimLeft(tag, ".")
			if sp := strings.IndexAny(tag, " \t"); sp >= 0 {
				speaker = strings.TrimSpace(tag[sp+1:])
			} else {
				speaker = strings.TrimSpace(tag)
			}
			joined = strings.TrimSpace(joined[close+1:])
		}
	}
	joined = strings.TrimSuffix(joined, "</v>")
	return speaker, strings.TrimSpace(joined)
}

// mergeAdjacent merges consecutive captions with identical speaker tags and
// a gap under 250 ms, as long as the merged span stays below the
// min-segment-duration ceiling. This reduces the caption noise produced by
// word-level transcription services.
func (p *Parser) mergeAdjacent(captions []types.Caption) []types.Caption {
	if len(captions) < 2 {
		return captions
	}
	merged := captions[:0:0]
	cur := captions[0]
	for _, next := range captions[1:] {
		gap := next.StartTime - cur.EndTime
		span := next.EndTime - cur.StartTime
		if next.SpeakerTag == cur.SpeakerTag && gap >= 0 && gap < mergeGapSeconds && span < p.minSegmentDuration {
			cur.EndTime = next.EndTime
			cur.Text = strings.TrimSpace(cur.Text + " " + next.Text)
			continue
		}
		merged = append(merged, cur)
		cur = next
	}
	return append(merged, cur)
}

// ─────────────────────────────────────────────────────────────────────────────
// Serialization
// ─────────────────────────────────────────────────────────────────────────────

// Serialize writes captions as WebVTT to w. Parse→Serialize→Parse is
// lossless up to whitespace normalization when caption merging is disabled.
func Serialize(w io.Writer, captions []types.Caption) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("WEBVTT\n\n"); err != nil {
		return fmt.Errorf("vtt: write header: %w", err)
	}
	for _, c := range captions {
		text := c.Text
		if c.SpeakerTag != "" {
			text = fmt.Sprintf("<v %s>%s</v>", c.SpeakerTag, text)
		}
		if _, err := fmt.Fprintf(bw, "%s --> %s\n%s\n\n",
			formatTimecode(c.StartTime), formatTimecode(c.EndTime), text); err != nil {
			return fmt.Errorf("vtt: write cue %d: %w", c.Index, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("vtt: flush: %w", err)
	}
	return nil
}

// formatTimecode renders seconds as "HH:MM:SS.mmm".
func formatTimecode(seconds float64) string {
	ms := int64(seconds*1000 + 0.5)
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// Duration returns the end time of the last caption, in seconds.
// Returns 0 for an empty caption list.
func Duration(captions []types.Caption) float64 {
	if len(captions) == 0 {
		return 0
	}
	return captions[len(captions)-1].EndTime
}
