package vtt_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/sblumenf/podcastknowledge-sub012/internal/vtt"
)

const sampleVTT = `WEBVTT

NOTE This file was produced automatically.

00:00:01.000 --> 00:00:04.500
<v Alice>Welcome back to the show.

00:00:04.700 --> 00:00:09.200 align:start
<v Bob>Thanks for having me, it's great to be here.</v>

intro-3
00:00:09.500 --> 00:00:15.000
<v Alice>So, let's talk about distributed systems.
And why they are hard.
`

func TestParse_Basic(t *testing.T) {
	t.Parallel()

	p := vtt.NewParser(vtt.WithCaptionMerging(false))
	captions, err := p.Parse(strings.NewReader(sampleVTT))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if len(captions) != 3 {
		t.Fatalf("got %d captions, want 3", len(captions))
	}

	c := captions[0]
	if c.Index != 0 || c.StartTime != 1.0 || c.EndTime != 4.5 {
		t.Errorf("caption 0 = %+v", c)
	}
	if c.SpeakerTag != "Alice" {
		t.Errorf("caption 0 speaker = %q, want Alice", c.SpeakerTag)
	}
	if c.Text != "Welcome back to the show." {
		t.Errorf("caption 0 text = %q", c.Text)
	}

	// Cue settings after the end time are ignored; </v> is stripped.
	if captions[1].SpeakerTag != "Bob" {
		t.Errorf("caption 1 speaker = %q, want Bob", captions[1].SpeakerTag)
	}
	if strings.Contains(captions[1].Text, "</v>") {
		t.Errorf("caption 1 text retains closing tag: %q", captions[1].Text)
	}

	// Multi-line text joins with single spaces; identifiers are skipped.
	want := "So, let's talk about distributed systems. And why they are hard."
	if captions[2].Text != want {
		t.Errorf("caption 2 text = %q, want %q", captions[2].Text, want)
	}
}

func TestParse_MissingHeader(t *testing.T) {
	t.Parallel()

	p := vtt.NewParser()
	_, err := p.Parse(strings.NewReader("00:00:01.000 --> 00:00:02.000\nhello\n"))
	if !errors.Is(err, vtt.ErrInvalidFormat) {
		t.Fatalf("err = %v, want ErrInvalidFormat", err)
	}
}

func TestParse_BadTiming(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"WEBVTT\n\n00:00:xx.000 --> 00:00:02.000\nhello\n",
		"WEBVTT\n\n00:00:05.000 --> 00:00:02.000\nbackwards\n",
		"WEBVTT\n\nno timing here\nhello\n",
	}
	p := vtt.NewParser()
	for _, in := range inputs {
		if _, err := p.Parse(strings.NewReader(in)); !errors.Is(err, vtt.ErrInvalidFormat) {
			t.Errorf("input %q: err = %v, want ErrInvalidFormat", in[:30], err)
		}
	}
}

func TestParse_ShortTimecode(t *testing.T) {
	t.Parallel()

	p := vtt.NewParser()
	captions, err := p.Parse(strings.NewReader("WEBVTT\n\n01:02.500 --> 01:04.000\nhi\n"))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if captions[0].StartTime != 62.5 {
		t.Errorf("start = %v, want 62.5", captions[0].StartTime)
	}
}

func TestParse_MergesAdjacentSameSpeaker(t *testing.T) {
	t.Parallel()

	in := "WEBVTT\n\n" +
		"00:00:00.000 --> 00:00:00.800\n<v A>one\n\n" +
		"00:00:00.900 --> 00:00:01.600\n<v A>two\n\n" +
		"00:00:01.700 --> 00:00:02.400\n<v B>three\n"

	p := vtt.NewParser()
	captions, err := p.Parse(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if len(captions) != 2 {
		t.Fatalf("got %d captions, want 2 (first two merged)", len(captions))
	}
	if captions[0].Text != "one two" {
		t.Errorf("merged text = %q, want %q", captions[0].Text, "one two")
	}
	if captions[0].EndTime != 1.6 {
		t.Errorf("merged end = %v, want 1.6", captions[0].EndTime)
	}
	// Indexes are reassigned after merging.
	if captions[1].Index != 1 {
		t.Errorf("caption index = %d, want 1", captions[1].Index)
	}
}

func TestParse_NoMergeAcrossSpeakerChange(t *testing.T) {
	t.Parallel()

	in := "WEBVTT\n\n" +
		"00:00:00.000 --> 00:00:00.800\n<v A>one\n\n" +
		"00:00:00.900 --> 00:00:01.600\n<v B>two\n"
	p := vtt.NewParser()
	captions, err := p.Parse(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if len(captions) != 2 {
		t.Fatalf("got %d captions, want 2", len(captions))
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	p := vtt.NewParser(vtt.WithCaptionMerging(false))
	first, err := p.Parse(strings.NewReader(sampleVTT))
	if err != nil {
		t.Fatalf("first parse: %v", err)
	}

	var buf bytes.Buffer
	if err := vtt.Serialize(&buf, first); err != nil {
		t.Fatalf("serialize: %v", err)
	}

	second, err := p.Parse(&buf)
	if err != nil {
		t.Fatalf("second parse: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("round trip changed caption count: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Text != second[i].Text ||
			first[i].SpeakerTag != second[i].SpeakerTag ||
			first[i].StartTime != second[i].StartTime ||
			first[i].EndTime != second[i].EndTime {
			t.Errorf("caption %d differs after round trip:\n  %+v\n  %+v", i, first[i], second[i])
		}
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()

	p := vtt.NewParser(vtt.WithCaptionMerging(false))
	captions, err := p.Parse(strings.NewReader(sampleVTT))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if got := vtt.Duration(captions); got != 15.0 {
		t.Errorf("Duration = %v, want 15.0", got)
	}
	if got := vtt.Duration(nil); got != 0 {
		t.Errorf("Duration(nil) = %v, want 0", got)
	}
}
