package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Deterministic IDs are hex-truncated SHA-256 digests over the object's
// semantic key fields, joined with a separator that cannot appear in
// normalized keys. Re-ingesting unchanged content therefore produces
// byte-identical IDs, which is what makes graph upserts idempotent.

const idSeparator = "\x1f"

// hashID digests the given key parts into a 32-character hex ID.
func hashID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, idSeparator)))
	return hex.EncodeToString(sum[:16])
}

// formatSeconds renders a time offset with millisecond precision so that ID
// inputs are stable across float formatting quirks.
func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// EpisodeID derives the deterministic episode key from the podcast ID, the
// episode title, and the published date. When the published date is unknown,
// pass the file content hash in its place.
func EpisodeID(podcastID, title, publishedDateOrFileHash string) string {
	return hashID("episode", podcastID, strings.TrimSpace(title), publishedDateOrFileHash)
}

// SpeakerID derives the deterministic speaker key from the podcast ID and the
// speaker's normalized name. Speakers merge across episodes on this key.
func SpeakerID(podcastID, name string) string {
	return hashID("speaker", podcastID, NormalizeName(name))
}

// UnitID derives the deterministic unit key from the episode ID and the
// unit's time bounds.
func UnitID(episodeID string, startTime, endTime float64) string {
	return hashID("unit", episodeID, formatSeconds(startTime), formatSeconds(endTime))
}

// EntityID derives the deterministic entity key from the unit ID, the
// normalized entity value, and the entity type.
func EntityID(unitID, value string, entityType EntityType) string {
	return hashID("entity", unitID, NormalizeName(value), string(entityType))
}

// QuoteID derives the deterministic quote key from the unit ID and the first
// 128 bytes of the quote text.
func QuoteID(unitID, text string) string {
	if len(text) > 128 {
		text = text[:128]
	}
	return hashID("quote", unitID, text)
}

// InsightID derives the deterministic insight key from the unit ID and the
// insight title.
func InsightID(unitID, title string) string {
	return hashID("insight", unitID, strings.TrimSpace(title))
}
