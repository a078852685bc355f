// Package keyring manages a rotating pool of LLM API keys with per-key quota
// accounting.
//
// Each key carries three sliding budgets: requests per minute (RPM), tokens
// per minute (TPM), and requests per day (RPD). [Ring.Acquire] hands out the
// next key in round-robin order that has headroom for the estimated token
// cost; keys that hit a provider-side quota error are put on cooldown.
// Counter state survives process restarts via a JSON file written with the
// usual tmp+rename dance, so a crashed run cannot silently double its daily
// budget.
//
// Keys themselves are never written to disk; state entries are keyed by a
// SHA-256 fingerprint.
package keyring

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StateFileName is the file under the state directory that holds persisted
// quota counters.
const StateFileName = "key_rotation_state.json"

// ErrExhausted is returned by [Ring.Acquire] when every key is over quota or
// on cooldown. The wrapping [ExhaustedError] carries the earliest time any
// key becomes available again.
var ErrExhausted = errors.New("all API keys exhausted")

// ExhaustedError wraps [ErrExhausted] with scheduling detail.
type ExhaustedError struct {
	// RetryAt is the earliest instant at which some key may have headroom.
	RetryAt time.Time
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all API keys exhausted, earliest retry at %s", e.RetryAt.Format(time.RFC3339))
}

func (e *ExhaustedError) Unwrap() error { return ErrExhausted }

// Limits holds per-key quota ceilings. Zero means unlimited for that budget.
type Limits struct {
	// RPM is the maximum requests in any 60-second window.
	RPM int `yaml:"rpm"`

	// TPM is the maximum tokens (prompt + completion) in any 60-second window.
	TPM int `yaml:"tpm"`

	// RPD is the maximum requests per UTC day.
	RPD int `yaml:"rpd"`
}

// tokenEvent records a token spend for the TPM sliding window.
type tokenEvent struct {
	At     time.Time
	Tokens int
}

// keyState is the in-memory accounting for one key.
type keyState struct {
	key         string
	fingerprint string

	requests      []time.Time // RPM window, pruned on access
	tokens        []tokenEvent
	dayKey        string // "2026-08-25" in UTC
	dayRequests   int
	cooldownUntil time.Time
}

// persistedKey is the on-disk form of keyState.
type persistedKey struct {
	Fingerprint   string      `json:"fingerprint"`
	Requests      []time.Time `json:"requests,omitempty"`
	Tokens        []struct {
		At     time.Time `json:"at"`
		Tokens int       `json:"tokens"`
	} `json:"tokens,omitempty"`
	DayKey        string    `json:"day_key,omitempty"`
	DayRequests   int       `json:"day_requests,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// persistedState is the JSON document in key_rotation_state.json.
type persistedState struct {
	UpdatedAt time.Time      `json:"updated_at"`
	Keys      []persistedKey `json:"keys"`
}

// Ring is a round-robin key pool with quota tracking. Safe for concurrent use.
type Ring struct {
	mu        sync.Mutex
	keys      []*keyState
	next      int
	limits    Limits
	statePath string
	now       func() time.Time
}

// Option is a functional option for [New].
type Option func(*Ring)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Ring) { r.now = now }
}

// New creates a Ring over the given keys. stateDir, when non-empty, is where
// counter state is persisted; existing state for matching key fingerprints is
// restored.
func New(keys []string, limits Limits, stateDir string, opts ...Option) (*Ring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("keyring: at least one API key is required")
	}

	r := &Ring{
		limits: limits,
		now:    time.Now,
	}
	if stateDir != "" {
		r.statePath = filepath.Join(stateDir, StateFileName)
	}
	for _, o := range opts {
		o(r)
	}

	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k == "" {
			return nil, fmt.Errorf("keyring: empty API key in pool")
		}
		fp := Fingerprint(k)
		if seen[fp] {
			return nil, fmt.Errorf("keyring: duplicate API key %s", fp[:8])
		}
		seen[fp] = true
		r.keys = append(r.keys, &keyState{key: k, fingerprint: fp})
	}

	if err := r.loadState(); err != nil {
		// Corrupt or unreadable state resets counters rather than blocking
		// the run; quota enforcement degrades to this process's own view.
		slog.Warn("keyring: discarding unreadable state", "path", r.statePath, "error", err)
	}
	return r, nil
}

// Fingerprint returns the hex SHA-256 of an API key, used as its stable
// identity in logs and persisted state.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Size returns the number of keys in the pool.
func (r *Ring) Size() int {
	return len(r.keys)
}

// Acquire returns the next key with headroom for a request spending an
// estimated estTokens tokens, advancing the round-robin cursor. The request
// is counted against the key immediately; report actual token usage with
// [Ring.RecordUsage] and quota rejections with [Ring.Cooldown].
//
// Returns an [*ExhaustedError] wrapping [ErrExhausted] when no key qualifies.
func (r *Ring) Acquire(estTokens int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	earliest := time.Time{}

	for i := 0; i < len(r.keys); i++ {
		ks := r.keys[(r.next+i)%len(r.keys)]
		if at := r.availableAt(ks, estTokens, now); at.After(now) {
			if earliest.IsZero() || at.Before(earliest) {
				earliest = at
			}
			continue
		}

		r.next = (r.next + i + 1) % len(r.keys)
		r.charge(ks, estTokens, now)
		r.persistLocked()
		return ks.key, nil
	}

	if earliest.IsZero() {
		earliest = now.Add(time.Minute)
	}
	return "", &ExhaustedError{RetryAt: earliest}
}

// RecordUsage reconciles the estimated token charge made at Acquire time with
// the actual usage reported by the provider.
func (r *Ring) RecordUsage(key string, estTokens, actualTokens int) {
	if estTokens == actualTokens {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ks := r.find(key)
	if ks == nil {
		return
	}
	delta := actualTokens - estTokens
	if delta != 0 {
		ks.tokens = append(ks.tokens, tokenEvent{At: r.now(), Tokens: delta})
	}
	r.persistLocked()
}

// Cooldown puts the key out of rotation for d. Used when the provider
// reports a quota error so retries rotate to other keys instead of hammering
// the throttled one.
func (r *Ring) Cooldown(key string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ks := r.find(key)
	if ks == nil {
		return
	}
	until := r.now().Add(d)
	if until.After(ks.cooldownUntil) {
		ks.cooldownUntil = until
	}
	slog.Info("keyring: key on cooldown",
		"key", ks.fingerprint[:8],
		"until", ks.cooldownUntil.Format(time.RFC3339))
	r.persistLocked()
}

// availableAt returns the earliest time the key can serve a request spending
// estTokens. A result at or before now means it is available immediately.
// Must be called with r.mu held.
func (r *Ring) availableAt(ks *keyState, estTokens int, now time.Time) time.Time {
	r.prune(ks, now)

	at := now
	if ks.cooldownUntil.After(at) {
		at = ks.cooldownUntil
	}
	if r.limits.RPM > 0 && len(ks.requests) >= r.limits.RPM {
		if t := ks.requests[0].Add(time.Minute); t.After(at) {
			at = t
		}
	}
	if r.limits.TPM > 0 {
		spent := 0
		for _, e := range ks.tokens {
			spent += e.Tokens
		}
		if spent+estTokens > r.limits.TPM && len(ks.tokens) > 0 {
			if t := ks.tokens[0].At.Add(time.Minute); t.After(at) {
				at = t
			}
		}
	}
	if r.limits.RPD > 0 && ks.dayRequests >= r.limits.RPD {
		if t := nextUTCDay(now); t.After(at) {
			at = t
		}
	}
	return at
}

// charge records a request and its estimated token spend against the key.
// Must be called with r.mu held.
func (r *Ring) charge(ks *keyState, estTokens int, now time.Time) {
	ks.requests = append(ks.requests, now)
	if estTokens > 0 {
		ks.tokens = append(ks.tokens, tokenEvent{At: now, Tokens: estTokens})
	}
	day := now.UTC().Format("2006-01-02")
	if ks.dayKey != day {
		ks.dayKey = day
		ks.dayRequests = 0
	}
	ks.dayRequests++
}

// prune drops window entries older than one minute and rolls the day bucket.
// Must be called with r.mu held.
func (r *Ring) prune(ks *keyState, now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(ks.requests) && ks.requests[i].Before(cutoff) {
		i++
	}
	ks.requests = ks.requests[i:]

	j := 0
	for j < len(ks.tokens) && ks.tokens[j].At.Before(cutoff) {
		j++
	}
	ks.tokens = ks.tokens[j:]

	if day := now.UTC().Format("2006-01-02"); ks.dayKey != day {
		ks.dayKey = day
		ks.dayRequests = 0
	}
}

// nextUTCDay returns midnight UTC after now.
func nextUTCDay(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

func (r *Ring) find(key string) *keyState {
	for _, ks := range r.keys {
		if ks.key == key {
			return ks
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Persistence
// ─────────────────────────────────────────────────────────────────────────────

// loadState restores counters for keys whose fingerprints appear in the state
// file. Unknown fingerprints (rotated-out keys) are dropped.
func (r *Ring) loadState() error {
	if r.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(r.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("keyring: read state: %w", err)
	}

	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("keyring: decode state: %w", err)
	}

	byFP := make(map[string]persistedKey, len(st.Keys))
	for _, pk := range st.Keys {
		byFP[pk.Fingerprint] = pk
	}
	for _, ks := range r.keys {
		pk, ok := byFP[ks.fingerprint]
		if !ok {
			continue
		}
		ks.requests = pk.Requests
		ks.dayKey = pk.DayKey
		ks.dayRequests = pk.DayRequests
		ks.cooldownUntil = pk.CooldownUntil
		for _, te := range pk.Tokens {
			ks.tokens = append(ks.tokens, tokenEvent{At: te.At, Tokens: te.Tokens})
		}
	}
	return nil
}

// persistLocked writes the current counters to the state file via a temp file
// and rename. Must be called with r.mu held. Persistence failures are logged,
// not fatal: the in-memory view still enforces quotas for this process.
func (r *Ring) persistLocked() {
	if r.statePath == "" {
		return
	}

	now := r.now()
	st := persistedState{UpdatedAt: now}
	for _, ks := range r.keys {
		r.prune(ks, now)
		pk := persistedKey{
			Fingerprint:   ks.fingerprint,
			Requests:      ks.requests,
			DayKey:        ks.dayKey,
			DayRequests:   ks.dayRequests,
			CooldownUntil: ks.cooldownUntil,
		}
		for _, te := range ks.tokens {
			pk.Tokens = append(pk.Tokens, struct {
				At     time.Time `json:"at"`
				Tokens int       `json:"tokens"`
			}{At: te.At, Tokens: te.Tokens})
		}
		st.Keys = append(st.Keys, pk)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		slog.Error("keyring: encode state", "error", err)
		return
	}

	tmp := r.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		slog.Error("keyring: write state", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, r.statePath); err != nil {
		slog.Error("keyring: rename state", "path", r.statePath, "error", err)
	}
}
