// Package checkpoint persists per-episode pipeline progress so an
// interrupted run can resume without re-writing committed units.
//
// One JSON file per episode lives under the checkpoint directory, written
// with the tmp+rename dance for crash safety. The file records the current
// stage, the unit total, and the IDs of units whose graph transactions have
// committed; on re-ingest those units are skipped.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Stage names the pipeline phase a checkpoint was taken in.
type Stage string

const (
	StageParse   Stage = "parse"
	StageSpeaker Stage = "speaker"
	StageSegment Stage = "segment"
	StageExtract Stage = "extract"
	StageWrite   Stage = "write"
	StageDone    Stage = "done"
)

// Checkpoint is the persisted progress record for one episode.
type Checkpoint struct {
	// EpisodeID is the deterministic episode key.
	EpisodeID string `json:"episode_id"`

	// Stage is the last stage entered.
	Stage Stage `json:"stage"`

	// UnitsTotal is the number of units the segmenter produced, 0 before
	// segmentation.
	UnitsTotal int `json:"units_total"`

	// CommittedUnitIDs lists units whose graph transaction committed, in
	// write order.
	CommittedUnitIDs []string `json:"committed_unit_ids"`

	// UpdatedAt is the time of the last save.
	UpdatedAt time.Time `json:"updated_at"`
}

// Committed returns the committed unit IDs as a set.
func (c *Checkpoint) Committed() map[string]bool {
	set := make(map[string]bool, len(c.CommittedUnitIDs))
	for _, id := range c.CommittedUnitIDs {
		set[id] = true
	}
	return set
}

// Manager reads and writes checkpoint files in a directory.
type Manager struct {
	dir string
}

// NewManager creates the checkpoint directory if needed.
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint: directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create directory: %w", err)
	}
	return &Manager{dir: dir}, nil
}

func (m *Manager) path(episodeID string) string {
	return filepath.Join(m.dir, episodeID+".json")
}

// Load returns the episode's checkpoint, or nil when none exists.
func (m *Manager) Load(episodeID string) (*Checkpoint, error) {
	data, err := os.ReadFile(m.path(episodeID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", episodeID, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", episodeID, err)
	}
	return &cp, nil
}

// Save writes the checkpoint atomically.
func (m *Manager) Save(cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: encode %s: %w", cp.EpisodeID, err)
	}

	target := m.path(cp.EpisodeID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("checkpoint: rename %s: %w", target, err)
	}
	return nil
}

// Delete removes the episode's checkpoint. Missing files are not an error.
func (m *Manager) Delete(episodeID string) error {
	err := os.Remove(m.path(episodeID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checkpoint: delete %s: %w", episodeID, err)
	}
	return nil
}
