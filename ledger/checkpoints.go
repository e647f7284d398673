package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/happybigmtn/dicenet/consensus"
)

// Checkpoints is the in-memory checkpoint store used by tests and the local
// demo. It keeps only the newest snapshot; older ones are superseded.
type Checkpoints struct {
	mu     sync.RWMutex
	latest consensus.Snapshot
	ok     bool
}

// NewCheckpoints builds an empty in-memory store.
func NewCheckpoints() *Checkpoints {
	return &Checkpoints{}
}

// SaveCheckpoint stores the snapshot, replacing any previous one with a
// lower sequence.
func (c *Checkpoints) SaveCheckpoint(snap consensus.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ok && snap.LastApplied <= c.latest.LastApplied {
		return nil
	}
	c.latest = snap
	c.ok = true
	return nil
}

// LoadLatestCheckpoint returns the newest snapshot, or ok=false when none
// has been saved.
func (c *Checkpoints) LoadLatestCheckpoint() (consensus.Snapshot, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest, c.ok, nil
}

// FileCheckpoints persists snapshots as a JSON file on disk, so a restarted
// validator resumes from its last checkpoint instead of replaying from
// genesis.
type FileCheckpoints struct {
	mu   sync.Mutex
	path string
}

// NewFileCheckpoints builds a file-backed store at the given path.
func NewFileCheckpoints(path string) (*FileCheckpoints, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint dir: %w", err)
	}
	return &FileCheckpoints{path: path}, nil
}

// SaveCheckpoint writes the snapshot atomically via a rename.
func (f *FileCheckpoints) SaveCheckpoint(snap consensus.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return os.Rename(tmp, f.path)
}

// LoadLatestCheckpoint reads the stored snapshot; a missing file means none
// was saved yet.
func (f *FileCheckpoints) LoadLatestCheckpoint() (consensus.Snapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return consensus.Snapshot{}, false, nil
	}
	if err != nil {
		return consensus.Snapshot{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	var snap consensus.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return consensus.Snapshot{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return snap, true, nil
}
