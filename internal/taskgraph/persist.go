package taskgraph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const stateFileName = "taskgraph-state.json"

// snapshot is the serializable form of a MemoryStore.
type snapshot struct {
	SavedAt time.Time        `json:"savedAt"`
	Tasks   map[string]*Task `json:"tasks"`
}

// SaveState writes all tasks to dir/taskgraph-state.json via a temporary file that
// is renamed into place under the directory lock.
func (s *MemoryStore) SaveState(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	s.mu.RLock()
	data, err := json.MarshalIndent(snapshot{
		SavedAt: s.now().UTC(),
		Tasks:   s.tasks,
	}, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal task state: %w", err)
	}

	target := filepath.Join(dir, stateFileName)
	return withLock(dir, func() error {
		tmp := target + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return fmt.Errorf("write temp file: %w", err)
		}
		if err := os.Rename(tmp, target); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("rename temp file: %w", err)
		}
		return nil
	})
}

// LoadState restores a MemoryStore from a file written by SaveState.
// A missing file yields an empty store.
func LoadState(dir string, opts ...MemoryOption) (*MemoryStore, error) {
	target := filepath.Join(dir, stateFileName)
	if _, err := os.Stat(target); os.IsNotExist(err) {
		return NewMemoryStore(opts...), nil
	}

	var data []byte
	err := withLock(dir, func() (err error) {
		data, err = os.ReadFile(target)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state snapshot
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal task state: %w", err)
	}
	return newMemoryStoreFromTasks(state.Tasks, opts...), nil
}
