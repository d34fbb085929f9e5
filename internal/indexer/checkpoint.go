package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Checkpoint tracks the last processed block of one poller.
type Checkpoint struct {
	LastProcessedBlock uint64 `json:"last_processed_block"`
	UpdatedAt          string `json:"updated_at"`
}

// FileCheckpointStore persists checkpoints for all pollers in one JSON file.
type FileCheckpointStore struct {
	path    string
	enabled bool

	mu sync.Mutex
}

func NewFileCheckpointStore(path string, enabled bool) *FileCheckpointStore {
	return &FileCheckpointStore{path: path, enabled: enabled}
}

func (c *FileCheckpointStore) Load(_ context.Context, name string) (uint64, bool, error) {
	if !c.enabled {
		return 0, false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	all, err := c.readAll()
	if err != nil {
		return 0, false, err
	}
	cp, ok := all[name]
	if !ok {
		return 0, false, nil
	}
	return cp.LastProcessedBlock, true, nil
}

func (c *FileCheckpointStore) Save(_ context.Context, name string, lastProcessed uint64) error {
	if !c.enabled {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	all, err := c.readAll()
	if err != nil {
		return err
	}
	all[name] = Checkpoint{
		LastProcessedBlock: lastProcessed,
		UpdatedAt:          time.Now().UTC().Format(time.RFC3339Nano),
	}

	dir := filepath.Dir(c.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}

	data, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint tmp: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}

	return nil
}

func (c *FileCheckpointStore) readAll() (map[string]Checkpoint, error) {
	stat, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Checkpoint{}, nil
		}
		return nil, fmt.Errorf("stat checkpoint: %w", err)
	}
	if stat.IsDir() {
		return nil, fmt.Errorf("checkpoint path is a directory")
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	all := map[string]Checkpoint{}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return all, nil
}
