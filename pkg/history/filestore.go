package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/entrhq/pagepilot/pkg/automation"
)

// FileStore keeps the history as one JSON array in a file. Writes go through
// a temporary file and a rename so a crash never leaves a partial file.
type FileStore struct {
	path  string
	limit int
	mu    sync.Mutex
}

// NewFileStore creates a file-backed store. A limit <= 0 uses DefaultLimit.
func NewFileStore(path string, limit int) (*FileStore, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("history: init directory: %w", err)
	}
	return &FileStore{path: path, limit: limit}, nil
}

// Save implements Store.
func (s *FileStore) Save(_ context.Context, run automation.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs, err := s.load()
	if err != nil {
		return err
	}
	return s.write(upsert(runs, Sanitize(run), s.limit))
}

// List implements Store.
func (s *FileStore) List(_ context.Context) ([]automation.RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, runID string) (automation.RunState, error) {
	runs, err := s.List(ctx)
	if err != nil {
		return automation.RunState{}, err
	}
	for _, r := range runs {
		if r.RunID == runID {
			return r, nil
		}
	}
	return automation.RunState{}, ErrNotFound
}

// Clear implements Store.
func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("history: clear: %w", err)
	}
	return nil
}

func (s *FileStore) load() ([]automation.RunState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var runs []automation.RunState
	if err := json.Unmarshal(data, &runs); err != nil {
		historyLog.Warnf("discarding corrupt history file %s: %v", s.path, err)
		return nil, nil
	}
	return runs, nil
}

func (s *FileStore) write(runs []automation.RunState) error {
	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("history: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("history: atomic rename %s: %w", s.path, err)
	}
	return nil
}
