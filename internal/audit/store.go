package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists operator log entries.
type Store interface {
	Append(ctx context.Context, e Entry) error
}

// FileStore appends each entry as one line to <dir>/<channel>.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Append(_ context.Context, e Entry) error {
	if e.Channel == "" {
		return fmt.Errorf("audit entry has no channel")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, string(e.Channel))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.WriteString(e.Line() + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// InMemoryStore keeps entries per channel. Used in tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[Channel][]Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[Channel][]Entry)}
}

func (s *InMemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Channel] = append(s.entries[e.Channel], e)
	return nil
}

// ListByChannel returns a copy of the entries written to ch.
func (s *InMemoryStore) ListByChannel(ch Channel) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry{}, s.entries[ch]...)
}
