// Package file provides the default persistent store: the full engine state
// as one human-readable JSON document at a fixed path. The document is
// rewritten after every successful transaction via a temp file and atomic
// rename, and a failed rewrite rolls the in-memory state back so memory
// never runs ahead of disk.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"palletcore/internal/infra/persistence/memory"
	"palletcore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// DefaultPath is used when no history path is configured.
const DefaultPath = "pallet_history.json"

// Store persists state to a single JSON document while reusing the in-memory
// implementation for transactions.
type Store struct {
	*memory.Store
	mu   sync.Mutex
	path string
}

// NewStore opens the history document at path, creating a fresh state when
// the file does not exist yet. An unreadable or unparsable document is a
// hard error: silently starting over would discard committed batches.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	mem := memory.NewStore(engine)
	s := &Store{Store: mem, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read history %s: %w", s.path, err)
	}
	var snapshot memory.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode history %s: %w", s.path, err)
	}
	s.ImportState(snapshot)
	return nil
}

// RunInTransaction applies fn in memory, then rewrites the history document.
// When the rewrite fails the in-memory commit is rolled back and the error
// carries KindPersistenceFailure.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.ExportState()
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if err := s.persist(); err != nil {
		s.ImportState(prev)
		return res, &domain.Error{Kind: domain.KindPersistenceFailure, Path: s.path, Err: err}
	}
	return res, nil
}

func (s *Store) persist() error {
	snapshot := s.ExportState()
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	data = append(data, '\n')
	return writeFileAtomic(s.path, data)
}

// Path returns the configured history document path.
func (s *Store) Path() string { return s.path }

// writeFileAtomic publishes data at path through a same-directory temp file
// and rename, syncing the file and its parent directory so a crash never
// leaves a torn document behind.
func writeFileAtomic(path string, data []byte) (retErr error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".pallet-history-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp history: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if retErr != nil {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp history: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp history: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp history: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("publish history: %w", err)
	}
	return syncDir(dir)
}

// syncDir flushes the directory entry so the rename itself is durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}
