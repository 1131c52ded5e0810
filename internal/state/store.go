package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cosdev/cos/internal/common/logger"
	v1 "github.com/cosdev/cos/pkg/api/v1"
)

// ErrUpdateAborted is returned when an update closure fails; the on-disk
// document is left untouched.
var ErrUpdateAborted = errors.New("state update aborted")

// Store serializes all reads-then-writes of the state document through a
// single mutex. Each Update re-reads the latest persisted state, mutates it,
// and writes atomically (temp file + rename). Readers may use Snapshot for a
// lock-free, possibly stale view.
type Store struct {
	path     string
	logger   *logger.Logger
	mu       sync.Mutex
	snapshot atomic.Pointer[State]
}

// NewStore creates a store for the given file path.
func NewStore(path string, log *logger.Logger) *Store {
	return &Store{
		path:   path,
		logger: log.WithFields(zap.String("component", "state-store")),
	}
}

// Load reads the state document from disk. A missing file yields defaults.
// A corrupt file is backed up with a timestamp suffix and defaults are used.
func (s *Store) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*State, error) {
	st := Default()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.snapshot.Store(st)
			return st, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	if err := json.Unmarshal(raw, st); err != nil {
		backup := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		if renameErr := os.Rename(s.path, backup); renameErr != nil {
			s.logger.Error("Failed to back up corrupt state file", zap.Error(renameErr))
		} else {
			s.logger.Warn("State file corrupt, backed up and using defaults",
				zap.String("backup", backup),
				zap.Error(err))
		}
		st = Default()
	}

	// Maps may be nulled out by older files
	if st.Agents == nil {
		st.Agents = make(map[string]*v1.Agent)
	}
	if st.Stats.LastAppCompletion == nil {
		st.Stats.LastAppCompletion = make(map[string]time.Time)
	}

	s.snapshot.Store(st)
	return st, nil
}

// Update runs fn against the latest persisted state under the store mutex
// and atomically rewrites the file. If fn returns an error nothing is
// written.
func (s *Store) Update(fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadLocked()
	if err != nil {
		return err
	}

	if err := fn(st); err != nil {
		return errors.Join(ErrUpdateAborted, err)
	}

	st.LastUpdated = time.Now().UTC()
	if err := s.writeLocked(st); err != nil {
		return err
	}

	s.snapshot.Store(st)
	return nil
}

// Snapshot returns the last loaded state without taking the lock. The view
// may be stale; writers must go through Update.
func (s *Store) Snapshot() *State {
	if st := s.snapshot.Load(); st != nil {
		return st
	}
	st, err := s.Load()
	if err != nil {
		s.logger.Error("Failed to load state for snapshot", zap.Error(err))
		return Default()
	}
	return st
}

// writeLocked writes the document via temp file + rename so a torn file is
// impossible except on a crash mid-rename.
func (s *Store) writeLocked(st *State) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write state temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
