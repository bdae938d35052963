package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"papertrader/internal/filelock"
)

// ErrCorrupt means a persisted document exists but cannot be parsed.
// Callers must not replace it with defaults.
var ErrCorrupt = errors.New("state document corrupt")

// Document file names inside a variant directory
const (
	CursorFile    = "cursor.json"
	PositionsFile = "positions.json"
	EquityFile    = "equity_state.json"
)

// Cursor is the index of the last signal record already acted upon
type Cursor struct {
	LastIndex int `json:"last_index"`
}

// Equity is the persisted balance
type Equity struct {
	Balance float64 `json:"balance"`
}

// Store loads and saves the engine documents of one variant directory
type Store struct {
	dir    string
	logger zerolog.Logger
}

// New creates a store rooted at dir
func New(dir string, logger zerolog.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger.With().Str("component", "StateStore").Str("dir", dir).Logger(),
	}
}

// Dir returns the variant directory
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the location of a document
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// LoadCursor returns def when no cursor has been saved
func (s *Store) LoadCursor(def Cursor) (Cursor, error) {
	return Load(s.Path(CursorFile), def, "last_index")
}

// SaveCursor persists the cursor
func (s *Store) SaveCursor(c Cursor) error {
	return Save(s.Path(CursorFile), c)
}

// LoadEquity returns def when no balance has been saved
func (s *Store) LoadEquity(def Equity) (Equity, error) {
	return Load(s.Path(EquityFile), def, "balance")
}

// SaveEquity persists the balance
func (s *Store) SaveEquity(e Equity) error {
	return Save(s.Path(EquityFile), e)
}

// Load reads the JSON document at path under a shared lock.
// A missing or empty file yields def. A document that is not a JSON object,
// or lacks one of the required keys, yields ErrCorrupt.
func Load[T any](path string, def T, required ...string) (T, error) {
	var data []byte
	err := filelock.With(path, false, func() error {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		data = b
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return def, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return def, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if fields == nil {
		return def, fmt.Errorf("%w: %s: document is null", ErrCorrupt, path)
	}
	for _, key := range required {
		if v, ok := fields[key]; !ok || string(v) == "null" {
			return def, fmt.Errorf("%w: %s: missing %q", ErrCorrupt, path, key)
		}
	}

	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return def, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return out, nil
}

// Save writes v to path under an exclusive lock, replacing the file atomically
func Save(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}

	return filelock.With(path, true, func() error {
		return writeFileAtomic(path, data, 0o644)
	})
}

// writeFileAtomic writes data to a temp file in the same directory, syncs it and renames it over path
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	// fsync the directory so the rename survives a crash
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
