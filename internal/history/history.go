// Package history keeps the results of one-shot transcriptions in a local
// JSON file, newest first.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// MaxEntries bounds the file; the oldest entries fall off first.
const MaxEntries = 50

var ErrNotFound = errors.New("history entry not found")

type Mode string

const (
	ModeFile Mode = "file"
	ModeMic  Mode = "micro"
)

type Entry struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Summary   string    `json:"summary,omitempty"`
	Mode      Mode      `json:"mode"`
	FileName  string    `json:"file_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store reads and rewrites the whole file on every call.
type Store struct {
	fs   afero.Fs
	path string
	now  func() time.Time

	mu sync.Mutex
}

func New(fsys afero.Fs, path string) *Store {
	return &Store{fs: fsys, path: path, now: time.Now}
}

// Add stamps e with a fresh id and time and puts it first.
func (s *Store) Add(e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return Entry{}, err
	}
	e.ID = uuid.NewString()
	e.CreatedAt = s.now().UTC()
	entries = append([]Entry{e}, entries...)
	if len(entries) > MaxEntries {
		entries = entries[:MaxEntries]
	}
	if err := s.save(entries); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *Store) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return err
	}
	kept := slices.DeleteFunc(entries, func(e Entry) bool { return e.ID == id })
	if len(kept) == len(entries) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.save(kept)
}

// Clear removes the file. Clearing an empty history is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (s *Store) load() ([]Entry, error) {
	raw, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		// A damaged file is treated as empty and replaced on the next write.
		log.Warn().Str("module", "history").Str("path", s.path).Err(err).Msg("history unreadable")
		return nil, nil
	}
	return entries, nil
}

// save writes a sibling temp file and renames it over the old one.
func (s *Store) save(entries []Entry) error {
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("write history: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}
