package library

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists the library document as one JSON file. Every mutation runs
// as a load-mutate-save critical section behind a single mutex, so
// concurrent writers cannot lose each other's updates; the whole-document
// rewrite is the consistency boundary.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store backed by the JSON file at path. The file and
// its directory are created lazily on first use.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the document file location.
func (s *Store) Path() string { return s.path }

func (s *Store) load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &Document{
			Tracks:    []Track{},
			Playlists: []Playlist{},
			Favorites: []string{},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading library: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing library: %w", err)
	}
	if doc.Tracks == nil {
		doc.Tracks = []Track{}
	}
	if doc.Playlists == nil {
		doc.Playlists = []Playlist{}
	}
	if doc.Favorites == nil {
		doc.Favorites = []string{}
	}
	return &doc, nil
}

func (s *Store) save(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding library: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	// Write-then-rename so a crash mid-write never truncates the document.
	tmp, err := os.CreateTemp(dir, ".library-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing library: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing library: %w", err)
	}
	return nil
}

// Update runs fn on the current document and persists the result. The
// document is only rewritten when fn returns nil. fn must not retain the
// document past its return.
func (s *Store) Update(fn func(*Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.save(doc)
}

// View runs fn on a snapshot of the document without persisting anything.
func (s *Store) View(fn func(*Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	return fn(doc)
}

// Snapshot returns a copy of the current document.
func (s *Store) Snapshot() (*Document, error) {
	var out *Document
	err := s.View(func(doc *Document) error {
		out = doc
		return nil
	})
	return out, err
}
