package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store owns the in-memory Document and mirrors every mutation to disk
// through a single-writer save chain (spec §4.B). Readers see the
// latest in-memory value without locking the writer; Mutate clones
// nothing — callers run under the Store's lock and must not retain
// pointers into the Document past the callback.
type Store struct {
	path string

	mu  sync.RWMutex
	doc *Document

	saveMu   sync.Mutex // serializes the actual save chain (one writer in flight).
	saveOnce chan struct{}
}

// Open loads path if it exists, normalizing on load, or starts from an
// empty Document if it doesn't.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	doc, err := loadDocument(path)
	if err != nil {
		return nil, err
	}
	s.doc = doc
	return s, nil
}

// loadDocument reads and normalizes the document at path. A missing file
// yields an empty Document; a corrupt file is treated the same way so a
// single bad write never wedges startup (spec §4.B: "Failure to parse
// falls back to an empty state").
func loadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-controlled state dir, not user input.
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	doc := NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		slog.Warn("state file failed to parse, starting from empty state", "path", path, "err", err)
		return NewDocument(), nil
	}
	if doc.Sessions == nil {
		doc.Sessions = make(map[string]*Session)
	}
	normalize(doc)
	return doc, nil
}

// View runs fn with a read lock held over the current Document. fn must
// not mutate the document.
func (s *Store) View(fn func(*Document)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.doc)
}

// Mutate runs fn with a write lock held, then schedules a save. The save
// itself happens synchronously here to keep the model simple — the
// "single writer in flight, enqueue coalesces" property (spec §4.B) is
// provided by saveMu: concurrent Mutate calls serialize their disk
// writes in call order, never interleaving partial JSON.
func (s *Store) Mutate(fn func(*Document)) error {
	s.mu.Lock()
	fn(s.doc)
	s.mu.Unlock()
	return s.save()
}

// Session returns the session for convKey, creating it lazily if absent
// (spec §3: "created lazily on first message"). The returned pointer is
// only valid while the caller holds Mutate's lock — call from inside a
// Mutate callback.
func (d *Document) Session(convKey string) *Session {
	s, ok := d.Sessions[convKey]
	if !ok {
		s = &Session{ConvKey: convKey, Auto: AutoToggles{}, TaskLoop: TaskLoop{}}
		d.Sessions[convKey] = s
	}
	return s
}

// save serializes the document and atomically replaces the on-disk file
// via temp-file-then-rename (spec §4.B).
func (s *Store) save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // best effort; rename below removes it on success.

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp state file: %w", err)
	}
	return nil
}

// DrainPostRestartNotices returns and clears the pending post-restart
// notices (spec §3 AgentRun invariant).
func (s *Store) DrainPostRestartNotices() []PostRestartNotice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.doc.PostRestartNotices
	s.doc.PostRestartNotices = nil
	return out
}
