package progress

import (
	"sync"
	"time"
)

// SnapshotRing accumulates cleaned progress notes per conversation for
// the priority-question interrupt (spec §4.J) to read as "primary
// context" without touching the paused run's own state. It is fed by a
// Reporter's onNote callback and never blocks the Reporter.
type SnapshotRing struct {
	mu       sync.Mutex
	cap      int
	lines    []Note
	provider string
	model    string
}

// NewSnapshotRing returns a ring retaining up to capacity notes.
func NewSnapshotRing(capacity int) *SnapshotRing {
	if capacity <= 0 {
		capacity = 50
	}
	return &SnapshotRing{cap: capacity}
}

// OnNote is suitable as a Reporter's onNote callback.
func (s *SnapshotRing) OnNote(n Note) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, n)
	if len(s.lines) > s.cap {
		s.lines = s.lines[len(s.lines)-s.cap:]
	}
}

// SetRunMeta records the provider/model of the run this ring snapshots,
// included verbatim in Snapshot results.
func (s *SnapshotRing) SetRunMeta(provider, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = provider
	s.model = model
}

// Snapshot is an immutable copy of the ring's current state, handed to
// the ephemeral interrupt-answer invocation.
type Snapshot struct {
	Lines    []string
	Provider string
	Model    string
	TakenAt  time.Time
}

// Take returns a point-in-time copy.
func (s *SnapshotRing) Take() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := make([]string, len(s.lines))
	for i, n := range s.lines {
		lines[i] = n.Text
	}
	return Snapshot{Lines: lines, Provider: s.provider, Model: s.model, TakenAt: time.Now()}
}
