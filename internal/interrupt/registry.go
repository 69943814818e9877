// Package interrupt implements the priority-question interrupt (spec
// §4.J): `/ask` pauses the active child process tree with SIGSTOP,
// answers the question with an ephemeral stateless agent invocation fed
// a snapshot of the paused run, then resumes the tree with SIGCONT.
package interrupt

import (
	"sync"

	"github.com/maruel/relaybridge/internal/progress"
)

// activeRun is what the agent runner hands over while a turn is
// in-flight (spec §4.J step 3's "active child").
type activeRun struct {
	pid  int
	ring *progress.SnapshotRing
}

// pausedState records a SIGSTOPped tree so `/ask`'s deferred resume is
// guaranteed to find it even across error paths (spec §4.A: "a map for
// /ask" the paused state lives in).
type pausedState struct {
	rootPID int
	pids    []int // leaves-first order, as stopped.
}

// Registry is the `Map<convKey, childHandle>` / `Map<convKey,
// PausedState>` pair from spec §4.A, combined into one type: the agent
// runner feeds it active pids via SetActive/Clear (it implements
// runner.RunTracker structurally, with no import in either direction),
// and the interrupt Handler below owns the pause/resume bookkeeping.
type Registry struct {
	mu      sync.Mutex
	active  map[string]activeRun
	paused  map[string]pausedState
	asking  map[string]bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]activeRun),
		paused: make(map[string]pausedState),
		asking: make(map[string]bool),
	}
}

// SetActive records the pid/ring of convKey's currently running agent
// invocation. Satisfies internal/runner.RunTracker.
func (r *Registry) SetActive(convKey string, pid int, ring *progress.SnapshotRing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[convKey] = activeRun{pid: pid, ring: ring}
}

// Clear removes convKey's active-run record. Satisfies
// internal/runner.RunTracker.
func (r *Registry) Clear(convKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, convKey)
}

// active returns convKey's recorded active run, if any.
func (r *Registry) activeFor(convKey string) (activeRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.active[convKey]
	return a, ok
}

// beginAsk marks convKey as having a priority question in flight,
// refusing a second one (spec §4.J step 1).
func (r *Registry) beginAsk(convKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.asking[convKey] {
		return false
	}
	r.asking[convKey] = true
	return true
}

func (r *Registry) endAsk(convKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.asking, convKey)
}

func (r *Registry) recordPaused(convKey string, rootPID int, pids []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused[convKey] = pausedState{rootPID: rootPID, pids: pids}
}

func (r *Registry) clearPaused(convKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paused, convKey)
}

// pausedFor returns convKey's recorded paused-tree state, if any, so
// resume() can replay the SIGCONT even across the defer's own call
// stack rather than needing it threaded through as a parameter.
func (r *Registry) pausedFor(convKey string) (pausedState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.paused[convKey]
	return p, ok
}

// IsPaused reports whether convKey currently has a SIGSTOPped tree
// (spec §8's "Priority question safety" invariant: no process remains
// stopped once /ask completes — this is what a test or a `/status`
// surface checks to confirm that).
func (r *Registry) IsPaused(convKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.paused[convKey]
	return ok
}
