// Package pcqueue implements the per-conversation queue (spec §4.E): a
// map from conversation key to a chainable future, so each submitted
// task attaches to the previous one's completion, and a monotonic
// "epoch" per key that lets a hard preempt invalidate everything
// queued before the bump without walking the queue itself.
package pcqueue

import (
	"context"
	"sync"
)

// Queue owns one chained future per conversation key (spec §4.E).
type Queue struct {
	mu    sync.Mutex
	tails map[string]*entry
	runs  map[string]*RunState
}

type entry struct {
	done chan struct{}

	mu    sync.Mutex
	epoch int
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{
		tails: make(map[string]*entry),
		runs:  make(map[string]*RunState),
	}
}

// epochFor returns the entry tracking convKey's current epoch, creating
// it lazily. Caller must hold q.mu.
func (q *Queue) epochFor(convKey string) *entry {
	e, ok := q.tails[convKey]
	if !ok {
		e = &entry{done: closedChan()}
		q.tails[convKey] = e
	}
	return e
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// CurrentEpoch returns convKey's current epoch, for submitters that want
// to capture "now" before doing other work and submitting later.
func (q *Queue) CurrentEpoch(convKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.epochFor(convKey)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// Preempt bumps convKey's epoch (spec §4.E: "preemptConversationQueue()
// simply increments the epoch"). Anything already submitted at an older
// epoch routes to its onSkipped callback instead of running.
func (q *Queue) Preempt(convKey string) {
	q.mu.Lock()
	e := q.epochFor(convKey)
	q.mu.Unlock()

	e.mu.Lock()
	e.epoch++
	e.mu.Unlock()
}

// Submit chains fn onto convKey's queue, to run after the previously
// submitted task (if any) completes. epoch is the submission-time epoch
// (from CurrentEpoch); if convKey's epoch has since advanced past it,
// onSkipped runs instead of fn. Submit itself returns immediately; the
// returned channel closes once fn or onSkipped has run.
func (q *Queue) Submit(ctx context.Context, convKey string, epoch int, fn func(context.Context), onSkipped func()) <-chan struct{} {
	q.mu.Lock()
	e := q.epochFor(convKey)
	prevDone := e.done
	myDone := make(chan struct{})
	e.done = myDone
	q.mu.Unlock()

	go func() {
		defer close(myDone)
		select {
		case <-prevDone:
		case <-ctx.Done():
			if onSkipped != nil {
				onSkipped()
			}
			return
		}

		e.mu.Lock()
		current := e.epoch
		e.mu.Unlock()
		if current != epoch {
			if onSkipped != nil {
				onSkipped()
			}
			return
		}
		fn(ctx)
	}()
	return myDone
}

// RunState is the AgentRun lifecycle the PCQ and /ask both consult
// (spec §4.E: "other components consult to decide whether the run is
// 'queued' or 'running'").
type RunState struct {
	Status string // "", "queued", "running" — mirrors state.AgentRunStatus.
}

// SetRunState records convKey's current AgentRun status.
func (q *Queue) SetRunState(convKey, status string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.runs[convKey] = &RunState{Status: status}
}

// GetRunState returns convKey's last recorded AgentRun status, or the
// zero value if none was ever set.
func (q *Queue) GetRunState(convKey string) RunState {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r, ok := q.runs[convKey]; ok {
		return *r
	}
	return RunState{}
}
