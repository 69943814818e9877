package progress

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeEditor struct {
	mu      sync.Mutex
	edits   []string
	posts   []string
}

func (f *fakeEditor) EditStatus(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeEditor) PostMilestone(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, text)
	return nil
}

func (f *fakeEditor) editCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edits)
}

func (f *fakeEditor) lastEdit() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		return ""
	}
	return f.edits[len(f.edits)-1]
}

func TestReporterEditsWithinInterval(t *testing.T) {
	ed := &fakeEditor{}
	ring := NewSnapshotRing(10)
	r := New(ed, Options{MinEditInterval: 20 * time.Millisecond, HeartbeatEvery: time.Hour, EditTimeout: time.Second}, ring.OnNote)
	defer r.Stop()

	r.Note("first line", false, false)
	time.Sleep(80 * time.Millisecond)
	if ed.editCount() == 0 {
		t.Fatal("expected at least one edit after min interval elapsed")
	}
	if !contains(ed.lastEdit(), "first line") {
		t.Errorf("lastEdit = %q, want to contain %q", ed.lastEdit(), "first line")
	}
	snap := ring.Take()
	if len(snap.Lines) != 1 || snap.Lines[0] != "first line" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestReporterHeartbeatForcesEditWithoutNewNotes(t *testing.T) {
	ed := &fakeEditor{}
	r := New(ed, Options{MinEditInterval: time.Hour, HeartbeatEvery: 20 * time.Millisecond, EditTimeout: time.Second}, nil)
	defer r.Stop()

	r.Note("only line", false, false)
	time.Sleep(120 * time.Millisecond)
	if ed.editCount() < 2 {
		t.Errorf("expected heartbeat to force repeated edits, got %d", ed.editCount())
	}
}

func TestMilestoneThrottleDropsForbiddenPrefix(t *testing.T) {
	th := newMilestoneThrottle()
	if th.allow("Thinking: about the problem some more", time.Now()) {
		t.Error("expected forbidden-prefix line to be dropped")
	}
}

func TestMilestoneThrottleRateLimits(t *testing.T) {
	th := newMilestoneThrottle()
	th.backoff.InitialInterval = time.Hour
	th.backoff.Reset()
	th.nextWait = time.Hour
	now := time.Now()
	if !th.allow("implemented the thing end to end", now) {
		t.Fatal("first milestone should be allowed")
	}
	if th.allow("implemented another thing entirely", now.Add(time.Second)) {
		t.Error("second milestone within back-off window should be dropped")
	}
}

func TestMilestoneThrottleRejectsShortLine(t *testing.T) {
	th := newMilestoneThrottle()
	if th.allow("ok", time.Now()) {
		t.Error("expected too-short line to be rejected")
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (haystack == needle || indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
