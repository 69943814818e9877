package job

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/maruel/relaybridge/internal/state"
)

type fakePoster struct {
	mu    sync.Mutex
	posts []string
}

func (p *fakePoster) Post(_ context.Context, _ string, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, text)
	return nil
}

func (p *fakePoster) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.posts)
}

func newTestJob(t *testing.T) (*state.Job, string) {
	t.Helper()
	dir := t.TempDir()
	j := &state.Job{
		ID:           "j-test",
		JobDir:       dir,
		LogPath:      filepath.Join(dir, "job.log"),
		ExitCodePath: filepath.Join(dir, "exit_code"),
		Status:       state.JobRunning,
		Watch:        state.WatchConfig{EverySec: 1, TailLines: 100},
	}
	return j, dir
}

func TestWatcherFinalizesOnExitCode(t *testing.T) {
	j, _ := newTestJob(t)
	if err := os.WriteFile(j.LogPath, []byte("line1\nline2\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(j.ExitCodePath, []byte("0\n"), 0o640); err != nil {
		t.Fatal(err)
	}

	poster := &fakePoster{}
	var gotThenTask *state.Job
	w := NewWatcher(WatcherConfig{}, poster, Callbacks{
		OnThenTask: func(job *state.Job) { gotThenTask = job },
	})
	j.Watch.ThenTask = "follow up"

	finalized := w.tick(context.Background(), j)
	if !finalized {
		t.Fatal("expected tick to report finalized")
	}
	if j.Status != state.JobDone {
		t.Errorf("got status %q, want done", j.Status)
	}
	if gotThenTask == nil {
		t.Error("expected OnThenTask to fire for a done job with ThenTask set")
	}
	if poster.count() == 0 {
		t.Error("expected a finalize message to be posted")
	}
}

func TestWatcherFinalizeFailedExitCode(t *testing.T) {
	j, _ := newTestJob(t)
	if err := os.WriteFile(j.ExitCodePath, []byte("1\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	poster := &fakePoster{}
	w := NewWatcher(WatcherConfig{}, poster, Callbacks{})
	w.tick(context.Background(), j)
	if j.Status != state.JobFailed {
		t.Errorf("got status %q, want failed", j.Status)
	}
}

func TestArtifactGateTimesOutToBlocked(t *testing.T) {
	j, dir := newTestJob(t)
	j.Watch.RequireFiles = []string{filepath.Join(dir, "missing.txt")}
	j.Watch.ReadyTimeoutSec = 0
	j.Watch.ReadyPollSec = 1
	j.Watch.OnMissing = state.OnMissingBlock

	w := NewWatcher(WatcherConfig{WorkdirAllowRoots: []string{dir}}, &fakePoster{}, Callbacks{})
	err := w.artifactGate(context.Background(), j)
	if err == nil {
		t.Fatal("expected artifact gate timeout error")
	}
}

func TestArtifactGateRejectsPathOutsideAllowRoots(t *testing.T) {
	j, _ := newTestJob(t)
	j.Watch.RequireFiles = []string{"/etc/passwd"}
	w := NewWatcher(WatcherConfig{WorkdirAllowRoots: []string{"/tmp/allowed-root-for-test"}}, &fakePoster{}, Callbacks{})
	err := w.artifactGate(context.Background(), j)
	if err == nil {
		t.Fatal("expected rejection for a required file outside allow roots")
	}
}

func TestValidateSupervisorStateMismatch(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	doc := map[string]any{"status": "wrong"}
	data, _ := json.Marshal(doc)
	if err := os.WriteFile(statePath, data, 0o640); err != nil {
		t.Fatal(err)
	}
	j := &state.Job{Watch: state.WatchConfig{SupervisorStateFile: statePath, SupervisorExpectStatus: "ok"}}
	if err := validateSupervisorState(j); err == nil {
		t.Fatal("expected status mismatch error")
	}
}

func TestValidateSupervisorStateCleanupPolicy(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	doc := map[string]any{
		"status":        "ok",
		"smoke_cleanup": map[string]any{"action": "something_else"},
	}
	data, _ := json.Marshal(doc)
	if err := os.WriteFile(statePath, data, 0o640); err != nil {
		t.Fatal(err)
	}
	j := &state.Job{Watch: state.WatchConfig{
		SupervisorStateFile:          statePath,
		SupervisorExpectStatus:       "ok",
		SupervisorCleanupSmokePolicy: state.CleanupKeepManifestOnly,
	}}
	if err := validateSupervisorState(j); err == nil {
		t.Fatal("expected cleanup-policy mismatch error")
	}
}

func TestProcessTreeCPUPercentNoSuchPID(t *testing.T) {
	if got := processTreeCPUPercent(0); got != 0 {
		t.Errorf("got %v, want 0 for invalid pid", got)
	}
}

func TestSha1HexStable(t *testing.T) {
	a := sha1Hex("hello")
	b := sha1Hex("hello")
	c := sha1Hex("world")
	if a != b {
		t.Error("same input should hash the same")
	}
	if a == c {
		t.Error("different input should hash differently")
	}
}

func TestWatcherHonorsTickerTimeout(t *testing.T) {
	j, _ := newTestJob(t)
	j.Watch.EverySec = 0 // forces the default clamp inside Run.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	w := NewWatcher(WatcherConfig{}, &fakePoster{}, Callbacks{})
	done := make(chan struct{})
	go func() {
		w.Run(ctx, j)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
