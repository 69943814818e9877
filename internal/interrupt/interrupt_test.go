package interrupt

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/maruel/relaybridge/internal/agentproc"
	"github.com/maruel/relaybridge/internal/config"
	"github.com/maruel/relaybridge/internal/progress"
	"github.com/maruel/relaybridge/internal/state"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	return s
}

// fakeChat records posts/edits without touching a real transport.
type fakeChat struct {
	mu     sync.Mutex
	nextID int
	posts  []string
	edits  map[string]string
}

func newFakeChat() *fakeChat { return &fakeChat{edits: make(map[string]string)} }

func (f *fakeChat) PostMessage(ctx context.Context, channelID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("m%d", f.nextID)
	f.posts = append(f.posts, text)
	f.edits[id] = text
	return id, nil
}

func (f *fakeChat) EditMessage(ctx context.Context, channelID, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[messageID] = text
	return nil
}

func (f *fakeChat) SendFile(ctx context.Context, channelID, filename string, data []byte) error {
	return nil
}

// fakeBackend returns a scripted answer or error, recording the prompt
// it was invoked with so tests can assert the snapshot reached it.
type fakeBackend struct {
	provider   agentproc.Provider
	answer     string
	err        error
	lastPrompt string
	lastOpts   agentproc.Options
}

func (b *fakeBackend) Provider() agentproc.Provider { return b.provider }

func (b *fakeBackend) Run(ctx context.Context, prompt string, opts agentproc.Options, onEvent func(agentproc.Event)) (agentproc.Result, error) {
	b.lastPrompt = prompt
	b.lastOpts = opts
	if b.err != nil {
		return agentproc.Result{}, b.err
	}
	return agentproc.Result{Text: b.answer, Model: "test-model"}, nil
}

func testCfg() *config.Config {
	return &config.Config{
		AskEphemeralTimeout: time.Minute,
		AskSnapshotMaxChars: 4000,
		AskLogTailLines:     20,
	}
}

func TestAskWithNoActiveRunAnswersDirectly(t *testing.T) {
	chat := newFakeChat()
	backend := &fakeBackend{provider: agentproc.ProviderCodex, answer: "42"}
	h := &Handler{
		Cfg:      testCfg(),
		Store:    newTestStore(t),
		Registry: NewRegistry(),
		Backend:  func(agentproc.Provider) agentproc.Backend { return backend },
		Chat:     chat,
	}

	err := h.Ask(context.Background(), Request{ConvKey: "dm:1", ChannelID: "c1", Provider: agentproc.ProviderCodex, Question: "what is the answer?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !backend.lastOpts.Ephemeral {
		t.Error("ephemeral invocation did not set Ephemeral")
	}
	if backend.lastOpts.SandboxMode != "read-only" {
		t.Errorf("sandbox mode = %q, want read-only", backend.lastOpts.SandboxMode)
	}
	if !strings.Contains(backend.lastPrompt, "what is the answer?") {
		t.Errorf("prompt missing question: %q", backend.lastPrompt)
	}
	if !strings.Contains(backend.lastPrompt, "no agent turn currently running") {
		t.Errorf("prompt missing no-active-run note: %q", backend.lastPrompt)
	}
	if len(chat.posts) != 1 || chat.posts[0] != "Handling priority question..." {
		t.Errorf("posts = %v, want one Handling... message", chat.posts)
	}
	if chat.edits["m1"] != "42" {
		t.Errorf("final edit = %q, want 42", chat.edits["m1"])
	}
	if h.Registry.IsPaused("dm:1") {
		t.Error("no tree should have been paused")
	}
}

func TestAskRefusesSecondInFlightQuestion(t *testing.T) {
	reg := NewRegistry()
	if !reg.beginAsk("dm:1") {
		t.Fatal("first beginAsk should succeed")
	}
	h := &Handler{
		Cfg:      testCfg(),
		Store:    newTestStore(t),
		Registry: reg,
		Backend:  func(agentproc.Provider) agentproc.Backend { return &fakeBackend{answer: "x"} },
		Chat:     newFakeChat(),
	}
	err := h.Ask(context.Background(), Request{ConvKey: "dm:1", ChannelID: "c1", Question: "q"})
	if err == nil {
		t.Fatal("expected refusal while a question is already in flight")
	}
}

func TestAskIncludesProgressSnapshotAndLeavesNothingPaused(t *testing.T) {
	chat := newFakeChat()
	backend := &fakeBackend{answer: "done"}
	ring := progress.NewSnapshotRing(10)
	ring.OnNote(progress.Note{Text: "running tests"})
	ring.SetRunMeta("codex", "gpt-test")

	reg := NewRegistry()
	reg.SetActive("dm:1", 0, ring) // pid 0 => pauseTree fails, Ask should degrade to unpaused.
	h := &Handler{
		Cfg:      testCfg(),
		Store:    newTestStore(t),
		Registry: reg,
		Backend:  func(agentproc.Provider) agentproc.Backend { return backend },
		Chat:     chat,
	}

	if err := h.Ask(context.Background(), Request{ConvKey: "dm:1", ChannelID: "c1", Question: "how's it going?"}); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !strings.Contains(backend.lastPrompt, "running tests") {
		t.Errorf("prompt missing ring note: %q", backend.lastPrompt)
	}
	if !strings.Contains(backend.lastPrompt, "provider=codex model=gpt-test") {
		t.Errorf("prompt missing run meta: %q", backend.lastPrompt)
	}
	if reg.IsPaused("dm:1") {
		t.Error("paused state should have been cleared (or never set, since pid 0 can't be paused)")
	}
}

func TestPauseTreeAndResumeStopsAndContinuesRealProcess(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("spawn test child: %v", err)
	}
	pid := cmd.Process.Pid
	defer func() {
		_ = syscall.Kill(pid, syscall.SIGKILL)
		_, _ = cmd.Process.Wait()
	}()

	waitForState(t, pid, "SR") // sleeping or running, not yet stopped.

	pids, err := pauseTree(pid)
	if err != nil {
		t.Fatalf("pauseTree: %v", err)
	}
	if len(pids) == 0 {
		t.Fatal("expected at least the leader pid to be stopped")
	}
	waitForState(t, pid, "T")

	reg := NewRegistry()
	reg.recordPaused("dm:1", pid, pids)
	h := &Handler{Registry: reg}
	h.resume("dm:1")

	waitForState(t, pid, "SR")
	if reg.IsPaused("dm:1") {
		t.Error("resume should clear paused state")
	}
}

// waitForState polls /proc/<pid>/stat for one of the expected one-letter
// process states (e.g. "T" for stopped, "SR" for sleeping-or-running).
func waitForState(t *testing.T, pid int, anyOf string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
		if err == nil {
			fields := strings.Fields(string(data))
			if len(fields) > 2 {
				st := fields[2]
				if strings.Contains(anyOf, st) {
					return
				}
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("pid %d never reached state in %q", pid, anyOf)
}

func TestLeavesFirstReversesBFSOrder(t *testing.T) {
	got := leavesFirst([]int{1, 2, 3, 4})
	want := []int{4, 3, 2, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("leavesFirst = %v, want %v", got, want)
		}
	}
}

func TestInferLogFromProgressFindsLastMention(t *testing.T) {
	lines := []string{"starting up", "writing to /tmp/run/stdout.log now", "done"}
	if got := inferLogFromProgress(lines); got != "/tmp/run/stdout.log" {
		t.Errorf("inferLogFromProgress = %q, want /tmp/run/stdout.log", got)
	}
}

func TestHeadtailTruncatesKeepingHeadAndTail(t *testing.T) {
	s := strings.Repeat("a", 50) + strings.Repeat("b", 50)
	got := headtail(s, 40)
	if !strings.HasPrefix(got, "aaaa") || !strings.HasSuffix(got, "bbbb") {
		t.Errorf("headtail result missing head/tail: %q", got)
	}
	if len(got) >= len(s) {
		t.Error("headtail did not shrink the string")
	}
}
