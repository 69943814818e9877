package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maruel/relaybridge/internal/agentproc"
	"github.com/maruel/relaybridge/internal/config"
	"github.com/maruel/relaybridge/internal/pcqueue"
	"github.com/maruel/relaybridge/internal/relayerr"
	"github.com/maruel/relaybridge/internal/state"
)

type fakeChat struct {
	mu       sync.Mutex
	posts    []string
	edits    []string
	files    []string
	nextID   int
}

func (f *fakeChat) PostMessage(_ context.Context, _ string, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.posts = append(f.posts, text)
	return fmt.Sprintf("msg-%d", f.nextID), nil
}

func (f *fakeChat) EditMessage(_ context.Context, _, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeChat) SendFile(_ context.Context, _, filename string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, filename)
	return nil
}

func (f *fakeChat) lastEdit() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		return ""
	}
	return f.edits[len(f.edits)-1]
}

type scriptedBackend struct {
	provider agentproc.Provider
	calls    int
	script   func(call int, prompt string, opts agentproc.Options) (agentproc.Result, error)
}

func (b *scriptedBackend) Provider() agentproc.Provider { return b.provider }

func (b *scriptedBackend) Run(_ context.Context, prompt string, opts agentproc.Options, onEvent func(agentproc.Event)) (agentproc.Result, error) {
	b.calls++
	onEvent(agentproc.Event{Kind: "assistant_text", Text: "working..."})
	return b.script(b.calls, prompt, opts)
}

func newTestRunner(t *testing.T, backend *scriptedBackend) (*Runner, *fakeChat) {
	t.Helper()
	cfg := &config.Config{
		MinEditInterval:        10 * time.Millisecond,
		HeartbeatInterval:      time.Hour,
		EditTimeout:            time.Second,
		StallWarnAfter:         time.Hour,
		ProgressMaxLines:       8,
		RelayActionsMaxPerMsg:  4,
		CodexTransientRetryMax: 2,
		ClaudeLightModel:       "claude-light",
	}
	st, err := state.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	chat := &fakeChat{}
	r := &Runner{
		Cfg:     cfg,
		Store:   st,
		Queue:   pcqueue.New(),
		Chat:    chat,
		Backend: func(agentproc.Provider) agentproc.Backend { return backend },
	}
	return r, chat
}

func TestRunnerHappyPath(t *testing.T) {
	backend := &scriptedBackend{
		provider: agentproc.ProviderCodex,
		script: func(call int, prompt string, opts agentproc.Options) (agentproc.Result, error) {
			return agentproc.Result{SessionID: "sess-1", Text: "all done here"}, nil
		},
	}
	r, chat := newTestRunner(t, backend)

	finalText, err := r.Run(context.Background(), Request{
		ConvKey:   "dm:1",
		ChannelID: "chan-1",
		Prompt:    "do the thing",
		Provider:  agentproc.ProviderCodex,
		Workdir:   t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if backend.calls != 1 {
		t.Errorf("got %d backend calls, want 1", backend.calls)
	}
	if got := chat.lastEdit(); got != "all done here" {
		t.Errorf("final edit = %q, want %q", got, "all done here")
	}
	if finalText != "all done here" {
		t.Errorf("Run final text = %q, want %q", finalText, "all done here")
	}

	var sessionID string
	r.Store.View(func(doc *state.Document) {
		sessionID = doc.Sessions["dm:1"].SessionID
	})
	if sessionID != "sess-1" {
		t.Errorf("got persisted session id %q, want sess-1", sessionID)
	}
}

func TestRunnerStaleSessionRetriesOnce(t *testing.T) {
	backend := &scriptedBackend{
		provider: agentproc.ProviderCodex,
		script: func(call int, prompt string, opts agentproc.Options) (agentproc.Result, error) {
			if call == 1 {
				return agentproc.Result{}, relayerr.New(relayerr.KindStaleSession, "no such session")
			}
			if opts.ResumeSessionID != "" {
				t.Errorf("retry should have cleared ResumeSessionID, got %q", opts.ResumeSessionID)
			}
			return agentproc.Result{SessionID: "sess-2", Text: "recovered"}, nil
		},
	}
	r, chat := newTestRunner(t, backend)

	_, err := r.Run(context.Background(), Request{ConvKey: "dm:2", ChannelID: "c", Prompt: "p", Provider: agentproc.ProviderCodex, Workdir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if backend.calls != 2 {
		t.Errorf("got %d calls, want 2 (one failure + one retry)", backend.calls)
	}
	if got := chat.lastEdit(); got != "recovered" {
		t.Errorf("final edit = %q, want recovered", got)
	}
}

func TestRunnerCodexTransientExhaustsRetries(t *testing.T) {
	backend := &scriptedBackend{
		provider: agentproc.ProviderCodex,
		script: func(call int, prompt string, opts agentproc.Options) (agentproc.Result, error) {
			return agentproc.Result{}, relayerr.New(relayerr.KindTransient, "network blip")
		},
	}
	r, _ := newTestRunner(t, backend)

	_, err := r.Run(context.Background(), Request{ConvKey: "dm:3", ChannelID: "c", Prompt: "p", Provider: agentproc.ProviderCodex, Workdir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error after exhausting transient retries")
	}
	// 1 initial + CodexTransientRetryMax(2) retries = 3 calls.
	if backend.calls != 3 {
		t.Errorf("got %d calls, want 3", backend.calls)
	}
}

func TestRunnerPostsFencedErrorBody(t *testing.T) {
	backend := &scriptedBackend{
		provider: agentproc.ProviderCodex,
		script: func(call int, prompt string, opts agentproc.Options) (agentproc.Result, error) {
			return agentproc.Result{}, relayerr.New(relayerr.KindTimeout, "agent exceeded the configured timeout")
		},
	}
	r, chat := newTestRunner(t, backend)

	_, err := r.Run(context.Background(), Request{ConvKey: "dm:5", ChannelID: "c", Prompt: "p", Provider: agentproc.ProviderCodex, Workdir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error")
	}
	edit := chat.lastEdit()
	if !strings.HasPrefix(edit, "```\n") || !strings.HasSuffix(edit, "\n```") {
		t.Errorf("final edit = %q, want a fenced code block", edit)
	}
	if !strings.Contains(edit, "agent exceeded the configured timeout") {
		t.Errorf("final edit = %q, want it to contain the error message", edit)
	}
}

func TestRunnerPostsTrailingSummaryWhenEnabled(t *testing.T) {
	backend := &scriptedBackend{
		provider: agentproc.ProviderCodex,
		script: func(call int, prompt string, opts agentproc.Options) (agentproc.Result, error) {
			return agentproc.Result{}, relayerr.New(relayerr.KindTimeout, "boom")
		},
	}
	r, chat := newTestRunner(t, backend)
	r.Cfg.StatusSummaryEnabled = true

	_, err := r.Run(context.Background(), Request{ConvKey: "dm:6", ChannelID: "c", Prompt: "p", Provider: agentproc.ProviderCodex, Workdir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(chat.posts) == 0 {
		t.Fatal("expected at least one posted message")
	}
	last := chat.posts[len(chat.posts)-1]
	if !strings.Contains(last, "Run status: failed") || !strings.Contains(last, "timeout") {
		t.Errorf("last post = %q, want a Run status summary line naming the error kind", last)
	}
}

func TestRunnerOmitsTrailingSummaryWhenDisabled(t *testing.T) {
	backend := &scriptedBackend{
		provider: agentproc.ProviderCodex,
		script: func(call int, prompt string, opts agentproc.Options) (agentproc.Result, error) {
			return agentproc.Result{}, relayerr.New(relayerr.KindTimeout, "boom")
		},
	}
	r, chat := newTestRunner(t, backend)
	// newTestRunner's Cfg literal leaves StatusSummaryEnabled at its zero
	// value (false).

	_, err := r.Run(context.Background(), Request{ConvKey: "dm:7", ChannelID: "c", Prompt: "p", Provider: agentproc.ProviderCodex, Workdir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, p := range chat.posts {
		if strings.Contains(p, "Run status: failed") {
			t.Errorf("unexpected summary post %q with StatusSummaryEnabled=false", p)
		}
	}
}

func TestRunnerExtractsRelayActionsAndUploads(t *testing.T) {
	var dispatched []string
	backend := &scriptedBackend{
		provider: agentproc.ProviderClaude,
		script: func(call int, prompt string, opts agentproc.Options) (agentproc.Result, error) {
			return agentproc.Result{SessionID: "s", Text: "here you go [[upload:out.txt]]\n[[relay-actions]]\n{\"actions\":[{\"type\":\"job_start\",\"command\":\"echo hi\"}]}\n[[/relay-actions]]"}, nil
		},
	}
	r, chat := newTestRunner(t, backend)
	r.Actions = dispatcherFunc(func(ctx context.Context, convKey, channelID string, raw []string) []string {
		dispatched = raw
		return []string{"dispatched 1 action"}
	})

	workdir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workdir, "out.txt"), []byte("upload me"), 0o640); err != nil {
		t.Fatal(err)
	}
	r.Cfg.WorkdirAllowRoots = []string{workdir}

	_, err := r.Run(context.Background(), Request{ConvKey: "dm:4", ChannelID: "c", Prompt: "p", Provider: agentproc.ProviderClaude, Workdir: workdir})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(dispatched) != 1 {
		t.Fatalf("got %d dispatched action blocks, want 1", len(dispatched))
	}
	if got := chat.lastEdit(); got != "here you go" {
		t.Errorf("final edit = %q, want relay-action/upload markers stripped", got)
	}
	if len(chat.files) != 1 || chat.files[0] != "out.txt" {
		t.Errorf("got files %v, want [out.txt]", chat.files)
	}
}

type dispatcherFunc func(ctx context.Context, convKey, channelID string, raw []string) []string

func (f dispatcherFunc) Dispatch(ctx context.Context, convKey, channelID string, raw []string) []string {
	return f(ctx, convKey, channelID, raw)
}
