package relayaction

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maruel/relaybridge/internal/config"
	"github.com/maruel/relaybridge/internal/job"
	"github.com/maruel/relaybridge/internal/ralph"
	"github.com/maruel/relaybridge/internal/runner"
	"github.com/maruel/relaybridge/internal/state"
)

func TestParseValidJobStart(t *testing.T) {
	actions, errs := Parse(`{"actions":[{"type":"job_start","command":"echo hi","workdir":"/tmp"}]}`)
	if len(errs) != 0 {
		t.Fatalf("unexpected errs: %v", errs)
	}
	if len(actions) != 1 || actions[0].Type != TypeJobStart {
		t.Fatalf("actions = %+v", actions)
	}
	if actions[0].JobStart.Command != "echo hi" {
		t.Errorf("command = %q", actions[0].JobStart.Command)
	}
}

func TestParseRejectsUnknownKey(t *testing.T) {
	_, errs := Parse(`{"actions":[{"type":"job_start","command":"echo hi","bogus":true}]}`)
	if len(errs) != 1 || !strings.Contains(errs[0], "bogus") {
		t.Fatalf("errs = %v, want an unknown-key rejection mentioning bogus", errs)
	}
}

func TestParseRejectsUnknownType(t *testing.T) {
	_, errs := Parse(`{"actions":[{"type":"nuke_everything"}]}`)
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want exactly one rejection", errs)
	}
}

func TestParseMalformedJSON(t *testing.T) {
	_, errs := Parse(`{"actions":[`)
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want one malformed-block error", errs)
	}
}

func TestWaitPatternGuardDetectsSelfMatch(t *testing.T) {
	cmd := `while pgrep -f 'my-worker-loop'; do sleep 1; done; pgrep -f 'my-worker-loop'`
	if got := checkWaitPatternGuard(config.WaitGuardReject, cmd); got == "" {
		t.Error("expected a self-match warning")
	}
	if got := checkWaitPatternGuard(config.WaitGuardOff, cmd); got != "" {
		t.Errorf("guard mode off should never flag, got %q", got)
	}
}

func TestPreflightPathExists(t *testing.T) {
	dir := t.TempDir()
	if err := runPreflightCheck(PreflightCheck{Type: "path_exists", Path: dir}); err != nil {
		t.Errorf("existing dir should pass: %v", err)
	}
	if err := runPreflightCheck(PreflightCheck{Type: "path_exists", Path: filepath.Join(dir, "nope")}); err == nil {
		t.Error("missing path should fail")
	}
}

func TestPreflightMinFreeDiskGB(t *testing.T) {
	if err := runPreflightCheck(PreflightCheck{Type: "min_free_disk_gb", Path: t.TempDir(), MinGB: 0}); err != nil {
		t.Errorf("0 GB minimum should always pass: %v", err)
	}
	if err := runPreflightCheck(PreflightCheck{Type: "min_free_disk_gb", Path: t.TempDir(), MinGB: 1e9}); err == nil {
		t.Error("an absurd minimum should fail")
	}
}

func testCfg() *config.Config {
	return &config.Config{
		RelayActionsEnabled:   true,
		RelayActionsDMOnly:    true,
		RelayActionsMaxPerMsg: 4,
		TasksMaxPending:       50,
		WaitPatternGuardMode:  config.WaitGuardReject,
		Policy: config.Policy{
			RelayActionAllowlist: []string{"job_start", "job_watch", "job_stop", "task_add", "task_run"},
		},
	}
}

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	return s
}

func TestDispatchGatesOnAutoToggleAndAllowlist(t *testing.T) {
	cfg := testCfg()
	store := newTestStore(t)
	d := &Dispatcher{Cfg: cfg, Store: store, Jobs: job.NewSupervisor(t.TempDir())}

	got := d.Dispatch(context.Background(), "dm:1", "c1", []string{`{"actions":[{"type":"task_run"}]}`})
	if len(got) != 1 || !strings.Contains(got[0], "disabled for this conversation") {
		t.Fatalf("got = %v, want gated-by-auto-toggle message", got)
	}

	_ = store.Mutate(func(doc *state.Document) {
		doc.Session("dm:1").Auto.Actions = true
	})
	cfg.Policy.RelayActionAllowlist = nil
	got = d.Dispatch(context.Background(), "dm:1", "c1", []string{`{"actions":[{"type":"task_run"}]}`})
	if len(got) != 1 || !strings.Contains(got[0], "not on the allowlist") {
		t.Fatalf("got = %v, want not-on-allowlist message", got)
	}
}

func TestDispatchJobStartSpawnsRealJob(t *testing.T) {
	cfg := testCfg()
	store := newTestStore(t)
	_ = store.Mutate(func(doc *state.Document) { doc.Session("dm:1").Auto.Actions = true })

	stateDir := t.TempDir()
	workdir := t.TempDir()
	var spawned *state.Job
	d := &Dispatcher{
		Cfg:          cfg,
		Store:        store,
		Jobs:         job.NewSupervisor(stateDir),
		SpawnWatcher: func(j *state.Job) { spawned = j },
	}

	block := `{"actions":[{"type":"job_start","command":"echo hi","workdir":"` + workdir + `"}]}`
	got := d.Dispatch(context.Background(), "dm:1", "c1", []string{block})
	if len(got) != 1 || !strings.Contains(got[0], "started") {
		t.Fatalf("got = %v, want a started summary", got)
	}
	if spawned == nil {
		t.Fatal("SpawnWatcher was not called")
	}

	var jobs []*state.Job
	store.View(func(doc *state.Document) { jobs = doc.Sessions["dm:1"].Jobs })
	if len(jobs) != 1 || jobs[0].ID != spawned.ID {
		t.Fatalf("session jobs = %+v, want the spawned job persisted", jobs)
	}
}

func TestDispatchJobStartRejectsPreflightFailure(t *testing.T) {
	cfg := testCfg()
	store := newTestStore(t)
	_ = store.Mutate(func(doc *state.Document) { doc.Session("dm:1").Auto.Actions = true })
	d := &Dispatcher{Cfg: cfg, Store: store, Jobs: job.NewSupervisor(t.TempDir())}

	block := `{"actions":[{"type":"job_start","command":"echo hi","preflight":[{"type":"path_exists","path":"/definitely/not/here"}]}]}`
	got := d.Dispatch(context.Background(), "dm:1", "c1", []string{block})
	if len(got) != 1 || !strings.Contains(got[0], "preflight") {
		t.Fatalf("got = %v, want a preflight rejection", got)
	}
}

// scriptedAgent is a minimal ralph.AgentRunner stub.
type scriptedAgent struct{ text string }

func (s *scriptedAgent) Run(ctx context.Context, req runner.Request) (string, error) {
	return s.text + " [[task:done]]", nil
}

func TestDispatchTaskAddAndTaskRun(t *testing.T) {
	cfg := testCfg()
	store := newTestStore(t)
	_ = store.Mutate(func(doc *state.Document) { doc.Session("dm:1").Auto.Actions = true })
	loop := &ralph.Loop{Cfg: cfg, Store: store, Agent: &scriptedAgent{text: "ok"}}
	d := &Dispatcher{
		Cfg:         cfg,
		Store:       store,
		Jobs:        job.NewSupervisor(t.TempDir()),
		Tasks:       loop,
		BaseRequest: func(convKey string) runner.Request { return runner.Request{ConvKey: convKey} },
	}

	got := d.Dispatch(context.Background(), "dm:1", "c1", []string{`{"actions":[{"type":"task_add","description":"do it","prompt":"please do it"}]}`})
	if len(got) != 1 || !strings.Contains(got[0], "queued") {
		t.Fatalf("got = %v, want a queued summary", got)
	}

	got = d.Dispatch(context.Background(), "dm:1", "c1", []string{`{"actions":[{"type":"task_run"}]}`})
	if len(got) != 1 || !strings.Contains(got[0], "started") {
		t.Fatalf("got = %v, want a started summary", got)
	}
}
