package research

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maruel/relaybridge/internal/config"
	"github.com/maruel/relaybridge/internal/job"
	"github.com/maruel/relaybridge/internal/ralph"
	"github.com/maruel/relaybridge/internal/relayaction"
	"github.com/maruel/relaybridge/internal/runner"
	"github.com/maruel/relaybridge/internal/state"
)

func testCfg() *config.Config {
	return &config.Config{
		ResearchProjectsRoot: "",
		ResearchLeaseTTL:     time.Minute,
		ResearchInflightTTL:  time.Minute,
		ResearchTickInterval: time.Minute,
		WaitPatternGuardMode: config.WaitGuardReject,
		Policy: config.Policy{
			RelayActionAllowlist: []string{"job_start", "job_watch", "job_stop", "task_add", "task_run"},
			ResearchAllowlist:    []string{"job_start", "job_watch", "job_stop", "task_add", "task_run", "write_report", "research_pause", "research_mark_done"},
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

type scriptedAgent struct{ reply string }

func (s *scriptedAgent) Run(ctx context.Context, req runner.Request) (string, error) {
	return s.reply, nil
}

func newTestManager(t *testing.T, reply string) (*Manager, *config.Config, *state.Store) {
	t.Helper()
	cfg := testCfg()
	cfg.ResearchProjectsRoot = t.TempDir()
	store := newTestStore(t)
	jobs := job.NewSupervisor(t.TempDir())
	actions := &relayaction.Dispatcher{
		Cfg:         cfg,
		Store:       store,
		Jobs:        jobs,
		Tasks:       &ralph.Loop{Cfg: cfg, Store: store, Agent: &scriptedAgent{reply: "done [[task:done]]"}},
		BaseRequest: func(convKey string) runner.Request { return runner.Request{ConvKey: convKey} },
	}
	m := &Manager{
		Cfg:     cfg,
		Store:   store,
		Agent:   &scriptedAgent{reply: reply},
		Jobs:    jobs,
		Actions: actions,
	}
	return m, cfg, store
}

func TestStartScaffoldsProjectAndBindsConversation(t *testing.T) {
	m, _, store := newTestManager(t, "")
	ps, err := m.Start("dm:1", "find the best widget", time.Now().UTC())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ps.Status != StatusRunning || ps.Phase != PhasePlan {
		t.Fatalf("ps = %+v", ps)
	}
	for _, f := range []string{"idea/goal.md", "exp/registry.jsonl", "reports/rolling_report.md", "manager/state.json"} {
		if _, err := os.Stat(filepath.Join(ps.ProjectRoot, f)); err != nil {
			t.Errorf("scaffold file %s missing: %v", f, err)
		}
	}

	var binding state.ResearchBinding
	store.View(func(doc *state.Document) { binding = doc.Sessions["dm:1"].Research })
	if !binding.Enabled || binding.ProjectRoot != ps.ProjectRoot {
		t.Fatalf("binding = %+v", binding)
	}
}

func decisionBlock(stepID, update string, actions string) string {
	return "[[research-decision]]{\"stepId\":\"" + stepID + "\",\"research_update\":\"" + update + "\",\"actions\":[" + actions + "]}[[/research-decision]]"
}

func TestStepAppliesWriteReportAndRecordsDigest(t *testing.T) {
	m, _, _ := newTestManager(t, decisionBlock("s1", "made progress",
		`{"type":"write_report","idempotencyKey":"k1","content":"first finding"}`))
	ps, err := m.Start("dm:1", "goal", time.Now().UTC())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	summary, err := m.Step(context.Background(), "dm:1")
	if err != nil {
		t.Fatalf("Step: %v (summary=%s)", err, summary)
	}

	ps2, err := loadProjectState(ps.ProjectRoot)
	if err != nil {
		t.Fatalf("loadProjectState: %v", err)
	}
	if ps2.Counters.Steps != 1 || len(ps2.AppliedDecisionHashes) != 1 {
		t.Fatalf("ps2 = %+v", ps2)
	}
	if ps2.Lease != nil {
		t.Errorf("lease should be released, got %+v", ps2.Lease)
	}

	digest, err := os.ReadFile(filepath.Join(ps.ProjectRoot, "reports", "report_digest.md"))
	if err != nil || len(digest) == 0 {
		t.Fatalf("digest read: %v, %q", err, digest)
	}
	report, err := os.ReadFile(filepath.Join(ps.ProjectRoot, "reports", "rolling_report.md"))
	if err != nil || !contains(string(report), "first finding") {
		t.Fatalf("report = %q, err=%v", report, err)
	}
}

func TestStepRejectsDuplicateDecisionHashIdempotently(t *testing.T) {
	block := decisionBlock("s1", "u", `{"type":"write_report","idempotencyKey":"k1","content":"x"}`)
	m, _, _ := newTestManager(t, block)
	if _, err := m.Start("dm:1", "goal", time.Now().UTC()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Step(context.Background(), "dm:1"); err != nil {
		t.Fatalf("first Step: %v", err)
	}
	summary, err := m.Step(context.Background(), "dm:1")
	if err != nil {
		t.Fatalf("second Step: %v", err)
	}
	if !contains(summary, "idempotent") {
		t.Errorf("summary = %q, want idempotent no-op", summary)
	}
}

func TestStepBlocksOnUnknownActionType(t *testing.T) {
	block := decisionBlock("s1", "u", `{"type":"detonate","idempotencyKey":"k1"}`)
	m, _, _ := newTestManager(t, block)
	ps, err := m.Start("dm:1", "goal", time.Now().UTC())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Step(context.Background(), "dm:1"); err == nil {
		t.Fatal("expected Step to fail on unknown action type")
	}
	ps2, err := loadProjectState(ps.ProjectRoot)
	if err != nil {
		t.Fatalf("loadProjectState: %v", err)
	}
	if ps2.Status != StatusBlocked || ps2.AutoRun {
		t.Fatalf("ps2 = %+v, want blocked/autoRun=false", ps2)
	}
}

func TestStepRefusesWhenNoDecisionBlockPresent(t *testing.T) {
	m, _, _ := newTestManager(t, "no marker here")
	if _, err := m.Start("dm:1", "goal", time.Now().UTC()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Step(context.Background(), "dm:1"); err == nil {
		t.Fatal("expected Step to fail without a research-decision block")
	}
}

func TestStepRefusesReentrantInvocation(t *testing.T) {
	m, _, _ := newTestManager(t, decisionBlock("s1", "u", `{"type":"write_report","idempotencyKey":"k1","content":"x"}`))
	if _, err := m.Start("dm:1", "goal", time.Now().UTC()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !m.beginStep("dm:1") {
		t.Fatal("beginStep should have succeeded the first time")
	}
	if _, err := m.Step(context.Background(), "dm:1"); err == nil {
		t.Fatal("expected Step to refuse while a step is already in flight")
	}
	m.endStep("dm:1")
}

func TestParseDecisionHashIsStableAcrossWhitespace(t *testing.T) {
	a := `[[research-decision]]{"stepId":"s1","research_update":"u","actions":[]}[[/research-decision]]`
	b := "[[research-decision]]\n  {\"stepId\":\"s1\",  \"research_update\": \"u\", \"actions\":[]}\n[[/research-decision]]"
	_, h1, err := parseDecision(a)
	if err != nil {
		t.Fatalf("parseDecision a: %v", err)
	}
	_, h2, err := parseDecision(b)
	if err != nil {
		t.Fatalf("parseDecision b: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hashes differ across whitespace-only variation: %s vs %s", h1, h2)
	}
}

func TestDecodeDecisionActionRequiresIdempotencyKey(t *testing.T) {
	_, errs := decodeDecisionActions([]json.RawMessage{json.RawMessage(`{"type":"write_report","content":"x"}`)})
	if len(errs) != 1 || !contains(errs[0], "idempotencyKey") {
		t.Fatalf("errs = %v, want a missing-idempotencyKey rejection", errs)
	}
}

func TestDecodeDecisionActionRejectsUnknownKey(t *testing.T) {
	_, errs := decodeDecisionActions([]json.RawMessage{
		json.RawMessage(`{"type":"write_report","idempotencyKey":"k1","content":"x","bogus":1}`),
	})
	if len(errs) != 1 || !contains(errs[0], "unknown key") {
		t.Fatalf("errs = %v, want an unknown-key rejection", errs)
	}
}

func TestEligibleConvKeysAppliesCooldown(t *testing.T) {
	m, _, _ := newTestManager(t, "")
	ps, err := m.Start("dm:1", "goal", time.Now().UTC())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ps.AutoRun = true
	if err := saveProjectState(ps.ProjectRoot, ps); err != nil {
		t.Fatalf("saveProjectState: %v", err)
	}

	got := m.eligibleConvKeys()
	if len(got) != 1 || got[0] != "dm:1" {
		t.Fatalf("eligibleConvKeys = %v, want [dm:1]", got)
	}

	// Immediately re-checking should now be on cooldown (eligibleConvKeys
	// stamps LastTickAt as it selects).
	got2 := m.eligibleConvKeys()
	if len(got2) != 0 {
		t.Fatalf("eligibleConvKeys second call = %v, want none (cooldown)", got2)
	}
}

func TestOnJobFinalizeMarksBlockedOnInvalidMetrics(t *testing.T) {
	m, _, _ := newTestManager(t, "")
	ps, err := m.Start("dm:1", "goal", time.Now().UTC())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	j := &state.Job{
		ID:     "j-test",
		Status: state.JobDone,
		Research: &state.ResearchJobMeta{
			ProjectRoot: ps.ProjectRoot,
			RunID:       "r0001",
			MetricsPath: filepath.Join(ps.ProjectRoot, "exp", "results", "r0001", "metrics.json"), // never written.
		},
	}
	m.OnJobFinalize(j, "done")

	ps2, err := loadProjectState(ps.ProjectRoot)
	if err != nil {
		t.Fatalf("loadProjectState: %v", err)
	}
	if ps2.Status != StatusBlocked {
		t.Errorf("status = %s, want blocked", ps2.Status)
	}
	registry, err := os.ReadFile(filepath.Join(ps.ProjectRoot, "exp", "registry.jsonl"))
	if err != nil || !contains(string(registry), "invalid") {
		t.Fatalf("registry = %q, err=%v", registry, err)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (substr == "" || indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
