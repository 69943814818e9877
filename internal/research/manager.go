package research

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/maruel/relaybridge/internal/config"
	"github.com/maruel/relaybridge/internal/job"
	"github.com/maruel/relaybridge/internal/relayaction"
	"github.com/maruel/relaybridge/internal/runner"
	"github.com/maruel/relaybridge/internal/state"
)

// AgentRunner is the narrow surface a manager step needs from
// internal/runner, mirroring internal/ralph.AgentRunner so tests can
// script planner replies without a real backend.
type AgentRunner interface {
	Run(ctx context.Context, req runner.Request) (string, error)
}

// Manager drives research projects' manager steps and auto-tick loop
// (spec §4.L).
type Manager struct {
	Cfg   *config.Config
	Store *state.Store
	Agent AgentRunner
	Jobs  *job.Supervisor

	// Actions handles the action kinds research shares verbatim with the
	// relay-action protocol (job_watch, job_stop, task_add, task_run), so
	// their resolution/persistence logic and the Ralph loop's Agent
	// wiring aren't duplicated here.
	Actions *relayaction.Dispatcher

	// SpawnWatcher launches a job.Watcher for a research-mode job,
	// supplied by the caller (same pattern as relayaction.Dispatcher).
	SpawnWatcher func(j *state.Job)

	// Retick is invoked with a convKey whose post-job hook observed valid
	// metrics, so the auto-tick loop can re-attempt a step immediately
	// rather than waiting out its own interval (spec §4.L post-job hook:
	// "re-kick the tick for this conversation when metrics were valid").
	Retick func(convKey string)

	Now func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{} // convKeys with a step currently executing (spec §4.F concurrency: "guarding re-entrant research steps").
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

func (m *Manager) beginStep(convKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight == nil {
		m.inflight = make(map[string]struct{})
	}
	if _, busy := m.inflight[convKey]; busy {
		return false
	}
	m.inflight[convKey] = struct{}{}
	return true
}

func (m *Manager) endStep(convKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, convKey)
}

// Step runs one manager step for convKey's bound research project
// (spec §4.L: "runResearchManagerStep", numbered steps 1-11). Used by
// the auto-tick loop, which never overrides a blocked project.
func (m *Manager) Step(ctx context.Context, convKey string) (string, error) {
	return m.step(ctx, convKey, false)
}

// StepManual runs one manager step the same way Step does, except a
// blocked project is allowed to attempt one more step (spec §4.L step
// 2: "Refuse when ... status=blocked (except in manual mode)") — for
// `/research step`, a human explicitly asking the manager to try again.
func (m *Manager) StepManual(ctx context.Context, convKey string) (string, error) {
	return m.step(ctx, convKey, true)
}

func (m *Manager) step(ctx context.Context, convKey string, manual bool) (string, error) {
	if !m.beginStep(convKey) {
		return "", fmt.Errorf("research: a step is already running for %s", convKey)
	}
	defer m.endStep(convKey)

	binding := m.binding(convKey)
	if !binding.Enabled || binding.ProjectRoot == "" {
		return "", fmt.Errorf("research: %s has no bound project", convKey)
	}

	ps, err := loadProjectState(binding.ProjectRoot)
	if err != nil {
		return "", fmt.Errorf("research: load project state: %w", err)
	}

	now := m.now()

	// Step 1: repair stale state.
	m.repair(ps, now)

	// Step 2: refuse when not runnable.
	if ps.Status == StatusDone {
		return "", fmt.Errorf("research: project is done")
	}
	if ps.Status == StatusBlocked && !manual {
		return "", fmt.Errorf("research: project is blocked")
	}
	if ps.budgetExceeded(now) {
		ps.AutoRun = false
		_ = saveProjectState(ps.ProjectRoot, ps)
		return "", fmt.Errorf("research: budget exceeded")
	}
	if m.hasActiveResearchJob(convKey) {
		return "", fmt.Errorf("research: an active research-bound job is still running")
	}

	// Step 3: acquire a lease.
	if !ps.Lease.expired(now) {
		return "", fmt.Errorf("research: lease held by %s", ps.Lease.Holder)
	}
	token := fmt.Sprintf("%s-%d", convKey, now.UnixNano())
	ps.Lease = &Lease{Holder: convKey, Token: token, AcquiredAt: now, ExpiresAt: now.Add(m.Cfg.ResearchLeaseTTL)}
	if err := saveProjectState(ps.ProjectRoot, ps); err != nil {
		return "", err
	}
	leaseHeld := true
	defer func() {
		if leaseHeld {
			ps.Lease = nil
			_ = saveProjectState(ps.ProjectRoot, ps)
		}
	}()

	// Step 4: build the planner prompt.
	prompt, err := m.buildPrompt(ps)
	if err != nil {
		return m.blockStep(ps, "prompt-build", err)
	}

	// Step 5: invoke the configured agent against the manager's own
	// sub-session, bound to the project root as workdir.
	ps.InflightStep = &InflightStep{StepID: "pending", Status: InflightRunning, StartedAt: now}
	_ = saveProjectState(ps.ProjectRoot, ps)

	reply, runErr := m.Agent.Run(ctx, runner.Request{
		ConvKey:   binding.ManagerConvKey,
		ChannelID: "",
		Prompt:    prompt,
		Workdir:   ps.ProjectRoot,
	})
	ps.Counters.Runs++
	if runErr != nil {
		return m.blockStep(ps, "agent-run", runErr)
	}

	// Step 6: parse exactly one research-decision block.
	decision, hash, err := parseDecision(reply)
	if err != nil {
		return m.blockStep(ps, decision.StepID, err)
	}
	ps.InflightStep.StepID = decision.StepID
	ps.InflightStep.DecisionHash = hash

	// Step 7: reject a duplicate hash as an idempotent no-op.
	if ps.hasAppliedHash(hash) {
		ps.InflightStep.Status = InflightApplied
		_ = saveProjectState(ps.ProjectRoot, ps)
		return fmt.Sprintf("research: decision %s already applied (idempotent no-op)", decision.StepID), nil
	}

	// Step 8: validate actions through the stricter research allowlist.
	actions, decodeErrs := decodeDecisionActions(decision.Actions)
	if len(decodeErrs) > 0 {
		return m.blockStep(ps, decision.StepID, fmt.Errorf("%s", strings.Join(decodeErrs, "; ")))
	}
	if !m.allActionsAllowed(actions) {
		return m.blockStep(ps, decision.StepID, fmt.Errorf("decision contains an action not on the research allowlist"))
	}

	// Step 9: execute in order, skipping duplicate idempotencyKeys.
	var applied []string
	for _, a := range actions {
		if ps.hasAppliedKey(a.IdempotencyKey) {
			continue
		}
		summary, err := m.applyAction(ctx, convKey, binding, ps, a)
		if err != nil {
			return m.blockStep(ps, decision.StepID, fmt.Errorf("action %s: %w", a.Type, err))
		}
		ps.AppliedActionKeys = append(ps.AppliedActionKeys, a.IdempotencyKey)
		applied = append(applied, summary)
	}

	// Step 10: success bookkeeping.
	ps.AppliedDecisionHashes = append(ps.AppliedDecisionHashes, hash)
	ps.Counters.Steps++
	ps.InflightStep.Status = InflightApplied
	leaseHeld = false
	ps.Lease = nil
	if err := appendEvent(ps.ProjectRoot, "decision_applied", decision.StepID); err != nil {
		slog.Warn("research: append event failed", "conv", convKey, "err", err)
	}
	if err := appendDigest(ps.ProjectRoot, decision.StepID, "applied", decision.ResearchUpdate); err != nil {
		slog.Warn("research: append digest failed", "conv", convKey, "err", err)
	}
	if err := saveProjectState(ps.ProjectRoot, ps); err != nil {
		return "", err
	}

	return fmt.Sprintf("research: step %s applied (%d action(s): %s)", decision.StepID, len(applied), strings.Join(applied, "; ")), nil
}

// blockStep implements spec §4.L step 11: "On any step failure:
// status→blocked, autoRun=false, write a digest 'Blocked <stepId>'
// entry, release lease."
func (m *Manager) blockStep(ps *ProjectState, stepID string, cause error) (string, error) {
	ps.Status = StatusBlocked
	ps.AutoRun = false
	ps.Lease = nil
	if ps.InflightStep != nil {
		ps.InflightStep.Status = InflightFailed
		ps.InflightStep.Error = cause.Error()
	}
	if err := appendDigest(ps.ProjectRoot, stepID, "blocked", cause.Error()); err != nil {
		slog.Warn("research: append digest failed", "project", ps.ProjectRoot, "err", err)
	}
	_ = saveProjectState(ps.ProjectRoot, ps)
	return "", fmt.Errorf("research: step %s blocked: %w", stepID, cause)
}

// repair implements spec §4.L step 1: expire stale leases and
// inflight steps past their TTL.
func (m *Manager) repair(ps *ProjectState, now time.Time) {
	if ps.Lease.expired(now) {
		ps.Lease = nil
	}
	if ps.InflightStep != nil && ps.InflightStep.Status == InflightRunning {
		if now.Sub(ps.InflightStep.StartedAt) > m.Cfg.ResearchInflightTTL {
			ps.InflightStep.Status = InflightFailed
			ps.InflightStep.Error = "inflight step exceeded TTL"
			ps.Status = StatusBlocked
			ps.AutoRun = false
		}
	}
}

// Status returns convKey's bound project state, for `/research status`.
func (m *Manager) Status(convKey string) (*ProjectState, error) {
	binding := m.binding(convKey)
	if !binding.Enabled || binding.ProjectRoot == "" {
		return nil, fmt.Errorf("research: %s has no bound project", convKey)
	}
	return loadProjectState(binding.ProjectRoot)
}

// SetAutoRun flips a bound project's autoRun flag, for `/research
// {run|pause}` and `/overnight {start|stop}`.
func (m *Manager) SetAutoRun(convKey string, on bool) error {
	binding := m.binding(convKey)
	if !binding.Enabled || binding.ProjectRoot == "" {
		return fmt.Errorf("research: %s has no bound project", convKey)
	}
	ps, err := loadProjectState(binding.ProjectRoot)
	if err != nil {
		return err
	}
	ps.AutoRun = on
	if on && ps.Status == StatusBlocked {
		ps.Status = StatusRunning
	}
	return saveProjectState(binding.ProjectRoot, ps)
}

// Stop marks a bound project done, for `/research stop` and
// `/overnight stop`.
func (m *Manager) Stop(convKey string) error {
	binding := m.binding(convKey)
	if !binding.Enabled || binding.ProjectRoot == "" {
		return fmt.Errorf("research: %s has no bound project", convKey)
	}
	ps, err := loadProjectState(binding.ProjectRoot)
	if err != nil {
		return err
	}
	ps.Status = StatusDone
	ps.AutoRun = false
	return saveProjectState(binding.ProjectRoot, ps)
}

// Note records a user feedback note (spec §4.L step 4: "new
// user-feedback events since lastFeedbackAt") for `/research note <t>`.
func (m *Manager) Note(convKey, text string) error {
	binding := m.binding(convKey)
	if !binding.Enabled || binding.ProjectRoot == "" {
		return fmt.Errorf("research: %s has no bound project", convKey)
	}
	if err := appendEvent(binding.ProjectRoot, "user_note", text); err != nil {
		return err
	}
	return m.Store.Mutate(func(doc *state.Document) {
		r := doc.Session(convKey).Research
		r.LastNoteAt = m.now()
		doc.Session(convKey).Research = r
	})
}

func (m *Manager) binding(convKey string) state.ResearchBinding {
	var binding state.ResearchBinding
	m.Store.View(func(doc *state.Document) {
		if sess, ok := doc.Sessions[convKey]; ok {
			binding = sess.Research
		}
	})
	return binding
}

func (m *Manager) hasActiveResearchJob(convKey string) bool {
	var active bool
	m.Store.View(func(doc *state.Document) {
		sess, ok := doc.Sessions[convKey]
		if !ok {
			return
		}
		for _, j := range sess.Jobs {
			if j.Research != nil && j.Status == state.JobRunning {
				active = true
				return
			}
		}
	})
	return active
}

func (m *Manager) allActionsAllowed(actions []DecisionAction) bool {
	for _, a := range actions {
		if !allowlistedResearch(m.Cfg.Policy.ResearchAllowlist, a.Type) {
			return false
		}
	}
	return true
}

func allowlistedResearch(allowlist []string, t ActionType) bool {
	for _, a := range allowlist {
		if ActionType(a) == t {
			return true
		}
	}
	return false
}

// buildPrompt assembles the planner prompt from current project state,
// goal, hypotheses tail, registry tail, and report tail. User feedback
// notes are not included, and LastFeedbackAt is not read here.
func (m *Manager) buildPrompt(ps *ProjectState) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "[[research-manager-step]]\n")
	fmt.Fprintf(&b, "goal: %s\n", ps.Goal)
	fmt.Fprintf(&b, "status: %s phase: %s steps: %d runs: %d\n", ps.Status, ps.Phase, ps.Counters.Steps, ps.Counters.Runs)
	fmt.Fprintf(&b, "\n--- hypotheses (tail) ---\n%s\n", tailFile(filepath.Join(ps.ProjectRoot, "idea", "hypotheses.yaml"), 4000))
	fmt.Fprintf(&b, "\n--- registry (tail) ---\n%s\n", tailFile(filepath.Join(ps.ProjectRoot, "exp", "registry.jsonl"), 4000))
	fmt.Fprintf(&b, "\n--- rolling report (tail) ---\n%s\n", tailFile(filepath.Join(ps.ProjectRoot, "reports", "rolling_report.md"), 4000))
	fmt.Fprintf(&b, "\nRespond with exactly one [[research-decision]]{...}[[/research-decision]] block.\n")
	return b.String(), nil
}

// tailFile returns up to maxChars from the end of path, or an empty
// string if it doesn't exist or can't be read.
func tailFile(path string, maxChars int) string {
	data, err := os.ReadFile(path) //nolint:gosec // operator-controlled project directory, not user input.
	if err != nil {
		return ""
	}
	s := string(data)
	if len(s) > maxChars {
		s = s[len(s)-maxChars:]
	}
	return s
}

// applyAction executes one decoded research action (spec §4.L step 9).
func (m *Manager) applyAction(ctx context.Context, convKey string, binding state.ResearchBinding, ps *ProjectState, a DecisionAction) (string, error) {
	switch a.Type {
	case ActionJobStart:
		return m.applyResearchJobStart(ctx, convKey, binding, ps, a.JobStart)
	case ActionJobWatch, ActionJobStop, ActionTaskAdd, ActionTaskRun:
		return m.applyNormalAction(ctx, convKey, a)
	case ActionWriteReport:
		return m.applyWriteReport(ps, a.WriteReport)
	case ActionResearchPause:
		reason := ""
		if a.ResearchPause != nil {
			reason = a.ResearchPause.Reason
		}
		ps.AutoRun = false
		return "autoRun paused: " + reason, nil
	case ActionResearchMarkDone:
		ps.Status = StatusDone
		ps.AutoRun = false
		return "project marked done", nil
	default:
		return "", fmt.Errorf("no handler for %s", a.Type)
	}
}

// applyNormalAction delegates to the shared relayaction.Dispatcher for
// the action kinds research reuses verbatim (job_watch, job_stop,
// task_add, task_run), so their resolution and persistence logic isn't
// duplicated here.
func (m *Manager) applyNormalAction(ctx context.Context, convKey string, a DecisionAction) (string, error) {
	if m.Actions == nil {
		return "", fmt.Errorf("no action dispatcher configured")
	}
	var inner relayaction.Action
	switch a.Type {
	case ActionJobWatch:
		inner = relayaction.Action{Type: relayaction.TypeJobWatch, JobWatch: a.JobWatch}
	case ActionJobStop:
		inner = relayaction.Action{Type: relayaction.TypeJobStop, JobStop: a.JobStop}
	case ActionTaskAdd:
		inner = relayaction.Action{Type: relayaction.TypeTaskAdd, TaskAdd: a.TaskAdd}
	case ActionTaskRun:
		inner = relayaction.Action{Type: relayaction.TypeTaskRun}
	}
	return m.Actions.Apply(ctx, convKey, "", inner), nil
}

// applyResearchJobStart wraps job_start in research mode: auto-assigns
// runId, exports RUN_ID/RUN_DIR, and redirects output into stdout.log
// (spec §4.L step 9).
func (m *Manager) applyResearchJobStart(ctx context.Context, convKey string, binding state.ResearchBinding, ps *ProjectState, js *relayaction.JobStart) (string, error) {
	if js == nil || js.Command == "" {
		return "", fmt.Errorf("job_start requires a command in research mode")
	}
	if verdict := relayaction.CheckWaitPatternGuard(m.Cfg.WaitPatternGuardMode, js.Command); verdict != "" && m.Cfg.WaitPatternGuardMode == config.WaitGuardReject {
		return "", fmt.Errorf("%s", verdict)
	}
	for _, pf := range js.Preflight {
		if err := relayaction.RunPreflightCheck(pf); err != nil {
			if pf.OnFail == "warn" {
				slog.Warn("research: preflight check failed, continuing", "conv", convKey, "err", err)
				continue
			}
			return "", err
		}
	}

	ps.NextRunSeq++
	runID := fmt.Sprintf("r%04d", ps.NextRunSeq)
	runDir := filepath.Join(ps.ProjectRoot, "exp", "results", runID)
	if err := os.MkdirAll(runDir, 0o750); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	stdoutPath := filepath.Join(runDir, "stdout.log")
	metricsPath := filepath.Join(runDir, "metrics.json")

	wrapped := fmt.Sprintf("export RUN_ID=%s RUN_DIR=%s; { %s; } >> %s 2>&1", runID, runDir, js.Command, stdoutPath)

	workdir := js.Workdir
	if workdir == "" {
		workdir = ps.ProjectRoot
	}

	j, err := m.Jobs.Start(ctx, job.StartRequest{
		ConvKey:     convKey,
		Command:     wrapped,
		Workdir:     workdir,
		Description: js.Description,
		Watch:       js.Watch,
	})
	if err != nil {
		return "", err
	}
	j.Research = &state.ResearchJobMeta{
		ProjectRoot: ps.ProjectRoot,
		RunID:       runID,
		RunDir:      runDir,
		StdoutPath:  stdoutPath,
		MetricsPath: metricsPath,
	}
	if err := m.Store.Mutate(func(doc *state.Document) {
		sess := doc.Session(convKey)
		sess.Jobs = append(sess.Jobs, j)
	}); err != nil {
		slog.Warn("research: persist new job failed", "conv", convKey, "job", j.ID, "err", err)
	}
	if m.SpawnWatcher != nil {
		m.SpawnWatcher(j)
	}
	return fmt.Sprintf("job %s started (run %s)", j.ID, runID), nil
}

func (m *Manager) applyWriteReport(ps *ProjectState, wr *WriteReport) (string, error) {
	if wr == nil {
		return "", fmt.Errorf("write_report requires content")
	}
	path := wr.Path
	if path == "" {
		path = filepath.Join(ps.ProjectRoot, "reports", "rolling_report.md")
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(ps.ProjectRoot, path)
	}

	flag := os.O_CREATE | os.O_WRONLY
	if wr.Mode == "replace" {
		flag |= os.O_TRUNC
	} else {
		flag |= os.O_APPEND
	}
	f, err := os.OpenFile(path, flag, 0o640) //nolint:gosec // project-scoped report file, not user-controlled path outside projectRoot.
	if err != nil {
		return "", fmt.Errorf("write_report: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(wr.Content + "\n"); err != nil {
		return "", fmt.Errorf("write_report: %w", err)
	}

	legacy := filepath.Join(ps.ProjectRoot, "writing", "REPORT.md")
	_ = os.WriteFile(legacy, []byte(wr.Content), 0o640)
	_ = appendDigest(ps.ProjectRoot, "write_report", "applied", "report updated")

	return "report written to " + path, nil
}
