// Package relayaction implements the relay-action protocol (spec §4.K):
// parsing `[[relay-actions]]{json}[[/relay-actions]]` blocks out of an
// agent's reply, validating each action against a strict per-type
// allowed-key set, running launch guards ahead of job_start, and
// dispatching to the job subsystem (internal/job) or the task runner
// (internal/ralph).
package relayaction

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/maruel/relaybridge/internal/config"
	"github.com/maruel/relaybridge/internal/job"
	"github.com/maruel/relaybridge/internal/ralph"
	"github.com/maruel/relaybridge/internal/runner"
	"github.com/maruel/relaybridge/internal/state"
)

// Dispatcher implements runner.ActionDispatcher (spec §4.F.7/§4.K).
type Dispatcher struct {
	Cfg   *config.Config
	Store *state.Store
	Jobs  *job.Supervisor
	Tasks *ralph.Loop

	// SpawnWatcher launches a job.Watcher for j; wired by the caller so
	// this package doesn't need to own fsnotify/poster plumbing directly.
	SpawnWatcher func(j *state.Job)

	// BaseRequest builds the fixed per-turn fields (provider, model,
	// workdir, channel) a task_run's agent turns reuse; only Prompt is
	// overwritten per task.
	BaseRequest func(convKey string) runner.Request
}

var _ runner.ActionDispatcher = (*Dispatcher)(nil)

// Dispatch parses and applies every relay-action block extracted from
// one reply, returning a human-readable summary/error per action (spec
// §4.F.7 posts these as synthetic progress notes).
func (d *Dispatcher) Dispatch(ctx context.Context, convKey, channelID string, rawBlocks []string) []string {
	var summaries []string

	if !d.Cfg.RelayActionsEnabled {
		return []string{"relay actions are disabled"}
	}
	if d.Cfg.RelayActionsDMOnly && !strings.HasPrefix(convKey, "dm:") {
		return []string{"relay actions are DM-only on this conversation"}
	}
	var autoEnabled bool
	d.Store.View(func(doc *state.Document) {
		if sess := doc.Sessions[convKey]; sess != nil {
			autoEnabled = sess.Auto.Actions
		}
	})
	if !autoEnabled {
		return []string{"relay actions are disabled for this conversation (/auto actions to enable)"}
	}

	dispatched := 0
	for _, raw := range rawBlocks {
		actions, errs := Parse(raw)
		for _, e := range errs {
			summaries = append(summaries, "relay action parse error: "+e)
		}
		for _, a := range actions {
			if d.Cfg.RelayActionsMaxPerMsg > 0 && dispatched >= d.Cfg.RelayActionsMaxPerMsg {
				summaries = append(summaries, fmt.Sprintf("relay action %s skipped: per-message limit (%d) reached", a.Type, d.Cfg.RelayActionsMaxPerMsg))
				continue
			}
			if !allowlisted(d.Cfg.Policy.RelayActionAllowlist, a.Type) {
				summaries = append(summaries, fmt.Sprintf("relay action %s rejected: not on the allowlist", a.Type))
				continue
			}
			dispatched++
			summaries = append(summaries, d.apply(ctx, convKey, channelID, a))
		}
	}
	return summaries
}

func allowlisted(allowlist []string, t Type) bool {
	for _, a := range allowlist {
		if Type(a) == t {
			return true
		}
	}
	return false
}

// Apply executes one already-validated action directly, bypassing
// Dispatch's policy gating. Exposed for internal/research, which
// applies its own stricter per-step allowlist before delegating the
// action kinds it shares verbatim with the relay-action protocol.
func (d *Dispatcher) Apply(ctx context.Context, convKey, channelID string, a Action) string {
	return d.apply(ctx, convKey, channelID, a)
}

// apply executes one validated action, returning its summary line.
func (d *Dispatcher) apply(ctx context.Context, convKey, channelID string, a Action) string {
	switch a.Type {
	case TypeJobStart:
		return d.applyJobStart(ctx, convKey, channelID, a.JobStart)
	case TypeJobWatch:
		return d.applyJobWatch(convKey, a.JobWatch)
	case TypeJobStop:
		return d.applyJobStop(convKey, a.JobStop)
	case TypeTaskAdd:
		return d.applyTaskAdd(convKey, a.TaskAdd)
	case TypeTaskRun:
		return d.applyTaskRun(ctx, convKey)
	default:
		return fmt.Sprintf("relay action %s: no handler", a.Type)
	}
}

func (d *Dispatcher) applyJobStart(ctx context.Context, convKey, channelID string, js *JobStart) string {
	normalizeJobStart(js)

	command := js.Command
	if js.Supervisor != nil {
		var err error
		command, err = buildSupervisorCommand(js)
		if err != nil {
			return fmt.Sprintf("job_start rejected: %v", err)
		}
	}
	if command == "" {
		return "job_start rejected: one of command or supervisor is required"
	}

	if verdict := checkWaitPatternGuard(d.Cfg.WaitPatternGuardMode, command); verdict != "" {
		if d.Cfg.WaitPatternGuardMode == config.WaitGuardReject {
			return "job_start rejected: " + verdict
		}
		slog.Warn("relayaction: wait-pattern guard warning", "conv", convKey, "detail", verdict)
	}

	for _, pf := range js.Preflight {
		if err := runPreflightCheck(pf); err != nil {
			onFail := pf.OnFail
			if onFail == "" {
				onFail = "reject"
			}
			if onFail == "warn" {
				slog.Warn("relayaction: preflight check failed, continuing", "conv", convKey, "check", pf.Type, "err", err)
				continue
			}
			return fmt.Sprintf("job_start rejected: preflight %s failed: %v", pf.Type, err)
		}
	}

	j, err := d.Jobs.Start(ctx, job.StartRequest{
		ConvKey:     convKey,
		Command:     command,
		Workdir:     js.Workdir,
		Description: js.Description,
		Watch:       js.Watch,
		ChannelID:   channelID,
	})
	if err != nil {
		return fmt.Sprintf("job_start failed: %v", err)
	}
	if err := d.Store.Mutate(func(doc *state.Document) {
		sess := doc.Session(convKey)
		sess.Jobs = append(sess.Jobs, j)
	}); err != nil {
		slog.Warn("relayaction: persist new job failed", "conv", convKey, "job", j.ID, "err", err)
	}
	if d.SpawnWatcher != nil {
		d.SpawnWatcher(j)
	}
	return fmt.Sprintf("job %s started: %s", j.ID, j.Command)
}

func (d *Dispatcher) applyJobWatch(convKey string, jw *JobWatch) string {
	j := d.resolveJob(convKey, jw.JobID)
	if j == nil {
		return "job_watch rejected: no matching job"
	}
	j.Watch = jw.WatchConfig
	if d.SpawnWatcher != nil {
		d.SpawnWatcher(j)
	}
	return fmt.Sprintf("watcher attached to job %s", j.ID)
}

func (d *Dispatcher) applyJobStop(convKey string, js *JobStop) string {
	j := d.resolveJob(convKey, js.JobID)
	if j == nil {
		return "job_stop rejected: no matching job"
	}
	if err := d.Jobs.Stop(j); err != nil {
		return fmt.Sprintf("job_stop failed: %v", err)
	}
	return fmt.Sprintf("job %s: SIGTERM sent", j.ID)
}

// resolveJob finds jobID if given, else the last running job, else the
// last job (spec §4.K: "attach ... to the last running (or else last)
// job"; "SIGTERM the last running job's process group").
func (d *Dispatcher) resolveJob(convKey, jobID string) *state.Job {
	var jobs []*state.Job
	d.Store.View(func(doc *state.Document) {
		if sess := doc.Sessions[convKey]; sess != nil {
			jobs = append(jobs, sess.Jobs...)
		}
	})
	if jobID != "" {
		for _, j := range jobs {
			if j.ID == jobID {
				return j
			}
		}
		return nil
	}
	for i := len(jobs) - 1; i >= 0; i-- {
		if jobs[i].Status == state.JobRunning {
			return jobs[i]
		}
	}
	if len(jobs) > 0 {
		return jobs[len(jobs)-1]
	}
	return nil
}

func (d *Dispatcher) applyTaskAdd(convKey string, ta *TaskAdd) string {
	t, err := d.Tasks.AddTask(convKey, ta.Description, ta.Prompt)
	if err != nil {
		return fmt.Sprintf("task_add rejected: %v", err)
	}
	return fmt.Sprintf("task %s queued: %s", t.ID, t.Description)
}

func (d *Dispatcher) applyTaskRun(ctx context.Context, convKey string) string {
	if d.BaseRequest == nil {
		return "task_run rejected: no base request configured"
	}
	if err := d.Tasks.Start(ctx, convKey, d.BaseRequest(convKey)); err != nil {
		return fmt.Sprintf("task_run rejected: %v", err)
	}
	return "task loop started"
}

// normalizeJobStart migrates the agent-ergonomics top-level
// thenTask/thenTaskDescription fields into the nested Watch patch (spec
// §4.K: "normalizer auto-migrates into watch").
func normalizeJobStart(js *JobStart) {
	if js.ThenTask != "" && js.Watch.ThenTask == "" {
		js.Watch.ThenTask = js.ThenTask
	}
	if js.ThenTaskDescription != "" && js.Watch.ThenTaskDescription == "" {
		js.Watch.ThenTaskDescription = js.ThenTaskDescription
	}
}

// buildSupervisorCommand wraps script into a `python3 <script> --run-id
// ... --state-file ...` invocation and merges the supervisor watch patch
// (requireFiles + supervisor* fields) into js.Watch (spec §4.K).
func buildSupervisorCommand(js *JobStart) (string, error) {
	sup := js.Supervisor
	if sup.Script == "" {
		return "", fmt.Errorf("supervisor.script is required")
	}
	runID := sup.RunID
	if runID == "" {
		runID = "r0000"
	}
	stateFile := sup.StateFile
	if stateFile == "" {
		stateFile = fmt.Sprintf("%s.state.json", runID)
	}
	parts := []string{"python3", shellQuote(sup.Script), "--run-id", shellQuote(runID), "--state-file", shellQuote(stateFile)}
	for _, a := range sup.Args {
		parts = append(parts, shellQuote(a))
	}

	js.Watch.SupervisorMode = "stage0_smoke_gate"
	js.Watch.SupervisorStateFile = stateFile
	if sup.ExpectStatus != "" {
		js.Watch.SupervisorExpectStatus = sup.ExpectStatus
	}
	if sup.CleanupSmokePolicy != "" {
		js.Watch.SupervisorCleanupSmokePolicy = state.SupervisorCleanupPolicy(sup.CleanupSmokePolicy)
	}
	js.Watch.RequireFiles = appendUnique(js.Watch.RequireFiles, stateFile)

	return strings.Join(parts, " "), nil
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// shellQuote wraps s in single quotes for inclusion in the wrapper
// bash -lc command line, escaping any embedded single quote.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// checkWaitPatternGuard implements spec §4.K's unsafe wait-pattern
// guard: reject/warn/ignore (by config) when command loops on `pgrep -f
// <PATTERN>` and command's own text matches that same pattern (self-
// match risk — the pgrep would always see itself and the loop would
// either spin forever or exit immediately for the wrong reason).
func checkWaitPatternGuard(mode config.WaitPatternGuardMode, command string) string {
	if mode == config.WaitGuardOff {
		return ""
	}
	idx := strings.Index(command, "pgrep -f ")
	if idx < 0 {
		return ""
	}
	rest := strings.TrimSpace(command[idx+len("pgrep -f "):])
	pattern := firstShellToken(rest)
	if pattern == "" {
		return ""
	}
	if strings.Contains(command, pattern) && strings.Count(command, pattern) > 1 {
		return fmt.Sprintf("command loops on `pgrep -f %s` and also matches that pattern itself (self-match risk)", pattern)
	}
	return ""
}

// firstShellToken extracts pgrep's pattern argument, unquoting a single
// leading quoted token if present.
func firstShellToken(s string) string {
	if s == "" {
		return ""
	}
	if s[0] == '\'' || s[0] == '"' {
		if end := strings.IndexByte(s[1:], s[0]); end >= 0 {
			return s[1 : end+1]
		}
	}
	if sp := strings.IndexAny(s, " \t"); sp >= 0 {
		return s[:sp]
	}
	return s
}

// RunPreflightCheck exposes runPreflightCheck so internal/research can
// apply the same launch guards to research-mode job_start actions
// without duplicating the check implementations.
func RunPreflightCheck(pf PreflightCheck) error { return runPreflightCheck(pf) }

// CheckWaitPatternGuard exposes checkWaitPatternGuard so
// internal/research can apply the same unsafe-wait-pattern guard to
// research-mode job_start actions.
func CheckWaitPatternGuard(mode config.WaitPatternGuardMode, command string) string {
	return checkWaitPatternGuard(mode, command)
}

// runPreflightCheck runs one preflight check, returning a non-nil error
// on failure (spec §4.K: "{path_exists, cmd_exit_zero, min_free_disk_gb}").
func runPreflightCheck(pf PreflightCheck) error {
	switch pf.Type {
	case "path_exists":
		if pf.Path == "" {
			return fmt.Errorf("path_exists: missing path")
		}
		if _, err := os.Stat(pf.Path); err != nil {
			return fmt.Errorf("path_exists: %w", err)
		}
		return nil
	case "cmd_exit_zero":
		if pf.Cmd == "" {
			return fmt.Errorf("cmd_exit_zero: missing cmd")
		}
		if err := exec.Command("bash", "-lc", pf.Cmd).Run(); err != nil { //nolint:gosec // operator-authored preflight command, not raw chat text.
			return fmt.Errorf("cmd_exit_zero: %w", err)
		}
		return nil
	case "min_free_disk_gb":
		path := pf.Path
		if path == "" {
			path = "."
		}
		var stat syscall.Statfs_t
		if err := syscall.Statfs(path, &stat); err != nil {
			return fmt.Errorf("min_free_disk_gb: %w", err)
		}
		freeGB := float64(stat.Bavail) * float64(stat.Bsize) / (1 << 30)
		if freeGB < pf.MinGB {
			return fmt.Errorf("min_free_disk_gb: %.1fGB free, want >= %.1fGB", freeGB, pf.MinGB)
		}
		return nil
	default:
		return fmt.Errorf("unknown preflight check type %q", pf.Type)
	}
}
