package job

import (
	"context"
	"crypto/sha1" //nolint:gosec // used only as a change-detection fingerprint, not for security.
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	ps "github.com/mitchellh/go-ps"

	"github.com/maruel/relaybridge/internal/relayerr"
	"github.com/maruel/relaybridge/internal/state"
)

// WatcherConfig bounds the watcher's behavior with values drawn from
// the relay's immutable Config (spec §3 Config entity).
type WatcherConfig struct {
	StartupHeartbeatSec int
	HeartbeatEverySec   int
	StaleCPUPercent     float64
	StaleGPUPercent     float64
	StaleMinutes        int
	AlertEveryMinutes   int
	WorkdirAllowRoots   []string

	// ArchiveLogMinBytes is the size threshold above which a finalized
	// job's log gets recompressed in place. 0 disables archival.
	ArchiveLogMinBytes int64
}

// Poster is the chat-side sink a Watcher posts tails/alerts/finalize
// messages through.
type Poster interface {
	Post(ctx context.Context, channelID, text string) error
}

// Callbacks lets the watcher drive the rest of the system without a
// direct dependency on ralph/research (spec §4.I: "create a new Task",
// "close the research registry record").
type Callbacks struct {
	// OnThenTask is invoked once, on successful finalize, if Watch.ThenTask
	// is set and callbacks are enabled.
	OnThenTask func(j *state.Job)
	// OnResearchFinalize is invoked once, on any finalize outcome, if the
	// job carries Research metadata.
	OnResearchFinalize func(j *state.Job, outcome string)
}

// Watcher ticks one running Job (spec §4.I).
type Watcher struct {
	cfg    WatcherConfig
	poster Poster
	cb     Callbacks
	now    func() time.Time

	lastSig         string
	lastChangeAt    time.Time
	lastHeartbeatAt time.Time
	lastStaleAlert  time.Time
	startedAt       time.Time
	gotStartupPost  bool
}

// NewWatcher returns a Watcher for a single job's lifetime.
func NewWatcher(cfg WatcherConfig, poster Poster, cb Callbacks) *Watcher {
	return &Watcher{cfg: cfg, poster: poster, cb: cb, now: func() time.Time { return time.Now().UTC() }}
}

// Run ticks every j.Watch.EverySec (falling back to fsnotify wake-ups on
// the job directory for faster exit detection) until ctx is canceled or
// the job finalizes.
func (w *Watcher) Run(ctx context.Context, j *state.Job) {
	w.startedAt = w.now()
	every := time.Duration(j.Watch.EverySec) * time.Second
	if every <= 0 {
		every = 10 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	fsw, err := fsnotify.NewWatcher()
	var fsEvents <-chan fsnotify.Event
	if err == nil {
		defer fsw.Close()
		if addErr := fsw.Add(j.JobDir); addErr == nil {
			fsEvents = fsw.Events
		}
	} else {
		slog.Warn("job watcher: fsnotify unavailable, falling back to ticker only", "job", j.ID, "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.tick(ctx, j) {
				return
			}
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if filepath.Base(ev.Name) == "exit_code" {
				if w.tick(ctx, j) {
					return
				}
			}
		}
	}
}

// tick runs one watch iteration (spec §4.I). Returns true if the job
// has finalized and the watcher should stop.
func (w *Watcher) tick(ctx context.Context, j *state.Job) bool {
	if code, done, err := ReadExitCode(j); err == nil && done {
		w.finalize(ctx, j, code)
		return true
	} else if err != nil {
		slog.Warn("job watcher: read exit_code", "job", j.ID, "err", err)
	}

	tail, err := TailLog(j, clampInt(j.Watch.TailLines, 1, 2000), 64*1024)
	if err != nil {
		slog.Warn("job watcher: tail log", "job", j.ID, "err", err)
		return false
	}
	sig := sha1Hex(tail)
	changed := sig != w.lastSig
	now := w.now()
	if changed {
		w.lastSig = sig
		w.lastChangeAt = now
		w.postTailUpdate(ctx, j, tail)
	}

	w.evaluateVisibility(ctx, j, now)
	if !changed {
		w.evaluateStaleProgress(ctx, j, now)
	}
	return false
}

func (w *Watcher) postTailUpdate(ctx context.Context, j *state.Job, tail string) {
	lines := strings.Count(tail, "\n") + 1
	text := fmt.Sprintf("job %s: elapsed %s | new output: %d lines, %d chars", j.ID, w.elapsed(), lines, len(tail))
	if j.Watch.Long {
		text += "\n```\n" + tail + "\n```"
	}
	if err := w.poster.Post(ctx, j.ChannelID, text); err != nil {
		slog.Warn("job watcher: post tail update", "job", j.ID, "err", err)
	}
}

func (w *Watcher) evaluateVisibility(ctx context.Context, j *state.Job, now time.Time) {
	if !j.Watch.Long {
		return
	}
	startupDeadline := time.Duration(w.cfg.StartupHeartbeatSec) * time.Second
	if !w.gotStartupPost {
		if startupDeadline > 0 && now.Sub(w.startedAt) > startupDeadline {
			j.VisibilityStatus = state.VisibilityDegraded
			_ = w.poster.Post(ctx, j.ChannelID, fmt.Sprintf("job %s: no startup heartbeat within %ds, visibility degraded", j.ID, w.cfg.StartupHeartbeatSec))
			w.gotStartupPost = true
		}
		return
	}
	every := time.Duration(w.cfg.HeartbeatEverySec) * time.Second
	if every > 0 && now.Sub(w.lastHeartbeatAt) >= every {
		w.lastHeartbeatAt = now
		j.LastHeartbeatAt = now
		_ = w.poster.Post(ctx, j.ChannelID, fmt.Sprintf("job %s: still running (%s)", j.ID, w.elapsed()))
	}
}

// evaluateStaleProgress implements spec §4.I step 5: when the log
// signature hasn't changed, measure process-tree CPU% and GPU% and
// alert (rate-limited) if both stay below threshold for staleMinutes.
func (w *Watcher) evaluateStaleProgress(ctx context.Context, j *state.Job, now time.Time) {
	if w.lastChangeAt.IsZero() || w.cfg.StaleMinutes <= 0 {
		return
	}
	staleFor := now.Sub(w.lastChangeAt)
	if staleFor < time.Duration(w.cfg.StaleMinutes)*time.Minute {
		return
	}
	alertEvery := time.Duration(w.cfg.AlertEveryMinutes) * time.Minute
	if alertEvery > 0 && now.Sub(w.lastStaleAlert) < alertEvery {
		return
	}

	cpu := processTreeCPUPercent(j.PID)
	gpu := gpuUtilPercent()
	if cpu < w.cfg.StaleCPUPercent && gpu < w.cfg.StaleGPUPercent {
		w.lastStaleAlert = now
		_ = w.poster.Post(ctx, j.ChannelID, fmt.Sprintf(
			"job %s: no log change and low resource use for %s (cpu %.1f%%, gpu %.1f%%) — may be stuck",
			j.ID, staleFor.Round(time.Second), cpu, gpu))
	}
}

// processTreeCPUPercent sums `ps -o pid,%cpu` over leader's descendant
// tree, enumerated via go-ps (spec §4.I: "measure CPU% across the
// process tree").
func processTreeCPUPercent(leaderPID int) float64 {
	if leaderPID <= 0 {
		return 0
	}
	procs, err := ps.Processes()
	if err != nil {
		return 0
	}
	pids := collectDescendants(procs, leaderPID)
	if len(pids) == 0 {
		return 0
	}
	args := []string{"-o", "pid,%cpu", "--no-headers", "-p", joinInts(pids)}
	out, err := exec.Command("ps", args...).Output() //nolint:gosec // args built from collected PIDs, not user input.
	if err != nil {
		return 0
	}
	var total float64
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		var cpu float64
		if _, err := fmt.Sscanf(fields[1], "%f", &cpu); err == nil {
			total += cpu
		}
	}
	return total
}

func collectDescendants(procs []ps.Process, rootPID int) []int {
	children := make(map[int][]int)
	for _, p := range procs {
		children[p.PPid()] = append(children[p.PPid()], p.Pid())
	}
	var out []int
	queue := []int{rootPID}
	seen := map[int]bool{}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		if seen[pid] {
			continue
		}
		seen[pid] = true
		out = append(out, pid)
		queue = append(queue, children[pid]...)
	}
	return out
}

func joinInts(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ",")
}

// gpuUtilPercent shells out to nvidia-smi (spec §4.I: "max GPU
// utilization (via nvidia-smi)"); returns 0 when unavailable so hosts
// without a GPU never trip the stale-progress guard on GPU alone.
func gpuUtilPercent() float64 {
	out, err := exec.Command("nvidia-smi", "--query-gpu=utilization.gpu", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0
	}
	var max float64
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var v float64
		if _, err := fmt.Sscanf(line, "%f", &v); err == nil && v > max {
			max = v
		}
	}
	return max
}

// finalize runs the sub-state-machine triggered by an observed exit
// code (spec §4.I "Finalize sub-state-machine").
func (w *Watcher) finalize(ctx context.Context, j *state.Job, exitCode int) {
	j.ExitedAt = w.now()
	j.ExitCode = &exitCode

	needsArtifactGate := len(j.Watch.RequireFiles) > 0
	var gateErr error
	if needsArtifactGate {
		gateErr = w.artifactGate(ctx, j)
	}

	switch {
	case gateErr != nil:
		j.Status = state.JobBlocked
		j.AddLifecycle("blocked", "artifact or supervisor gate failed", gateErr.Error())
	case exitCode == 0:
		j.Status = state.JobDone
		j.AddLifecycle("done", "exit 0", "")
	default:
		j.Status = state.JobFailed
		j.AddLifecycle("failed", fmt.Sprintf("exit %d", exitCode), "")
	}
	j.FinishedAt = w.now()

	_ = w.poster.Post(ctx, j.ChannelID, fmt.Sprintf("job %s: %s (exit %d)", j.ID, j.Status, exitCode))

	if w.cfg.ArchiveLogMinBytes > 0 {
		if err := archiveLog(j, w.cfg.ArchiveLogMinBytes); err != nil {
			slog.Warn("job: log archival failed", "job", j.ID, "err", err)
		}
	}

	if j.Research != nil && w.cb.OnResearchFinalize != nil {
		w.cb.OnResearchFinalize(j, string(j.Status))
	}
	if j.Status == state.JobDone && j.Watch.ThenTask != "" && w.cb.OnThenTask != nil {
		w.cb.OnThenTask(j)
	}
}

// artifactGate implements the requireFiles poll-until-ready-or-timeout
// state, plus the optional supervisor-state validation (spec §4.I).
func (w *Watcher) artifactGate(ctx context.Context, j *state.Job) error {
	for _, p := range j.Watch.RequireFiles {
		if !pathUnderAnyRoot(p, w.cfg.WorkdirAllowRoots) {
			return relayerr.New(relayerr.KindValidation, "required artifact path outside allow-rooted workdirs").WithDetail("path", p)
		}
	}

	pollEvery := time.Duration(j.Watch.ReadyPollSec) * time.Second
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	deadline := w.now().Add(time.Duration(j.Watch.ReadyTimeoutSec) * time.Second)

	for {
		if allFilesExist(j.Watch.RequireFiles) {
			break
		}
		if w.now().After(deadline) {
			if j.Watch.OnMissing == state.OnMissingEnqueue {
				return nil // proceed to callback, per spec; caller still marks done.
			}
			return relayerr.New(relayerr.KindArtifactTimeout, "required files not observed within readyTimeoutSec")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollEvery):
		}
	}

	if j.Watch.SupervisorMode == "" {
		return nil
	}
	return validateSupervisorState(j)
}

// validateSupervisorState implements the supervisor-state gate (spec
// §4.I): the state file must be JSON with status==expectStatus, and for
// keep_manifest_only it must additionally record the smoke-cleanup
// action.
func validateSupervisorState(j *state.Job) error {
	data, err := os.ReadFile(j.Watch.SupervisorStateFile) //nolint:gosec // path validated by the artifact gate before this call.
	if err != nil {
		return relayerr.Wrap(relayerr.KindSupervisorValidation, "supervisor state file missing or unreadable", err)
	}
	var doc struct {
		Status       string `json:"status"`
		SmokeCleanup struct {
			Action string `json:"action"`
		} `json:"smoke_cleanup"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return relayerr.Wrap(relayerr.KindSupervisorValidation, "supervisor state file unparseable", err)
	}
	if doc.Status != j.Watch.SupervisorExpectStatus {
		return relayerr.New(relayerr.KindSupervisorValidation, "supervisor state status mismatch").
			WithDetail("got", doc.Status).WithDetail("want", j.Watch.SupervisorExpectStatus)
	}
	if j.Watch.SupervisorCleanupSmokePolicy == state.CleanupKeepManifestOnly {
		if doc.SmokeCleanup.Action != "deleted_smoke_run_dir_kept_manifest" {
			return relayerr.New(relayerr.KindSupervisorValidation, "supervisor cleanup policy mismatch").
				WithDetail("action", doc.SmokeCleanup.Action)
		}
	}
	return nil
}

func allFilesExist(paths []string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func pathUnderAnyRoot(path string, roots []string) bool {
	if len(roots) == 0 {
		return true
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, root := range roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s)) //nolint:gosec // change-detection fingerprint, not a security boundary.
	return fmt.Sprintf("%x", sum)
}

func clampInt(v, min, max int) int {
	if v <= 0 {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func (w *Watcher) elapsed() time.Duration {
	return w.now().Sub(w.startedAt).Round(time.Second)
}
