// Package interrupt implements the priority-question interrupt (spec
// §4.J): `/ask` pauses the active child process tree with SIGSTOP,
// answers the question with an ephemeral stateless agent invocation fed
// a snapshot of the paused run, then resumes the tree with SIGCONT.
package interrupt

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"syscall"

	ps "github.com/mitchellh/go-ps"

	"github.com/maruel/relaybridge/internal/agentproc"
	"github.com/maruel/relaybridge/internal/config"
	"github.com/maruel/relaybridge/internal/job"
	"github.com/maruel/relaybridge/internal/runner"
	"github.com/maruel/relaybridge/internal/state"
)

// Request is one `/ask` invocation.
type Request struct {
	ConvKey   string
	ChannelID string
	Provider  agentproc.Provider
	Model     string
	Question  string
}

// Handler wires the collaborators `/ask` needs: the same Backend
// resolver and ChatClient shape the agent runner uses, plus the
// Registry the runner feeds active pids into.
type Handler struct {
	Cfg      *config.Config
	Store    *state.Store
	Registry *Registry
	Backend  func(agentproc.Provider) agentproc.Backend
	Chat     runner.ChatClient
}

// Ask implements spec §4.J's eight numbered steps.
func (h *Handler) Ask(ctx context.Context, req Request) error {
	// Step 1: refuse a second priority question for this conversation.
	if !h.Registry.beginAsk(req.ConvKey) {
		return fmt.Errorf("interrupt: a priority question is already in flight for %s", req.ConvKey)
	}
	defer h.Registry.endAsk(req.ConvKey)

	// Step 2: a reply that bypasses the PCQ entirely — it's not an agent
	// turn, so it never goes through Queue.Submit.
	msgID, err := h.Chat.PostMessage(ctx, req.ChannelID, "Handling priority question...")
	if err != nil {
		return fmt.Errorf("interrupt: post status message: %w", err)
	}

	// Step 3: pause the active tree, if one exists and the queue is busy
	// running it. A conversation with no active run just skips straight
	// to the ephemeral invocation.
	active, busy := h.Registry.activeFor(req.ConvKey)
	if busy {
		pids, perr := pauseTree(active.pid)
		if perr != nil {
			slog.Warn("interrupt: pause failed, answering without pausing", "conv", req.ConvKey, "err", perr)
		} else {
			h.Registry.recordPaused(req.ConvKey, active.pid, pids)
			defer h.resume(req.ConvKey)
		}
	}

	// Step 4: build the run snapshot.
	snapshot := h.buildSnapshot(req.ConvKey, active, busy)

	// Step 5: ephemeral stateless invocation.
	backend := h.Backend(req.Provider)
	opts := agentproc.Options{
		Model:       req.Model,
		SandboxMode: "read-only",
		Ephemeral:   true,
		Timeout:     h.Cfg.AskEphemeralTimeout,
	}
	prompt := fmt.Sprintf("[[priority-question]]\n%s\n[[/priority-question]]\n\n%s", snapshot, req.Question)
	result, runErr := backend.Run(ctx, prompt, opts, func(agentproc.Event) {})

	// Step 6: edit the "Handling..." reply with the answer, chunked.
	var answer string
	if runErr != nil {
		answer = fmt.Sprintf("error answering priority question: %v", runErr)
	} else {
		answer = result.Text
		if strings.TrimSpace(answer) == "" {
			answer = "(no answer)"
		}
	}
	chunks := runner.ChunkForChat(answer)
	if len(chunks) == 0 {
		chunks = []string{"(no answer)"}
	}
	if err := h.Chat.EditMessage(ctx, req.ChannelID, msgID, chunks[0]); err != nil {
		slog.Warn("interrupt: editing priority-question reply failed", "conv", req.ConvKey, "err", err)
	}
	for _, c := range chunks[1:] {
		_, _ = h.Chat.PostMessage(ctx, req.ChannelID, c)
	}

	// Steps 7-8 run via the deferred h.resume above, which SIGCONTs the
	// paused tree and posts a warning rather than leaking it silently.
	return runErr
}

// resume implements spec §4.J steps 7-8: SIGCONT the paused tree root
// last to first it was stopped (i.e. in the order recorded, which is
// already leaves-first), and warn rather than fail silently if a
// signal can't be delivered.
func (h *Handler) resume(convKey string) {
	paused, ok := h.Registry.pausedFor(convKey)
	if !ok {
		return
	}
	var failed []int
	for _, pid := range paused.pids {
		if err := syscall.Kill(pid, syscall.SIGCONT); err != nil && err != syscall.ESRCH {
			failed = append(failed, pid)
		}
	}
	h.Registry.clearPaused(convKey)
	if len(failed) > 0 {
		slog.Warn("interrupt: failed to SIGCONT paused pids, process group may be stuck stopped",
			"conv", convKey, "pids", failed)
	}
}

// pauseTree collects the leader's full descendant tree and SIGSTOPs it
// leaves-first, root-last (spec §4.J step 3), returning the pids in the
// order they were stopped so resume() can be a straight SIGCONT replay.
func pauseTree(leaderPID int) ([]int, error) {
	if leaderPID <= 0 {
		return nil, fmt.Errorf("interrupt: no active pid to pause")
	}
	procs, err := ps.Processes()
	if err != nil {
		return nil, fmt.Errorf("interrupt: enumerate processes: %w", err)
	}
	pids := leavesFirst(collectDescendants(procs, leaderPID))
	var stopped []int
	for _, pid := range pids {
		if err := syscall.Kill(pid, syscall.SIGSTOP); err != nil {
			if err == syscall.ESRCH {
				continue
			}
			// Best-effort: resume what we already stopped, then report.
			for _, p := range stopped {
				_ = syscall.Kill(p, syscall.SIGCONT)
			}
			return nil, fmt.Errorf("interrupt: SIGSTOP pid %d: %w", pid, err)
		}
		stopped = append(stopped, pid)
	}
	return stopped, nil
}

// collectDescendants enumerates the leader's tree via go-ps, breadth
// first from the root (mirrors internal/job's stale-progress CPU-sum
// walk).
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

// leavesFirst reverses a root-first BFS order into an approximation of
// leaves-first: later-discovered (deeper) pids are stopped before their
// ancestors, so a parent never gets the chance to reap or re-spawn a
// child out from under a still-running signal walk.
func leavesFirst(bfsOrder []int) []int {
	out := make([]int, len(bfsOrder))
	for i, pid := range bfsOrder {
		out[len(bfsOrder)-1-i] = pid
	}
	return out
}

// buildSnapshot assembles spec §4.J step 4's run snapshot: recent
// progress lines, a recent-jobs summary, and the most relevant run-log
// candidate, all truncated to the configured budget.
func (h *Handler) buildSnapshot(convKey string, active activeRun, busy bool) string {
	var b strings.Builder

	if busy && active.ring != nil {
		snap := active.ring.Take()
		fmt.Fprintf(&b, "provider=%s model=%s\nrecent progress:\n", snap.Provider, snap.Model)
		if len(snap.Lines) == 0 {
			b.WriteString("(none yet)\n")
		}
		for _, l := range snap.Lines {
			b.WriteString(l)
			b.WriteByte('\n')
		}
	} else {
		b.WriteString("(no agent turn currently running)\n")
	}

	var jobs []*state.Job
	h.Store.View(func(doc *state.Document) {
		sess := doc.Sessions[convKey]
		if sess == nil {
			return
		}
		jobs = append(jobs, sess.Jobs...)
	})

	b.WriteString("\nrecent jobs:\n")
	if len(jobs) == 0 {
		b.WriteString("(none)\n")
	}
	start := 0
	if len(jobs) > 5 {
		start = len(jobs) - 5
	}
	var logCandidate string
	for _, j := range jobs[start:] {
		fmt.Fprintf(&b, "- %s %s: %s\n", j.ID, j.Status, j.Command)
	}
	// Explicit job logPath wins over any other candidate (spec §4.J step
	// 4); walk newest-first so the most recent job's log is preferred.
	for i := len(jobs) - 1; i >= 0; i-- {
		if jobs[i].LogPath != "" {
			logCandidate = jobs[i].LogPath
			break
		}
	}
	if logCandidate == "" {
		logCandidate = inferLogFromProgress(activeLines(active, busy))
	}
	if logCandidate != "" {
		if tail, err := tailLogPath(jobs, logCandidate, h.Cfg.AskLogTailLines); err == nil && tail != "" {
			fmt.Fprintf(&b, "\nrun log (%s):\n%s\n", logCandidate, tail)
		}
	}

	return headtail(b.String(), h.Cfg.AskSnapshotMaxChars)
}

func activeLines(active activeRun, busy bool) []string {
	if !busy || active.ring == nil {
		return nil
	}
	return active.ring.Take().Lines
}

// logPathRe matches a bare `.log` path mentioned in a progress line, the
// last-resort run-log candidate (spec §4.J step 4).
var logPathRe = regexp.MustCompile(`\S+\.log\b`)

func inferLogFromProgress(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if m := logPathRe.FindString(lines[i]); m != "" {
			return m
		}
	}
	return ""
}

// tailLogPath finds the state.Job owning logPath, if any, so job.TailLog
// can be reused verbatim; falls back to reading the bare path otherwise.
func tailLogPath(jobs []*state.Job, logPath string, n int) (string, error) {
	for _, j := range jobs {
		if j.LogPath == logPath {
			return job.TailLog(j, n, 64*1024)
		}
	}
	out, err := exec.Command("tail", "-n", fmt.Sprintf("%d", n), logPath).Output() //nolint:gosec // path sourced from job state or a progress-line regex match, not raw user input.
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// headtail truncates s to maxChars, keeping a head and a tail half, the
// same shape as internal/runner's context-file truncation.
func headtail(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	const marker = "\n...[truncated]...\n"
	half := (maxChars - len(marker)) / 2
	if half <= 0 {
		return s[:maxChars]
	}
	return s[:half] + marker + s[len(s)-half:]
}
