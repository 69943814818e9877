// Package command implements the chat-surface command grammar (spec.md
// §6): parsing `/name args...` text and routing it to the collaborator
// that owns each concern (the agent runner, the Ralph task loop, the
// job supervisor, the relay-action dispatcher, the research manager,
// the priority-question interrupt, and the worktree manager). It is the
// one place all of those collaborators are finally wired together.
package command

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/maruel/relaybridge/internal/config"
	"github.com/maruel/relaybridge/internal/interrupt"
	"github.com/maruel/relaybridge/internal/job"
	"github.com/maruel/relaybridge/internal/ralph"
	"github.com/maruel/relaybridge/internal/relayaction"
	"github.com/maruel/relaybridge/internal/research"
	"github.com/maruel/relaybridge/internal/runner"
	"github.com/maruel/relaybridge/internal/state"
	"github.com/maruel/relaybridge/internal/worktree"
)

// Dispatcher routes parsed chat commands to their owning collaborator.
// Every field is a direct handle to a package built earlier; Dispatcher
// itself owns no domain logic beyond argument parsing and formatting.
type Dispatcher struct {
	Cfg   *config.Config
	Store *state.Store
	Chat  runner.ChatClient

	Ralph     *ralph.Loop
	Jobs      *job.Supervisor
	Actions   *relayaction.Dispatcher
	Research  *research.Manager
	Interrupt *interrupt.Handler
	Worktrees *worktree.Manager

	// SpawnWatcher launches a job.Watcher for j; threaded through to
	// Actions/Research the same way their own dispatch paths do.
	SpawnWatcher func(j *state.Job)

	// BaseRequest builds the fixed per-turn fields (provider, model,
	// upload dir) a bare agent turn or task reuses.
	BaseRequest func(convKey string) runner.Request

	// RepoDir resolves the git repository a conversation's worktree
	// commands operate against; defaults to the session's workdir.
	RepoDir func(convKey string) string

	Now func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// Dispatch parses one chat message's command text (already confirmed
// to start with "/") and returns the reply to post. A returned error
// means the command failed outright; the message is still meaningful
// to show the user.
func (d *Dispatcher) Dispatch(ctx context.Context, convKey, channelID, text string) (string, error) {
	name, rest := splitCommand(text)
	switch strings.ToLower(name) {
	case "help":
		return helpText, nil
	case "status":
		return d.status(convKey), nil
	case "reset":
		return d.reset(convKey)
	case "workdir":
		return d.workdir(convKey, rest)
	case "attach":
		return d.attach(convKey, rest)
	case "upload":
		return d.upload(ctx, convKey, channelID, rest)
	case "context":
		return d.context(convKey, rest)
	case "task":
		return d.task(ctx, convKey, rest)
	case "worktree":
		return d.worktreeCmd(ctx, convKey, rest)
	case "plan":
		return d.plan(convKey, rest)
	case "handoff":
		return d.handoff(ctx, convKey, rest)
	case "research":
		return d.researchCmd(ctx, convKey, rest)
	case "auto":
		return d.auto(convKey, rest)
	case "go":
		return d.goCmd(ctx, convKey, rest)
	case "overnight":
		return d.overnight(ctx, convKey, rest)
	case "job":
		return d.job(convKey, rest)
	case "exp":
		return d.exp(ctx, convKey, rest)
	case "ask":
		base := d.BaseRequest(convKey)
		return "", d.Interrupt.Ask(ctx, interrupt.Request{
			ConvKey:   convKey,
			ChannelID: channelID,
			Provider:  base.Provider,
			Model:     base.Model,
			Question:  rest,
		})
	case "inject":
		return d.inject(convKey, rest)
	default:
		return "", fmt.Errorf("unknown command %q (try /help)", name)
	}
}

func splitCommand(text string) (name, rest string) {
	text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "/"))
	name, rest, _ = strings.Cut(text, " ")
	return name, strings.TrimSpace(rest)
}

const helpText = `Commands: /help /status /ask <q> /inject <i> /reset /workdir <abs> ` +
	`/attach <sid> /upload <path> /context [reload] ` +
	`/task {add <t>|list|run|stop|clear [done|all]} ` +
	`/worktree {list|new <n> [--from <ref>] [--use]|use <n>|rm <n> [--force]|prune} ` +
	`/plan {<req>|new <req>|list|show <id|last>|queue <id|last> [--run]|apply <id|last> [--confirm]} ` +
	`/handoff [--dry-run] [--commit|--no-commit] [--push|--no-push] ` +
	`/research {start <g>|status|run|step|pause|stop|note <t>} ` +
	`/auto {actions on|off|research on|off} /go <task> ` +
	`/overnight {start <g>|status|stop} /job {list|logs [<id>]} ` +
	`/exp {run <tid> k=v…|best k=v…|report k=v…}`

func (d *Dispatcher) session(convKey string) (sess state.Session) {
	d.Store.View(func(doc *state.Document) {
		if s, ok := doc.Sessions[convKey]; ok {
			sess = *s
		}
	})
	return sess
}

func (d *Dispatcher) status(convKey string) string {
	sess := d.session(convKey)
	var b strings.Builder
	fmt.Fprintf(&b, "conversation: %s\n", convKey)
	fmt.Fprintf(&b, "workdir: %s\n", orNone(sess.Workdir))
	fmt.Fprintf(&b, "auto: actions=%t research=%t\n", sess.Auto.Actions, sess.Auto.Research)
	fmt.Fprintf(&b, "tasks: %d pending/running, loop running=%t stopRequested=%t\n",
		countActiveTasks(sess.Tasks), sess.TaskLoop.Running, sess.TaskLoop.StopRequested)
	fmt.Fprintf(&b, "jobs: %d (%d running)\n", len(sess.Jobs), countRunningJobs(sess.Jobs))
	if sess.Research.Enabled {
		fmt.Fprintf(&b, "research: bound to %s (slug %s)\n", sess.Research.ProjectRoot, sess.Research.Slug)
	} else {
		b.WriteString("research: not bound\n")
	}
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func countActiveTasks(tasks []*state.Task) int {
	n := 0
	for _, t := range tasks {
		if t.Status == state.TaskPending || t.Status == state.TaskRunning {
			n++
		}
	}
	return n
}

func countRunningJobs(jobs []*state.Job) int {
	n := 0
	for _, j := range jobs {
		if j.Status == state.JobRunning {
			n++
		}
	}
	return n
}

// reset clears the session's external agent handle so the next turn
// starts a fresh agent session (spec.md §6 `/reset`).
func (d *Dispatcher) reset(convKey string) (string, error) {
	if err := d.Store.Mutate(func(doc *state.Document) {
		doc.Session(convKey).SessionID = ""
	}); err != nil {
		return "", err
	}
	return "session reset; the next turn starts a fresh agent session", nil
}

func (d *Dispatcher) workdir(convKey, dir string) (string, error) {
	if dir == "" {
		return d.session(convKey).Workdir, nil
	}
	if !d.Cfg.IsWorkdirAllowed(dir) {
		return "", fmt.Errorf("workdir %q is not under an allowed root", dir)
	}
	if err := d.Store.Mutate(func(doc *state.Document) {
		doc.Session(convKey).Workdir = dir
	}); err != nil {
		return "", err
	}
	return "workdir set to " + dir, nil
}

func (d *Dispatcher) attach(convKey, sid string) (string, error) {
	if sid == "" {
		return "", fmt.Errorf("usage: /attach <sid>")
	}
	if err := d.Store.Mutate(func(doc *state.Document) {
		doc.Session(convKey).SessionID = sid
	}); err != nil {
		return "", err
	}
	return "attached to external session " + sid, nil
}

func (d *Dispatcher) upload(ctx context.Context, convKey, channelID, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("usage: /upload <path>")
	}
	resolved := path
	if !isAbs(path) {
		resolved = d.session(convKey).Workdir + "/" + path
	}
	if !d.Cfg.IsUploadPathAllowed(resolved) {
		return "", fmt.Errorf("upload path %q is not under an allowed root", resolved)
	}
	data, err := readFileAllowed(resolved)
	if err != nil {
		return "", err
	}
	if err := d.Chat.SendFile(ctx, channelID, fileBase(resolved), data); err != nil {
		return "", err
	}
	return "uploaded " + resolved, nil
}

// context implements `/context [reload]` by resetting the session's
// bootstrap version to 0, below the runner's target version, forcing
// the next turn to re-send the context bootstrap (spec §4.F step on
// BootstrapVer).
func (d *Dispatcher) context(convKey, arg string) (string, error) {
	if strings.ToLower(strings.TrimSpace(arg)) != "reload" {
		sess := d.session(convKey)
		return fmt.Sprintf("context bootstrap version: %d (use /context reload to force a resend)", sess.BootstrapVer), nil
	}
	var v int
	if err := d.Store.Mutate(func(doc *state.Document) {
		sess := doc.Session(convKey)
		sess.BootstrapVer = 0
		v = sess.BootstrapVer
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("context reload scheduled (bootstrap version %d)", v), nil
}

func (d *Dispatcher) inject(convKey, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("usage: /inject <instruction>")
	}
	if d.Ralph == nil {
		return "", fmt.Errorf("no task loop configured")
	}
	d.Ralph.Stop(convKey)
	if _, err := d.Ralph.AddTask(convKey, "injected", text); err != nil {
		return "", err
	}
	return "injected and preempted the current run", nil
}

func readFileAllowed(path string) ([]byte, error) {
	return os.ReadFile(path) //nolint:gosec // path already checked by Cfg.IsUploadPathAllowed.
}

func isAbs(p string) bool { return strings.HasPrefix(p, "/") }

func fileBase(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

func parseKV(args []string) map[string]string {
	m := make(map[string]string, len(args))
	for _, a := range args {
		if k, v, ok := strings.Cut(a, "="); ok {
			m[k] = v
		}
	}
	return m
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func fields(s string) []string {
	return strings.Fields(s)
}
