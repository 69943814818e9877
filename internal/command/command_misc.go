package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/maruel/relaybridge/internal/job"
	"github.com/maruel/relaybridge/internal/research"
	"github.com/maruel/relaybridge/internal/state"
)

// auto implements `/auto {actions on|off|research on|off}` (spec.md
// §6): toggles the session's per-feature auto-dispatch flags. Toggling
// research also flips the bound project's own autoRun flag, since
// internal/research's auto-tick loop gates on ProjectState.AutoRun
// directly, not this session flag.
func (d *Dispatcher) auto(convKey, rest string) (string, error) {
	args := fields(rest)
	if len(args) != 2 {
		return "", fmt.Errorf("usage: /auto {actions on|off|research on|off}")
	}
	feature, onOff := strings.ToLower(args[0]), strings.ToLower(args[1])
	on := onOff == "on"
	if !on && onOff != "off" {
		return "", fmt.Errorf("usage: /auto {actions on|off|research on|off}")
	}

	switch feature {
	case "actions":
		if err := d.setAutoFlag(convKey, func(a *stateAuto) { a.Actions = on }); err != nil {
			return "", err
		}
		return fmt.Sprintf("relay-action auto-dispatch: %t", on), nil
	case "research":
		if err := d.setAutoFlag(convKey, func(a *stateAuto) { a.Research = on }); err != nil {
			return "", err
		}
		if err := d.Research.SetAutoRun(convKey, on); err != nil {
			return "", fmt.Errorf("session flag updated, but research project: %w", err)
		}
		return fmt.Sprintf("research auto-tick: %t", on), nil
	default:
		return "", fmt.Errorf("usage: /auto {actions on|off|research on|off}")
	}
}

// stateAuto is a local alias so callbacks read cleanly without
// importing state twice under two names.
type stateAuto = struct {
	Actions  bool
	Research bool
}

func (d *Dispatcher) setAutoFlag(convKey string, set func(a *stateAuto)) error {
	return d.Store.Mutate(func(doc *state.Document) {
		sess := doc.Session(convKey)
		a := stateAuto{Actions: sess.Auto.Actions, Research: sess.Auto.Research}
		set(&a)
		sess.Auto.Actions = a.Actions
		sess.Auto.Research = a.Research
	})
}

// goCmd implements `/go <task>` (spec.md §6): shorthand for queueing a
// task and immediately starting the loop.
func (d *Dispatcher) goCmd(ctx context.Context, convKey, arg string) (string, error) {
	if arg == "" {
		return "", fmt.Errorf("usage: /go <task>")
	}
	t, err := d.Ralph.AddTask(convKey, arg, arg)
	if err != nil {
		return "", err
	}
	if err := d.Ralph.Start(ctx, convKey, d.BaseRequest(convKey)); err != nil {
		return "", err
	}
	return "started " + t.ID + ": " + t.Description, nil
}

// overnight implements `/overnight {start <g>|status|stop}` (spec.md
// §6): a thin alias over the research manager for unattended runs —
// start scaffolds (if needed) and enables autoRun, status reports the
// bound project, stop disables autoRun and marks it done.
func (d *Dispatcher) overnight(ctx context.Context, convKey, rest string) (string, error) {
	sub, arg := splitCommand("/" + rest)
	switch strings.ToLower(sub) {
	case "start":
		if arg == "" {
			return "", fmt.Errorf("usage: /overnight start <goal>")
		}
		if _, err := d.Research.Status(convKey); err != nil {
			if _, err := d.Research.Start(convKey, arg, d.now()); err != nil {
				return "", err
			}
		}
		if err := d.Research.SetAutoRun(convKey, true); err != nil {
			return "", err
		}
		return "overnight run started", nil
	case "status":
		ps, err := d.Research.Status(convKey)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("status=%s autoRun=%t steps=%d", ps.Status, ps.AutoRun, ps.Counters.Steps), nil
	case "stop":
		if err := d.Research.Stop(convKey); err != nil {
			return "", err
		}
		return "overnight run stopped", nil
	default:
		return "", fmt.Errorf("usage: /overnight {start <g>|status|stop}")
	}
}

// job implements `/job {list|logs [<id>]}` (spec.md §6).
func (d *Dispatcher) job(convKey, rest string) (string, error) {
	sub, arg := splitCommand("/" + rest)
	sess := d.session(convKey)
	switch strings.ToLower(sub) {
	case "list":
		if len(sess.Jobs) == 0 {
			return "no jobs", nil
		}
		var b strings.Builder
		for _, j := range sess.Jobs {
			fmt.Fprintf(&b, "%s [%s] %s\n", j.ID, j.Status, j.Command)
		}
		return strings.TrimRight(b.String(), "\n"), nil

	case "logs":
		j, err := resolveJobByID(sess.Jobs, arg)
		if err != nil {
			return "", err
		}
		tail, err := job.TailLog(j, 80, 8000)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s [%s]\n%s", j.ID, j.Status, tail), nil

	default:
		return "", fmt.Errorf("usage: /job {list|logs [<id>]}")
	}
}

// bestRow returns the "ok" row with the largest numeric value of key
// (or, if key is empty, the most recent "ok" row).
func bestRow(rows []research.RegistryRow, key string) (research.RegistryRow, bool) {
	var best research.RegistryRow
	found := false
	var bestVal float64
	for _, r := range rows {
		if r.Status != "ok" {
			continue
		}
		if key == "" {
			best, found = r, true
			continue
		}
		v, ok := r.Metrics[key].(float64)
		if !ok {
			continue
		}
		if !found || v > bestVal {
			best, bestVal, found = r, v, true
		}
	}
	return best, found
}

func resolveJobByID(jobs []*state.Job, id string) (*state.Job, error) {
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no jobs")
	}
	if id == "" {
		// Last-running, else last (same resolution order as relayaction.resolveJob).
		for i := len(jobs) - 1; i >= 0; i-- {
			if jobs[i].Status == state.JobRunning {
				return jobs[i], nil
			}
		}
		return jobs[len(jobs)-1], nil
	}
	for _, j := range jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return nil, fmt.Errorf("job %q not found", id)
}

// exp implements `/exp {run <tid> k=v…|best k=v…|report k=v…}`
// (spec.md §6): a thin view over the bound research project's
// exp/registry.jsonl, for ad hoc trial dispatch and metric queries
// without going through a full manager step.
func (d *Dispatcher) exp(ctx context.Context, convKey, rest string) (string, error) {
	sub, arg := splitCommand("/" + rest)
	args := fields(arg)
	switch strings.ToLower(sub) {
	case "run":
		if len(args) == 0 {
			return "", fmt.Errorf("usage: /exp run <trial-id> k=v…")
		}
		kv := parseKV(args[1:])
		if err := d.Research.Note(convKey, fmt.Sprintf("requested trial %s %v", args[0], kv)); err != nil {
			return "", err
		}
		return fmt.Sprintf("trial %s noted for the next manager step (use /research step to run it now)", args[0]), nil

	case "best":
		rows, err := d.Research.RegistryRows(convKey)
		if err != nil {
			return "", err
		}
		key := ""
		if len(args) > 0 {
			if k, _, ok := strings.Cut(args[0], "="); ok {
				key = k
			}
		}
		row, ok := bestRow(rows, key)
		if !ok {
			return "no successful runs recorded", nil
		}
		return fmt.Sprintf("best run %s: %v", row.RunID, row.Metrics), nil

	case "report":
		if err := d.Research.Note(convKey, "exp report: "+arg); err != nil {
			return "", err
		}
		return "report note recorded", nil

	default:
		return "", fmt.Errorf("usage: /exp {run <tid> k=v…|best k=v…|report k=v…}")
	}
}
