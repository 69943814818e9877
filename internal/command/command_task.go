package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/maruel/relaybridge/internal/state"
)

// task implements `/task {add <t>|list|run|stop|clear [done|all]}`
// (spec.md §6) over internal/ralph.Loop and the session's Tasks slice.
func (d *Dispatcher) task(ctx context.Context, convKey, rest string) (string, error) {
	sub, arg := splitCommand("/" + rest)
	switch strings.ToLower(sub) {
	case "add":
		if arg == "" {
			return "", fmt.Errorf("usage: /task add <description>")
		}
		t, err := d.Ralph.AddTask(convKey, arg, arg)
		if err != nil {
			return "", err
		}
		return "queued " + t.ID + ": " + t.Description, nil
	case "list":
		return d.taskList(convKey), nil
	case "run":
		if err := d.Ralph.Start(ctx, convKey, d.BaseRequest(convKey)); err != nil {
			return "", err
		}
		return "task loop started", nil
	case "stop":
		d.Ralph.Stop(convKey)
		return "stop requested; the loop halts once the active task finishes", nil
	case "clear":
		return d.taskClear(convKey, strings.ToLower(strings.TrimSpace(arg)))
	default:
		return "", fmt.Errorf("usage: /task {add <t>|list|run|stop|clear [done|all]}")
	}
}

func (d *Dispatcher) taskList(convKey string) string {
	sess := d.session(convKey)
	if len(sess.Tasks) == 0 {
		return "no tasks queued"
	}
	var b strings.Builder
	for _, t := range sess.Tasks {
		fmt.Fprintf(&b, "%s [%s] %s\n", t.ID, t.Status, t.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Dispatcher) taskClear(convKey, mode string) (string, error) {
	var removed int
	err := d.Store.Mutate(func(doc *state.Document) {
		sess := doc.Session(convKey)
		kept := sess.Tasks[:0]
		for _, t := range sess.Tasks {
			drop := false
			switch mode {
			case "all":
				drop = true
			case "done", "":
				drop = t.Status == state.TaskDone || t.Status == state.TaskFailed || t.Status == state.TaskCanceled
			}
			if drop {
				removed++
				continue
			}
			kept = append(kept, t)
		}
		sess.Tasks = kept
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("cleared %d task(s)", removed), nil
}
