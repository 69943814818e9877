package command

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maruel/relaybridge/internal/job"
	"github.com/maruel/relaybridge/internal/state"
)

// plan implements `/plan {<req>|new <req>|list|show <id|last>|
// queue <id|last> [--run]|apply <id|last> [--confirm]}` (spec.md §6).
// Plans are one-off, non-queued agent generations saved to
// plans/<sanitized-conv-key>/<planId>.md (spec §6 on-disk layout);
// `queue`/`apply` turn a saved plan into a Ralph task.
func (d *Dispatcher) plan(convKey, rest string) (string, error) {
	sub, arg := splitCommand("/" + rest)
	switch strings.ToLower(sub) {
	case "new":
		return d.planNew(convKey, arg)
	case "list":
		return d.planList(convKey), nil
	case "show":
		return d.planShow(convKey, arg)
	case "queue":
		return d.planQueue(convKey, arg)
	case "apply":
		return d.planApply(convKey, arg)
	case "":
		return "", fmt.Errorf("usage: /plan {<req>|new <req>|list|show <id|last>|queue <id|last> [--run]|apply <id|last> [--confirm]}")
	default:
		// Bare "/plan <req>" is shorthand for "/plan new <req>".
		return d.planNew(convKey, rest)
	}
}

func (d *Dispatcher) planNew(convKey, request string) (string, error) {
	if request == "" {
		return "", fmt.Errorf("usage: /plan new <request>")
	}
	if d.Ralph == nil || d.Ralph.Agent == nil {
		return "", fmt.Errorf("no agent configured to draft a plan")
	}
	base := d.BaseRequest(convKey)
	base.Prompt = "[[plan-request]]\nDraft a step-by-step implementation plan for the following request. " +
		"Do not make any changes yet; respond with the plan in Markdown.\n\n" + request + "\n[[/plan-request]]"
	base.SandboxMode = "read-only"
	text, err := d.Ralph.Agent.Run(context.Background(), base)
	if err != nil {
		return "", fmt.Errorf("plan: %w", err)
	}

	var planID string
	var mdPath string
	err = d.Store.Mutate(func(doc *state.Document) {
		sess := doc.Session(convKey)
		planID = fmt.Sprintf("p-%04d", len(sess.Plans)+1)
		mdPath = filepath.Join(d.Cfg.StateDir, "plans", job.SlugConvKey(convKey), planID+".md")
		sess.Plans = append(sess.Plans, &state.Plan{
			ID:           planID,
			CreatedAt:    d.now(),
			Title:        firstLine(request, 80),
			Workdir:      sess.Workdir,
			MarkdownPath: mdPath,
			Request:      request,
		})
	})
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(mdPath), 0o750); err != nil {
		return "", err
	}
	if err := os.WriteFile(mdPath, []byte(text), 0o640); err != nil {
		return "", err
	}
	return fmt.Sprintf("saved plan %s: %s", planID, firstLine(text, 200)), nil
}

func (d *Dispatcher) planList(convKey string) string {
	sess := d.session(convKey)
	if len(sess.Plans) == 0 {
		return "no saved plans"
	}
	var b strings.Builder
	for _, p := range sess.Plans {
		fmt.Fprintf(&b, "%s [%s] %s\n", p.ID, p.CreatedAt.Format("2006-01-02 15:04"), p.Title)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Dispatcher) resolvePlan(convKey, id string) (*state.Plan, error) {
	sess := d.session(convKey)
	if len(sess.Plans) == 0 {
		return nil, fmt.Errorf("no saved plans")
	}
	if id == "" || strings.EqualFold(id, "last") {
		return sess.Plans[len(sess.Plans)-1], nil
	}
	for _, p := range sess.Plans {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("plan %q not found", id)
}

func (d *Dispatcher) planShow(convKey, id string) (string, error) {
	p, err := d.resolvePlan(convKey, id)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p.MarkdownPath) //nolint:gosec // relay-owned plan path under Cfg.StateDir.
	if err != nil {
		return "", fmt.Errorf("plan %s: %w", p.ID, err)
	}
	return string(data), nil
}

func (d *Dispatcher) planQueue(convKey, arg string) (string, error) {
	args := fields(arg)
	id := ""
	if len(args) > 0 && args[0] != "--run" {
		id = args[0]
	}
	p, err := d.resolvePlan(convKey, id)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p.MarkdownPath) //nolint:gosec // relay-owned plan path under Cfg.StateDir.
	if err != nil {
		return "", err
	}
	t, err := d.Ralph.AddTask(convKey, "plan "+p.ID+": "+p.Title, string(data))
	if err != nil {
		return "", err
	}
	if hasFlag(args, "--run") {
		if err := d.Ralph.Start(context.Background(), convKey, d.BaseRequest(convKey)); err != nil {
			return "", err
		}
		return "queued " + t.ID + " from plan " + p.ID + " and started the task loop", nil
	}
	return "queued " + t.ID + " from plan " + p.ID, nil
}

func (d *Dispatcher) planApply(convKey, arg string) (string, error) {
	args := fields(arg)
	if !hasFlag(args, "--confirm") {
		return "", fmt.Errorf("applying a plan starts the task loop immediately; re-run with --confirm")
	}
	id := ""
	if len(args) > 0 && args[0] != "--confirm" {
		id = args[0]
	}
	p, err := d.resolvePlan(convKey, id)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p.MarkdownPath) //nolint:gosec // relay-owned plan path under Cfg.StateDir.
	if err != nil {
		return "", err
	}
	if _, err := d.Ralph.AddTask(convKey, "plan "+p.ID+": "+p.Title, string(data)); err != nil {
		return "", err
	}
	if err := d.Ralph.Start(context.Background(), convKey, d.BaseRequest(convKey)); err != nil {
		return "", err
	}
	return "applying plan " + p.ID, nil
}

func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max]
	}
	return s
}
