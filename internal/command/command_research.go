package command

import (
	"context"
	"fmt"
	"strings"
)

// researchCmd implements `/research {start <g>|status|run|step|pause|
// stop|note <t>}` (spec.md §6) over internal/research.Manager. "run"
// enables autoRun so the background tick loop keeps stepping; "step"
// forces exactly one manual step, bypassing a blocked project once
// (spec §4.L step 2's "except in manual mode").
func (d *Dispatcher) researchCmd(ctx context.Context, convKey, rest string) (string, error) {
	sub, arg := splitCommand("/" + rest)
	switch strings.ToLower(sub) {
	case "start":
		if arg == "" {
			return "", fmt.Errorf("usage: /research start <goal>")
		}
		ps, err := d.Research.Start(convKey, arg, d.now())
		if err != nil {
			return "", err
		}
		return "research project started at " + ps.ProjectRoot, nil

	case "status":
		ps, err := d.Research.Status(convKey)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("status=%s phase=%s autoRun=%t steps=%d runs=%d project=%s",
			ps.Status, ps.Phase, ps.AutoRun, ps.Counters.Steps, ps.Counters.Runs, ps.ProjectRoot), nil

	case "run":
		if err := d.Research.SetAutoRun(convKey, true); err != nil {
			return "", err
		}
		return "autoRun enabled; the tick loop will keep stepping", nil

	case "step":
		return d.Research.StepManual(ctx, convKey)

	case "pause":
		if err := d.Research.SetAutoRun(convKey, false); err != nil {
			return "", err
		}
		return "autoRun disabled", nil

	case "stop":
		if err := d.Research.Stop(convKey); err != nil {
			return "", err
		}
		return "research project marked done", nil

	case "note":
		if arg == "" {
			return "", fmt.Errorf("usage: /research note <text>")
		}
		if err := d.Research.Note(convKey, arg); err != nil {
			return "", err
		}
		return "note recorded", nil

	default:
		return "", fmt.Errorf("usage: /research {start <g>|status|run|step|pause|stop|note <t>}")
	}
}
