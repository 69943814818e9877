package research

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maruel/relaybridge/internal/state"
)

// appendEvent appends one line to manager/events.jsonl (spec §4.L step
// 10: "append a 'decision_applied' event").
func appendEvent(projectRoot, kind, detail string) error {
	line, err := json.Marshal(struct {
		At     time.Time `json:"at"`
		Kind   string    `json:"kind"`
		Detail string    `json:"detail"`
	}{At: time.Now().UTC(), Kind: kind, Detail: detail})
	if err != nil {
		return err
	}
	return appendLine(filepath.Join(projectRoot, "manager", "events.jsonl"), string(line))
}

// appendDigest appends a single Markdown bullet to
// reports/report_digest.md (spec §4.L.10-11: "a single Markdown bullet
// with a UTC timestamp, the step ID, and either applied or
// blocked: <reason>").
func appendDigest(projectRoot, stepID, status, detail string) error {
	line := fmt.Sprintf("- %s %s: %s", time.Now().UTC().Format(time.RFC3339), stepID, status)
	if detail != "" {
		line += ": " + detail
	}
	return appendLine(filepath.Join(projectRoot, "reports", "report_digest.md"), line)
}

func appendLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec // project-scoped log file, not user-controlled.
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

// RegistryRow is one appended line in exp/registry.jsonl (spec §4.L
// step 9/post-job hook: "appends or replaces", "append a registry row
// (artifacts + metrics or status:'invalid')").
type RegistryRow struct {
	At      time.Time      `json:"at"`
	RunID   string         `json:"runId"`
	Status  string         `json:"status"` // "ok" | "invalid"
	Metrics map[string]any `json:"metrics,omitempty"`
}

// OnJobFinalize is the post-job hook (spec §4.L: called from §4.I's
// finalize): wired directly as job.Callbacks.OnResearchFinalize. It
// appends the registry row, blocks the project on invalid metrics, and
// invokes Retick when metrics were valid so the auto-tick loop doesn't
// have to wait out its own interval.
func (m *Manager) OnJobFinalize(j *state.Job, outcome string) {
	if j.Research == nil {
		return
	}
	convKey := m.findConvKeyForProject(j.Research.ProjectRoot)
	ps, err := loadProjectState(j.Research.ProjectRoot)
	if err != nil {
		slog.Warn("research: post-job hook: load project state failed", "project", j.Research.ProjectRoot, "err", err)
		return
	}

	row := RegistryRow{At: m.now(), RunID: j.Research.RunID}
	metrics, err := readMetrics(j.Research.MetricsPath)
	if err != nil {
		row.Status = "invalid"
	} else {
		row.Status = "ok"
		row.Metrics = metrics
	}
	data, _ := json.Marshal(row)
	if err := appendLine(filepath.Join(j.Research.ProjectRoot, "exp", "registry.jsonl"), string(data)); err != nil {
		slog.Warn("research: append registry row failed", "project", j.Research.ProjectRoot, "err", err)
	}

	if row.Status == "invalid" {
		ps.Status = StatusBlocked
		ps.AutoRun = false
		_ = appendDigest(ps.ProjectRoot, "", "blocked", fmt.Sprintf("run %s invalid", j.Research.RunID))
		_ = saveProjectState(ps.ProjectRoot, ps)
		return
	}
	_ = saveProjectState(ps.ProjectRoot, ps)

	if convKey != "" && m.Retick != nil {
		m.Retick(convKey)
	}
}

// RegistryRows reads back every row appended to convKey's bound
// project's exp/registry.jsonl, for `/exp best`/`/exp run` queries.
func (m *Manager) RegistryRows(convKey string) ([]RegistryRow, error) {
	binding := m.binding(convKey)
	if !binding.Enabled || binding.ProjectRoot == "" {
		return nil, fmt.Errorf("research: %s has no bound project", convKey)
	}
	data, err := os.ReadFile(filepath.Join(binding.ProjectRoot, "exp", "registry.jsonl")) //nolint:gosec // bound project's own registry file.
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rows []RegistryRow
	for _, line := range splitNonEmptyLines(string(data)) {
		var row RegistryRow
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

func readMetrics(path string) (map[string]any, error) {
	data, err := os.ReadFile(path) //nolint:gosec // research-run-owned artifact path, not user input.
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) findConvKeyForProject(projectRoot string) string {
	var convKey string
	m.Store.View(func(doc *state.Document) {
		for key, sess := range doc.Sessions {
			if sess.Research.ProjectRoot == projectRoot {
				convKey = key
				return
			}
		}
	})
	return convKey
}
