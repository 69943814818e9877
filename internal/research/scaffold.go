package research

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/maruel/relaybridge/internal/state"
)

// scaffoldFiles are the project files created with empty/placeholder
// content if they don't already exist (spec §4.L: "Only create files
// that do not already exist").
var scaffoldFiles = []string{
	"idea/goal.md",
	"idea/hypotheses.yaml",
	"exp/registry.jsonl",
	"reports/rolling_report.md",
	"reports/report_digest.md",
	"writing/REPORT.md",
	"manager/events.jsonl",
	"memory/handoff.md",
	"WORKING_MEMORY.md",
	"HANDOFF_LOG.md",
	"HYPOTHESES.md",
	"QUESTIONS.md",
}

var scaffoldDirs = []string{"idea", "exp/results", "reports", "writing", "manager", "memory"}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// slugify lowercases s and collapses runs of non-alphanumerics to a
// single hyphen, trimming leading/trailing hyphens.
func slugify(s string) string {
	s = slugRe.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(s, "-")
}

// Start creates a new research project under
// projectsRoot/<convSlug>/<stamp>-<slug>, scaffolds its directory
// layout, binds sess's conversation to it, and returns the freshly
// initialized project state (spec §4.L: "On `/research start <goal>`").
func (m *Manager) Start(convKey, goal string, now time.Time) (*ProjectState, error) {
	convSlug := slugify(convKey)
	if convSlug == "" {
		convSlug = "conv"
	}
	goalSlug := slugify(goal)
	if goalSlug == "" {
		goalSlug = "goal"
	}
	if len(goalSlug) > 40 {
		goalSlug = goalSlug[:40]
	}
	stamp := now.Format("20060102-150405")
	projectRoot := filepath.Join(m.Cfg.ResearchProjectsRoot, convSlug, stamp+"-"+goalSlug)

	for _, d := range scaffoldDirs {
		if err := os.MkdirAll(filepath.Join(projectRoot, d), 0o750); err != nil {
			return nil, fmt.Errorf("research: scaffold dir %s: %w", d, err)
		}
	}
	for _, f := range scaffoldFiles {
		path := filepath.Join(projectRoot, f)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		content := ""
		if f == "idea/goal.md" {
			content = "# Goal\n\n" + goal + "\n"
		}
		if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
			return nil, fmt.Errorf("research: scaffold file %s: %w", f, err)
		}
	}

	ps := &ProjectState{
		Version:     currentStateVersion,
		ProjectRoot: projectRoot,
		Goal:        goal,
		Status:      StatusRunning,
		Phase:       PhasePlan,
		AutoRun:     false,
		CreatedAt:   now,
	}
	if err := saveProjectState(projectRoot, ps); err != nil {
		return nil, err
	}

	managerConvKey := convKey + "#research-manager"
	if err := m.Store.Mutate(func(doc *state.Document) {
		sess := doc.Session(convKey)
		sess.Research = state.ResearchBinding{
			Enabled:        true,
			ProjectRoot:    projectRoot,
			Slug:           stamp + "-" + goalSlug,
			ManagerConvKey: managerConvKey,
			LastNoteAt:     now,
		}
	}); err != nil {
		return nil, fmt.Errorf("research: bind conversation: %w", err)
	}

	return ps, nil
}
