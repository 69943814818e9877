package runner

import (
	"fmt"
	"os"
	"strings"

	"github.com/maruel/relaybridge/internal/config"
)

// runtimeBlock is the fixed preamble injected once per session when the
// context-bootstrap version advances (spec §4.F.4): it describes the
// slash-command surface, the upload-marker grammar, and the relay-action
// grammar so the agent knows how to use them without re-discovery.
const runtimeBlock = `[[context]]
You are being driven through a Discord relay. A few conventions:
- Slash commands available to the operator: /help /status /ask /inject /reset
  /workdir /attach /upload /context /task /worktree /plan /handoff /research
  /auto /go /overnight /job /exp.
- To have a file sent back as a Discord attachment, include a marker of the
  form [[upload:relative/or/absolute/path]] anywhere in your reply; it is
  stripped before the reply is shown and the file is resolved against the
  working directory, falling back to the conversation's upload directory.
- To request a background action (start/watch/stop a job, queue or run a
  task), emit a single block:
  [[relay-actions]]
  {"actions":[{"type":"job_start","command":"...","workdir":"..."}]}
  [[/relay-actions]]
  Unknown keys on an action are rejected, so only send documented fields.
[[/context]]`

// BuildBootstrapBlock assembles the runtime block plus any configured
// extra context files (spec §4.F.4), each truncated per its own
// head/tail/headtail mode and MaxChars. No limit applies to the combined
// size of the files.
func BuildBootstrapBlock(cfg *config.Config) string {
	var b strings.Builder
	b.WriteString(runtimeBlock)
	for _, cf := range cfg.Policy.ExtraContextFiles {
		content, err := loadContextFile(cf)
		if err != nil {
			continue
		}
		b.WriteString(fmt.Sprintf("\n\n[[context-file:%s]]\n%s\n[[/context-file]]", cf.Path, content))
	}
	return b.String()
}

// loadContextFile reads and truncates one configured extra context file.
func loadContextFile(cf config.ContextFile) (string, error) {
	data, err := os.ReadFile(cf.Path) //nolint:gosec // operator-configured policy path, not user input.
	if err != nil {
		return "", err
	}
	return truncate(string(data), cf.Mode, cf.MaxChars), nil
}

// truncate implements the head/tail/headtail truncation modes shared by
// context-file loading and attachment ingestion (spec §4.F.3/4.F.4).
func truncate(s, mode string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	const marker = "\n...[truncated]...\n"
	switch mode {
	case "tail":
		return marker + s[len(s)-maxChars:]
	case "headtail":
		half := (maxChars - len(marker)) / 2
		if half <= 0 {
			return s[:maxChars]
		}
		return s[:half] + marker + s[len(s)-half:]
	default: // "head"
		return s[:maxChars] + marker
	}
}
