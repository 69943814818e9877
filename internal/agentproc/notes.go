package agentproc

import (
	"fmt"
	"path/filepath"
	"strings"
)

// noteTemplates maps an Event.Kind to a one-line English summary
// template (spec §4.C: "Convert each event to a short English progress
// note via a table of {event kind → summary template}"). %s is filled
// with Event.Text (already extracted/redacted by the caller).
var noteTemplates = map[string]string{
	"command_execution": "Running: %s",
	"reasoning":         "Thinking: %s",
	"file_change":       "Edited: %s",
	"tool_use":          "Using tool: %s",
	"tool_result":       "Tool result: %s",
	"assistant_text":    "%s",
	"thread_started":    "Session started",
	"turn_started":      "Working…",
	"turn_completed":    "Done",
}

// Note converts ev into a one-line progress note, redacting command text
// to its binary basename unless debugUnredacted is set (spec §4.C). A
// trailing " (exit N)" status, as codex appends, is kept after redaction.
func Note(ev Event, debugUnredacted bool) string {
	text := ev.Text
	if ev.Kind == "command_execution" && !debugUnredacted {
		cmd, suffix := text, ""
		if i := strings.LastIndex(text, " (exit "); i >= 0 && strings.HasSuffix(text, ")") {
			cmd, suffix = text[:i], text[i:]
		}
		text = redactCommand(cmd) + suffix
	}
	tmpl, ok := noteTemplates[ev.Kind]
	if !ok {
		if text == "" {
			return ""
		}
		return text
	}
	if strings.Count(tmpl, "%s") == 0 {
		return tmpl
	}
	return fmt.Sprintf(tmpl, text)
}

// redactCommand reduces a full shell command line to its leading binary's
// basename, e.g. "/usr/bin/grep -rn foo ." -> "grep". Spec §4.C:
// "Commands are redacted to just the binary's basename unless a debug
// flag permits full text."
func redactCommand(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return cmd
	}
	return filepath.Base(fields[0])
}
