package ralph

import "regexp"

var (
	doneMarkerRe    = regexp.MustCompile(`(?i)\[\[task:done\]\]`)
	blockedMarkerRe = regexp.MustCompile(`(?i)\[\[task:blocked\]\]`)
)

// outcome is the task runner's interpretation of one agent reply.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeBlocked
)

// interpret strips the task markers from text and reports the resulting
// outcome (spec §4.G: blocked takes precedence over done; the absence
// of both markers is the legacy lenient "done" rule).
func interpret(text string) (cleaned string, result outcome) {
	blocked := blockedMarkerRe.MatchString(text)
	cleaned = blockedMarkerRe.ReplaceAllString(text, "")
	cleaned = doneMarkerRe.ReplaceAllString(cleaned, "")
	if blocked {
		return cleaned, outcomeBlocked
	}
	return cleaned, outcomeDone
}
