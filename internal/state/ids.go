package state

import (
	"fmt"
	"regexp"
	"time"

	"github.com/maruel/ksid"
)

// sessionIDPattern is the same pattern /attach validates user-supplied
// session IDs against (spec §9 Open Question: "a rewrite should validate
// [the child's session id] against the regex used at /attach"). Agent
// session IDs are opaque handles used as path components (log file
// names, research run directories) so they must not contain path
// separators or traversal sequences.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// ValidSessionID reports whether id is safe to use as a path component
// and to persist as a session's external handle.
func ValidSessionID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return sessionIDPattern.MatchString(id)
}

// NextTaskID allocates the next stable task id for a session (spec §3:
// "t-%04d, monotonic per session").
func (s *Session) NextTaskID() string {
	s.NextTaskSeq++
	return fmt.Sprintf("t-%04d", s.NextTaskSeq)
}

// NewJobID allocates a job id shaped j-YYYYMMDD-HHMMSS-rand (spec §3 Job
// entity), using ksid's random suffix for the tail so two jobs started
// within the same second still sort and stay unique.
func NewJobID(now time.Time) string {
	id := ksid.NewID()
	suffix := id.String()
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return fmt.Sprintf("j-%s-%s", now.UTC().Format("20060102-150405"), suffix)
}

// NewPlanID allocates an opaque plan id.
func NewPlanID() string {
	return "p-" + ksid.NewID().String()
}
