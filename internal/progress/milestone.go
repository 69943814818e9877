package progress

import (
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// forbiddenPrefixes are low-signal line starts that never get promoted
// to a persistent milestone post (spec §4.D: "drops low-signal prefixes
// (keyword-matched allow-list of forbidden prefixes)").
var forbiddenPrefixes = []string{
	"thinking:",
	"running:",
	"using tool:",
	"tool result:",
	"no new agent events",
}

const (
	milestoneMinLen = 8
	milestoneMaxLen = 400
)

// milestoneThrottle rate-limits persistent milestone posts separately
// from "Thinking:"-style orchestrator lines, with an adaptive back-off
// that widens as the run's wall-clock age grows (spec §4.D).
type milestoneThrottle struct {
	mu        sync.Mutex
	startedAt time.Time
	lastPost  time.Time
	backoff   *backoff.ExponentialBackOff
	nextWait  time.Duration
}

func newMilestoneThrottle() *milestoneThrottle {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 15 * time.Second
	b.MaxInterval = 10 * time.Minute
	b.Multiplier = 1.6
	b.RandomizationFactor = 0.1
	b.Reset()
	return &milestoneThrottle{
		startedAt: time.Now(),
		backoff:   b,
		nextWait:  b.InitialInterval,
	}
}

// allow reports whether text should be posted as a milestone now, and
// advances the back-off schedule if so.
func (t *milestoneThrottle) allow(text string, now time.Time) bool {
	clean := normalizeMilestone(text)
	if clean == "" {
		return false
	}
	if isForbiddenPrefix(clean) {
		return false
	}
	if len(clean) < milestoneMinLen {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lastPost.IsZero() && now.Sub(t.lastPost) < t.nextWait {
		return false
	}
	t.lastPost = now
	next := t.backoff.NextBackOff()
	if next == backoff.Stop {
		next = t.backoff.MaxInterval
	}
	t.nextWait = next
	return true
}

func normalizeMilestone(text string) string {
	clean := strings.Join(strings.Fields(text), " ")
	if len(clean) > milestoneMaxLen {
		clean = clean[:milestoneMaxLen] + "…"
	}
	return clean
}

func isForbiddenPrefix(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range forbiddenPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
