// Package research implements the research manager (spec §4.L):
// unattended multi-step research where an LLM is both planner and actor
// but the relay enforces the safety envelope through a lease, an
// idempotency hash per decision, a stricter action allowlist, and
// budget-bounded auto-ticking.
package research

import "time"

// Status is the project's overall lifecycle status.
type Status string

const (
	StatusPaused  Status = "paused"
	StatusRunning Status = "running"
	StatusBlocked Status = "blocked"
	StatusDone    Status = "done"
)

// Phase is the manager's current position within one step.
type Phase string

const (
	PhasePlan    Phase = "plan"
	PhaseWait    Phase = "wait"
	PhaseAnalyze Phase = "analyze"
)

// InflightStatus is the status of the step currently (or most recently)
// in flight.
type InflightStatus string

const (
	InflightIdle    InflightStatus = "idle"
	InflightRunning InflightStatus = "running"
	InflightApplied InflightStatus = "applied"
	InflightFailed  InflightStatus = "failed"
)

// Lease guards a single manager step against concurrent execution
// across relay restarts (spec §4.L step 3).
type Lease struct {
	Holder     string    `json:"holder"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// expired reports whether the lease's TTL has passed as of now.
func (l *Lease) expired(now time.Time) bool {
	return l == nil || !now.Before(l.ExpiresAt)
}

// InflightStep tracks the decision step currently being applied, so a
// crash mid-step can be detected and repaired on the next tick (spec
// §4.L step 1: "mark inflightSteps older than TTL as failed").
type InflightStep struct {
	StepID        string         `json:"stepId"`
	DecisionHash  string         `json:"decisionHash"`
	Status        InflightStatus `json:"status"`
	StartedAt     time.Time      `json:"startedAt"`
	Error         string         `json:"error,omitempty"`
}

// Budgets bound how much unattended work a project may perform before
// autoRun must be manually re-enabled.
type Budgets struct {
	MaxSteps            int `json:"maxSteps"`
	MaxWallClockMinutes int `json:"maxWallClockMinutes"`
	MaxRuns             int `json:"maxRuns"`
}

// Counters tracks budget consumption.
type Counters struct {
	Steps int `json:"steps"`
	Runs  int `json:"runs"`
}

// ProjectState is the on-disk state for one research project, stored
// separately from the main state.Store document at
// <projectRoot>/manager/state.json (spec §3 Research project state
// entity) so research churn never contends with the relay's own save
// chain.
type ProjectState struct {
	Version     int    `json:"version"`
	ProjectRoot string `json:"projectRoot"`
	Goal        string `json:"goal"`
	Status      Status `json:"status"`
	Phase       Phase  `json:"phase"`
	AutoRun     bool   `json:"autoRun"`

	Budgets  Budgets  `json:"budgets"`
	Counters Counters `json:"counters"`

	Lease        *Lease        `json:"lease,omitempty"`
	InflightStep *InflightStep `json:"inflightStep,omitempty"`

	AppliedDecisionHashes []string `json:"appliedDecisionHashes,omitempty"`
	AppliedActionKeys     []string `json:"appliedActionKeys,omitempty"`

	NextRunSeq int `json:"nextRunSeq"`

	CreatedAt      time.Time `json:"createdAt"`
	LastTickAt     time.Time `json:"lastTickAt,omitzero"`
	LastFeedbackAt time.Time `json:"lastFeedbackAt,omitzero"`
}

const currentStateVersion = 1

// hasAppliedHash reports whether hash has already been applied (spec
// §4.L step 7: "Reject a duplicate hash (idempotent no-op)").
func (p *ProjectState) hasAppliedHash(hash string) bool {
	for _, h := range p.AppliedDecisionHashes {
		if h == hash {
			return true
		}
	}
	return false
}

// hasAppliedKey reports whether an action's idempotencyKey has already
// been applied (spec §4.L step 8: "duplicates are skipped, not
// re-run").
func (p *ProjectState) hasAppliedKey(key string) bool {
	for _, k := range p.AppliedActionKeys {
		if k == key {
			return true
		}
	}
	return false
}

// budgetExceeded reports whether any configured budget has been used up
// (spec §4.L step 2).
func (p *ProjectState) budgetExceeded(now time.Time) bool {
	if p.Budgets.MaxSteps > 0 && p.Counters.Steps >= p.Budgets.MaxSteps {
		return true
	}
	if p.Budgets.MaxRuns > 0 && p.Counters.Runs >= p.Budgets.MaxRuns {
		return true
	}
	if p.Budgets.MaxWallClockMinutes > 0 && !p.CreatedAt.IsZero() &&
		now.Sub(p.CreatedAt) >= time.Duration(p.Budgets.MaxWallClockMinutes)*time.Minute {
		return true
	}
	return false
}
