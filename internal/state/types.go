// Package state implements the data model and persistence layer from
// spec §3/§4.B: a single JSON document, mutated in memory and mirrored
// to disk through a serialized atomic-rename save chain.
package state

import "time"

// TaskStatus is the lifecycle status of a Task.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskRunning  TaskStatus = "running"
	TaskDone     TaskStatus = "done"
	TaskFailed   TaskStatus = "failed"
	TaskBlocked  TaskStatus = "blocked"
	TaskCanceled TaskStatus = "canceled"
)

// Task is one queued or completed unit of work in a session's Ralph
// loop (spec §3 Task entity).
type Task struct {
	ID             string     `json:"id"` // t-%04d, monotonic per session.
	Description    string     `json:"description"`
	Prompt         string     `json:"prompt"`
	Status         TaskStatus `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      time.Time  `json:"startedAt,omitzero"`
	FinishedAt     time.Time  `json:"finishedAt,omitzero"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"lastError,omitempty"`
	LastResult     string     `json:"lastResult,omitempty"`
	SourceJobID    string     `json:"sourceJobId,omitempty"`
}

// Plan is a saved plan document (spec §3 Plan entity).
type Plan struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"createdAt"`
	Title       string    `json:"title"`
	Workdir     string    `json:"workdir"`
	MarkdownPath string   `json:"markdownPath"`
	Request     string    `json:"request"`
}

// JobStatus is the lifecycle status of a Job.
type JobStatus string

const (
	JobRunning  JobStatus = "running"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
	JobCanceled JobStatus = "canceled"
	JobBlocked  JobStatus = "blocked"
)

// VisibilityStatus reports whether a job's watcher believes it is
// observing live output.
type VisibilityStatus string

const (
	VisibilityOK       VisibilityStatus = "ok"
	VisibilityDegraded VisibilityStatus = "degraded"
)

// OnMissingPolicy controls what happens when an artifact-gate watch
// times out without all required files appearing.
type OnMissingPolicy string

const (
	OnMissingBlock   OnMissingPolicy = "block"
	OnMissingEnqueue OnMissingPolicy = "enqueue"
)

// SupervisorCleanupPolicy controls the supervisor-gate's cleanup
// validation (spec §3 WatchConfig).
type SupervisorCleanupPolicy string

const (
	CleanupKeepAll           SupervisorCleanupPolicy = "keep_all"
	CleanupKeepManifestOnly  SupervisorCleanupPolicy = "keep_manifest_only"
)

// WatchConfig configures a Job's watcher (spec §3 Watch config entity).
type WatchConfig struct {
	EverySec    int    `json:"everySec"`
	TailLines   int    `json:"tailLines"`
	ThenTask    string `json:"thenTask,omitempty"`
	ThenTaskDescription string `json:"thenTaskDescription,omitempty"`
	RunTasks    bool   `json:"runTasks,omitempty"`

	RequireFiles   []string        `json:"requireFiles,omitempty"`
	ReadyTimeoutSec int            `json:"readyTimeoutSec,omitempty"`
	ReadyPollSec    int            `json:"readyPollSec,omitempty"`
	OnMissing       OnMissingPolicy `json:"onMissing,omitempty"`

	Long bool `json:"long,omitempty"`
	FirstPostRegex string `json:"firstPostRegex,omitempty"`

	SupervisorMode                string                  `json:"supervisorMode,omitempty"` // "stage0_smoke_gate"
	SupervisorStateFile           string                  `json:"supervisorStateFile,omitempty"`
	SupervisorExpectStatus        string                  `json:"supervisorExpectStatus,omitempty"`
	SupervisorCleanupSmokePolicy  SupervisorCleanupPolicy `json:"supervisorCleanupSmokePolicy,omitempty"`
}

// LifecycleEntry is one entry in a Job's bounded lifecycle log.
type LifecycleEntry struct {
	State   string    `json:"state"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason,omitempty"`
	Details string    `json:"details,omitempty"`
}

// maxLifecycleEntries bounds the Job lifecycle log (spec_full §4).
const maxLifecycleEntries = 200

// ResearchJobMeta is set on Jobs launched from a research decision.
type ResearchJobMeta struct {
	ProjectRoot string `json:"projectRoot"`
	RunID       string `json:"runId"`
	RunDir      string `json:"runDir"`
	StdoutPath  string `json:"stdoutPath"`
	MetricsPath string `json:"metricsPath"`
}

// Job is a detached, logged shell subprocess (spec §3 Job entity).
type Job struct {
	ID          string    `json:"id"` // j-YYYYMMDD-HHMMSS-rand
	Command     string    `json:"command"`
	Description string    `json:"description,omitempty"`
	Workdir     string    `json:"workdir"`
	Status      JobStatus `json:"status"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt,omitzero"`
	ExitedAt    time.Time `json:"exitedAt,omitzero"`
	PID         int       `json:"pid,omitempty"`

	JobDir       string `json:"jobDir"`
	LogPath      string `json:"logPath"`
	ExitCodePath string `json:"exitCodePath"`
	PIDPath      string `json:"pidPath"`

	ExitCode *int `json:"exitCode,omitempty"`

	Watch WatchConfig `json:"watch"`

	Lifecycle []LifecycleEntry `json:"lifecycle,omitempty"`

	VisibilityStatus  VisibilityStatus `json:"visibilityStatus"`
	LastHeartbeatAt   time.Time        `json:"lastHeartbeatAt,omitzero"`

	Research *ResearchJobMeta `json:"research,omitempty"`

	// ChannelID is where the watcher posts updates; recovered on load so
	// watchers can be re-instated.
	ChannelID string `json:"channelId,omitempty"`
}

// AddLifecycle appends a transition, eliding older entries past the
// bound into a single summary marker (spec_full §4).
func (j *Job) AddLifecycle(stateName, reason, details string) {
	j.Lifecycle = append(j.Lifecycle, LifecycleEntry{State: stateName, At: time.Now().UTC(), Reason: reason, Details: details})
	if len(j.Lifecycle) > maxLifecycleEntries {
		elided := len(j.Lifecycle) - maxLifecycleEntries + 1
		summary := LifecycleEntry{
			State: "elided",
			At:    j.Lifecycle[0].At,
			Reason: itoa(elided) + " more transitions elided",
		}
		j.Lifecycle = append([]LifecycleEntry{summary}, j.Lifecycle[elided:]...)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// TaskLoop tracks the Ralph loop's running state (spec §3 TaskLoop).
type TaskLoop struct {
	Running        bool   `json:"running"`
	StopRequested  bool   `json:"stopRequested"`
	CurrentTaskID  string `json:"currentTaskId,omitempty"`
}

// AgentRunStatus is the AgentRun's lifecycle status.
type AgentRunStatus string

const (
	AgentRunNone    AgentRunStatus = ""
	AgentRunQueued  AgentRunStatus = "queued"
	AgentRunRunning AgentRunStatus = "running"
)

// AgentRun tracks the in-flight agent invocation for a session (spec §3
// AgentRun entity).
type AgentRun struct {
	Status    AgentRunStatus `json:"status"`
	Provider  string         `json:"provider,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	QueuedAt  time.Time      `json:"queuedAt,omitzero"`
	StartedAt time.Time      `json:"startedAt,omitzero"`

	PendingMessageID string `json:"pendingMessageId,omitempty"`
	ChannelID        string `json:"channelId,omitempty"`
	GuildID          string `json:"guildId,omitempty"`

	LastInterruptedAt     time.Time `json:"lastInterruptedAt,omitzero"`
	LastInterruptedReason string    `json:"lastInterruptedReason,omitempty"`
}

// ResearchBinding binds a conversation to a research project (spec §3
// Research binding entity). The project's own state lives separately
// under projectRoot/manager/state.json — see internal/research.
type ResearchBinding struct {
	Enabled       bool      `json:"enabled"`
	ProjectRoot   string    `json:"projectRoot,omitempty"`
	Slug          string    `json:"slug,omitempty"`
	ManagerConvKey string   `json:"managerConvKey,omitempty"`
	LastNoteAt    time.Time `json:"lastNoteAt,omitzero"`
}

// AutoToggles is a session's per-feature auto-dispatch toggles (spec §3
// Session entity).
type AutoToggles struct {
	Actions  bool `json:"actions"`
	Research bool `json:"research"`
}

// Session is the per-conversation root entity (spec §3 Session entity).
type Session struct {
	ConvKey      string `json:"convKey"`
	SessionID    string `json:"sessionId,omitempty"` // external agent handle.
	Workdir      string `json:"workdir"`
	BootstrapVer int    `json:"bootstrapVer"`

	Tasks    []*Task `json:"tasks"`
	NextTaskSeq int  `json:"nextTaskSeq"`
	TaskLoop TaskLoop `json:"taskLoop"`

	Plans []*Plan `json:"plans"`

	Jobs []*Job `json:"jobs"`

	Auto AutoToggles `json:"auto"`

	Research ResearchBinding `json:"research"`

	Run AgentRun `json:"run"`

	LastChannelID string `json:"lastChannelId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// maxPlanHistory bounds the number of retained Plans per session.
const maxPlanHistory = 50

// PostRestartNotice records that a prior in-flight AgentRun was
// interrupted by a process restart (spec §3 AgentRun invariant).
type PostRestartNotice struct {
	ConvKey  string         `json:"convKey"`
	Provider string         `json:"provider,omitempty"`
	Reason   string         `json:"reason"`
	At       time.Time      `json:"at"`
}

// Document is the single JSON document persisted to disk (spec §3/§4.B).
type Document struct {
	Version int                  `json:"version"`
	Sessions map[string]*Session `json:"sessions"`

	// PostRestartNotices is populated by normalize() on load and drained
	// by the caller once notices have been delivered to chat.
	PostRestartNotices []PostRestartNotice `json:"-"`
}

const currentVersion = 1

// NewDocument returns an empty, valid Document.
func NewDocument() *Document {
	return &Document{Version: currentVersion, Sessions: make(map[string]*Session)}
}
