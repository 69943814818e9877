package relayaction

import (
	"encoding/json"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/maruel/relaybridge/internal/state"
)

// Type is one relay-action's lowercased discriminator (spec §4.K).
type Type string

const (
	TypeJobStart Type = "job_start"
	TypeJobWatch Type = "job_watch"
	TypeJobStop  Type = "job_stop"
	TypeTaskAdd  Type = "task_add"
	TypeTaskRun  Type = "task_run"
)

// allowedKeys is the strict per-type allowed-key set (spec §4.K:
// "Unknown keys per action type are a hard rejection to prevent silent
// misuse"), grounded on backend/internal/agent/claude/helpers.go's
// makeSet/collectUnknown pattern.
var allowedKeys = map[Type]map[string]struct{}{
	TypeJobStart: makeSet("type", "command", "supervisor", "workdir", "description",
		"watch", "thenTask", "thenTaskDescription", "preflight"),
	TypeJobWatch: makeSet("type", "jobId", "everySec", "tailLines", "thenTask",
		"thenTaskDescription", "runTasks", "requireFiles", "readyTimeoutSec",
		"readyPollSec", "onMissing", "long", "firstPostRegex"),
	TypeJobStop: makeSet("type", "jobId"),
	TypeTaskAdd: makeSet("type", "description", "prompt"),
	TypeTaskRun: makeSet("type"),
}

func makeSet(keys ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// AllowedKeysFor returns a copy of t's allowed-key set with extra keys
// merged in, so internal/research can reuse the relay-action key sets
// for its stricter superset (spec §4.L step 8 adds a required
// idempotencyKey to every action type) without duplicating them.
func AllowedKeysFor(t Type, extra ...string) map[string]struct{} {
	base := allowedKeys[t]
	out := make(map[string]struct{}, len(base)+len(extra))
	for k := range base {
		out[k] = struct{}{}
	}
	for _, k := range extra {
		out[k] = struct{}{}
	}
	return out
}

// PreflightCheck is one launch-guard check run before a job_start (spec
// §4.K: "{path_exists, cmd_exit_zero, min_free_disk_gb}").
type PreflightCheck struct {
	Type   string  `json:"type"`
	Path   string  `json:"path,omitempty"`
	Cmd    string  `json:"cmd,omitempty"`
	MinGB  float64 `json:"minGb,omitempty"`
	OnFail string  `json:"onFail,omitempty"` // "reject" (default) | "warn"
}

// SupervisorSpec describes the wrapped-python supervisor mode (spec
// §4.K: "Supervisor builds a wrapped `python3 <script> --run-id ...`
// command").
type SupervisorSpec struct {
	Script              string   `json:"script"`
	Args                []string `json:"args,omitempty"`
	RunID               string   `json:"runId,omitempty"`
	StateFile           string   `json:"stateFile,omitempty"`
	ExpectStatus        string   `json:"expectStatus,omitempty"`
	CleanupSmokePolicy  string   `json:"cleanupSmokePolicy,omitempty"`
}

// JobStart is the decoded job_start action body.
type JobStart struct {
	Command             string            `json:"command,omitempty"`
	Supervisor          *SupervisorSpec   `json:"supervisor,omitempty"`
	Workdir             string            `json:"workdir,omitempty"`
	Description         string            `json:"description,omitempty"`
	Watch               state.WatchConfig `json:"watch,omitempty"`
	ThenTask            string            `json:"thenTask,omitempty"`
	ThenTaskDescription string            `json:"thenTaskDescription,omitempty"`
	Preflight           []PreflightCheck  `json:"preflight,omitempty"`
}

// JobWatch is the decoded job_watch action body: a bare WatchConfig
// attached to whichever job is resolved (spec §4.K: "attach a new
// watcher to the last running (or else last) job").
type JobWatch struct {
	JobID string `json:"jobId,omitempty"`
	state.WatchConfig
}

// JobStop is the decoded job_stop action body.
type JobStop struct {
	JobID string `json:"jobId,omitempty"`
}

// TaskAdd is the decoded task_add action body.
type TaskAdd struct {
	Description string `json:"description,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
}

// Action is one validated relay action from a single block.
type Action struct {
	Type     Type
	JobStart *JobStart
	JobWatch *JobWatch
	JobStop  *JobStop
	TaskAdd  *TaskAdd
	// TaskRun carries no fields.
}

// decodeAction validates raw against its type's allowed-key set, then
// unmarshals it into the matching typed struct.
func decodeAction(raw json.RawMessage) (Action, error) {
	om := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(raw, om); err != nil {
		return Action{}, fmt.Errorf("malformed action: %w", err)
	}
	typeRaw, ok := om.Get("type")
	if !ok {
		return Action{}, fmt.Errorf("action missing required \"type\" field")
	}
	var typeStr string
	if err := json.Unmarshal(typeRaw, &typeStr); err != nil {
		return Action{}, fmt.Errorf("action \"type\" must be a string: %w", err)
	}
	t := Type(typeStr)
	known, ok := allowedKeys[t]
	if !ok {
		return Action{}, fmt.Errorf("unknown action type %q", typeStr)
	}

	var unknown []string
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		if _, ok := known[pair.Key]; !ok {
			unknown = append(unknown, pair.Key)
		}
	}
	if len(unknown) > 0 {
		return Action{}, fmt.Errorf("action %q: unknown key(s) %v", typeStr, unknown)
	}

	a := Action{Type: t}
	switch t {
	case TypeJobStart:
		var js JobStart
		if err := json.Unmarshal(raw, &js); err != nil {
			return Action{}, fmt.Errorf("action %q: %w", typeStr, err)
		}
		a.JobStart = &js
	case TypeJobWatch:
		var jw JobWatch
		if err := json.Unmarshal(raw, &jw); err != nil {
			return Action{}, fmt.Errorf("action %q: %w", typeStr, err)
		}
		a.JobWatch = &jw
	case TypeJobStop:
		var js JobStop
		if err := json.Unmarshal(raw, &js); err != nil {
			return Action{}, fmt.Errorf("action %q: %w", typeStr, err)
		}
		a.JobStop = &js
	case TypeTaskAdd:
		var ta TaskAdd
		if err := json.Unmarshal(raw, &ta); err != nil {
			return Action{}, fmt.Errorf("action %q: %w", typeStr, err)
		}
		a.TaskAdd = &ta
	case TypeTaskRun:
		// no fields.
	}
	return a, nil
}
