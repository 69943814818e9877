package codex

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
)

// Overflow preserves JSON fields a record type doesn't know about, so a
// provider-side field addition never silently drops data.
type Overflow struct {
	Extra map[string]json.RawMessage `json:"-"`
}

func warnUnknown(context string, extra map[string]json.RawMessage) {
	if len(extra) == 0 {
		return
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	slog.Warn("unknown fields in codex exec record", "context", context, "fields", keys)
}

func makeSet(keys ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func collectUnknown(raw map[string]json.RawMessage, known map[string]struct{}) map[string]json.RawMessage {
	var extra map[string]json.RawMessage
	for k, v := range raw {
		if _, ok := known[k]; !ok {
			if extra == nil {
				extra = make(map[string]json.RawMessage)
			}
			extra[k] = v
		}
	}
	return extra
}

// Record type constants (`codex exec --json` outer envelope).
const (
	TypeThreadStarted = "thread.started"
	TypeTurnStarted   = "turn.started"
	TypeTurnCompleted = "turn.completed"
	TypeTurnFailed    = "turn.failed"
	TypeItemStarted   = "item.started"
	TypeItemUpdated   = "item.updated"
	TypeItemCompleted = "item.completed"
	TypeError         = "error"
)

// Item type constants (inner item.type).
const (
	ItemAgentMessage     = "agent_message"
	ItemReasoning        = "reasoning"
	ItemCommandExecution = "command_execution"
	ItemFileChange       = "file_change"
	ItemMCPToolCall      = "mcp_tool_call"
	ItemWebSearch        = "web_search"
	ItemTodoList         = "todo_list"
	ItemError            = "error"
)

// Record is a single line from `codex exec --json`.
type Record struct {
	Type string `json:"type"`
	raw  json.RawMessage
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("Record: %w", err)
	}
	r.Type = probe.Type
	r.raw = append(r.raw[:0], data...)
	return nil
}

// Raw returns the original line.
func (r *Record) Raw() json.RawMessage { return r.raw }

func (r *Record) AsThreadStarted() (*ThreadStartedRecord, error) {
	var v ThreadStartedRecord
	err := json.Unmarshal(r.raw, &v)
	return &v, err
}

func (r *Record) AsTurnCompleted() (*TurnCompletedRecord, error) {
	var v TurnCompletedRecord
	err := json.Unmarshal(r.raw, &v)
	return &v, err
}

func (r *Record) AsTurnFailed() (*TurnFailedRecord, error) {
	var v TurnFailedRecord
	err := json.Unmarshal(r.raw, &v)
	return &v, err
}

func (r *Record) AsItem() (*ItemRecord, error) {
	var v ItemRecord
	err := json.Unmarshal(r.raw, &v)
	return &v, err
}

// ThreadStartedRecord carries the resumable session id:
//
//	{"type":"thread.started","thread_id":"0199a213-..."}
type ThreadStartedRecord struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Overflow
}

var threadStartedKnown = makeSet("type", "thread_id")

func (r *ThreadStartedRecord) UnmarshalJSON(data []byte) error {
	type alias ThreadStartedRecord
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("ThreadStartedRecord: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(r)); err != nil {
		return fmt.Errorf("ThreadStartedRecord: %w", err)
	}
	r.Extra = collectUnknown(raw, threadStartedKnown)
	warnUnknown("ThreadStartedRecord", r.Extra)
	return nil
}

// TurnCompletedRecord:
//
//	{"type":"turn.completed","usage":{"input_tokens":1,"cached_input_tokens":0,"output_tokens":1}}
type TurnCompletedRecord struct {
	Type  string    `json:"type"`
	Usage TurnUsage `json:"usage"`
	Overflow
}

var turnCompletedKnown = makeSet("type", "usage")

func (r *TurnCompletedRecord) UnmarshalJSON(data []byte) error {
	type alias TurnCompletedRecord
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("TurnCompletedRecord: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(r)); err != nil {
		return fmt.Errorf("TurnCompletedRecord: %w", err)
	}
	r.Extra = collectUnknown(raw, turnCompletedKnown)
	warnUnknown("TurnCompletedRecord", r.Extra)
	return nil
}

// TurnUsage is token accounting for one turn.
type TurnUsage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	Overflow
}

var turnUsageKnown = makeSet("input_tokens", "cached_input_tokens", "output_tokens")

func (u *TurnUsage) UnmarshalJSON(data []byte) error {
	type alias TurnUsage
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("TurnUsage: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(u)); err != nil {
		return fmt.Errorf("TurnUsage: %w", err)
	}
	u.Extra = collectUnknown(raw, turnUsageKnown)
	warnUnknown("TurnUsage", u.Extra)
	return nil
}

// TurnFailedRecord: {"type":"turn.failed","error":"something went wrong"}
type TurnFailedRecord struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Overflow
}

var turnFailedKnown = makeSet("type", "error")

func (r *TurnFailedRecord) UnmarshalJSON(data []byte) error {
	type alias TurnFailedRecord
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("TurnFailedRecord: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(r)); err != nil {
		return fmt.Errorf("TurnFailedRecord: %w", err)
	}
	r.Extra = collectUnknown(raw, turnFailedKnown)
	warnUnknown("TurnFailedRecord", r.Extra)
	return nil
}

// ItemRecord wraps item.started / item.updated / item.completed.
type ItemRecord struct {
	Type string   `json:"type"`
	Item ItemData `json:"item"`
	Overflow
}

var itemRecordKnown = makeSet("type", "item")

func (r *ItemRecord) UnmarshalJSON(data []byte) error {
	type alias ItemRecord
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("ItemRecord: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(r)); err != nil {
		return fmt.Errorf("ItemRecord: %w", err)
	}
	r.Extra = collectUnknown(raw, itemRecordKnown)
	warnUnknown("ItemRecord", r.Extra)
	return nil
}

// ItemData is the inner item payload; field sets vary by Type.
type ItemData struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`

	Text string `json:"text,omitempty"`

	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`

	Changes []FileChange `json:"changes,omitempty"`

	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`

	Query string `json:"query,omitempty"`

	Items []TodoItem `json:"items,omitempty"`

	Message string `json:"message,omitempty"`

	Overflow
}

var itemDataKnown = makeSet(
	"id", "type", "status", "text",
	"command", "aggregated_output", "exit_code",
	"changes",
	"server", "tool", "arguments", "result", "error",
	"query",
	"items",
	"message",
)

func (d *ItemData) UnmarshalJSON(data []byte) error {
	type alias ItemData
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("ItemData: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(d)); err != nil {
		return fmt.Errorf("ItemData: %w", err)
	}
	d.Extra = collectUnknown(raw, itemDataKnown)
	warnUnknown("ItemData("+d.Type+")", d.Extra)
	return nil
}

// FileChange is one entry of a file_change item.
type FileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// TodoItem is one entry of a todo_list item.
type TodoItem struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}
