package claude

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
)

// Overflow preserves unrecognized JSON fields (mirrors the teacher's
// claude/unknown.go forward-compatibility pattern).
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
	slog.Warn("unknown fields in claude stream-json record", "context", context, "fields", keys)
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

// Outer record types emitted by `claude -p --output-format stream-json`.
const (
	TypeSystem    = "system"
	TypeUser      = "user"
	TypeAssistant = "assistant"
	TypeResult    = "result"
)

// Record is one line of the stream-json output.
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

func (r *Record) AsSystem() (*SystemRecord, error) {
	var v SystemRecord
	err := json.Unmarshal(r.raw, &v)
	return &v, err
}

func (r *Record) AsAssistant() (*AssistantRecord, error) {
	var v AssistantRecord
	err := json.Unmarshal(r.raw, &v)
	return &v, err
}

func (r *Record) AsResult() (*ResultRecord, error) {
	var v ResultRecord
	err := json.Unmarshal(r.raw, &v)
	return &v, err
}

// SystemRecord: {"type":"system","subtype":"init","session_id":"...","model":"...","cwd":"..."}
type SystemRecord struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Model     string `json:"model,omitempty"`
	CWD       string `json:"cwd,omitempty"`
	Overflow
}

var systemKnown = makeSet("type", "subtype", "session_id", "model", "cwd")

func (r *SystemRecord) UnmarshalJSON(data []byte) error {
	type alias SystemRecord
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("SystemRecord: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(r)); err != nil {
		return fmt.Errorf("SystemRecord: %w", err)
	}
	r.Extra = collectUnknown(raw, systemKnown)
	warnUnknown("SystemRecord", r.Extra)
	return nil
}

// ContentBlock is one entry of an assistant message's content array.
type ContentBlock struct {
	Type  string          `json:"type"` // text, tool_use, tool_result, thinking
	Text  string          `json:"text,omitempty"`
	Thinking string       `json:"thinking,omitempty"`
	Name  string          `json:"name,omitempty"`  // tool_use
	Input json.RawMessage `json:"input,omitempty"` // tool_use
	Content json.RawMessage `json:"content,omitempty"` // tool_result
	IsError bool          `json:"is_error,omitempty"`
	Overflow
}

var contentBlockKnown = makeSet("type", "text", "thinking", "name", "input", "content", "is_error")

func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias ContentBlock
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("ContentBlock: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(c)); err != nil {
		return fmt.Errorf("ContentBlock: %w", err)
	}
	c.Extra = collectUnknown(raw, contentBlockKnown)
	warnUnknown("ContentBlock("+c.Type+")", c.Extra)
	return nil
}

// AssistantRecord: {"type":"assistant","message":{"content":[...],"model":"..."},"session_id":"..."}
type AssistantRecord struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   struct {
		Content []ContentBlock `json:"content"`
		Model   string         `json:"model,omitempty"`
	} `json:"message"`
	Overflow
}

var assistantKnown = makeSet("type", "session_id", "message")

func (r *AssistantRecord) UnmarshalJSON(data []byte) error {
	type alias AssistantRecord
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("AssistantRecord: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(r)); err != nil {
		return fmt.Errorf("AssistantRecord: %w", err)
	}
	r.Extra = collectUnknown(raw, assistantKnown)
	warnUnknown("AssistantRecord", r.Extra)
	return nil
}

// ResultRecord: {"type":"result","subtype":"success","is_error":false,"result":"...","session_id":"..."}
type ResultRecord struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	Overflow
}

var resultKnown = makeSet("type", "subtype", "is_error", "result", "session_id")

func (r *ResultRecord) UnmarshalJSON(data []byte) error {
	type alias ResultRecord
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("ResultRecord: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(r)); err != nil {
		return fmt.Errorf("ResultRecord: %w", err)
	}
	r.Extra = collectUnknown(raw, resultKnown)
	warnUnknown("ResultRecord", r.Extra)
	return nil
}
