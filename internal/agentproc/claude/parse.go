package claude

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/maruel/relaybridge/internal/agentproc"
)

// ParseLine decodes one `claude -p --output-format stream-json --verbose`
// line into zero or more normalized agentproc.Events — an assistant
// record can carry several content blocks, each becoming its own event.
func ParseLine(line []byte) ([]agentproc.Event, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal claude record: %w", err)
	}

	switch rec.Type {
	case TypeSystem:
		sr, err := rec.AsSystem()
		if err != nil {
			return nil, err
		}
		if sr.Subtype == "init" {
			return []agentproc.Event{{Kind: "thread_started", SessionID: sr.SessionID, Raw: rec.Raw()}}, nil
		}
		return []agentproc.Event{{Kind: agentproc.KindRaw, Raw: rec.Raw()}}, nil

	case TypeAssistant:
		ar, err := rec.AsAssistant()
		if err != nil {
			return nil, err
		}
		return assistantEvents(ar, rec.Raw()), nil

	case TypeResult:
		res, err := rec.AsResult()
		if err != nil {
			return nil, err
		}
		ev := agentproc.Event{Kind: "turn_completed", SessionID: res.SessionID, Text: res.Result, Raw: rec.Raw()}
		if res.IsError {
			ev.Kind = "error"
		}
		return []agentproc.Event{ev}, nil

	case TypeUser:
		return []agentproc.Event{{Kind: agentproc.KindRaw, Raw: rec.Raw()}}, nil

	default:
		return []agentproc.Event{{Kind: agentproc.KindRaw, Raw: rec.Raw()}}, nil
	}
}

func assistantEvents(ar *AssistantRecord, raw json.RawMessage) []agentproc.Event {
	events := make([]agentproc.Event, 0, len(ar.Message.Content))
	for _, block := range ar.Message.Content {
		switch block.Type {
		case "text":
			events = append(events, agentproc.Event{Kind: "assistant_text", SessionID: ar.SessionID, Text: block.Text})
		case "thinking":
			events = append(events, agentproc.Event{Kind: "reasoning", SessionID: ar.SessionID, Text: block.Thinking})
		case "tool_use":
			kind := "tool_use"
			if block.Name == "Bash" {
				kind = "command_execution"
			}
			events = append(events, agentproc.Event{Kind: kind, SessionID: ar.SessionID, Text: toolUseSummary(block)})
		case "tool_result":
			text := toolResultSummary(block)
			if block.IsError {
				events = append(events, agentproc.Event{Kind: "error", SessionID: ar.SessionID, Text: text})
			} else {
				events = append(events, agentproc.Event{Kind: "tool_result", SessionID: ar.SessionID, Text: text})
			}
		default:
			events = append(events, agentproc.Event{Kind: agentproc.KindRaw, Raw: raw})
		}
	}
	return events
}

func toolUseSummary(b ContentBlock) string {
	if b.Name == "Bash" {
		var in struct {
			Command string `json:"command"`
		}
		_ = json.Unmarshal(b.Input, &in)
		if in.Command != "" {
			return in.Command
		}
	}
	return b.Name
}

func toolResultSummary(b ContentBlock) string {
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return firstLine(s)
	}
	return firstLine(string(b.Content))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + "…"
	}
	return s
}
