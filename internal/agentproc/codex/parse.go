package codex

import (
	"encoding/json"
	"fmt"

	"github.com/maruel/relaybridge/internal/agentproc"
)

// ParseLine decodes one `codex exec --json` line into a normalized
// agentproc.Event.
func ParseLine(line []byte) (agentproc.Event, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return agentproc.Event{}, fmt.Errorf("unmarshal codex record: %w", err)
	}

	switch rec.Type {
	case TypeThreadStarted:
		ts, err := rec.AsThreadStarted()
		if err != nil {
			return agentproc.Event{}, err
		}
		return agentproc.Event{Kind: "thread_started", SessionID: ts.ThreadID, Raw: rec.Raw()}, nil

	case TypeTurnStarted:
		return agentproc.Event{Kind: "turn_started", Raw: rec.Raw()}, nil

	case TypeTurnCompleted:
		return agentproc.Event{Kind: "turn_completed", Raw: rec.Raw()}, nil

	case TypeTurnFailed:
		tf, err := rec.AsTurnFailed()
		if err != nil {
			return agentproc.Event{}, err
		}
		return agentproc.Event{Kind: "turn_failed", Text: tf.Error, Raw: rec.Raw()}, nil

	case TypeItemStarted, TypeItemUpdated, TypeItemCompleted:
		return parseItem(&rec)

	case TypeError:
		var e struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(rec.Raw(), &e)
		return agentproc.Event{Kind: "error", Text: e.Message, Raw: rec.Raw()}, nil

	default:
		return agentproc.Event{Kind: agentproc.KindRaw, Raw: rec.Raw()}, nil
	}
}

// parseItem converts an item.* record into a progress Event, keyed by
// the inner item's type rather than the outer item.started/completed
// envelope: only item.completed for agent_message carries the text the
// runner needs for the final reply, but intermediate item.started /
// item.updated records still drive progress notes.
func parseItem(rec *Record) (agentproc.Event, error) {
	ir, err := rec.AsItem()
	if err != nil {
		return agentproc.Event{}, err
	}
	item := ir.Item

	switch item.Type {
	case ItemAgentMessage:
		return agentproc.Event{Kind: "assistant_text", Text: item.Text, Raw: rec.Raw()}, nil

	case ItemReasoning:
		return agentproc.Event{Kind: "reasoning", Text: item.Text, Raw: rec.Raw()}, nil

	case ItemCommandExecution:
		text := item.Command
		if item.ExitCode != nil {
			text = fmt.Sprintf("%s (exit %d)", item.Command, *item.ExitCode)
		}
		return agentproc.Event{Kind: "command_execution", Text: text, Raw: rec.Raw()}, nil

	case ItemFileChange:
		return agentproc.Event{Kind: "file_change", Text: summarizeFileChanges(item.Changes), Raw: rec.Raw()}, nil

	case ItemMCPToolCall:
		kind := "tool_use"
		text := item.Tool
		if item.Status == "completed" {
			kind = "tool_result"
			text = item.Result
			if item.Error != "" {
				text = item.Error
			}
		}
		return agentproc.Event{Kind: kind, Text: text, Raw: rec.Raw()}, nil

	case ItemWebSearch:
		return agentproc.Event{Kind: "tool_use", Text: "web search: " + item.Query, Raw: rec.Raw()}, nil

	case ItemTodoList:
		return agentproc.Event{Kind: agentproc.KindRaw, Raw: rec.Raw()}, nil

	case ItemError:
		return agentproc.Event{Kind: "error", Text: item.Message, Raw: rec.Raw()}, nil

	default:
		return agentproc.Event{Kind: agentproc.KindRaw, Raw: rec.Raw()}, nil
	}
}

func summarizeFileChanges(changes []FileChange) string {
	if len(changes) == 0 {
		return ""
	}
	if len(changes) == 1 {
		return changes[0].Kind + " " + changes[0].Path
	}
	return fmt.Sprintf("%d files (%s ...)", len(changes), changes[0].Path)
}
