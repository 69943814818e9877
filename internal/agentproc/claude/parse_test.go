package claude

import (
	"testing"

	"github.com/maruel/relaybridge/internal/agentproc"
)

func TestParseLineSystemInit(t *testing.T) {
	events, err := ParseLine([]byte(`{"type":"system","subtype":"init","session_id":"S1","model":"claude-opus"}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != "thread_started" || events[0].SessionID != "S1" {
		t.Errorf("got %+v", events)
	}
}

func TestParseLineAssistantTextAndBash(t *testing.T) {
	line := []byte(`{"type":"assistant","session_id":"S1","message":{"content":[
		{"type":"text","text":"looking into it"},
		{"type":"tool_use","name":"Bash","input":{"command":"ls -la"}}
	]}}`)
	events, err := ParseLine(line)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != "assistant_text" || events[0].Text != "looking into it" {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1].Kind != "command_execution" || events[1].Text != "ls -la" {
		t.Errorf("events[1] = %+v", events[1])
	}
}

func TestParseLineResult(t *testing.T) {
	events, err := ParseLine([]byte(`{"type":"result","subtype":"success","is_error":false,"result":"done","session_id":"S1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != "turn_completed" || events[0].Text != "done" {
		t.Errorf("got %+v", events)
	}
}

func TestReconcile(t *testing.T) {
	cases := []struct {
		name          string
		finalResult   string
		haveFinal     bool
		lastAssistant string
		wantText      string
		wantDiverged  bool
	}{
		{"noFinal", "", false, "assistant says hi", "assistant says hi", false},
		{"matching", "same", true, "same", "same", false},
		{"divergeAssistantLonger", "short", true, "a much longer assistant message", "a much longer assistant message", true},
		{"divergeFinalLonger", "a much longer final result text", true, "short", "a much longer final result text", true},
		{"noAssistant", "final only", true, "", "final only", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			text, diverged := reconcile(c.finalResult, c.haveFinal, c.lastAssistant)
			if text != c.wantText || diverged != c.wantDiverged {
				t.Errorf("got (%q, %v), want (%q, %v)", text, diverged, c.wantText, c.wantDiverged)
			}
		})
	}
}

func TestBuildArgsPromptAfterDoubleDash(t *testing.T) {
	args := buildArgs("do the thing", agentproc.Options{ResumeSessionID: "S1", AllowedTools: []string{"Bash", "Read"}})
	if args[len(args)-2] != "--" || args[len(args)-1] != "do the thing" {
		t.Errorf("prompt not last after --: %v", args)
	}
	foundAllowed := false
	for i, a := range args {
		if a == "--allowedTools" && i+1 < len(args) && args[i+1] == "Bash,Read" {
			foundAllowed = true
		}
	}
	if !foundAllowed {
		t.Errorf("missing joined --allowedTools: %v", args)
	}
}
