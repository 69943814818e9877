package relayaction

import (
	"encoding/json"
	"fmt"
	"strings"
)

// payload is the top-level relay-action block shape (spec §4.K:
// `{"actions":[{...}, ...]}`).
type payload struct {
	Actions []json.RawMessage `json:"actions"`
}

// Parse decodes one [[relay-actions]]...[[/relay-actions]] block body
// into validated Actions, returning a human-readable error string per
// action (or block) that failed validation rather than failing the
// whole block (spec §4.K: "Output: cleaned text + a list of validated
// actions + a list of parse errors").
func Parse(raw string) (actions []Action, errs []string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, []string{fmt.Sprintf("malformed relay-actions block: %v", err)}
	}
	for i, rawAction := range p.Actions {
		a, err := decodeAction(rawAction)
		if err != nil {
			errs = append(errs, fmt.Sprintf("action[%d]: %v", i, err))
			continue
		}
		actions = append(actions, a)
	}
	return actions, errs
}
