package research

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/maruel/relaybridge/internal/relayaction"
)

// researchDecisionRe matches a single [[research-decision]]{json}
// [[/research-decision]] block, parsed ONLY inside a manager step (spec
// §4.M: "otherwise ignored (fail-closed)") — callers outside this
// package never look for this marker.
var researchDecisionRe = regexp.MustCompile(`(?is)\[\[research-decision\]\]\s*(?:` + "```[a-zA-Z]*\\s*" + `)?(.*?)(?:` + "```\\s*" + `)?\[\[/research-decision\]\]`)

// ActionType extends relayaction.Type with the research-only action
// kinds (spec §4.L step 8).
type ActionType string

const (
	ActionWriteReport       ActionType = "write_report"
	ActionResearchPause     ActionType = "research_pause"
	ActionResearchMarkDone  ActionType = "research_mark_done"
	ActionJobStart          ActionType = ActionType(relayaction.TypeJobStart)
	ActionJobWatch          ActionType = ActionType(relayaction.TypeJobWatch)
	ActionJobStop           ActionType = ActionType(relayaction.TypeJobStop)
	ActionTaskAdd           ActionType = ActionType(relayaction.TypeTaskAdd)
	ActionTaskRun           ActionType = ActionType(relayaction.TypeTaskRun)
)

// decisionAllowedKeys is the stricter allowlist for research-decision
// actions (spec §4.L step 8): every type additionally carries a
// required idempotencyKey.
var decisionAllowedKeys = map[ActionType]map[string]struct{}{
	ActionJobStart:         relayaction.AllowedKeysFor(relayaction.TypeJobStart, "idempotencyKey"),
	ActionJobWatch:         relayaction.AllowedKeysFor(relayaction.TypeJobWatch, "idempotencyKey"),
	ActionJobStop:          relayaction.AllowedKeysFor(relayaction.TypeJobStop, "idempotencyKey"),
	ActionTaskAdd:          relayaction.AllowedKeysFor(relayaction.TypeTaskAdd, "idempotencyKey"),
	ActionTaskRun:          relayaction.AllowedKeysFor(relayaction.TypeTaskRun, "idempotencyKey"),
	ActionWriteReport:      {"type": {}, "idempotencyKey": {}, "path": {}, "content": {}, "mode": {}},
	ActionResearchPause:    {"type": {}, "idempotencyKey": {}, "reason": {}},
	ActionResearchMarkDone: {"type": {}, "idempotencyKey": {}, "summary": {}},
}

// WriteReport appends to or replaces rolling_report.md (spec §4.L step
// 9: "`write_report` appends or replaces `rolling_report.md` (and
// mirrors to legacy path + digest)").
type WriteReport struct {
	Path    string `json:"path,omitempty"` // defaults to reports/rolling_report.md.
	Content string `json:"content"`
	Mode    string `json:"mode,omitempty"` // "append" (default) | "replace".
}

// ResearchPause pauses autoRun with an explanatory reason.
type ResearchPause struct {
	Reason string `json:"reason,omitempty"`
}

// ResearchMarkDone marks the project done.
type ResearchMarkDone struct {
	Summary string `json:"summary,omitempty"`
}

// DecisionAction is one validated action inside a research decision.
type DecisionAction struct {
	Type           ActionType
	IdempotencyKey string

	JobStart         *relayaction.JobStart
	JobWatch         *relayaction.JobWatch
	JobStop          *relayaction.JobStop
	TaskAdd          *relayaction.TaskAdd
	WriteReport      *WriteReport
	ResearchPause    *ResearchPause
	ResearchMarkDone *ResearchMarkDone
}

// Decision is the required shape of one research-decision block (spec
// §4.L step 6: "{stepId, research_update, actions:[]}").
type Decision struct {
	StepID         string            `json:"stepId" jsonschema:"required,description=Identifier for this planning step, echoed back into the digest."`
	ResearchUpdate string            `json:"research_update" jsonschema:"required,description=Free-form note on what was learned or decided this step."`
	Actions        []json.RawMessage `json:"actions" jsonschema:"required,description=Ordered list of research actions to apply."`
}

// extractDecisionBlock pulls the single research-decision block's body
// out of text, erroring if zero or more than one is present (spec §4.L
// step 6: "Parse exactly one").
func extractDecisionBlock(text string) (string, error) {
	matches := researchDecisionRe.FindAllStringSubmatch(text, -1)
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no [[research-decision]] block found")
	case 1:
		return strings.TrimSpace(matches[0][1]), nil
	default:
		return "", fmt.Errorf("expected exactly one [[research-decision]] block, found %d", len(matches))
	}
}

// parseDecision extracts, schema-validates, and decodes the decision
// block, returning the decision and its stable sha256 hash (spec §4.L
// steps 6-7).
func parseDecision(text string) (Decision, string, error) {
	raw, err := extractDecisionBlock(text)
	if err != nil {
		return Decision{}, "", err
	}

	if err := validateDecisionSchema([]byte(raw)); err != nil {
		return Decision{}, "", fmt.Errorf("decision failed schema validation: %w", err)
	}

	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Decision{}, "", fmt.Errorf("malformed decision JSON: %w", err)
	}
	if d.StepID == "" {
		return Decision{}, "", fmt.Errorf("decision missing stepId")
	}

	hash := hashDecision([]byte(raw))
	return d, hash, nil
}

// hashDecision returns the hex sha256 of the decision's normalized
// (re-marshaled, key-sorted via map round-trip) JSON, so cosmetic
// whitespace differences don't defeat the duplicate check (spec §4.L
// step 7: "sha256 of normalized JSON").
func hashDecision(raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		sum := sha256.Sum256(raw)
		return hex.EncodeToString(sum[:])
	}
	normalized, err := json.Marshal(v)
	if err != nil {
		normalized = raw
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:])
}

// decodeDecisionActions validates and decodes every raw action against
// decisionAllowedKeys, collecting per-action errors rather than failing
// the whole decision on the first bad one.
func decodeDecisionActions(raws []json.RawMessage) ([]DecisionAction, []string) {
	var actions []DecisionAction
	var errs []string
	for i, raw := range raws {
		a, err := decodeDecisionAction(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("action[%d]: %v", i, err))
			continue
		}
		actions = append(actions, a)
	}
	return actions, errs
}

func decodeDecisionAction(raw json.RawMessage) (DecisionAction, error) {
	om := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(raw, om); err != nil {
		return DecisionAction{}, fmt.Errorf("malformed action: %w", err)
	}
	typeRaw, ok := om.Get("type")
	if !ok {
		return DecisionAction{}, fmt.Errorf("action missing required \"type\" field")
	}
	var typeStr string
	if err := json.Unmarshal(typeRaw, &typeStr); err != nil {
		return DecisionAction{}, fmt.Errorf("action \"type\" must be a string: %w", err)
	}
	t := ActionType(typeStr)
	known, ok := decisionAllowedKeys[t]
	if !ok {
		return DecisionAction{}, fmt.Errorf("unknown research action type %q", typeStr)
	}

	var unknown []string
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		if _, ok := known[pair.Key]; !ok {
			unknown = append(unknown, pair.Key)
		}
	}
	if len(unknown) > 0 {
		return DecisionAction{}, fmt.Errorf("action %q: unknown key(s) %v", typeStr, unknown)
	}

	keyRaw, ok := om.Get("idempotencyKey")
	if !ok {
		return DecisionAction{}, fmt.Errorf("action %q: missing required idempotencyKey", typeStr)
	}
	var key string
	if err := json.Unmarshal(keyRaw, &key); err != nil || key == "" {
		return DecisionAction{}, fmt.Errorf("action %q: idempotencyKey must be a non-empty string", typeStr)
	}

	a := DecisionAction{Type: t, IdempotencyKey: key}
	var err error
	switch t {
	case ActionJobStart:
		a.JobStart = &relayaction.JobStart{}
		err = json.Unmarshal(raw, a.JobStart)
	case ActionJobWatch:
		a.JobWatch = &relayaction.JobWatch{}
		err = json.Unmarshal(raw, a.JobWatch)
	case ActionJobStop:
		a.JobStop = &relayaction.JobStop{}
		err = json.Unmarshal(raw, a.JobStop)
	case ActionTaskAdd:
		a.TaskAdd = &relayaction.TaskAdd{}
		err = json.Unmarshal(raw, a.TaskAdd)
	case ActionTaskRun:
		// no fields.
	case ActionWriteReport:
		a.WriteReport = &WriteReport{}
		err = json.Unmarshal(raw, a.WriteReport)
	case ActionResearchPause:
		a.ResearchPause = &ResearchPause{}
		err = json.Unmarshal(raw, a.ResearchPause)
	case ActionResearchMarkDone:
		a.ResearchMarkDone = &ResearchMarkDone{}
		err = json.Unmarshal(raw, a.ResearchMarkDone)
	}
	if err != nil {
		return DecisionAction{}, fmt.Errorf("action %q: %w", typeStr, err)
	}
	return a, nil
}
