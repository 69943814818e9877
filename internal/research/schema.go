package research

import (
	"bytes"
	"fmt"
	"sync"

	invschema "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const decisionSchemaURL = "relaybridge://research-decision.json"

var (
	decisionSchemaOnce sync.Once
	decisionSchema     *jsonschema.Schema
	decisionSchemaErr  error
)

// compiledDecisionSchema generates a JSON schema from the Decision
// struct once (invopop/jsonschema) and compiles it once
// (santhosh-tekuri/jsonschema/v6), so every step validates against the
// same schema without re-reflecting or re-compiling per call.
func compiledDecisionSchema() (*jsonschema.Schema, error) {
	decisionSchemaOnce.Do(func() {
		reflector := &invschema.Reflector{
			ExpandedStruct: true,
			DoNotReference: true,
		}
		raw := reflector.Reflect(&Decision{})
		data, err := raw.MarshalJSON()
		if err != nil {
			decisionSchemaErr = fmt.Errorf("research: reflect decision schema: %w", err)
			return
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			decisionSchemaErr = fmt.Errorf("research: unmarshal decision schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(decisionSchemaURL, doc); err != nil {
			decisionSchemaErr = fmt.Errorf("research: add decision schema resource: %w", err)
			return
		}
		sch, err := c.Compile(decisionSchemaURL)
		if err != nil {
			decisionSchemaErr = fmt.Errorf("research: compile decision schema: %w", err)
			return
		}
		decisionSchema = sch
	})
	return decisionSchema, decisionSchemaErr
}

// validateDecisionSchema fail-closes a decision block against the
// generated Decision schema before it's ever decoded into Go structs
// (spec §4.L: the decision protocol is "fail-closed").
func validateDecisionSchema(raw []byte) error {
	sch, err := compiledDecisionSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode instance: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return err
	}
	return nil
}
