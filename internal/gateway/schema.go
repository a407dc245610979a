// ABOUTME: JSON Schema validation for workflow submissions
// ABOUTME: Rejects malformed POST /api/workflows bodies before they reach the orchestrator

package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const submissionSchemaURL = "https://pinn.dev/schemas/submit-workflow.json"

// submissionSchemaJSON describes SubmitWorkflowRequest. Extra fields sent by
// older clients (geometry, physics parameters) are accepted and ignored.
const submissionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://pinn.dev/schemas/submit-workflow.json",
  "type": "object",
  "required": ["name", "domain_type"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1,
      "maxLength": 200
    },
    "description": {
      "type": "string",
      "maxLength": 4000
    },
    "domain_type": {
      "type": "string",
      "enum": ["heat_transfer", "fluid_dynamics", "structural_mechanics", "electromagnetics"]
    },
    "complexity_level": {
      "type": "string",
      "enum": ["basic", "intermediate", "advanced"]
    }
  }
}`

type submissionValidator struct {
	schema *jsonschema.Schema
}

func newSubmissionValidator() (*submissionValidator, error) {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(submissionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal submission schema: %w", err)
	}
	if err := c.AddResource(submissionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add submission schema resource: %w", err)
	}
	sch, err := c.Compile(submissionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile submission schema: %w", err)
	}
	return &submissionValidator{schema: sch}, nil
}

// Validate checks a raw JSON body and returns a client-facing error.
func (v *submissionValidator) Validate(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errors.New("invalid JSON body")
	}
	if err := v.schema.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return errors.New(strings.Join(collectViolations(ve), "; "))
		}
		return err
	}
	return nil
}

// collectViolations flattens the error tree into one message per leaf.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
