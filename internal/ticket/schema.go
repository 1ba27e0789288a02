package ticket

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/inkhaus/autopress/internal/autoerr"
)

//go:embed schema.json
var schemaJSON string

var compiledSchema = mustCompile()

func mustCompile() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("ticket.schema.json", strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("adding ticket schema: %v", err))
	}
	s, err := c.Compile("ticket.schema.json")
	if err != nil {
		panic(fmt.Sprintf("compiling ticket schema: %v", err))
	}
	return s
}

// Parse decodes raw JSON into a JobTicket after schema validation.
// Violations are collected into a single VALIDATION_ERROR listing each
// failing location.
func Parse(raw []byte) (*JobTicket, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, autoerr.Wrap(autoerr.CodeValidationError, err, "ticket is not valid JSON")
	}

	if err := compiledSchema.Validate(doc); err != nil {
		return nil, autoerr.E(autoerr.CodeValidationError, "ticket schema violations: %s", flattenSchemaError(err)).
			WithAction("fix the listed ticket fields and resubmit")
	}

	var t JobTicket
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, autoerr.Wrap(autoerr.CodeValidationError, err, "decoding ticket")
	}
	// Resolved is orchestrator-owned; a submitted value is discarded.
	t.Resolved = nil
	return &t, nil
}

// flattenSchemaError renders every leaf violation as "location: message".
func flattenSchemaError(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	var parts []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			parts = append(parts, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(parts, "; ")
}
