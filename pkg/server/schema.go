package server

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// executionStepsSchema describes the decrypted proving payload. Validation
// runs only after decryption succeeds, so detailed errors here leak
// nothing about ciphertexts.
const executionStepsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["steps"],
  "additionalProperties": false,
  "properties": {
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["functionName", "witness"],
        "properties": {
          "functionName": {"type": "string", "minLength": 1},
          "witness": {"type": "object"},
          "bytecode": {"type": "string"},
          "verificationKey": {"type": "string"},
          "timings": {
            "type": "object",
            "additionalProperties": {"type": "number"}
          }
        }
      }
    }
  }
}`

var (
	compiledSchema     *gojsonschema.Schema
	compileSchemaOnce  sync.Once
	compileSchemaError error
)

// validatePayload checks decrypted payload bytes against the execution
// steps schema and returns the aggregated validation errors.
func validatePayload(payload []byte) error {
	compileSchemaOnce.Do(func() {
		compiledSchema, compileSchemaError = gojsonschema.NewSchema(gojsonschema.NewStringLoader(executionStepsSchema))
	})
	if compileSchemaError != nil {
		return fmt.Errorf("failed to compile payload schema: %w", compileSchemaError)
	}

	result, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if !result.Valid() {
		var b strings.Builder
		b.WriteString("payload failed validation: ")
		for i, desc := range result.Errors() {
			if i > 0 {
				b.WriteString("; ")
			}
			b.WriteString(desc.String())
		}
		return fmt.Errorf("%s", b.String())
	}
	return nil
}
