package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	dserrors "github.com/systmms/credrotate/internal/errors"
)

//go:embed credrotate.schema.json
var schemaJSON []byte

var schemaLoader = gojsonschema.NewBytesLoader(schemaJSON)

// validateSchema validates the decoded YAML document against the embedded
// JSON schema.
func validateSchema(doc interface{}) error {
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration for validation: %w", err)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(jsonData))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var errorMessages []string
	for _, desc := range result.Errors() {
		errorMessages = append(errorMessages, desc.String())
	}
	field := result.Errors()[0].Field()
	return dserrors.ConfigError{
		Field:      field,
		Message:    "schema validation failed:\n  - " + strings.Join(errorMessages, "\n  - "),
		Suggestion: "Compare the file with the sections documented in README.md",
	}
}
