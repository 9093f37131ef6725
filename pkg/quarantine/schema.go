package quarantine

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["src"],
    "properties": {
      "src":  {"type": "string", "minLength": 1},
      "dst":  {"type": ["string", "null"]},
      "size": {"type": "integer", "minimum": 0}
    }
  }
}`

var manifestSchemaLoader = gojsonschema.NewStringLoader(manifestSchema)

// validateManifest checks a rollback manifest before anything is restored.
func validateManifest(data []byte) error {
	result, err := gojsonschema.Validate(manifestSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid manifest: %s", strings.Join(msgs, "; "))
}
