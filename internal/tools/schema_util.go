package tools

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/invopop/jsonschema"
)

func stringsReader(raw json.RawMessage) io.Reader {
	return bytes.NewReader(raw)
}

// GenerateSchema builds a JSON Schema for a tool's input struct using
// github.com/invopop/jsonschema, matching the teacher's
// internal/config/schema.go generation pattern. Tools call this once at
// construction time and cache the result.
func GenerateSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		ExpandedStruct:            true,
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	s := r.Reflect(v)
	b, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}
