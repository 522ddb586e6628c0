package parley

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema validates a decoded JSON payload. The engine invokes schemas at the
// wire boundary for message types that registered one; the implementation is
// replaceable — anything satisfying this interface works.
type Schema interface {
	Validate(v any) error
}

// CompileSchema compiles a JSON Schema document into a Schema backed by
// santhosh-tekuri/jsonschema.
func CompileSchema(doc string) (Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(doc)); err != nil {
		return nil, &Error{Kind: KindConfig, Code: CodeInvalidConfig, Message: "adding schema resource", Err: err}
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, &Error{Kind: KindConfig, Code: CodeInvalidConfig, Message: "compiling schema", Err: err}
	}
	return &jsonSchema{compiled: compiled}, nil
}

// MustCompileSchema is CompileSchema that panics on error, for package-level
// schema declarations.
func MustCompileSchema(doc string) Schema {
	s, err := CompileSchema(doc)
	if err != nil {
		panic(err)
	}
	return s
}

type jsonSchema struct {
	compiled *jsonschema.Schema
}

func (s *jsonSchema) Validate(v any) error {
	if err := s.compiled.Validate(v); err != nil {
		return &Error{Kind: KindValidation, Code: CodeSchemaViolation, Message: "payload failed schema validation", Details: err.Error(), Err: err}
	}
	return nil
}

// validateRaw runs a schema against a raw JSON payload. A nil schema always
// passes; an empty payload validates as JSON null.
func validateRaw(s Schema, raw json.RawMessage) error {
	if s == nil {
		return nil
	}
	var v any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return &Error{Kind: KindValidation, Code: CodeSchemaViolation, Message: "payload is not valid JSON", Err: err}
		}
	}
	return s.Validate(v)
}
