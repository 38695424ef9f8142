package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ArgumentError reports model-supplied arguments that do not match a tool's
// input schema. Problems holds one entry per failed leaf constraint.
type ArgumentError struct {
	Tool     string
	Problems []string
	cause    error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

func (e *ArgumentError) Unwrap() error { return e.cause }

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode input schema: %w", err)
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	return compiled, nil
}

// validateArgs round-trips args through JSON so Go-typed values (ints,
// []string) validate the same way model-produced JSON does.
func validateArgs(tool string, schema *jsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return &ArgumentError{Tool: tool, Problems: []string{"arguments are not JSON encodable"}, cause: err}
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return &ArgumentError{Tool: tool, Problems: []string{"arguments are not JSON encodable"}, cause: err}
	}
	if err := schema.Validate(decoded); err != nil {
		return &ArgumentError{Tool: tool, Problems: problems(err), cause: err}
	}
	return nil
}

func problems(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var out []string
	var walk func(v *jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			loc := v.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+v.Message)
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
