package relay

import (
	"bytes"
	"errors"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/cast"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var schemaErrPrinter = message.NewPrinter(language.English)

// ValidationIssue is one violated constraint. Path is "root" when the
// violation has no specific property path.
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

type ValidationResult struct {
	IsValid bool              `json:"isValid"`
	Errors  []ValidationIssue `json:"errors,omitempty"`
}

// SchemaValidator validates tool arguments against a compiled input schema.
// Validation mutates the argument map in place: declared defaults are
// filled in and string values are coerced to the declared scalar type.
type SchemaValidator struct {
	schema   map[string]any
	compiled *jsonschema.Schema
}

// compileStrictValidator deep-copies the schema, rewrites every object
// subschema to reject undeclared properties, and compiles the result.
// Tool arguments come from an untrusted remote peer; schema drift has to
// fail loudly instead of silently accepting garbage fields.
func compileStrictValidator(schema map[string]any) (*SchemaValidator, error) {
	strict, err := strictSchema(schema)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(strict)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", doc); err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile("tool.json")
	if err != nil {
		return nil, err
	}
	return &SchemaValidator{schema: strict, compiled: compiled}, nil
}

// Validate runs coercion, defaulting, and schema validation over args.
// args is mutated in place; callers must use the post-validation value.
func (v *SchemaValidator) Validate(args map[string]any) ValidationResult {
	coerceObject(v.schema, args)
	if err := v.compiled.Validate(args); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return ValidationResult{IsValid: false, Errors: flattenValidationError(ve)}
		}
		return ValidationResult{IsValid: false, Errors: []ValidationIssue{{Path: "root", Message: err.Error()}}}
	}
	return ValidationResult{IsValid: true}
}

// strictSchema returns a deep copy of schema with additionalProperties
// forced to false on every subschema that declares properties, including
// nested objects and array items.
func strictSchema(schema map[string]any) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var clone map[string]any
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	forbidUndeclared(clone)
	return clone, nil
}

func forbidUndeclared(node map[string]any) {
	if props, ok := node["properties"].(map[string]any); ok {
		if _, set := node["additionalProperties"]; !set {
			node["additionalProperties"] = false
		}
		for _, p := range props {
			if pm, ok := p.(map[string]any); ok {
				forbidUndeclared(pm)
			}
		}
	}
	switch items := node["items"].(type) {
	case map[string]any:
		forbidUndeclared(items)
	case []any:
		for _, it := range items {
			if im, ok := it.(map[string]any); ok {
				forbidUndeclared(im)
			}
		}
	}
}

// coerceObject fills declared defaults for absent properties and coerces
// present values toward the declared type, recursing into nested objects
// and arrays. Values that cannot be coerced are left for the validator to
// reject.
func coerceObject(schema map[string]any, value map[string]any) {
	props, ok := schema["properties"].(map[string]any)
	if !ok || value == nil {
		return
	}
	for name, ps := range props {
		pm, ok := ps.(map[string]any)
		if !ok {
			continue
		}
		cur, present := value[name]
		if !present {
			if def, ok := pm["default"]; ok {
				value[name] = cloneJSONValue(def)
			}
			continue
		}
		value[name] = coerceValue(pm, cur)
	}
}

func coerceValue(schema map[string]any, cur any) any {
	switch t, _ := schema["type"].(string); t {
	case "number":
		if s, ok := cur.(string); ok {
			if f, err := cast.ToFloat64E(s); err == nil {
				return f
			}
		}
	case "integer":
		if s, ok := cur.(string); ok {
			if n, err := cast.ToInt64E(s); err == nil {
				return n
			}
		}
	case "boolean":
		if s, ok := cur.(string); ok {
			if b, err := cast.ToBoolE(s); err == nil {
				return b
			}
		}
	case "object":
		if m, ok := cur.(map[string]any); ok {
			coerceObject(schema, m)
		}
	case "array":
		items, ok := schema["items"].(map[string]any)
		if !ok {
			break
		}
		if arr, ok := cur.([]any); ok {
			for i, e := range arr {
				arr[i] = coerceValue(items, e)
			}
		}
	}
	return cur
}

// cloneJSONValue copies a default value so validation cannot alias the
// schema's own copy.
func cloneJSONValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// flattenValidationError collects the leaf causes into path/message pairs.
func flattenValidationError(ve *jsonschema.ValidationError) []ValidationIssue {
	var out []ValidationIssue
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			path := "root"
			if len(e.InstanceLocation) > 0 {
				path = strings.Join(e.InstanceLocation, ".")
			}
			out = append(out, ValidationIssue{Path: path, Message: e.ErrorKind.LocalizedString(schemaErrPrinter)})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
