package envelope

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://validator.schemas.local/envelope/"

// SchemaError reports an envelope that failed structural validation. Path is
// a dotted field path such as "context.execution_bundle_uri" or
// "input_files[0].uri"; it is empty when the document itself is unreadable.
type SchemaError struct {
	Path    string
	Message string
}

func (e *SchemaError) Error() string {
	if e.Path == "" {
		return "schema error: " + e.Message
	}
	return fmt.Sprintf("schema error at %s: %s", e.Path, e.Message)
}

// Codec decodes and encodes envelopes. Decoding validates the envelope shell
// and then the validator-specific inputs/outputs against the Shape registered
// for validator.type.
type Codec struct {
	registry *Registry
	input    *jsonschema.Schema
	output   *jsonschema.Schema
}

// NewCodec compiles the embedded envelope schemas.
func NewCodec(registry *Registry) (*Codec, error) {
	if registry == nil {
		return nil, errors.New("new codec: nil registry")
	}
	input, err := compileEmbedded("input_envelope.json")
	if err != nil {
		return nil, err
	}
	output, err := compileEmbedded("output_envelope.json")
	if err != nil {
		return nil, err
	}
	return &Codec{registry: registry, input: input, output: output}, nil
}

func (c *Codec) Registry() *Registry { return c.registry }

// DecodeInput validates b and returns the typed input envelope.
func (c *Codec) DecodeInput(b []byte) (*InputEnvelope, error) {
	doc, err := parseDocument(b)
	if err != nil {
		return nil, err
	}
	if err := c.input.Validate(doc); err != nil {
		return nil, toSchemaError(err, "")
	}
	shape, err := c.shapeFor(doc)
	if err != nil {
		return nil, err
	}
	if err := validatePart(shape.inputs, doc, "inputs"); err != nil {
		return nil, err
	}

	env := &InputEnvelope{}
	if shape.NewInputs != nil {
		env.Inputs = shape.NewInputs()
	}
	if err := unmarshalEnvelope(b, env); err != nil {
		return nil, err
	}
	env.normalize()
	return env, nil
}

// DecodeOutput validates b and returns the typed output envelope.
func (c *Codec) DecodeOutput(b []byte) (*OutputEnvelope, error) {
	doc, err := parseDocument(b)
	if err != nil {
		return nil, err
	}
	if err := c.output.Validate(doc); err != nil {
		return nil, toSchemaError(err, "")
	}

	env := &OutputEnvelope{}
	shape, err := c.shapeFor(doc)
	switch {
	case err == nil:
		if err := validatePart(shape.outputs, doc, "outputs"); err != nil {
			return nil, err
		}
		if shape.NewOutputs != nil {
			env.Outputs = shape.NewOutputs()
		}
	case !untypedOutput(doc):
		return nil, err
	}
	if err := unmarshalEnvelope(b, env); err != nil {
		return nil, err
	}
	env.normalize()
	return env, nil
}

// EncodeInput serializes e as indented JSON.
func (c *Codec) EncodeInput(e *InputEnvelope) ([]byte, error) {
	if e == nil {
		return nil, errors.New("encode input: nil envelope")
	}
	out := *e
	out.normalize()
	if out.SchemaVersion == "" {
		out.SchemaVersion = SchemaVersion
	}
	b, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	return b, nil
}

// EncodeOutput serializes e as indented JSON with UTC timestamps and empty
// (not null) collections. The result is checked against the output envelope
// schema, so anything EncodeOutput returns decodes again. e is not modified.
func (c *Codec) EncodeOutput(e *OutputEnvelope) ([]byte, error) {
	if e == nil {
		return nil, errors.New("encode output: nil envelope")
	}
	out := *e
	out.normalize()
	if out.SchemaVersion == "" {
		out.SchemaVersion = SchemaVersion
	}
	b, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	doc, err := parseDocument(b)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	if err := c.output.Validate(doc); err != nil {
		return nil, fmt.Errorf("encode output: %w", toSchemaError(err, ""))
	}
	return b, nil
}

func (c *Codec) shapeFor(doc any) (*compiledShape, error) {
	validatorType, _ := lookupString(doc, "validator", "type")
	shape, ok := c.registry.lookup(validatorType)
	if !ok {
		return nil, &SchemaError{Path: "validator.type", Message: fmt.Sprintf("unsupported validator type %q", validatorType)}
	}
	return shape, nil
}

// untypedOutput reports whether an output document carries no payload that
// needs its shape: a non-SUCCESS status with null or absent outputs. Such
// records are written for runs whose validator type was never resolved.
func untypedOutput(doc any) bool {
	obj, _ := doc.(map[string]any)
	if status, _ := obj["status"].(string); status == string(StatusSuccess) {
		return false
	}
	return obj["outputs"] == nil
}

func compileEmbedded(name string) (*jsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		return nil, fmt.Errorf("read embedded schema %s: %w", name, err)
	}
	return compileSchema(schemaBaseURL+name, string(raw))
}

// parseDocument decodes b into generic JSON values for schema validation.
// Numbers stay json.Number so integer checks see the literal.
func parseDocument(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &SchemaError{Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if dec.More() {
		return nil, &SchemaError{Message: "invalid JSON: trailing data after document"}
	}
	return doc, nil
}

func validatePart(schema *jsonschema.Schema, doc any, field string) error {
	if schema == nil {
		return nil
	}
	obj, _ := doc.(map[string]any)
	v, ok := obj[field]
	if !ok || v == nil {
		return nil
	}
	if err := schema.Validate(v); err != nil {
		return toSchemaError(err, field)
	}
	return nil
}

func unmarshalEnvelope(b []byte, v any) error {
	err := json.Unmarshal(b, v)
	if err == nil {
		return nil
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &SchemaError{Path: typeErr.Field, Message: fmt.Sprintf("cannot use %s as %s", typeErr.Value, typeErr.Type)}
	}
	return &SchemaError{Message: err.Error()}
}

// toSchemaError reduces a jsonschema validation error to its first leaf cause
// and converts the instance location into a dotted path under prefix.
func toSchemaError(err error, prefix string) *SchemaError {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &SchemaError{Path: prefix, Message: err.Error()}
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}

	path := pointerToPath(leaf.InstanceLocation)
	if names, ok := strings.CutPrefix(leaf.Message, "missing properties: "); ok {
		first := strings.Trim(strings.Split(names, ",")[0], " '")
		path = joinPath(path, first)
	}
	return &SchemaError{Path: joinPath(prefix, path), Message: leaf.Message}
}

func pointerToPath(ptr string) string {
	unescape := strings.NewReplacer("~1", "/", "~0", "~")
	var b strings.Builder
	for _, seg := range strings.Split(ptr, "/") {
		if seg == "" {
			continue
		}
		seg = unescape.Replace(seg)
		if _, err := strconv.Atoi(seg); err == nil {
			b.WriteString("[" + seg + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}

func joinPath(prefix, path string) string {
	switch {
	case prefix == "":
		return path
	case path == "":
		return prefix
	case strings.HasPrefix(path, "["):
		return prefix + path
	default:
		return prefix + "." + path
	}
}

func lookupString(doc any, keys ...string) (string, bool) {
	cur := doc
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur = obj[k]
	}
	s, ok := cur.(string)
	return s, ok
}
