package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"
)

// Field types.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

var knownTypes = []string{TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeArray, TypeObject}

// ErrInvalidSchema is wrapped by ParseSchema errors. Submission rejects
// such jobs before anything is queued.
var ErrInvalidSchema = errors.New("extract: invalid schema")

// FieldSpec constrains one output field. MinLength/MaxLength count runes of
// a trimmed string or elements of an array. Pattern and Enum apply to
// strings (and to string array elements).
type FieldSpec struct {
	Type        string   `json:"type"`
	Required    bool     `json:"required,omitempty"`
	Description string   `json:"description,omitempty"`
	MinLength   int      `json:"min_length,omitempty"`
	MaxLength   int      `json:"max_length,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
	// Items is the element type of an array field. Empty allows any.
	Items string `json:"items,omitempty"`

	re *regexp.Regexp
}

// Schema maps field names to their constraints.
type Schema struct {
	Fields map[string]*FieldSpec
	raw    json.RawMessage
}

// ParseSchema decodes and checks a schema document:
//
//	{"title": {"type": "string", "required": true, "min_length": 10},
//	 "section": {"type": "string", "pattern": "^\\d+(\\.\\d+)*$"}}
//
// A {"fields": {...}} wrapper is accepted too.
func ParseSchema(raw []byte) (*Schema, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSchema)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if inner, ok := probe["fields"]; ok && len(probe) == 1 && bytes.HasPrefix(bytes.TrimSpace(inner), []byte("{")) {
		var isSpec struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(inner, &isSpec) == nil && isSpec.Type == "" {
			raw = inner
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var fields map[string]*FieldSpec
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no fields", ErrInvalidSchema)
	}
	for name, f := range fields {
		if err := f.check(name); err != nil {
			return nil, err
		}
	}
	canon, _ := json.Marshal(fields)
	return &Schema{Fields: fields, raw: canon}, nil
}

func (f *FieldSpec) check(name string) error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: field %q: %s", ErrInvalidSchema, name, fmt.Sprintf(format, args...))
	}
	if f == nil {
		return bad("null spec")
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty field name", ErrInvalidSchema)
	}
	if !slices.Contains(knownTypes, f.Type) {
		return bad("unknown type %q", f.Type)
	}
	if f.Items != "" && (f.Type != TypeArray || !slices.Contains(knownTypes, f.Items)) {
		return bad("items %q needs an array field and a known type", f.Items)
	}
	if f.MinLength < 0 || f.MaxLength < 0 || (f.MaxLength > 0 && f.MinLength > f.MaxLength) {
		return bad("length bounds [%d,%d]", f.MinLength, f.MaxLength)
	}
	if f.Minimum != nil && f.Maximum != nil && *f.Minimum > *f.Maximum {
		return bad("minimum above maximum")
	}
	if f.Pattern != "" {
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return bad("pattern: %v", err)
		}
		f.re = re
	}
	return nil
}

// Names returns the field names, sorted.
func (s *Schema) Names() []string {
	names := make([]string, 0, len(s.Fields))
	for n := range s.Fields {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// JSON is the canonical schema document sent to the extractor.
func (s *Schema) JSON() json.RawMessage { return s.raw }

// validateValue checks raw against spec without coercion. Numbers are
// decoded with UseNumber so that "12" (a string) never passes as 12.
func (f *FieldSpec) validateValue(name string, raw json.RawMessage) (any, []string) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, []string{fmt.Sprintf("%s: value is not valid JSON", name)}
	}
	errs := f.validate(name, v)
	return v, errs
}

func (f *FieldSpec) validate(name string, v any) []string {
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, name+": "+fmt.Sprintf(format, args...))
	}
	switch f.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			fail("expected string, got %s", jsonType(v))
			return errs
		}
		errs = append(errs, f.checkString(name, s)...)
	case TypeNumber, TypeInteger:
		n, ok := v.(json.Number)
		if !ok {
			fail("expected %s, got %s", f.Type, jsonType(v))
			return errs
		}
		if f.Type == TypeInteger {
			if _, err := n.Int64(); err != nil {
				fail("expected integer, got %s", n.String())
				return errs
			}
		}
		x, err := n.Float64()
		if err != nil {
			fail("number out of range")
			return errs
		}
		if f.Minimum != nil && x < *f.Minimum {
			fail("%s is below minimum %v", n, *f.Minimum)
		}
		if f.Maximum != nil && x > *f.Maximum {
			fail("%s is above maximum %v", n, *f.Maximum)
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			fail("expected boolean, got %s", jsonType(v))
		}
	case TypeArray:
		arr, ok := v.([]any)
		if !ok {
			fail("expected array, got %s", jsonType(v))
			return errs
		}
		if len(arr) < f.MinLength {
			fail("has %d items, minimum is %d", len(arr), f.MinLength)
		}
		if f.MaxLength > 0 && len(arr) > f.MaxLength {
			fail("has %d items, maximum is %d", len(arr), f.MaxLength)
		}
		if f.Items != "" {
			elem := FieldSpec{Type: f.Items, Pattern: f.Pattern, Enum: f.Enum, Minimum: f.Minimum, Maximum: f.Maximum, re: f.re}
			for i, e := range arr {
				errs = append(errs, elem.validate(fmt.Sprintf("%s[%d]", name, i), e)...)
			}
		}
	case TypeObject:
		if _, ok := v.(map[string]any); !ok {
			fail("expected object, got %s", jsonType(v))
		}
	}
	return errs
}

func (f *FieldSpec) checkString(name, s string) []string {
	var errs []string
	n := utf8.RuneCountInString(strings.TrimSpace(s))
	if n < f.MinLength {
		errs = append(errs, fmt.Sprintf("%s: length %d is below minimum %d", name, n, f.MinLength))
	}
	if f.MaxLength > 0 && n > f.MaxLength {
		errs = append(errs, fmt.Sprintf("%s: length %d exceeds maximum %d", name, n, f.MaxLength))
	}
	if f.re != nil && !f.re.MatchString(s) {
		errs = append(errs, fmt.Sprintf("%s: %q does not match pattern %s", name, truncate(s, 60), f.Pattern))
	}
	if len(f.Enum) > 0 && !slices.Contains(f.Enum, s) {
		errs = append(errs, fmt.Sprintf("%s: %q is not one of %v", name, truncate(s, 60), f.Enum))
	}
	return errs
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "…"
	}
	return s
}
