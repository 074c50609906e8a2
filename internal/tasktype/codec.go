// ============================================================================
// pipeexec TaskName codec
// ============================================================================
//
// Package: internal/tasktype
// File: codec.go
//
// A TaskName is "<type>_<field1>_<field2>..." where every field is rendered
// with its own format specifier. Names are only ever produced by Join, so
// Split can recover the typed fields and the type tag is always the first
// token.
//
//   preproc_20200219_b_3_00012345
//   ^type   ^night   ^band ^spec ^expid
//
// ============================================================================

package tasktype

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ChuLiYu/pipeexec/pkg/types"
)

// Sep separates the type tag and the name fields.
const Sep = "_"

// ColumnType is the semantic type of a persisted column.
type ColumnType string

const (
	Integer ColumnType = "integer"
	Text    ColumnType = "text"
	Real    ColumnType = "real"
)

// Column is one entry of a task type's persisted schema.
type Column struct {
	Name string     `json:"name" yaml:"name"`
	Type ColumnType `json:"type" yaml:"type"`
}

// NameField is a column that participates in the TaskName, with its format
// specifier: "d", "0Nd" (zero padded to N digits) or "s".
type NameField struct {
	Name   string
	Type   ColumnType
	Format string
}

// Fields holds decoded name field values. Integers are int64, text is string.
type Fields map[string]any

// FormatError is returned by Join when a field is absent, ill-typed or
// cannot be rendered unambiguously.
type FormatError struct {
	Type   string
	Field  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format %s name: field %q %s", e.Type, e.Field, e.Reason)
}

// ParseError is returned by Split for a name that Join could not have produced.
type ParseError struct {
	Type   string
	Name   types.TaskName
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s name %q: %s", e.Type, e.Name, e.Reason)
}

// Codec joins and splits the names of one task type.
type Codec struct {
	tag    string
	fields []NameField
}

// NewCodec validates the field formats once so Join and Split never see a
// bad specifier.
func NewCodec(tag string, fields []NameField) (*Codec, error) {
	if tag == "" || strings.Contains(tag, Sep) {
		return nil, fmt.Errorf("invalid type tag %q", tag)
	}
	for _, f := range fields {
		switch f.Type {
		case Integer:
			if _, err := padWidth(f.Format); err != nil {
				return nil, fmt.Errorf("type %s field %s: %w", tag, f.Name, err)
			}
		case Text:
			if f.Format != "s" {
				return nil, fmt.Errorf("type %s field %s: text fields use format \"s\", got %q", tag, f.Name, f.Format)
			}
		default:
			return nil, fmt.Errorf("type %s field %s: %s cannot be a name field", tag, f.Name, f.Type)
		}
	}
	return &Codec{tag: tag, fields: fields}, nil
}

// padWidth parses "d" (0) or "0Nd" (N).
func padWidth(format string) (int, error) {
	if format == "d" {
		return 0, nil
	}
	if len(format) < 3 || format[0] != '0' || format[len(format)-1] != 'd' {
		return 0, fmt.Errorf("unsupported integer format %q", format)
	}
	n, err := strconv.Atoi(format[1 : len(format)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("unsupported integer format %q", format)
	}
	return n, nil
}

// Fields returns the ordered name fields.
func (c *Codec) Fields() []NameField {
	return c.fields
}

// Join renders fields into a TaskName. Keys that are not name fields are
// ignored, so the fields of one type can be joined into a related type.
func (c *Codec) Join(fields Fields) (types.TaskName, error) {
	parts := make([]string, 0, len(c.fields)+1)
	parts = append(parts, c.tag)
	for _, f := range c.fields {
		v, ok := fields[f.Name]
		if !ok || v == nil {
			return "", &FormatError{Type: c.tag, Field: f.Name, Reason: "is missing"}
		}
		s, err := c.render(f, v)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return types.TaskName(strings.Join(parts, Sep)), nil
}

func (c *Codec) render(f NameField, v any) (string, error) {
	switch f.Type {
	case Integer:
		n, ok := asInt64(v)
		if !ok {
			return "", &FormatError{Type: c.tag, Field: f.Name, Reason: fmt.Sprintf("must be an integer, got %T", v)}
		}
		if n < 0 {
			return "", &FormatError{Type: c.tag, Field: f.Name, Reason: "must not be negative"}
		}
		width, _ := padWidth(f.Format)
		return fmt.Sprintf("%0*d", width, n), nil
	default:
		s, ok := v.(string)
		if !ok {
			return "", &FormatError{Type: c.tag, Field: f.Name, Reason: fmt.Sprintf("must be text, got %T", v)}
		}
		if s == "" || strings.Contains(s, Sep) {
			return "", &FormatError{Type: c.tag, Field: f.Name, Reason: fmt.Sprintf("text %q is empty or contains %q", s, Sep)}
		}
		return s, nil
	}
}

// Split decodes a TaskName produced by Join. A name that parses but would not
// be rendered identically (for instance a missing zero pad) is rejected.
func (c *Codec) Split(name types.TaskName) (Fields, error) {
	parts := strings.Split(string(name), Sep)
	if parts[0] != c.tag {
		return nil, &ParseError{Type: c.tag, Name: name, Reason: fmt.Sprintf("type tag is %q", parts[0])}
	}
	if len(parts)-1 != len(c.fields) {
		return nil, &ParseError{Type: c.tag, Name: name,
			Reason: fmt.Sprintf("expected %d fields, got %d", len(c.fields), len(parts)-1)}
	}

	out := make(Fields, len(c.fields))
	for i, f := range c.fields {
		raw := parts[i+1]
		switch f.Type {
		case Integer:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, &ParseError{Type: c.tag, Name: name, Reason: fmt.Sprintf("field %s: %q is not an integer", f.Name, raw)}
			}
			out[f.Name] = n
		default:
			out[f.Name] = raw
		}
	}

	again, err := c.Join(out)
	if err != nil || again != name {
		return nil, &ParseError{Type: c.tag, Name: name, Reason: "not in canonical form"}
	}
	return out, nil
}

// TagOf returns the type tag of any TaskName.
func TagOf(name types.TaskName) string {
	tag, _, _ := strings.Cut(string(name), Sep)
	return tag
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		// JSON-decoded columns arrive as float64.
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}
