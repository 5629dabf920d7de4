package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FieldType is the primitive type of one fixed-width record field.
type FieldType string

// Field type constants. Names match the serialized schema form.
const (
	FieldTypeInt16           FieldType = "INT16"
	FieldTypeInt32           FieldType = "INT32"
	FieldTypeInt64           FieldType = "INT64"
	FieldTypeFloat           FieldType = "FLOAT"
	FieldTypeDouble          FieldType = "DOUBLE"
	FieldTypeFixedWidthBytes FieldType = "FIXED_WIDTH_BYTES"
)

// Width returns the natural byte width of the type.
// FIXED_WIDTH_BYTES has no natural width and returns 0.
func (t FieldType) Width() int {
	switch t {
	case FieldTypeInt16:
		return 2
	case FieldTypeInt32, FieldTypeFloat:
		return 4
	case FieldTypeInt64, FieldTypeDouble:
		return 8
	default:
		return 0
	}
}

// IsValid reports whether t is a known field type.
func (t FieldType) IsValid() bool {
	switch t {
	case FieldTypeInt16, FieldTypeInt32, FieldTypeInt64,
		FieldTypeFloat, FieldTypeDouble, FieldTypeFixedWidthBytes:
		return true
	default:
		return false
	}
}

// ParseFieldType parses a field type name, case-insensitively.
func ParseFieldType(s string) (FieldType, error) {
	t := FieldType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: unknown field type %q", ErrInvalidSchema, s)
	}
	return t, nil
}

// MaxSampleSize caps a record's width at the host frame size limit.
const MaxSampleSize = 16 << 20

// ErrInvalidSchema is returned when a schema or field definition fails validation.
var ErrInvalidSchema = errors.New("invalid schema")

// FieldDefinition is one named, typed, fixed-width field of a record.
// Values are immutable once constructed.
type FieldDefinition struct {
	name  string
	ftype FieldType
	size  int
}

// NewFieldDefinition validates and builds a field.
// A size of 0 selects the type's natural width; FIXED_WIDTH_BYTES requires an explicit size.
func NewFieldDefinition(name string, ftype FieldType, size int) (FieldDefinition, error) {
	if name == "" {
		return FieldDefinition{}, fmt.Errorf("%w: field name is empty", ErrInvalidSchema)
	}
	if !ftype.IsValid() {
		return FieldDefinition{}, fmt.Errorf("%w: field %q has unknown type %q", ErrInvalidSchema, name, ftype)
	}
	natural := ftype.Width()
	switch {
	case natural == 0 && size <= 0:
		return FieldDefinition{}, fmt.Errorf("%w: field %q of type %s requires a positive size", ErrInvalidSchema, name, ftype)
	case natural != 0 && size == 0:
		size = natural
	case natural != 0 && size != natural:
		return FieldDefinition{}, fmt.Errorf("%w: field %q of type %s must have size %d, got %d", ErrInvalidSchema, name, ftype, natural, size)
	}
	if size > MaxSampleSize {
		return FieldDefinition{}, fmt.Errorf("%w: field %q size %d exceeds %d", ErrInvalidSchema, name, size, MaxSampleSize)
	}
	return FieldDefinition{name: name, ftype: ftype, size: size}, nil
}

// mustField is used for built-in schemas only.
func mustField(name string, ftype FieldType) FieldDefinition {
	f, err := NewFieldDefinition(name, ftype, 0)
	if err != nil {
		panic(err)
	}
	return f
}

// Name returns the field name.
func (f FieldDefinition) Name() string { return f.name }

// Type returns the field type.
func (f FieldDefinition) Type() FieldType { return f.ftype }

// Size returns the field width in bytes.
func (f FieldDefinition) Size() int { return f.size }

// StreamSchema is the fixed-size binary layout of one record:
// an ordered list of uniquely named fields.
type StreamSchema struct {
	fields     []FieldDefinition
	sampleSize int
}

// NewStreamSchema validates and builds a schema. At least one field is required.
func NewStreamSchema(fields ...FieldDefinition) (*StreamSchema, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: schema has no fields", ErrInvalidSchema)
	}
	seen := make(map[string]struct{}, len(fields))
	total := 0
	for _, f := range fields {
		if f.size <= 0 || f.name == "" {
			return nil, fmt.Errorf("%w: field %q was not built with NewFieldDefinition", ErrInvalidSchema, f.name)
		}
		if _, dup := seen[f.name]; dup {
			return nil, fmt.Errorf("%w: duplicate field name %q", ErrInvalidSchema, f.name)
		}
		seen[f.name] = struct{}{}
		if f.size > MaxSampleSize-total {
			return nil, fmt.Errorf("%w: sample size exceeds %d bytes", ErrInvalidSchema, MaxSampleSize)
		}
		total += f.size
	}
	return &StreamSchema{
		fields:     append([]FieldDefinition(nil), fields...),
		sampleSize: total,
	}, nil
}

// Fields returns a copy of the schema's fields in order.
func (s *StreamSchema) Fields() []FieldDefinition {
	return append([]FieldDefinition(nil), s.fields...)
}

// SampleSize returns the byte length of one record.
func (s *StreamSchema) SampleSize() int {
	return s.sampleSize
}

// Equal reports whether both schemas have the same fields in the same order.
func (s *StreamSchema) Equal(other *StreamSchema) bool {
	if s == nil || other == nil {
		return s == other
	}
	if len(s.fields) != len(other.fields) {
		return false
	}
	for i := range s.fields {
		if s.fields[i] != other.fields[i] {
			return false
		}
	}
	return true
}

// Spike record field names.
const (
	SpikeFieldChannelIndex = "channel_index"
	SpikeFieldUnitIndex    = "unit_index"
	SpikeFieldSampleNumber = "sample_number"
)

// SpikeRecordSize is the byte length of one spike record.
const SpikeRecordSize = 16

var spikeSchema = func() *StreamSchema {
	s, err := NewStreamSchema(
		mustField(SpikeFieldChannelIndex, FieldTypeInt32),
		mustField(SpikeFieldUnitIndex, FieldTypeInt32),
		mustField(SpikeFieldSampleNumber, FieldTypeInt64),
	)
	if err != nil {
		panic(err)
	}
	return s
}()

// SpikeSchema returns the built-in spike record schema.
// The returned value is shared and must not be modified.
func SpikeSchema() *StreamSchema {
	return spikeSchema
}

// fieldJSON is the serialized form of one field.
type fieldJSON struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
	Size int       `json:"size,omitempty"`
}

type schemaJSON struct {
	Fields []fieldJSON `json:"fields"`
}

// JSON returns the serialized schema: {"fields":[{"name":..,"type":..,"size":..}]}.
func (s *StreamSchema) JSON() string {
	out := schemaJSON{Fields: make([]fieldJSON, 0, len(s.fields))}
	for _, f := range s.fields {
		out.Fields = append(out.Fields, fieldJSON{Name: f.name, Type: f.ftype, Size: f.size})
	}
	data, err := json.Marshal(out)
	if err != nil {
		// Only strings and ints are marshaled.
		panic(err)
	}
	return string(data)
}

// MarshalJSON implements json.Marshaler.
func (s *StreamSchema) MarshalJSON() ([]byte, error) {
	return []byte(s.JSON()), nil
}

// ParseSchemaJSON parses the serialized schema form.
// Unknown keys are rejected so that a misspelled field list never yields a partial schema.
func ParseSchemaJSON(data string) (*StreamSchema, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.DisallowUnknownFields()

	var raw schemaJSON
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after schema", ErrInvalidSchema)
	}

	fields := make([]FieldDefinition, 0, len(raw.Fields))
	for _, rf := range raw.Fields {
		ft, err := ParseFieldType(string(rf.Type))
		if err != nil {
			return nil, err
		}
		f, err := NewFieldDefinition(rf.Name, ft, rf.Size)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return NewStreamSchema(fields...)
}
