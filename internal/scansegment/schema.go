package scansegment

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FieldType identifies the element type of one schema field.
type FieldType uint8

const (
	FieldFloat32 FieldType = iota
	FieldUint32
	FieldUint64
)

// Size returns the encoded size of the field type in bytes.
func (t FieldType) Size() int {
	if t == FieldUint64 {
		return 8
	}
	return 4
}

// FieldSpec describes one named field of a point record.
type FieldSpec struct {
	Name   string
	Offset int
	Type   FieldType
}

// SchemaPreset selects the contiguous field subset of a point record. The
// presets are cumulative: each one includes everything the previous one has.
type SchemaPreset int

const (
	// SchemaXYZ encodes x, y, z only (12 bytes).
	SchemaXYZ SchemaPreset = iota
	// SchemaXYZI adds intensity (16 bytes).
	SchemaXYZI
	// SchemaXYZIR adds range (20 bytes).
	SchemaXYZIR
	// SchemaXYZIRA adds azimuth and elevation (28 bytes).
	SchemaXYZIRA
	// SchemaAll adds layer, echo and point index (40 bytes).
	SchemaAll
)

// ParseSchemaPreset maps a configuration name to a preset.
func ParseSchemaPreset(name string) (SchemaPreset, error) {
	switch name {
	case "xyz":
		return SchemaXYZ, nil
	case "xyzi":
		return SchemaXYZI, nil
	case "xyzir":
		return SchemaXYZIR, nil
	case "xyzira":
		return SchemaXYZIRA, nil
	case "full":
		return SchemaAll, nil
	}
	return 0, fmt.Errorf("unknown schema preset %q", name)
}

// SchemaOptions toggles the optional trailing fields of a point record.
type SchemaOptions struct {
	// IncludeTimestamp appends the 8-byte per-point sensor timestamp.
	IncludeTimestamp bool
	// IncludeReflector appends the 4-byte reflector flag.
	IncludeReflector bool
}

// PointRecordSchema is a fixed binary layout for emitted points, derived once
// from configuration. The field table and record size never change after
// construction, so every frame built through one schema has uniform records.
type PointRecordSchema struct {
	preset     SchemaPreset
	opts       SchemaOptions
	fields     []FieldSpec
	recordSize int
}

// NewPointRecordSchema builds the field table for the given preset and options.
func NewPointRecordSchema(preset SchemaPreset, opts SchemaOptions) *PointRecordSchema {
	s := &PointRecordSchema{preset: preset, opts: opts}

	add := func(name string, t FieldType) {
		s.fields = append(s.fields, FieldSpec{Name: name, Offset: s.recordSize, Type: t})
		s.recordSize += t.Size()
	}

	add("x", FieldFloat32)
	add("y", FieldFloat32)
	add("z", FieldFloat32)
	if preset >= SchemaXYZI {
		add("intensity", FieldFloat32)
	}
	if preset >= SchemaXYZIR {
		add("range", FieldFloat32)
	}
	if preset >= SchemaXYZIRA {
		add("azimuth", FieldFloat32)
		add("elevation", FieldFloat32)
	}
	if preset >= SchemaAll {
		add("layer", FieldUint32)
		add("echo", FieldUint32)
		add("index", FieldUint32)
	}
	if opts.IncludeTimestamp {
		add("t", FieldUint64)
	}
	if opts.IncludeReflector {
		add("reflective", FieldFloat32)
	}

	return s
}

// Fields returns the ordered field table.
func (s *PointRecordSchema) Fields() []FieldSpec {
	return s.fields
}

// RecordSize returns the fixed size of one encoded point record in bytes.
func (s *PointRecordSchema) RecordSize() int {
	return s.recordSize
}

// Preset returns the preset the schema was built from.
func (s *PointRecordSchema) Preset() SchemaPreset {
	return s.preset
}

// EncodePoint writes one point record into dst, which must be at least
// RecordSize bytes. All writes are bounds-checked through the field table;
// there is no raw buffer reinterpretation.
func (s *PointRecordSchema) EncodePoint(dst []byte, p *Point) error {
	if len(dst) < s.recordSize {
		return fmt.Errorf("point record needs %d bytes, dst has %d", s.recordSize, len(dst))
	}
	for _, f := range s.fields {
		switch f.Type {
		case FieldFloat32:
			binary.LittleEndian.PutUint32(dst[f.Offset:f.Offset+4], math.Float32bits(s.float32Value(f.Name, p)))
		case FieldUint32:
			binary.LittleEndian.PutUint32(dst[f.Offset:f.Offset+4], s.uint32Value(f.Name, p))
		case FieldUint64:
			binary.LittleEndian.PutUint64(dst[f.Offset:f.Offset+8], p.LidarTimestampMicrosec)
		}
	}
	return nil
}

// AppendPoint grows dst by one encoded record and returns the extended slice.
func (s *PointRecordSchema) AppendPoint(dst []byte, p *Point) []byte {
	off := len(dst)
	dst = append(dst, make([]byte, s.recordSize)...)
	// Cannot fail: the slice was just grown to RecordSize.
	_ = s.EncodePoint(dst[off:], p)
	return dst
}

func (s *PointRecordSchema) float32Value(name string, p *Point) float32 {
	switch name {
	case "x":
		return p.X
	case "y":
		return p.Y
	case "z":
		return p.Z
	case "intensity":
		return p.Intensity
	case "range":
		return p.Range
	case "azimuth":
		return p.Azimuth
	case "elevation":
		return p.Elevation
	case "reflective":
		return p.Reflector
	}
	return 0
}

func (s *PointRecordSchema) uint32Value(name string, p *Point) uint32 {
	switch name {
	case "layer":
		return p.Layer
	case "echo":
		return p.Echo
	case "index":
		return p.PointIdx
	}
	return 0
}
