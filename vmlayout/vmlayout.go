// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package vmlayout describes the in-memory shape of a foreign runtime's internal
// structures: total sizes, field offsets, widths and interpretation. Layouts are
// pure data tied to one runtime build. All decoding of Local Copies goes through
// a Struct so that no code reinterprets copied bytes as Go types.
package vmlayout // import "go.opentelemetry.io/rubyspy/vmlayout"

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"go.opentelemetry.io/rubyspy/libpf"
	npsr "go.opentelemetry.io/rubyspy/nopanicslicereader"
	"go.opentelemetry.io/rubyspy/util"
)

var (
	// ErrVersionMismatch is returned when a layout table does not describe the
	// runtime build of the target. Nothing may be decoded with such a table.
	ErrVersionMismatch = errors.New("layout version does not match target runtime")
	// ErrUnsupportedVersion is returned when no layout table exists for a version.
	ErrUnsupportedVersion = errors.New("unsupported runtime version")
	// ErrInvalidLayout is returned by Validate for inconsistent tables.
	ErrInvalidLayout = errors.New("invalid layout")
	// ErrCopySize is returned when a Local Copy does not match the struct size.
	ErrCopySize = errors.New("local copy does not match struct size")
	// ErrNoField is returned when decoding a field the struct does not have.
	ErrNoField = errors.New("no such field")
)

// Kind is the interpretation of a field's bytes.
type Kind uint8

const (
	// Integer is a plain little endian unsigned integer.
	Integer Kind = iota
	// Pointer is a remote pointer, only meaningful in the target address space.
	Pointer
	// Struct is a nested structure embedded at the field offset.
	Struct
	// StringDescriptor is a reference to a tagged runtime string header. It
	// decodes like a Pointer.
	StringDescriptor
)

func (k Kind) String() string {
	switch k {
	case Integer:
		return "integer"
	case Pointer:
		return "pointer"
	case Struct:
		return "struct"
	case StringDescriptor:
		return "string"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Field is one member of a structure.
type Field struct {
	Name   string
	Offset uint
	Size   uint
	Kind   Kind
}

// End returns the offset one past the last byte of f.
func (f Field) End() uint {
	return f.Offset + f.Size
}

// Layout describes one structure of the runtime.
type Layout struct {
	Name   string
	Size   uint
	Fields []Field
}

// Field returns the named field.
func (l *Layout) Field(name string) (Field, error) {
	for _, f := range l.Fields {
		if f.Name == name {
			return f, nil
		}
	}
	return Field{}, fmt.Errorf("%s.%s: %w", l.Name, name, ErrNoField)
}

// Has reports whether the structure has the named field.
func (l *Layout) Has(name string) bool {
	_, err := l.Field(name)
	return err == nil
}

// Validate checks that the table is self consistent: non-zero size, every field
// inside the struct, integer and pointer fields of a decodable width, unique names.
func (l *Layout) Validate() error {
	if l.Size == 0 {
		return fmt.Errorf("%w: %s has zero size", ErrInvalidLayout, l.Name)
	}
	seen := make(map[string]struct{}, len(l.Fields))
	for _, f := range l.Fields {
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("%w: %s.%s defined twice", ErrInvalidLayout, l.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
		if f.Size == 0 || f.End() > l.Size {
			return fmt.Errorf("%w: %s.%s [%d,%d) outside of %d bytes",
				ErrInvalidLayout, l.Name, f.Name, f.Offset, f.End(), l.Size)
		}
		switch f.Kind {
		case Integer:
			if !util.IsPowerOfTwo(uint32(f.Size)) || f.Size > 8 {
				return fmt.Errorf("%w: %s.%s integer width %d",
					ErrInvalidLayout, l.Name, f.Name, f.Size)
			}
		case Pointer, StringDescriptor:
			if f.Size != 8 {
				return fmt.Errorf("%w: %s.%s pointer width %d",
					ErrInvalidLayout, l.Name, f.Name, f.Size)
			}
		}
	}
	return nil
}

func (l *Layout) decodable(local []byte, name string) (Field, error) {
	if uint(len(local)) != l.Size {
		return Field{}, fmt.Errorf("%s: %w (%d != %d)", l.Name, ErrCopySize, len(local), l.Size)
	}
	f, err := l.Field(name)
	if err != nil {
		return Field{}, err
	}
	if f.Kind == Struct {
		return Field{}, fmt.Errorf("%s.%s is a %v field", l.Name, name, f.Kind)
	}
	return f, nil
}

// Uint decodes an integer or pointer field from a Local Copy of the struct.
func (l *Layout) Uint(local []byte, name string) (uint64, error) {
	f, err := l.decodable(local, name)
	if err != nil {
		return 0, err
	}
	return npsr.UintN(local, f.Offset, f.Size), nil
}

// Ptr decodes a pointer field from a Local Copy of the struct.
func (l *Layout) Ptr(local []byte, name string) (libpf.Address, error) {
	v, err := l.Uint(local, name)
	return libpf.Address(v), err
}

// Bytes returns the bytes of a nested field from a Local Copy of the struct.
func (l *Layout) Bytes(local []byte, name string) ([]byte, error) {
	if uint(len(local)) != l.Size {
		return nil, fmt.Errorf("%s: %w (%d != %d)", l.Name, ErrCopySize, len(local), l.Size)
	}
	f, err := l.Field(name)
	if err != nil {
		return nil, err
	}
	return local[f.Offset:f.End()], nil
}

// Version identifies a runtime build.
type Version struct {
	Major, Minor, Patch uint32
}

var versionRegex = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)$`)

// ParseVersion parses a "major.minor.patch" version string.
func ParseVersion(s string) (Version, error) {
	m := versionRegex.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("malformed version %q", s)
	}
	var v [3]uint32
	for i := range v {
		n, err := strconv.ParseUint(m[i+1], 10, 8)
		if err != nil {
			return Version{}, fmt.Errorf("malformed version %q: %v", s, err)
		}
		v[i] = uint32(n)
	}
	return Version{Major: v[0], Minor: v[1], Patch: v[2]}, nil
}

// Uint returns the version as a single comparable integer.
func (v Version) Uint() uint32 {
	return util.VersionUint(v.Major, v.Minor, v.Patch)
}

// Less reports whether v is older than o.
func (v Version) Less(o Version) bool {
	return v.Uint() < o.Uint()
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// CheckVersion compares the version a layout was built for with the version
// observed in the target.
func CheckVersion(layout, observed Version) error {
	if layout != observed {
		return fmt.Errorf("%w: layout %v, target %v", ErrVersionMismatch, layout, observed)
	}
	return nil
}
