// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ruby // import "go.opentelemetry.io/rubyspy/interpreter/ruby"

import (
	"errors"
	"fmt"
	"runtime"

	"go.opentelemetry.io/rubyspy/libpf"
	"go.opentelemetry.io/rubyspy/remotememory"
	"go.opentelemetry.io/rubyspy/vmlayout"
)

const (
	// ValueSize is sizeof(VALUE) on the supported 64-bit targets.
	ValueSize = 8

	// SentinelFrames is the number of control frames Ruby pushes at the end of
	// the VM stack before any user code runs.
	SentinelFrames = 2

	// versionStringLength bounds the read of the ruby_version symbol.
	versionStringLength = 16
)

var (
	minVersion = vmlayout.Version{Major: 2, Minor: 5, Patch: 0}
	maxVersion = vmlayout.Version{Major: 3, Minor: 4, Patch: 0xff}
)

// Layout is the table of structure shapes for one Ruby build.
type Layout struct {
	Version vmlayout.Version

	// rb_execution_context_struct
	// https://github.com/ruby/ruby/blob/5445e0435260b449decf2ac16f9d09bae3cafe72/vm_core.h#L843
	ExecutionContext vmlayout.Layout
	// rb_control_frame_struct, its size is the frame stride
	// https://github.com/ruby/ruby/blob/5445e0435260b449decf2ac16f9d09bae3cafe72/vm_core.h#L760
	ControlFrame vmlayout.Layout
	// rb_iseq_struct
	// https://github.com/ruby/ruby/blob/5445e0435260b449decf2ac16f9d09bae3cafe72/vm_core.h#L456
	Iseq vmlayout.Layout
	// rb_iseq_constant_body
	// https://github.com/ruby/ruby/blob/5445e0435260b449decf2ac16f9d09bae3cafe72/vm_core.h#L311
	IseqBody vmlayout.Layout
	// rb_iseq_location_struct, leading VALUE members only
	// https://github.com/ruby/ruby/blob/5445e0435260b449decf2ac16f9d09bae3cafe72/vm_core.h#L272
	Location vmlayout.Layout
	// RString header including the inline part of the embedded buffer
	RString vmlayout.Layout
	// RArray header
	RArray vmlayout.Layout
	// rb_ractor_struct, only the running execution context. Empty before 3.0.
	Ractor vmlayout.Layout
	// rb_thread_struct, only the status word. Empty where the scheduler
	// members preceding status vary with the build configuration.
	Thread vmlayout.Layout

	// NoEmbedFlag is the RString flag bit marking heap allocated contents.
	NoEmbedFlag uint64
	// StringEmbedLenMask and StringEmbedLenShift locate the embedded string
	// length in the flags word. A zero mask means the length is the "len" field.
	StringEmbedLenMask  uint64
	StringEmbedLenShift uint
	// ArrayEmbedFlag marks arrays whose elements are stored in the header.
	ArrayEmbedFlag     uint64
	ArrayEmbedLenMask  uint64
	ArrayEmbedLenShift uint
}

// VariableWidthStrings reports whether embedded strings carry an explicit
// length and may extend past the fixed size header.
func (l *Layout) VariableWidthStrings() bool {
	return l.StringEmbedLenMask == 0
}

// FrameStride returns the distance between two control frames.
func (l *Layout) FrameStride() uint {
	return l.ControlFrame.Size
}

var errIncomplete = errors.New("missing required field")

// Validate checks every structure of the table and the relations between them.
func (l *Layout) Validate() error {
	for _, s := range []*vmlayout.Layout{&l.ExecutionContext, &l.ControlFrame, &l.Iseq,
		&l.IseqBody, &l.Location, &l.RString, &l.RArray} {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	for _, s := range []*vmlayout.Layout{&l.Ractor, &l.Thread} {
		if s.Size == 0 {
			continue
		}
		if err := s.Validate(); err != nil {
			return err
		}
	}

	required := map[*vmlayout.Layout][]string{
		&l.ExecutionContext: {"vm_stack", "vm_stack_size", "cfp"},
		&l.ControlFrame:     {"pc", "iseq"},
		&l.Iseq:             {"body"},
		&l.IseqBody:         {"location"},
		&l.Location:         {"pathobj", "base_label"},
		&l.RString:          {"flags", "len", "as.heap.ptr", "as.embed.ary"},
		&l.RArray:           {"flags", "as.heap.len", "as.heap.ptr", "as.ary"},
	}
	for s, names := range required {
		for _, name := range names {
			if !s.Has(name) {
				return fmt.Errorf("%w: %s.%s: %w", vmlayout.ErrInvalidLayout, s.Name, name,
					errIncomplete)
			}
		}
	}

	loc, _ := l.IseqBody.Field("location")
	if loc.Kind != vmlayout.Struct || loc.Size != l.Location.Size {
		return fmt.Errorf("%w: %s.location does not embed %s",
			vmlayout.ErrInvalidLayout, l.IseqBody.Name, l.Location.Name)
	}
	if l.NoEmbedFlag == 0 || l.ArrayEmbedFlag == 0 {
		return fmt.Errorf("%w: missing embed flags", vmlayout.ErrInvalidLayout)
	}
	return nil
}

// LayoutForVersion returns the structure table for a supported Ruby build on
// the architecture of the running binary.
func LayoutForVersion(v vmlayout.Version) (*Layout, error) {
	return layoutFor(v, runtime.GOARCH)
}

func layoutFor(v vmlayout.Version, arch string) (*Layout, error) {
	if v.Less(minVersion) || maxVersion.Less(v) {
		return nil, fmt.Errorf("ruby %v: %w", v, vmlayout.ErrUnsupportedVersion)
	}
	if arch != "amd64" && arch != "arm64" {
		return nil, fmt.Errorf("ruby %v on %s: %w", v, arch, vmlayout.ErrUnsupportedVersion)
	}
	ver := v.Uint()
	at := func(major, minor uint32) bool {
		return ver >= vmlayout.Version{Major: major, Minor: minor}.Uint()
	}

	l := &Layout{
		Version: v,
		ControlFrame: vmlayout.Layout{
			Name: "rb_control_frame_struct",
			Fields: []vmlayout.Field{
				{Name: "pc", Offset: 0, Size: 8, Kind: vmlayout.Pointer},
				{Name: "sp", Offset: 8, Size: 8, Kind: vmlayout.Pointer},
				{Name: "iseq", Offset: 16, Size: 8, Kind: vmlayout.Pointer},
				{Name: "self", Offset: 24, Size: 8, Kind: vmlayout.Integer},
				{Name: "ep", Offset: 32, Size: 8, Kind: vmlayout.Pointer},
			},
		},
		Iseq: vmlayout.Layout{
			Name: "rb_iseq_struct",
			Size: 24,
			Fields: []vmlayout.Field{
				{Name: "flags", Offset: 0, Size: 8, Kind: vmlayout.Integer},
				{Name: "wrapper", Offset: 8, Size: 8, Kind: vmlayout.Integer},
				{Name: "body", Offset: 16, Size: 8, Kind: vmlayout.Pointer},
			},
		},
		Location: vmlayout.Layout{
			Name: "rb_iseq_location_struct",
			Size: 32,
			Fields: []vmlayout.Field{
				{Name: "pathobj", Offset: 0, Size: 8, Kind: vmlayout.StringDescriptor},
				{Name: "base_label", Offset: 8, Size: 8, Kind: vmlayout.StringDescriptor},
				{Name: "label", Offset: 16, Size: 8, Kind: vmlayout.StringDescriptor},
				{Name: "first_lineno", Offset: 24, Size: 8, Kind: vmlayout.Integer},
			},
		},
		RArray: vmlayout.Layout{
			Name: "RArray",
			Size: 40,
			Fields: []vmlayout.Field{
				{Name: "flags", Offset: 0, Size: 8, Kind: vmlayout.Integer},
				{Name: "klass", Offset: 8, Size: 8, Kind: vmlayout.Pointer},
				{Name: "as.heap.len", Offset: 16, Size: 8, Kind: vmlayout.Integer},
				{Name: "as.heap.ptr", Offset: 32, Size: 8, Kind: vmlayout.Pointer},
				{Name: "as.ary", Offset: 16, Size: 24, Kind: vmlayout.Struct},
			},
		},
		NoEmbedFlag:        RSTRING_NOEMBED,
		ArrayEmbedFlag:     RARRAY_EMBED_FLAG,
		ArrayEmbedLenShift: RARRAY_EMBED_LEN_SHIFT,
	}

	// thread_ptr follows the interrupt state, which lost protect_tag and
	// raised_flag in 2.6.
	// https://github.com/ruby/ruby/blob/v2_5_0/vm_core.h#L738-L760
	threadPtr := uint(48)
	if !at(2, 6) {
		threadPtr = 64
	}
	l.ExecutionContext = vmlayout.Layout{
		Name: "rb_execution_context_struct",
		Size: threadPtr + 8,
		Fields: []vmlayout.Field{
			{Name: "vm_stack", Offset: 0, Size: 8, Kind: vmlayout.Pointer},
			{Name: "vm_stack_size", Offset: 8, Size: 8, Kind: vmlayout.Integer},
			{Name: "cfp", Offset: 16, Size: 8, Kind: vmlayout.Pointer},
			{Name: "thread_ptr", Offset: threadPtr, Size: 8, Kind: vmlayout.Pointer},
		},
	}

	// https://github.com/ruby/ruby/blob/v3_3_0/vm_core.h#L848
	switch {
	case at(3, 3):
		l.ControlFrame.Size = 56
	case at(3, 1):
		// jit_return
		l.ControlFrame.Size = 64
	case at(2, 6):
		l.ControlFrame.Size = 56
	default:
		l.ControlFrame.Size = 48
	}

	var bodySize uint
	switch {
	case at(3, 4):
		bodySize = 352
	case at(3, 3):
		bodySize = 344
	case at(3, 2):
		bodySize = 320
	case at(2, 6):
		bodySize = 312
	default:
		bodySize = 288
	}
	l.IseqBody = vmlayout.Layout{
		Name: "rb_iseq_constant_body",
		Size: bodySize,
		Fields: []vmlayout.Field{
			{Name: "type", Offset: 0, Size: 4, Kind: vmlayout.Integer},
			{Name: "iseq_size", Offset: 4, Size: 4, Kind: vmlayout.Integer},
			{Name: "iseq_encoded", Offset: 8, Size: 8, Kind: vmlayout.Pointer},
			{Name: "location", Offset: 64, Size: l.Location.Size, Kind: vmlayout.Struct},
		},
	}

	if at(3, 2) {
		// https://github.com/ruby/ruby/blob/v3_2_0/include/ruby/internal/core/rstring.h#L199-L252
		l.RString = vmlayout.Layout{
			Name: "RString",
			Size: 40,
			Fields: []vmlayout.Field{
				{Name: "flags", Offset: 0, Size: 8, Kind: vmlayout.Integer},
				{Name: "klass", Offset: 8, Size: 8, Kind: vmlayout.Pointer},
				{Name: "len", Offset: 16, Size: 8, Kind: vmlayout.Integer},
				{Name: "as.heap.ptr", Offset: 24, Size: 8, Kind: vmlayout.Pointer},
				{Name: "as.embed.ary", Offset: 24, Size: 16, Kind: vmlayout.Struct},
			},
		}
		l.ArrayEmbedLenMask = RARRAY_EMBED_LEN_MASK
	} else {
		// https://github.com/ruby/ruby/blob/v3_1_0/include/ruby/internal/core/rstring.h#L199-L252
		l.RString = vmlayout.Layout{
			Name: "RString",
			Size: 40,
			Fields: []vmlayout.Field{
				{Name: "flags", Offset: 0, Size: 8, Kind: vmlayout.Integer},
				{Name: "klass", Offset: 8, Size: 8, Kind: vmlayout.Pointer},
				// as.heap.len, only meaningful for heap strings
				{Name: "len", Offset: 16, Size: 8, Kind: vmlayout.Integer},
				{Name: "as.heap.ptr", Offset: 24, Size: 8, Kind: vmlayout.Pointer},
				{Name: "as.embed.ary", Offset: 16, Size: 24, Kind: vmlayout.Struct},
			},
		}
		l.StringEmbedLenMask = RSTRING_EMBED_LEN_MASK
		l.StringEmbedLenShift = RSTRING_EMBED_LEN_SHIFT
		l.ArrayEmbedLenMask = RARRAY_EMBED_LEN_MASK_FIXED
	}

	if at(3, 0) {
		// running_ec in rb_ractor_struct
		// https://github.com/ruby/ruby/blob/v3_3_0/ractor_core.h#L180
		var off uint
		switch {
		case at(3, 3) && arch == "arm64":
			off = 0x190
		case at(3, 3):
			off = 0x180
		case arch == "arm64":
			off = 0x218
		default:
			off = 0x208
		}
		l.Ractor = vmlayout.Layout{
			Name: "rb_ractor_struct",
			Size: off + 8,
			Fields: []vmlayout.Field{
				{Name: "running_ec", Offset: off, Size: 8, Kind: vmlayout.Pointer},
			},
		}
	}

	if !at(3, 2) {
		// status follows thread_id, 3.0 inserted the ractor pointer before it.
		// https://github.com/ruby/ruby/blob/v3_1_0/vm_core.h#L950-L975
		off := uint(80)
		if at(3, 0) {
			off = 88
		}
		l.Thread = vmlayout.Layout{
			Name: "rb_thread_struct",
			Size: off + 4,
			Fields: []vmlayout.Field{
				{Name: "status", Offset: off, Size: 4, Kind: vmlayout.Integer},
			},
		}
	}

	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// VerifyVersion reads the target's ruby_version string at versionAddr and
// checks that it is the build layout was made for.
func VerifyVersion(rm remotememory.RemoteMemory, layout *Layout,
	versionAddr libpf.Address) error {
	s, err := rm.CString(versionAddr, versionStringLength)
	if err != nil {
		return fmt.Errorf("failed to read ruby_version: %w", err)
	}
	observed, err := vmlayout.ParseVersion(s)
	if err != nil {
		return fmt.Errorf("%w: %v", vmlayout.ErrVersionMismatch, err)
	}
	return vmlayout.CheckVersion(layout.Version, observed)
}
