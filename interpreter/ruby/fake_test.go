// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ruby

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/rubyspy/libpf"
	"go.opentelemetry.io/rubyspy/testsupport"
	"go.opentelemetry.io/rubyspy/vmlayout"
)

// fakeRuby lays out Ruby VM structures in a fake address space.
type fakeRuby struct {
	t    *testing.T
	mem  *testsupport.Memory
	l    *Layout
	next libpf.Address
}

func newFakeRuby(t *testing.T, version string) *fakeRuby {
	t.Helper()
	v, err := vmlayout.ParseVersion(version)
	require.NoError(t, err)
	l, err := layoutFor(v, "amd64")
	require.NoError(t, err)
	return &fakeRuby{t: t, mem: testsupport.NewMemory(), l: l, next: 0x10000}
}

// alloc reserves size bytes, leaving an unmapped gap to the next allocation.
func (f *fakeRuby) alloc(size uint) libpf.Address {
	addr := f.next
	f.next += libpf.Address((size + 0x100) &^ 0xff)
	return addr
}

func setField(t *testing.T, buf []byte, s *vmlayout.Layout, name string, v uint64) {
	t.Helper()
	fld, err := s.Field(name)
	require.NoError(t, err)
	switch fld.Size {
	case 4:
		binary.LittleEndian.PutUint32(buf[fld.Offset:], uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(buf[fld.Offset:], v)
	default:
		t.Fatalf("unsupported field width %d", fld.Size)
	}
}

// object writes a struct with the given field values and returns its address.
func (f *fakeRuby) object(s *vmlayout.Layout, values map[string]uint64) libpf.Address {
	buf := make([]byte, s.Size)
	for name, v := range values {
		setField(f.t, buf, s, name, v)
	}
	addr := f.alloc(s.Size)
	f.mem.Write(addr, buf)
	return addr
}

// embeddedString writes an embedded RString. On variable width layouts the
// slot is grown to hold s.
func (f *fakeRuby) embeddedString(s string) libpf.Address {
	l := f.l
	ary, err := l.RString.Field("as.embed.ary")
	require.NoError(f.t, err)
	size := max(l.RString.Size, ary.Offset+uint(len(s)))
	buf := make([]byte, size)
	flags := uint64(RUBY_T_STRING)
	if l.VariableWidthStrings() {
		setField(f.t, buf, &l.RString, "len", uint64(len(s)))
	} else {
		require.LessOrEqual(f.t, uint(len(s)), ary.Size)
		flags |= uint64(len(s)) << l.StringEmbedLenShift
	}
	binary.LittleEndian.PutUint64(buf, flags)
	copy(buf[ary.Offset:], s)
	addr := f.alloc(size)
	f.mem.Write(addr, buf)
	return addr
}

// heapString writes a heap RString. An empty s gets a null buffer pointer.
func (f *fakeRuby) heapString(s string) libpf.Address {
	var ptr libpf.Address
	if s != "" {
		ptr = f.alloc(uint(len(s)))
		f.mem.Write(ptr, []byte(s))
	}
	return f.object(&f.l.RString, map[string]uint64{
		"flags":       RUBY_T_STRING | f.l.NoEmbedFlag,
		"len":         uint64(len(s)),
		"as.heap.ptr": uint64(ptr),
	})
}

// str writes s embedded when it fits the header and on the heap otherwise.
func (f *fakeRuby) str(s string) libpf.Address {
	ary, _ := f.l.RString.Field("as.embed.ary")
	if uint(len(s)) <= ary.Size {
		return f.embeddedString(s)
	}
	return f.heapString(s)
}

// pathArray writes a [path, realpath] array with embedded elements.
func (f *fakeRuby) pathArray(path, realpath string) libpf.Address {
	l := f.l
	buf := make([]byte, l.RArray.Size)
	flags := uint64(RUBY_T_ARRAY) | l.ArrayEmbedFlag | 2<<l.ArrayEmbedLenShift
	binary.LittleEndian.PutUint64(buf, flags)
	ary, _ := l.RArray.Field("as.ary")
	binary.LittleEndian.PutUint64(buf[ary.Offset:], uint64(f.str(path)))
	binary.LittleEndian.PutUint64(buf[ary.Offset+ValueSize:], uint64(f.str(realpath)))
	addr := f.alloc(l.RArray.Size)
	f.mem.Write(addr, buf)
	return addr
}

// iseqWith writes an instruction sequence whose location references the given
// path object and label.
func (f *fakeRuby) iseqWith(pathObj, label libpf.Address) libpf.Address {
	l := f.l
	body := make([]byte, l.IseqBody.Size)
	loc, _ := l.IseqBody.Field("location")
	setField(f.t, body[loc.Offset:loc.End()], &l.Location, "pathobj", uint64(pathObj))
	setField(f.t, body[loc.Offset:loc.End()], &l.Location, "base_label", uint64(label))
	setField(f.t, body[loc.Offset:loc.End()], &l.Location, "label", uint64(label))
	bodyAddr := f.alloc(l.IseqBody.Size)
	f.mem.Write(bodyAddr, body)
	return f.object(&l.Iseq, map[string]uint64{"body": uint64(bodyAddr)})
}

func (f *fakeRuby) iseq(file, label string) libpf.Address {
	return f.iseqWith(f.str(file), f.str(label))
}

// frameDesc describes one control frame, innermost first.
type frameDesc struct {
	iseq libpf.Address
	pc   uint64
}

func frames(iseqs ...libpf.Address) []frameDesc {
	out := make([]frameDesc, len(iseqs))
	for i, is := range iseqs {
		out[i] = frameDesc{iseq: is, pc: 0x4000 + uint64(i)}
	}
	return out
}

// fakeThread is a VM stack with its execution context.
type fakeThread struct {
	ec      libpf.Address
	vmStack libpf.Address
	cfp     libpf.Address
	top     libpf.Address
}

// slot returns the address of the i-th frame from the innermost one.
func (th fakeThread) slot(l *Layout, i int) libpf.Address {
	return th.cfp.Add(uint(i) * l.FrameStride())
}

// thread writes a VM stack holding frames followed by the sentinel frames.
func (f *fakeRuby) thread(specs []frameDesc) fakeThread {
	l := f.l
	stride := l.FrameStride()
	const valueArea = 8 * ValueSize
	size := valueArea + uint(len(specs)+SentinelFrames)*stride
	buf := make([]byte, size)
	for i, fs := range specs {
		cf := buf[valueArea+uint(i)*stride:][:stride]
		setField(f.t, cf, &l.ControlFrame, "pc", fs.pc)
		setField(f.t, cf, &l.ControlFrame, "iseq", uint64(fs.iseq))
	}
	stack := f.alloc(size)
	f.mem.Write(stack, buf)

	th := fakeThread{
		vmStack: stack,
		cfp:     stack.Add(valueArea),
		top:     stack.Add(size),
	}
	th.ec = f.object(&l.ExecutionContext, map[string]uint64{
		"vm_stack":      uint64(stack),
		"vm_stack_size": uint64(size / ValueSize),
		"cfp":           uint64(th.cfp),
	})
	return th
}

// pointerTo writes a pointer to addr and returns its location.
func (f *fakeRuby) pointerTo(addr libpf.Address) libpf.Address {
	p := f.alloc(ValueSize)
	f.mem.WriteUint64(p, uint64(addr))
	return p
}

// setThreadStatus links the execution context of th to a thread struct holding
// status.
func (f *fakeRuby) setThreadStatus(th fakeThread, status uint64) {
	thread := f.object(&f.l.Thread, map[string]uint64{"status": status})
	fld, err := f.l.ExecutionContext.Field("thread_ptr")
	require.NoError(f.t, err)
	f.mem.WriteUint64(th.ec.Add(fld.Offset), uint64(thread))
}

func (f *fakeRuby) walker(opts Options) *Walker {
	w, err := NewWalker(f.mem.RemoteMemory(), f.l, opts)
	require.NoError(f.t, err)
	return w
}
