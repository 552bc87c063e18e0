// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ruby // import "go.opentelemetry.io/rubyspy/interpreter/ruby"

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/elastic/go-freelru"

	"go.opentelemetry.io/rubyspy/libpf"
	"go.opentelemetry.io/rubyspy/metrics"
	npsr "go.opentelemetry.io/rubyspy/nopanicslicereader"
	"go.opentelemetry.io/rubyspy/remotememory"
)

// MaxStringLength is the longest string contents the materializer accepts.
const MaxStringLength = 1_000_000

var (
	// ErrNilString is returned for a null string reference.
	ErrNilString = errors.New("null string reference")
	// ErrNotString is returned when the referenced object is not a T_STRING.
	ErrNotString = errors.New("object is not a string")
	// ErrStringTooLong is returned for lengths above MaxStringLength.
	ErrStringTooLong = errors.New("string length exceeds limit")
	// ErrBadEmbedLength is returned when an embedded length does not fit the header.
	ErrBadEmbedLength = errors.New("embedded length exceeds inline capacity")
	// ErrBadPathObject is returned for a path object that is neither a string
	// nor a non-empty array.
	ErrBadPathObject = errors.New("unexpected path object")
)

// StringVariant tells where the contents of a string live.
type StringVariant uint8

const (
	// Embedded strings carry their bytes in the object header.
	Embedded StringVariant = iota
	// Heap strings point to a separately allocated buffer.
	Heap
)

func (v StringVariant) String() string {
	if v == Embedded {
		return "embedded"
	}
	return "heap"
}

// StringDescriptor is a decoded RString header. For Embedded strings the
// contents have already been copied; for Heap strings only the location and
// length are known.
type StringDescriptor struct {
	Addr    libpf.Address
	Variant StringVariant

	inline []byte

	HeapPtr libpf.Address
	HeapLen uint64
}

// Len returns the length of the string contents.
func (d *StringDescriptor) Len() uint64 {
	if d.Variant == Embedded {
		return uint64(len(d.inline))
	}
	return d.HeapLen
}

// ReadStringDescriptor copies the RString at addr and decodes its header.
func ReadStringDescriptor(rm remotememory.RemoteMemory, l *Layout,
	addr libpf.Address) (StringDescriptor, error) {
	if addr == 0 {
		return StringDescriptor{}, ErrNilString
	}
	hdr, err := rm.Copy(addr, l.RString.Size)
	if err != nil {
		return StringDescriptor{}, err
	}
	flags, err := l.RString.Uint(hdr, "flags")
	if err != nil {
		return StringDescriptor{}, err
	}
	if flags&RUBY_T_MASK != RUBY_T_STRING {
		return StringDescriptor{}, fmt.Errorf("0x%x (flags 0x%x): %w", addr, flags, ErrNotString)
	}

	if flags&l.NoEmbedFlag != 0 {
		length, err := l.RString.Uint(hdr, "len")
		if err != nil {
			return StringDescriptor{}, err
		}
		if length > MaxStringLength {
			return StringDescriptor{}, fmt.Errorf("0x%x: %d bytes: %w",
				addr, length, ErrStringTooLong)
		}
		ptr, err := l.RString.Ptr(hdr, "as.heap.ptr")
		if err != nil {
			return StringDescriptor{}, err
		}
		return StringDescriptor{Addr: addr, Variant: Heap, HeapPtr: ptr, HeapLen: length}, nil
	}

	var length uint64
	if l.VariableWidthStrings() {
		if length, err = l.RString.Uint(hdr, "len"); err != nil {
			return StringDescriptor{}, err
		}
	} else {
		length = (flags & l.StringEmbedLenMask) >> l.StringEmbedLenShift
	}
	if length > MaxStringLength {
		return StringDescriptor{}, fmt.Errorf("0x%x: %d bytes: %w", addr, length, ErrStringTooLong)
	}
	ary, err := l.RString.Bytes(hdr, "as.embed.ary")
	if err != nil {
		return StringDescriptor{}, err
	}
	if length <= uint64(len(ary)) {
		return StringDescriptor{Addr: addr, Variant: Embedded,
			inline: bytes.Clone(ary[:length])}, nil
	}
	if !l.VariableWidthStrings() {
		return StringDescriptor{}, fmt.Errorf("0x%x: %d bytes: %w", addr, length, ErrBadEmbedLength)
	}

	// Variable width slots extend past the header copy.
	f, _ := l.RString.Field("as.embed.ary")
	inline, err := rm.Copy(addr.Add(f.Offset), uint(length))
	if err != nil {
		return StringDescriptor{}, err
	}
	return StringDescriptor{Addr: addr, Variant: Embedded, inline: inline}, nil
}

// Materialize returns the contents of the string described by d. Embedded
// strings never touch remote memory. The returned slice belongs to the caller.
func Materialize(d *StringDescriptor, rm remotememory.RemoteMemory) ([]byte, error) {
	if d.Variant == Embedded {
		return bytes.Clone(d.inline), nil
	}
	if d.HeapLen == 0 {
		return []byte{}, nil
	}
	if d.HeapPtr == 0 {
		return nil, fmt.Errorf("string 0x%x: %w", d.Addr, ErrNilString)
	}
	return rm.Copy(d.HeapPtr, uint(d.HeapLen))
}

// ReadString reads the descriptor at addr and materializes it.
func ReadString(rm remotememory.RemoteMemory, l *Layout, addr libpf.Address) (string, error) {
	d, err := ReadStringDescriptor(rm, l, addr)
	if err != nil {
		return "", err
	}
	b, err := Materialize(&d, rm)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadPathDescriptor decodes a location's path object. Ruby stores either the
// path string itself or a [path, realpath] array; the loaded path is returned.
func ReadPathDescriptor(rm remotememory.RemoteMemory, l *Layout,
	addr libpf.Address) (StringDescriptor, error) {
	elem, err := pathElement(rm, l, addr, 0)
	if err != nil {
		return StringDescriptor{}, err
	}
	return ReadStringDescriptor(rm, l, elem)
}

// RealPathObject returns the realpath string of a location's path object. It
// returns 0 when Ruby stored only the path, which then is the realpath too, and
// when the realpath is nil as for evaluated code.
func RealPathObject(rm remotememory.RemoteMemory, l *Layout,
	addr libpf.Address) (libpf.Address, error) {
	if addr == 0 {
		return 0, ErrNilString
	}
	flags, err := rm.Uint64(addr)
	if err != nil {
		return 0, err
	}
	if flags&RUBY_T_MASK == RUBY_T_STRING {
		return 0, nil
	}
	elem, err := pathElement(rm, l, addr, 1)
	if err != nil {
		return 0, err
	}
	if isSpecialConst(elem) {
		return 0, nil
	}
	return elem, nil
}

// isSpecialConst reports whether v is an immediate like nil or false rather
// than an object reference.
func isSpecialConst(v libpf.Address) bool {
	return v < 0x100 || v%ValueSize != 0
}

// pathElement returns the string object at index i of a path object. A plain
// string path object is its own element 0.
func pathElement(rm remotememory.RemoteMemory, l *Layout, addr libpf.Address,
	i uint) (libpf.Address, error) {
	if addr == 0 {
		return 0, ErrNilString
	}
	flags, err := rm.Uint64(addr)
	if err != nil {
		return 0, err
	}
	switch flags & RUBY_T_MASK {
	case RUBY_T_STRING:
		if i == 0 {
			return addr, nil
		}
	case RUBY_T_ARRAY:
		return arrayElement(rm, l, addr, i)
	}
	return 0, fmt.Errorf("0x%x (flags 0x%x): %w", addr, flags, ErrBadPathObject)
}

func arrayElement(rm remotememory.RemoteMemory, l *Layout, addr libpf.Address,
	i uint) (libpf.Address, error) {
	hdr, err := rm.Copy(addr, l.RArray.Size)
	if err != nil {
		return 0, err
	}
	flags, err := l.RArray.Uint(hdr, "flags")
	if err != nil {
		return 0, err
	}
	if flags&l.ArrayEmbedFlag != 0 {
		length := (flags & l.ArrayEmbedLenMask) >> l.ArrayEmbedLenShift
		ary, err := l.RArray.Bytes(hdr, "as.ary")
		if err != nil {
			return 0, err
		}
		if uint64(i) >= length || (i+1)*ValueSize > uint(len(ary)) {
			return 0, fmt.Errorf("0x%x: no element %d in array of %d: %w",
				addr, i, length, ErrBadPathObject)
		}
		return npsr.Ptr(ary, i*ValueSize), nil
	}
	length, err := l.RArray.Uint(hdr, "as.heap.len")
	if err != nil {
		return 0, err
	}
	if uint64(i) >= length {
		return 0, fmt.Errorf("0x%x: no element %d in array of %d: %w",
			addr, i, length, ErrBadPathObject)
	}
	ptr, err := l.RArray.Ptr(hdr, "as.heap.ptr")
	if err != nil {
		return 0, err
	}
	return rm.Ptr(ptr.Add(i * ValueSize))
}

// StringCache keeps materialized strings by the address of their object. Ruby
// may free a string and reuse its slot, so entries can go stale while the
// target runs. It is safe for concurrent use.
type StringCache struct {
	lru *freelru.SyncedLRU[libpf.Address, string]
}

// NewStringCache returns a cache holding up to size strings.
func NewStringCache(size uint32) (*StringCache, error) {
	lru, err := freelru.NewSynced[libpf.Address, string](size, libpf.Address.Hash32)
	if err != nil {
		return nil, err
	}
	return &StringCache{lru: lru}, nil
}

// Get returns the string cached for addr.
func (c *StringCache) Get(addr libpf.Address) (string, bool) {
	return c.lru.Get(addr)
}

// Add caches s for addr.
func (c *StringCache) Add(addr libpf.Address, s string) {
	c.lru.Add(addr, s)
}

// GetAndResetMetrics reports the cache statistics since the last call.
func (c *StringCache) GetAndResetMetrics() []metrics.Metric {
	stats := c.lru.ResetMetrics()
	return []metrics.Metric{
		{
			ID:    metrics.IDRubyStringCacheHit,
			Value: metrics.MetricValue(stats.Hits),
		},
		{
			ID:    metrics.IDRubyStringCacheMiss,
			Value: metrics.MetricValue(stats.Misses),
		},
		{
			ID:    metrics.IDRubyStringCacheAdd,
			Value: metrics.MetricValue(stats.Inserts),
		},
		{
			ID:    metrics.IDRubyStringCacheDel,
			Value: metrics.MetricValue(stats.Removals),
		},
	}
}
