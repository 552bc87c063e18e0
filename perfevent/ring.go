// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfevent // import "go.opentelemetry.io/rubyspy/perfevent"

import (
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	npsr "go.opentelemetry.io/rubyspy/nopanicslicereader"
	"go.opentelemetry.io/rubyspy/util"
)

// Offsets of the cursor words in struct perf_event_mmap_page.
// https://github.com/torvalds/linux/blob/v6.6/include/uapi/linux/perf_event.h#L660
const (
	metaDataHead   = 1024
	metaDataTail   = 1032
	metaDataOffset = 1040
	metaDataSize   = 1048
	metaPageMin    = metaDataSize + 8
)

// Ring decodes the records of a perf ring buffer mapping: one metadata page
// followed by a power of two sized data area. The kernel publishes records by
// advancing data_head; Ring consumes them and hands space back by advancing
// data_tail.
type Ring struct {
	data   []byte
	mask   uint64
	head   *uint64
	tail   *uint64
	cursor uint64
	fields SampleFields
}

// NewRing wraps mem, a mapping of the metadata page and the data pages. The
// mapping must stay valid for the lifetime of the Ring.
func NewRing(mem []byte, pageSize int, fields SampleFields) (*Ring, error) {
	if pageSize < metaPageMin || len(mem) <= pageSize {
		return nil, fmt.Errorf("%w: mapping of %d bytes with %d byte pages",
			ErrProtocol, len(mem), pageSize)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		return nil, fmt.Errorf("%w: mapping is not aligned", ErrProtocol)
	}

	off, size := uint64(pageSize), uint64(len(mem)-pageSize)
	// Kernels since 4.1 publish the data area location themselves.
	if o, s := npsr.Uint64(mem, metaDataOffset), npsr.Uint64(mem, metaDataSize); s != 0 {
		if o < metaPageMin || o > uint64(len(mem)) || s > uint64(len(mem))-o {
			return nil, fmt.Errorf("%w: data area [0x%x, +0x%x) outside of mapping",
				ErrProtocol, o, s)
		}
		off, size = o, s
	}
	if size > math.MaxUint32 || !util.IsPowerOfTwo(uint32(size)) {
		return nil, fmt.Errorf("%w: data area of %d bytes", ErrProtocol, size)
	}

	r := &Ring{
		data:   mem[off : off+size],
		mask:   size - 1,
		head:   (*uint64)(unsafe.Pointer(&mem[metaDataHead])),
		tail:   (*uint64)(unsafe.Pointer(&mem[metaDataTail])),
		fields: fields,
	}
	r.cursor = atomic.LoadUint64(r.tail)
	return r, nil
}

// Size returns the size of the data area.
func (r *Ring) Size() uint64 {
	return uint64(len(r.data))
}

// Pending returns the number of published bytes not yet consumed.
func (r *Ring) Pending() uint64 {
	return atomic.LoadUint64(r.head) - r.cursor
}

// copyOut copies len(dst) bytes starting at the ring position pos, following
// the wrap to the start of the data area.
func (r *Ring) copyOut(dst []byte, pos uint64) {
	n := copy(dst, r.data[pos&r.mask:])
	copy(dst[n:], r.data)
}

// Next decodes the next published record and releases its space to the kernel.
// It returns nil when no complete record is pending. Protocol violations leave
// the tail untouched.
func (r *Ring) Next() (Record, error) {
	head := atomic.LoadUint64(r.head)
	tail := r.cursor
	switch {
	case head == tail:
		return nil, nil
	case head < tail:
		return nil, fmt.Errorf("%w: data_head 0x%x behind tail 0x%x", ErrProtocol, head, tail)
	case head-tail > r.Size():
		return nil, fmt.Errorf("%w: 0x%x pending bytes overflow the %d byte ring",
			ErrProtocol, head-tail, r.Size())
	case head-tail < recordHeaderSize:
		return nil, fmt.Errorf("%w: %d bytes pending, less than a record header",
			ErrProtocol, head-tail)
	}

	var hb [recordHeaderSize]byte
	r.copyOut(hb[:], tail)
	hdr := decodeHeader(hb[:])
	if hdr.Size < recordHeaderSize {
		return nil, fmt.Errorf("%w: %v record of size %d at 0x%x",
			ErrProtocol, hdr.Type, hdr.Size, tail)
	}
	if uint64(hdr.Size) > head-tail {
		return nil, fmt.Errorf("%w: %v record of size %d at 0x%x extends past data_head 0x%x",
			ErrProtocol, hdr.Type, hdr.Size, tail, head)
	}

	body := make([]byte, hdr.Size-recordHeaderSize)
	r.copyOut(body, tail+recordHeaderSize)
	rec, err := decodeRecord(hdr, body, r.fields)
	if err != nil {
		return nil, err
	}

	r.cursor = tail + uint64(hdr.Size)
	atomic.StoreUint64(r.tail, r.cursor)
	return rec, nil
}

// Drain decodes all pending records, calling fn for each. The tail advances
// past a record before fn sees it, so no record is delivered twice.
func (r *Ring) Drain(fn func(Record) error) (int, error) {
	n := 0
	for {
		rec, err := r.Next()
		if err != nil || rec == nil {
			return n, err
		}
		n++
		if err := fn(rec); err != nil {
			return n, err
		}
	}
}
