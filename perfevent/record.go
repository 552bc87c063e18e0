// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfevent // import "go.opentelemetry.io/rubyspy/perfevent"

import (
	"fmt"

	npsr "go.opentelemetry.io/rubyspy/nopanicslicereader"
)

// recordHeaderSize is sizeof(struct perf_event_header).
const recordHeaderSize = 8

// RecordType is the perf_event_header type.
type RecordType uint32

// Record types that an event without mmap, comm or task tracking produces.
// https://github.com/torvalds/linux/blob/v6.6/include/uapi/linux/perf_event.h#L846
const (
	RecordLost        RecordType = 2
	RecordThrottle    RecordType = 5
	RecordUnthrottle  RecordType = 6
	RecordSample      RecordType = 9
	RecordLostSamples RecordType = 13
)

func (t RecordType) String() string {
	switch t {
	case RecordLost:
		return "lost"
	case RecordThrottle:
		return "throttle"
	case RecordUnthrottle:
		return "unthrottle"
	case RecordSample:
		return "sample"
	case RecordLostSamples:
		return "lost-samples"
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// RecordHeader is the decoded perf_event_header.
type RecordHeader struct {
	Type RecordType
	Misc uint16
	Size uint16
}

func decodeHeader(b []byte) RecordHeader {
	return RecordHeader{
		Type: RecordType(npsr.Uint32(b, 0)),
		Misc: npsr.Uint16(b, 4),
		Size: npsr.Uint16(b, 6),
	}
}

// Record is one decoded ring buffer record.
type Record interface {
	Header() RecordHeader
}

// SampleRecord is a PERF_RECORD_SAMPLE. A value field is only meaningful when
// its bit is set in Fields.
type SampleRecord struct {
	RecordHeader
	Fields SampleFields

	IP       uint64
	PID, TID uint32
	Time     uint64
	Addr     uint64
	ID       uint64
	StreamID uint64
	CPU, Res uint32
	Period   uint64
}

func (r *SampleRecord) Header() RecordHeader { return r.RecordHeader }

// Has reports whether all of f were recorded.
func (r *SampleRecord) Has(f SampleFields) bool {
	return r.Fields&f == f
}

// LostRecord reports records the kernel dropped because the ring was full.
type LostRecord struct {
	RecordHeader
	ID   uint64
	Lost uint64
}

func (r *LostRecord) Header() RecordHeader { return r.RecordHeader }

// ThrottleRecord reports the kernel throttling or unthrottling the event.
type ThrottleRecord struct {
	RecordHeader
	Time     uint64
	ID       uint64
	StreamID uint64
}

func (r *ThrottleRecord) Header() RecordHeader { return r.RecordHeader }

// decodeRecord decodes the body following hdr. fields are the sample fields
// the event was opened with.
func decodeRecord(hdr RecordHeader, body []byte, fields SampleFields) (Record, error) {
	switch hdr.Type {
	case RecordSample:
		return decodeSample(hdr, body, fields)
	case RecordLost:
		if len(body) < 16 {
			return nil, fmt.Errorf("%w: lost record of %d bytes", ErrProtocol, hdr.Size)
		}
		return &LostRecord{RecordHeader: hdr,
			ID: npsr.Uint64(body, 0), Lost: npsr.Uint64(body, 8)}, nil
	case RecordLostSamples:
		if len(body) < 8 {
			return nil, fmt.Errorf("%w: lost samples record of %d bytes", ErrProtocol, hdr.Size)
		}
		return &LostRecord{RecordHeader: hdr, Lost: npsr.Uint64(body, 0)}, nil
	case RecordThrottle, RecordUnthrottle:
		if len(body) < 24 {
			return nil, fmt.Errorf("%w: %v record of %d bytes", ErrProtocol, hdr.Type, hdr.Size)
		}
		return &ThrottleRecord{RecordHeader: hdr, Time: npsr.Uint64(body, 0),
			ID: npsr.Uint64(body, 8), StreamID: npsr.Uint64(body, 16)}, nil
	}
	return nil, fmt.Errorf("%w: unrecognized record %v", ErrProtocol, hdr.Type)
}

// decodeSample decodes the requested fields in kernel order.
// https://github.com/torvalds/linux/blob/v6.6/include/uapi/linux/perf_event.h#L946
func decodeSample(hdr RecordHeader, body []byte, fields SampleFields) (*SampleRecord, error) {
	if len(body) != fields.sampleSize() {
		return nil, fmt.Errorf("%w: sample of %d bytes, %d expected for %v",
			ErrProtocol, len(body), fields.sampleSize(), fields)
	}
	r := &SampleRecord{RecordHeader: hdr, Fields: fields}
	var off uint
	next := func() uint64 {
		v := npsr.Uint64(body, off)
		off += 8
		return v
	}
	if fields&FieldIP != 0 {
		r.IP = next()
	}
	if fields&FieldTID != 0 {
		r.PID = npsr.Uint32(body, off)
		r.TID = npsr.Uint32(body, off+4)
		off += 8
	}
	if fields&FieldTime != 0 {
		r.Time = next()
	}
	if fields&FieldAddr != 0 {
		r.Addr = next()
	}
	if fields&FieldID != 0 {
		r.ID = next()
	}
	if fields&FieldStreamID != 0 {
		r.StreamID = next()
	}
	if fields&FieldCPU != 0 {
		r.CPU = npsr.Uint32(body, off)
		r.Res = npsr.Uint32(body, off+4)
		off += 8
	}
	if fields&FieldPeriod != 0 {
		r.Period = next()
	}
	return r, nil
}
