// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package testsupport provides an in-memory stand-in for a target process address
// space, used to exercise remote memory consumers without a live process.
package testsupport // import "go.opentelemetry.io/rubyspy/testsupport"

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/rand/v2"
	"sort"
	"sync"
	"testing"

	"go.opentelemetry.io/rubyspy/libpf"
	"go.opentelemetry.io/rubyspy/remotememory"
)

type region struct {
	start libpf.Address
	data  []byte
}

// Memory is a sparse fake address space. Reads spanning unmapped gaps are
// truncated at the gap, like process_vm_readv does at the end of a mapping.
type Memory struct {
	mu      sync.Mutex
	regions []region
	faults  map[libpf.Address]error
	reads   int
}

// NewMemory returns an empty fake address space.
func NewMemory() *Memory {
	return &Memory{faults: make(map[libpf.Address]error)}
}

// RemoteMemory wraps m for use by remote memory consumers.
func (m *Memory) RemoteMemory() remotememory.RemoteMemory {
	return remotememory.RemoteMemory{ReaderAt: m}
}

// Write maps data at addr, replacing any overlapping bytes of existing regions.
func (m *Memory) Write(addr libpf.Address, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.regions {
		r := &m.regions[i]
		if addr >= r.start && addr+libpf.Address(len(data)) <= r.start+libpf.Address(len(r.data)) {
			copy(r.data[addr-r.start:], data)
			return
		}
	}
	m.regions = append(m.regions, region{start: addr, data: bytes.Clone(data)})
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].start < m.regions[j].start })
}

// WriteUint64 maps a little endian 64-bit value at addr.
func (m *Memory) WriteUint64(addr libpf.Address, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	m.Write(addr, buf[:])
}

// Fault makes every read starting at addr fail with err.
func (m *Memory) Fault(addr libpf.Address, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[addr] = err
}

// Reads returns the number of ReadAt calls served so far.
func (m *Memory) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// ReadAt implements io.ReaderAt over the mapped regions.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	addr := libpf.Address(off)
	if err, ok := m.faults[addr]; ok {
		return 0, err
	}
	n := 0
	for n < len(p) {
		cur := addr + libpf.Address(n)
		r := m.find(cur)
		if r == nil {
			break
		}
		n += copy(p[n:], r.data[cur-r.start:])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *Memory) find(addr libpf.Address) *region {
	for i := range m.regions {
		r := &m.regions[i]
		if addr >= r.start && addr < r.start+libpf.Address(len(r.data)) {
			return r
		}
	}
	return nil
}

// ValidateReadAtWrapperTransparency validates that a `ReadAt` implementation provides a
// transparent view into the given reference buffer.
func ValidateReadAtWrapperTransparency(
	t *testing.T, iterations uint, reference []byte, testee io.ReaderAt) {
	bufferSize := uint64(len(reference))

	// Samples random slices to validate within the buffer.
	r := rand.New(rand.NewPCG(0, 0)) //nolint:gosec
	for range iterations {
		// Intentionally allow slices that over-read the buffer to test this case.
		length := r.Uint64() % bufferSize
		start := r.Uint64() % bufferSize

		readBuf := make([]byte, length)
		n, err := testee.ReadAt(readBuf, int64(start))

		truncReadLen := min(bufferSize-start, length)
		if truncReadLen != length {
			// If we asked to read more than the buffer has, we expect a truncated read.
			if err != io.EOF {
				t.Fatalf("expected an EOF error")
			}
			if uint64(n) != truncReadLen {
				t.Fatalf("expected truncation to %d, but got %d", truncReadLen, n)
			}
		} else {
			// Otherwise, we expect a full read.
			if uint64(n) != length {
				t.Fatalf("read length mismatch (%v vs %v)", n, length)
			}
			if err != nil {
				t.Fatalf("failed to read: %v", err)
			}
		}

		got := readBuf[:truncReadLen]
		expected := reference[start:][:truncReadLen]
		if !bytes.Equal(got, expected) {
			t.Fatalf("data mismatch: got %v, expected %v", got, expected)
		}
	}
}

// GenerateTestInputFile generates a test input buffer, repeating a number sequence over and over.
func GenerateTestInputFile(seqLen uint8, outputSize uint) []byte {
	out := make([]byte, 0, outputSize)
	for i := range outputSize {
		out = append(out, byte(i%uint(seqLen)))
	}

	return out
}
