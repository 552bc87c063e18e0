// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// remotememory provides access to memory space of a process. The ReaderAt
// interface is used for the basic access, and various convenience functions are
// provided to copy exactly sized byte ranges and read specific data types.
package remotememory // import "go.opentelemetry.io/rubyspy/remotememory"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/rubyspy/libpf"
)

// MaxCopyLength is the largest single copy request accepted by Copy.
const MaxCopyLength = 20_000_000

var (
	// ErrPermissionDenied is returned when the target's memory cannot be accessed with
	// the current credentials (missing CAP_SYS_PTRACE, ptrace_scope, ...).
	ErrPermissionDenied = errors.New("permission denied reading process memory")
	// ErrProcessExited is returned when the target process no longer exists.
	ErrProcessExited = errors.New("process is not running")
	// ErrUnmappedAddress is returned when the remote range is not mapped in the target.
	ErrUnmappedAddress = errors.New("address is not mapped in the target")
	// ErrShortCopy is returned when fewer bytes than requested were copied.
	ErrShortCopy = errors.New("short copy from target memory")
	// ErrInvalidLength is returned for zero sized copy requests.
	ErrInvalidLength = errors.New("copy length must be positive")
	// ErrRequestTooLarge is returned for copy requests above MaxCopyLength.
	ErrRequestTooLarge = errors.New("copy request too large")
)

// CopyError describes a failed copy from target memory. It unwraps to both the
// classifying sentinel (Kind) and the underlying cause, if any.
type CopyError struct {
	PID    libpf.PID
	Addr   libpf.Address
	Length int
	Copied int
	Kind   error
	Cause  error
}

func (e *CopyError) Error() string {
	msg := fmt.Sprintf("failed to read PID %v at 0x%x (%d of %d bytes): %v",
		e.PID, e.Addr, e.Copied, e.Length, e.Kind)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CopyError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// IsFatal reports whether err means no further reads from the target can succeed.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrProcessExited)
}

// RemoteMemory implements a set of convenience functions to access the remote memory
type RemoteMemory struct {
	io.ReaderAt
}

// Valid determines if this RemoteMemory instance contains a valid reference to target process
func (rm RemoteMemory) Valid() bool {
	return rm.ReaderAt != nil
}

// Read fills slice p[] with data from remote memory at address addr. A read that
// copies fewer than len(p) bytes is always an error.
func (rm RemoteMemory) Read(addr libpf.Address, p []byte) error {
	n, err := rm.ReadAt(p, int64(addr))
	if err != nil {
		var ce *CopyError
		if errors.As(err, &ce) {
			return err
		}
		kind := ErrShortCopy
		if n == 0 {
			kind = ErrUnmappedAddress
		}
		if n == len(p) && errors.Is(err, io.EOF) {
			return nil
		}
		return &CopyError{Addr: addr, Length: len(p), Copied: n, Kind: kind, Cause: err}
	}
	if n != len(p) {
		return &CopyError{Addr: addr, Length: len(p), Copied: n, Kind: ErrShortCopy}
	}
	return nil
}

// Copy returns a newly allocated Local Copy of exactly length bytes from addr.
func (rm RemoteMemory) Copy(addr libpf.Address, length uint) ([]byte, error) {
	if length == 0 {
		return nil, fmt.Errorf("copy at 0x%x: %w", addr, ErrInvalidLength)
	}
	if length > MaxCopyLength {
		return nil, fmt.Errorf("copy of %d bytes at 0x%x: %w", length, addr, ErrRequestTooLarge)
	}
	buf := make([]byte, length)
	if err := rm.Read(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Ptr reads a native pointer from remote memory
func (rm RemoteMemory) Ptr(addr libpf.Address) (libpf.Address, error) {
	v, err := rm.Uint64(addr)
	return libpf.Address(v), err
}

// Uint32 reads a 32-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint32(addr libpf.Address) (uint32, error) {
	var buf [4]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Uint64 reads a 64-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint64(addr libpf.Address) (uint64, error) {
	var buf [8]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// CString reads a zero terminated string of at most maxLen bytes from remote memory.
func (rm RemoteMemory) CString(addr libpf.Address, maxLen uint) (string, error) {
	buf, err := rm.Copy(addr, maxLen)
	if err != nil {
		return "", err
	}
	zeroIdx := bytes.IndexByte(buf, 0)
	if zeroIdx < 0 {
		return "", fmt.Errorf("no terminator within %d bytes at 0x%x", maxLen, addr)
	}
	return string(buf[:zeroIdx]), nil
}

// ProcessVirtualMemory implements RemoteMemory by using process_vm_readv syscalls
// to read the remote memory.
type ProcessVirtualMemory struct {
	pid libpf.PID
}

// NewProcessVirtualMemory returns ProcessVirtualMemory implementation of RemoteMemory.
func NewProcessVirtualMemory(pid libpf.PID) RemoteMemory {
	return RemoteMemory{ReaderAt: ProcessVirtualMemory{pid}}
}
