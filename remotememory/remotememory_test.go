// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory

import (
	"errors"
	"os"
	"runtime"
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/rubyspy/libpf"
)

func RemoteMemTests(t *testing.T, rm RemoteMemory) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	dataPtr := libpf.Address(unsafe.Pointer(&data[0]))
	str := []byte("3.2.1\x00garbage")
	strPtr := libpf.Address(unsafe.Pointer(&str[0]))

	foo := make([]byte, len(data))
	err := rm.Read(dataPtr, foo)
	if errors.Is(err, syscall.ENOSYS) {
		t.Skipf("skipping due to error: %v", err)
	}
	require.NoError(t, err)
	assert.Equal(t, data, foo)

	v32, err := rm.Uint32(dataPtr)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04030201), v32)

	ptr, err := rm.Ptr(dataPtr)
	require.NoError(t, err)
	assert.Equal(t, libpf.Address(0x0807060504030201), ptr)

	for _, length := range []uint{1, 3, 8} {
		buf, err := rm.Copy(dataPtr, length)
		require.NoError(t, err)
		assert.Len(t, buf, int(length))
		assert.Equal(t, data[:length], buf)
	}

	s, err := rm.CString(strPtr, uint(len(str)))
	require.NoError(t, err)
	assert.Equal(t, "3.2.1", s)
}

func TestProcessVirtualMemory(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skipf("unsupported os %s", runtime.GOOS)
	}
	RemoteMemTests(t, NewProcessVirtualMemory(libpf.PID(os.Getpid())))
}

func TestProcessVirtualMemoryErrors(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skipf("unsupported os %s", runtime.GOOS)
	}
	rm := NewProcessVirtualMemory(libpf.PID(os.Getpid()))
	_, err := rm.Copy(0, 8)
	if errors.Is(err, syscall.ENOSYS) {
		t.Skipf("skipping due to error: %v", err)
	}
	require.ErrorIs(t, err, ErrUnmappedAddress)
	assert.False(t, IsFatal(err))

	var ce *CopyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 8, ce.Length)
}

func TestCopyLengthValidation(t *testing.T) {
	rm := NewProcessVirtualMemory(libpf.PID(os.Getpid()))
	_, err := rm.Copy(0x1000, 0)
	require.ErrorIs(t, err, ErrInvalidLength)
	_, err = rm.Copy(0x1000, MaxCopyLength+1)
	require.ErrorIs(t, err, ErrRequestTooLarge)
}

func TestCopyErrorUnwrap(t *testing.T) {
	cause := syscall.EPERM
	err := error(&CopyError{PID: 42, Addr: 0x10, Length: 8, Kind: ErrPermissionDenied, Cause: cause})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.ErrorIs(t, err, syscall.EPERM)
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "PID 42")

	err = &CopyError{Addr: 0x10, Length: 8, Copied: 3, Kind: ErrShortCopy}
	assert.ErrorIs(t, err, ErrShortCopy)
	assert.False(t, IsFatal(err))
}
