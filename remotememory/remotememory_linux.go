//go:build linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "go.opentelemetry.io/rubyspy/remotememory"

import (
	"errors"

	"golang.org/x/sys/unix"

	"go.opentelemetry.io/rubyspy/libpf"
)

func (vm ProcessVirtualMemory) ReadAt(p []byte, off int64) (int, error) {
	numBytesWanted := len(p)
	if numBytesWanted == 0 {
		return 0, nil
	}
	localIov := []unix.Iovec{{Base: &p[0], Len: uint64(numBytesWanted)}}
	remoteIov := []unix.RemoteIovec{{Base: uintptr(off), Len: numBytesWanted}}
	numBytesRead, err := unix.ProcessVMReadv(int(vm.pid), localIov, remoteIov, 0)
	if numBytesRead < 0 {
		numBytesRead = 0
	}
	if err != nil {
		return numBytesRead, &CopyError{PID: vm.pid, Addr: libpf.Address(off),
			Length: numBytesWanted, Copied: numBytesRead, Kind: classifyErrno(err), Cause: err}
	}
	if numBytesRead != numBytesWanted {
		return numBytesRead, &CopyError{PID: vm.pid, Addr: libpf.Address(off),
			Length: numBytesWanted, Copied: numBytesRead, Kind: ErrShortCopy}
	}
	return numBytesRead, nil
}

// classifyErrno maps process_vm_readv failures onto the package error taxonomy.
func classifyErrno(err error) error {
	switch {
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return ErrPermissionDenied
	case errors.Is(err, unix.ESRCH):
		return ErrProcessExited
	case errors.Is(err, unix.EFAULT):
		return ErrUnmappedAddress
	}
	return ErrShortCopy
}
