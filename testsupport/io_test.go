// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTransparency(t *testing.T) {
	reference := GenerateTestInputFile(251, 4096)
	m := NewMemory()
	m.Write(0, reference[:1000])
	m.Write(1000, reference[1000:])
	ValidateReadAtWrapperTransparency(t, 500, reference, m)
}

func TestMemoryGapsAndFaults(t *testing.T) {
	m := NewMemory()
	m.Write(0x1000, []byte{1, 2, 3, 4})
	m.WriteUint64(0x2000, 0x1122334455667788)

	buf := make([]byte, 8)
	n, err := m.ReadAt(buf, 0x1000)
	assert.Equal(t, 4, n)
	require.ErrorIs(t, err, io.EOF)

	n, err = m.ReadAt(buf, 0x3000)
	assert.Zero(t, n)
	require.ErrorIs(t, err, io.EOF)

	m.Write(0x2002, []byte{0xaa})
	n, err = m.ReadAt(buf, 0x2000)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, []byte{0x88, 0x77, 0xaa, 0x55, 0x44, 0x33, 0x22, 0x11}, buf)

	boom := errors.New("boom")
	m.Fault(0x2000, boom)
	_, err = m.ReadAt(buf, 0x2000)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 4, m.Reads())
}
