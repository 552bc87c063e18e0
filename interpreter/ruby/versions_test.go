// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ruby

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/rubyspy/libpf"
	"go.opentelemetry.io/rubyspy/remotememory"
	"go.opentelemetry.io/rubyspy/testsupport"
	"go.opentelemetry.io/rubyspy/vmlayout"
)

func TestLayoutForVersion(t *testing.T) {
	tests := map[string]struct {
		version       string
		arch          string
		stride        uint
		bodySize      uint
		variableWidth bool
		runningEC     uint
		err           error
	}{
		"2.5.0":        {version: "2.5.0", arch: "amd64", stride: 48, bodySize: 288},
		"2.7.4":        {version: "2.7.4", arch: "amd64", stride: 56, bodySize: 312},
		"3.0.0":        {version: "3.0.0", arch: "amd64", stride: 56, bodySize: 312, runningEC: 0x208},
		"3.1.2 arm64":  {version: "3.1.2", arch: "arm64", stride: 64, bodySize: 312, runningEC: 0x218},
		"3.2.0":        {version: "3.2.0", arch: "amd64", stride: 64, bodySize: 320, variableWidth: true, runningEC: 0x208},
		"3.3.5":        {version: "3.3.5", arch: "amd64", stride: 56, bodySize: 344, variableWidth: true, runningEC: 0x180},
		"3.3.0 arm64":  {version: "3.3.0", arch: "arm64", stride: 56, bodySize: 344, variableWidth: true, runningEC: 0x190},
		"3.4.1":        {version: "3.4.1", arch: "amd64", stride: 56, bodySize: 352, variableWidth: true, runningEC: 0x180},
		"too old":      {version: "2.4.10", arch: "amd64", err: vmlayout.ErrUnsupportedVersion},
		"too new":      {version: "3.5.0", arch: "amd64", err: vmlayout.ErrUnsupportedVersion},
		"unknown arch": {version: "3.3.0", arch: "386", err: vmlayout.ErrUnsupportedVersion},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			v, err := vmlayout.ParseVersion(tc.version)
			require.NoError(t, err)
			l, err := layoutFor(v, tc.arch)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, v, l.Version)
			assert.Equal(t, tc.stride, l.FrameStride())
			assert.Equal(t, tc.bodySize, l.IseqBody.Size)
			assert.Equal(t, tc.variableWidth, l.VariableWidthStrings())
			if tc.runningEC == 0 {
				assert.False(t, l.Ractor.Has("running_ec"))
			} else {
				f, err := l.Ractor.Field("running_ec")
				require.NoError(t, err)
				assert.Equal(t, tc.runningEC, f.Offset)
			}
			assert.Equal(t, uint64(RSTRING_NOEMBED), l.NoEmbedFlag)
			require.NoError(t, l.Validate())
		})
	}
}

func TestThreadStatusLayout(t *testing.T) {
	tests := map[string]struct {
		threadPtr uint
		status    uint
	}{
		"2.5.9": {threadPtr: 64, status: 80},
		"2.7.4": {threadPtr: 48, status: 80},
		"3.0.0": {threadPtr: 48, status: 88},
		"3.1.2": {threadPtr: 48, status: 88},
		"3.2.0": {threadPtr: 48},
		"3.4.1": {threadPtr: 48},
	}
	for version, tc := range tests {
		t.Run(version, func(t *testing.T) {
			v, err := vmlayout.ParseVersion(version)
			require.NoError(t, err)
			l, err := layoutFor(v, "amd64")
			require.NoError(t, err)

			f, err := l.ExecutionContext.Field("thread_ptr")
			require.NoError(t, err)
			assert.Equal(t, tc.threadPtr, f.Offset)
			if tc.status == 0 {
				assert.False(t, l.Thread.Has("status"))
				return
			}
			f, err = l.Thread.Field("status")
			require.NoError(t, err)
			assert.Equal(t, tc.status, f.Offset)
		})
	}
}

func TestLayoutValidate(t *testing.T) {
	valid := func(t *testing.T) *Layout {
		l, err := layoutFor(vmlayout.Version{Major: 3, Minor: 3, Patch: 0}, "amd64")
		require.NoError(t, err)
		return l
	}

	tests := map[string]func(l *Layout){
		"location size mismatch": func(l *Layout) {
			l.Location.Size = 40
		},
		"missing cfp": func(l *Layout) {
			l.ExecutionContext.Fields = l.ExecutionContext.Fields[:2]
		},
		"field outside frame": func(l *Layout) {
			l.ControlFrame.Size = 16
		},
		"no embed flag": func(l *Layout) {
			l.NoEmbedFlag = 0
		},
	}
	for name, corrupt := range tests {
		t.Run(name, func(t *testing.T) {
			l := valid(t)
			corrupt(l)
			require.ErrorIs(t, l.Validate(), vmlayout.ErrInvalidLayout)
		})
	}
}

func TestVerifyVersion(t *testing.T) {
	const versionAddr = libpf.Address(0x1000)
	mem := testsupport.NewMemory()
	buf := make([]byte, versionStringLength)
	copy(buf, "3.2.1\x00")
	mem.Write(versionAddr, buf)
	rm := mem.RemoteMemory()

	tests := map[string]struct {
		layout string
		addr   libpf.Address
		err    error
	}{
		"match":      {layout: "3.2.1", addr: versionAddr},
		"mismatch":   {layout: "3.2.2", addr: versionAddr, err: vmlayout.ErrVersionMismatch},
		"unreadable": {layout: "3.2.1", addr: 0x2000, err: remotememory.ErrUnmappedAddress},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			v, err := vmlayout.ParseVersion(tc.layout)
			require.NoError(t, err)
			l, err := layoutFor(v, "amd64")
			require.NoError(t, err)

			err = VerifyVersion(rm, l, tc.addr)
			if tc.err == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.err)
		})
	}
}
