// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgsDefaults(t *testing.T) {
	cfg, err := parseArgs([]string{"-pid", "42", "-thread", "0x7f00", "-ruby-version", "3.2.2"})
	require.NoError(t, err)

	assert.Equal(t, uint(42), cfg.PID)
	assert.Equal(t, "0x7f00", cfg.Thread)
	assert.Equal(t, "3.2.2", cfg.RubyVersion)
	assert.Equal(t, defaultArgThreadMode, cfg.ThreadMode)
	assert.Equal(t, 15, cfg.MaxFrames)
	assert.Equal(t, defaultArgSampleRate, cfg.SampleRate)
	assert.Equal(t, defaultArgReportInterval, cfg.ReportInterval)
	assert.Empty(t, cfg.PerfCounter)
	assert.NotNil(t, cfg.Fs)
}

func TestParseArgsSources(t *testing.T) {
	dir := t.TempDir()
	conf := filepath.Join(dir, "rubyspy.conf")
	require.NoError(t, os.WriteFile(conf, []byte(
		"perf-counter cpu-clock\nperf-freq 99\non-cpu true\nsome-future-option 1\n"), 0o600))

	t.Setenv("RUBYSPY_ORDER", "outermost")
	t.Setenv("RUBYSPY_RATE", "250")

	cfg, err := parseArgs([]string{
		"-pid", "42", "-thread", "0x7f00", "-ruby-version", "3.2.2",
		"-rate", "50", "-report-interval", "1m", "-config", conf,
	})
	require.NoError(t, err)

	// Command line beats the environment, which beats the config file.
	assert.Equal(t, 50, cfg.SampleRate)
	assert.Equal(t, "outermost", cfg.Order)
	assert.Equal(t, time.Minute, cfg.ReportInterval)
	assert.Equal(t, "cpu-clock", cfg.PerfCounter)
	assert.Equal(t, uint64(99), cfg.PerfSampleFreq)
	assert.True(t, cfg.OnCPU)
}

func TestParseArgsMissingConfigFile(t *testing.T) {
	cfg, err := parseArgs([]string{"-pid", "42",
		"-config", filepath.Join(t.TempDir(), "absent.conf")})
	require.NoError(t, err)
	assert.Equal(t, uint(42), cfg.PID)
}

func TestParseArgsErrors(t *testing.T) {
	tests := map[string][]string{
		"unknown flag": {"-tracers", "all"},
		"bad pid":      {"-pid", "-1"},
		"bad duration": {"-report-interval", "soon"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseArgs(args)
			require.Error(t, err)
		})
	}
}
