// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/rubyspy/internal/controller"

import (
	"time"

	"go.opentelemetry.io/rubyspy/util"
)

const (
	stackCacheMinSize = 1024
	stackCacheMaxSize = 1 << 16
)

// stackCacheSize returns the number of distinct stacks tracked between two
// reports: enough for every sample of one report interval at the given rate,
// within [stackCacheMinSize, stackCacheMaxSize]. Unthrottled sampling gets the
// maximum.
func stackCacheSize(sampleRate int, reportInterval time.Duration) uint32 {
	if sampleRate <= 0 {
		return stackCacheMaxSize
	}
	seconds := max(uint64(reportInterval/time.Second), 1)
	n := uint64(sampleRate) * seconds
	size := uint32(min(max(n, stackCacheMinSize), stackCacheMaxSize))
	return util.NextPowerOfTwo(size)
}
