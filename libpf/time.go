// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/rubyspy/libpf"

import (
	"math/rand/v2"
	"time"

	log "github.com/sirupsen/logrus"
)

// UnixTime32 is a timestamp in seconds since epoch. It is used to batch
// metrics by second.
type UnixTime32 uint32

// NowAsUInt32 returns the current time in seconds since epoch.
func NowAsUInt32() uint32 {
	return uint32(time.Now().Unix())
}

// AddJitter adds +/- jitter (jitter is [0..1]) to baseDuration.
func AddJitter(baseDuration time.Duration, jitter float64) time.Duration {
	if jitter < 0.0 || jitter > 1.0 {
		log.Errorf("Jitter (%f) out of range [0..1].", jitter)
		return baseDuration
	}
	return time.Duration((1 + jitter - 2*jitter*rand.Float64()) * float64(baseDuration))
}
