// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package periodiccaller runs callbacks on a timer until a context is done.
package periodiccaller // import "go.opentelemetry.io/rubyspy/periodiccaller"

import (
	"context"
	"time"

	"go.opentelemetry.io/rubyspy/libpf"
)

// loop calls callback on every tick or trigger until ctx is done. next returns
// the following interval, or 0 to keep the current one.
func loop(ctx context.Context, ticker *time.Ticker, trigger <-chan bool,
	next func() time.Duration, callback func(manualTrigger bool)) {
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			callback(false)
		case <-trigger:
			callback(true)
		case <-ctx.Done():
			return
		}
		if d := next(); d > 0 {
			ticker.Reset(d)
		}
	}
}

func fixed() time.Duration { return 0 }

// Start calls callback every interval until ctx is done.
func Start(ctx context.Context, interval time.Duration, callback func()) func() {
	ticker := time.NewTicker(interval)
	go loop(ctx, ticker, nil, fixed, func(bool) { callback() })
	return ticker.Stop
}

// StartWithManualTrigger calls callback every interval until ctx is done. A
// value sent on trigger calls callback immediately with manualTrigger set.
func StartWithManualTrigger(ctx context.Context, interval time.Duration, trigger <-chan bool,
	callback func(manualTrigger bool)) func() {
	ticker := time.NewTicker(interval)
	go loop(ctx, ticker, trigger, fixed, callback)
	return ticker.Stop
}

// StartWithJitter calls callback every baseDuration +/- jitter (jitter is
// [0..1]) until ctx is done. The jitter is drawn again for every interval.
func StartWithJitter(ctx context.Context, baseDuration time.Duration, jitter float64,
	callback func()) func() {
	ticker := time.NewTicker(libpf.AddJitter(baseDuration, jitter))
	go loop(ctx, ticker, nil,
		func() time.Duration { return libpf.AddJitter(baseDuration, jitter) },
		func(bool) { callback() })
	return ticker.Stop
}
