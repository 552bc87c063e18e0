// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentmetrics reports the resource usage of the profiler itself.
package agentmetrics // import "go.opentelemetry.io/rubyspy/metrics/agentmetrics"

import (
	"context"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/rubyspy/metrics"
	"go.opentelemetry.io/rubyspy/periodiccaller"
)

// rusageSelf selects the calling process in getrusage(2).
const rusageSelf = 0

// cpuTimes holds the CPU times of the previous collection.
type cpuTimes struct {
	utime unix.Timeval
	stime unix.Timeval
}

// timeDelta returns now - prev in milliseconds.
func timeDelta(now, prev unix.Timeval) int64 {
	secDelta := (now.Sec - prev.Sec) * 1000
	usecDelta := (now.Usec - prev.Usec) / 1000
	return int64(secDelta + usecDelta)
}

// collect returns the agent metrics and remembers the current CPU times.
func (c *cpuTimes) collect() ([]metrics.Metric, error) {
	var rusage unix.Rusage
	if err := unix.Getrusage(rusageSelf, &rusage); err != nil {
		return nil, err
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	deltaUtime := timeDelta(rusage.Utime, c.utime)
	deltaStime := timeDelta(rusage.Stime, c.stime)
	c.utime, c.stime = rusage.Utime, rusage.Stime

	return []metrics.Metric{
		{ID: metrics.IDAgentGoRoutines, Value: metrics.MetricValue(runtime.NumGoroutine())},
		{ID: metrics.IDAgentHeapAlloc, Value: metrics.MetricValue(stats.HeapAlloc)},
		{ID: metrics.IDAgentUTime, Value: metrics.MetricValue(deltaUtime)},
		{ID: metrics.IDAgentSTime, Value: metrics.MetricValue(deltaStime)},
	}, nil
}

// Start reports the agent metrics every interval until ctx is done or the
// returned function is called.
func Start(ctx context.Context, interval time.Duration) (func(), error) {
	var prev cpuTimes
	if _, err := prev.collect(); err != nil {
		return func() {}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	stopReporting := periodiccaller.Start(ctx, interval, func() {
		m, err := prev.collect()
		if err != nil {
			log.Errorf("Failed to fetch rusage: %v", err)
			return
		}
		metrics.AddSlice(m)
	})

	return func() {
		cancel()
		stopReporting()
	}, nil
}
