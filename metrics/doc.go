// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics buffers the internal counters of the profiler and reports them
through OTel metric instruments, and optionally to a Reporter.

Components expose a GetAndResetMetrics method returning a []Metric. The
controller collects them periodically and passes them to AddSlice:

	metrics.AddSlice(walker.GetAndResetMetrics())

Metric IDs are generated from metrics.json. Counters carry the delta since the
previous collection, gauges carry an absolute value. Zero valued counters are
not reported.
*/
package metrics // import "go.opentelemetry.io/rubyspy/metrics"
