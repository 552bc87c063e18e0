// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/rubyspy/internal/controller"

import (
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/rubyspy/metrics"
)

// MetricsLogger is a metrics.Reporter writing every batch to the debug log.
type MetricsLogger struct {
	fields map[uint32]string
}

var _ metrics.Reporter = (*MetricsLogger)(nil)

// NewMetricsLogger returns a MetricsLogger naming metrics by their field name.
func NewMetricsLogger() *MetricsLogger {
	defs := metrics.GetDefinitions()
	fields := make(map[uint32]string, len(defs))
	for _, md := range defs {
		fields[uint32(md.ID)] = md.Field
	}
	return &MetricsLogger{fields: fields}
}

// ReportMetrics implements metrics.Reporter.
func (m *MetricsLogger) ReportMetrics(timestamp uint32, ids []uint32, values []int64) {
	entry := make(log.Fields, len(ids))
	for i, id := range ids {
		entry[m.fields[id]] = values[i]
	}
	log.WithFields(entry).WithField("timestamp", timestamp).Debug("Metrics")
}
