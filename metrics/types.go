// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "go.opentelemetry.io/rubyspy/metrics"

import "fmt"

// Create ids.go from metrics.json
//go:generate go run genids/main.go metrics.json ids.go

// MetricID is the type for metric IDs.
type MetricID uint16

// MetricValue is the type for metric values.
type MetricValue int64

// Metric is the type for a metric id/value pair.
type Metric struct {
	ID    MetricID
	Value MetricValue
}

// Summary helps summarizing metrics of the same ID from different sources before
// processing it further.
type Summary map[MetricID]MetricValue

// MetricType is the kind of OTel instrument a metric is reported through.
type MetricType string

const (
	// MetricTypeCounter values are deltas since the previous report.
	MetricTypeCounter MetricType = "counter"
	// MetricTypeGauge values are absolute.
	MetricTypeGauge MetricType = "gauge"
)

// UnmarshalText rejects unknown metric types.
func (t *MetricType) UnmarshalText(b []byte) error {
	switch typ := MetricType(b); typ {
	case MetricTypeCounter, MetricTypeGauge:
		*t = typ
		return nil
	}
	return fmt.Errorf("unknown metric type %q", b)
}

// MetricDefinition is one entry of metrics.json.
type MetricDefinition struct {
	Description string     `json:"description"`
	Type        MetricType `json:"type"`
	Name        string     `json:"name"`
	Field       string     `json:"field"`
	Unit        string     `json:"unit,omitempty"`
	ID          MetricID   `json:"id"`
	Obsolete    bool       `json:"obsolete,omitempty"`
}
