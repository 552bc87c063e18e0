// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package successfailurecounter records the outcome of a multi-step operation,
// such as reading one Ruby control frame, in exactly one of two counters.
//
// A SuccessFailureCounter is used by a single goroutine. The counters it points
// to may be shared.
package successfailurecounter // import "go.opentelemetry.io/rubyspy/successfailurecounter"

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// SuccessFailureCounter increments either the success or the failure counter,
// once.
type SuccessFailureCounter struct {
	success, fail *atomic.Uint64
	sealed        bool
}

// New returns a SuccessFailureCounter that can be incremented exactly once.
func New(success, fail *atomic.Uint64) SuccessFailureCounter {
	return SuccessFailureCounter{success: success, fail: fail}
}

// Sealed reports whether an outcome was already recorded.
func (sfc *SuccessFailureCounter) Sealed() bool {
	return sfc.sealed
}

// ReportSuccess increments the success counter. A second report is logged and
// ignored.
func (sfc *SuccessFailureCounter) ReportSuccess() {
	sfc.report(sfc.success, "success")
}

// ReportFailure increments the failure counter. A second report is logged and
// ignored.
func (sfc *SuccessFailureCounter) ReportFailure() {
	sfc.report(sfc.fail, "failure")
}

func (sfc *SuccessFailureCounter) report(counter *atomic.Uint64, outcome string) {
	if sfc.sealed {
		log.Errorf("Attempted to report %s after the outcome was recorded", outcome)
		return
	}
	counter.Add(1)
	sfc.sealed = true
}

// DefaultToSuccess increments the success counter if nothing was reported.
func (sfc *SuccessFailureCounter) DefaultToSuccess() {
	if !sfc.sealed {
		sfc.success.Add(1)
		sfc.sealed = true
	}
}

// DefaultToFailure increments the failure counter if nothing was reported.
// It is meant to be deferred so that every early error return counts.
func (sfc *SuccessFailureCounter) DefaultToFailure() {
	if !sfc.sealed {
		sfc.fail.Add(1)
		sfc.sealed = true
	}
}
