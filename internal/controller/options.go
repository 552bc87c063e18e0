// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/rubyspy/internal/controller"

import (
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/rubyspy/perfevent"
	"go.opentelemetry.io/rubyspy/remotememory"
	"go.opentelemetry.io/rubyspy/sampler"
)

type Option interface {
	applyOption(*Controller) *Controller
}
type controllerOptionFunc func(*Controller) *Controller

func (f controllerOptionFunc) applyOption(c *Controller) *Controller {
	return f(c)
}

// WithRemoteMemory reads the target through rm instead of process_vm_readv.
func WithRemoteMemory(rm remotememory.RemoteMemory) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.rm = rm
		return c
	})
}

// WithSnapshotConsumer hands every stack snapshot to fn. An error from fn ends
// the session.
func WithSnapshotConsumer(fn func(*sampler.Snapshot) error) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.onSnapshot = fn
		return c
	})
}

// WithRecordConsumer hands every perf ring record to fn. An error from fn ends
// the session.
func WithRecordConsumer(fn func(perfevent.Record) error) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.onRecord = fn
		return c
	})
}

// WithLogger logs through logger instead of the standard logrus logger.
func WithLogger(logger *log.Logger) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.log = logger.WithFields(c.log.Data)
		return c
	})
}
