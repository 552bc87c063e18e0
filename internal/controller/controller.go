// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/rubyspy/internal/controller"

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/rubyspy/interpreter/ruby"
	"go.opentelemetry.io/rubyspy/metrics"
	"go.opentelemetry.io/rubyspy/perfevent"
	"go.opentelemetry.io/rubyspy/periodiccaller"
	"go.opentelemetry.io/rubyspy/remotememory"
	"go.opentelemetry.io/rubyspy/sampler"
)

// reportJitter is the +/- fraction applied to the report interval.
const reportJitter = 0.2

// Controller runs one profiling session: stack sampling of a Ruby thread and,
// optionally, a perf counter on the same process.
type Controller struct {
	config    *Config
	sessionID uuid.UUID
	log       *log.Entry

	rm         remotememory.RemoteMemory
	onSnapshot func(*sampler.Snapshot) error
	onRecord   func(perfevent.Record) error

	stacks    *stackCounts
	perfCount atomic.Uint64
}

// New creates a new controller
func New(cfg *Config, opts ...Option) *Controller {
	c := &Controller{
		config:    cfg,
		sessionID: uuid.New(),
	}
	c.log = log.WithFields(log.Fields{
		"pid":     cfg.PID,
		"session": c.sessionID.String(),
	})
	for _, opt := range opts {
		c = opt.applyOption(c)
	}
	return c
}

// SessionID identifies this controller in log records.
func (c *Controller) SessionID() uuid.UUID {
	return c.sessionID
}

// PerfCount returns the aggregate count of the perf counter after Run returned.
func (c *Controller) PerfCount() uint64 {
	return c.perfCount.Load()
}

// Run samples until ctx is cancelled, the snapshot limit is reached or a
// pipeline fails. The stack summary is logged on every return path after the
// pipelines started.
func (c *Controller) Run(ctx context.Context) error {
	s, err := c.config.settings()
	if err != nil {
		return err
	}
	if !c.rm.Valid() {
		c.rm = remotememory.NewProcessVirtualMemory(s.pid)
	}

	layout, err := ruby.LayoutForVersion(s.version)
	if err != nil {
		return err
	}
	if s.versionAddr != 0 {
		if err = ruby.VerifyVersion(c.rm, layout, s.versionAddr); err != nil {
			return fmt.Errorf("failed to verify ruby version of PID %v: %w", s.pid, err)
		}
		c.log.Debugf("Verified ruby %v", layout.Version)
	} else {
		c.log.Warnf("Sampling without verifying that the target runs ruby %v, "+
			"a wrong version misreads every frame", layout.Version)
	}

	walker, err := ruby.NewWalker(c.rm, layout, s.walker)
	if err != nil {
		return fmt.Errorf("failed to create stack walker: %w", err)
	}
	sched, err := sampler.New(s.sampler, walker)
	if err != nil {
		return fmt.Errorf("failed to create sampler: %w", err)
	}
	c.stacks, err = newStackCounts(stackCacheSize(c.config.SampleRate, c.config.ReportInterval))
	if err != nil {
		return err
	}

	collectors := []func() []metrics.Metric{
		walker.GetAndResetMetrics,
		sched.GetAndResetMetrics,
		c.stacks.GetAndResetMetrics,
	}
	var perf *perfevent.Sampler
	if s.perf != nil {
		if perf, err = perfevent.NewSampler(*s.perf); err != nil {
			return err
		}
		collectors = append(collectors, perf.GetAndResetMetrics)
	}

	// Metrics are collected once more after the pipelines stopped, so the
	// collector outlives ctx.
	metricsCtx, stopMetricsCtx := context.WithCancel(context.WithoutCancel(ctx))
	flushMetrics := make(chan bool)
	stopMetrics := periodiccaller.StartWithManualTrigger(metricsCtx, c.config.MetricsInterval,
		flushMetrics, func(bool) {
			for _, collect := range collectors {
				metrics.AddSlice(collect())
			}
		})
	defer func() {
		flushMetrics <- true
		stopMetricsCtx()
		stopMetrics()
	}()

	stopReports := periodiccaller.StartWithJitter(ctx, c.config.ReportInterval, reportJitter,
		c.reportStacks)
	defer stopReports()
	defer c.reportStacks()

	c.log.Infof("Sampling ruby %v thread 0x%x (%v)", layout.Version, s.thread,
		c.config.ThreadMode)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stopRun := context.WithCancel(gctx)
	defer stopRun()

	g.Go(func() error {
		// The perf pipeline ends with stack sampling.
		defer stopRun()
		if err := sched.RunEvery(runCtx, s.interval, c.consumeSnapshot); err != nil {
			return fmt.Errorf("stack sampling failed: %w", err)
		}
		return nil
	})
	if perf != nil {
		g.Go(func() error {
			count, err := perf.Run(runCtx, s.pollInterval, c.consumeRecord)
			if err != nil {
				return fmt.Errorf("perf sampling failed: %w", err)
			}
			c.perfCount.Store(count)
			c.log.WithField("counter", s.perf.Counter).Infof("Counted %d events", count)
			return nil
		})
	}
	return g.Wait()
}

func (c *Controller) consumeSnapshot(snap *sampler.Snapshot) error {
	c.stacks.add(snap)
	if log.IsLevelEnabled(log.DebugLevel) {
		c.log.WithFields(log.Fields{
			"frames":  len(snap.Frames),
			"dropped": snap.Dropped,
		}).Debugf("Snapshot %016x", snap.Hash)
	}
	if c.onSnapshot != nil {
		return c.onSnapshot(snap)
	}
	return nil
}

func (c *Controller) consumeRecord(rec perfevent.Record) error {
	if s, ok := rec.(*perfevent.SampleRecord); ok && log.IsLevelEnabled(log.DebugLevel) {
		c.log.WithFields(log.Fields{
			"ip":  fmt.Sprintf("0x%x", s.IP),
			"tid": s.TID,
		}).Debug("Perf sample")
	}
	if c.onRecord != nil {
		return c.onRecord(rec)
	}
	return nil
}

// reportStacks logs the most frequent stacks since the previous report.
func (c *Controller) reportStacks() {
	top, total := c.stacks.flush(c.config.TopStacks)
	if total == 0 {
		return
	}
	c.log.Infof("%d snapshots", total)
	for i, s := range top {
		c.log.WithFields(log.Fields{
			"rank":  i + 1,
			"count": s.count,
			"share": fmt.Sprintf("%.1f%%", 100*float64(s.count)/float64(total)),
		}).Info(s.String())
	}
}
