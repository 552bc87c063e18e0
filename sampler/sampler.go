// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package sampler repeatedly captures the Ruby call stack of one target thread.
package sampler // import "go.opentelemetry.io/rubyspy/sampler"

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"go.opentelemetry.io/rubyspy/interpreter/ruby"
	"go.opentelemetry.io/rubyspy/libpf"
	"go.opentelemetry.io/rubyspy/metrics"
	"go.opentelemetry.io/rubyspy/remotememory"
	"go.opentelemetry.io/rubyspy/vmlayout"
)

// StackWalker reads one call stack of a thread.
type StackWalker interface {
	Stack(thread libpf.Address, maxFrames int) ([]ruby.Frame, ruby.WalkStats, error)
}

// Config holds the parameters of a sampling run.
type Config struct {
	PID libpf.PID
	// Thread is the thread address handed to the walker on every iteration.
	Thread    libpf.Address
	MaxFrames int
	// MaxSnapshots ends the run after that many snapshots. Zero runs until the
	// context is cancelled.
	MaxSnapshots uint64
}

// Snapshot is one captured call stack.
type Snapshot struct {
	PID       libpf.PID
	Time      time.Time
	Frames    []ruby.Frame
	Dropped   int
	Truncated bool
	// Hash identifies the frame sequence.
	Hash uint64
}

// Scheduler drives a StackWalker in a loop.
type Scheduler struct {
	cfg    Config
	walker StackWalker
	now    func() time.Time

	snapshots  atomic.Uint64
	walkErrors atomic.Uint64
	dropped    atomic.Uint64
	idle       atomic.Uint64
}

// New returns a Scheduler for cfg.
func New(cfg Config, walker StackWalker) (*Scheduler, error) {
	if walker == nil {
		return nil, errors.New("no stack walker")
	}
	if cfg.MaxFrames <= 0 {
		return nil, fmt.Errorf("%w: %d", ruby.ErrInvalidMaxFrames, cfg.MaxFrames)
	}
	return &Scheduler{cfg: cfg, walker: walker, now: time.Now}, nil
}

// Run samples back to back until ctx is cancelled, MaxSnapshots is reached or
// consume fails. Errors that make further sampling pointless end the run and
// are returned; other walk errors are counted and the iteration is skipped.
func (s *Scheduler) Run(ctx context.Context, consume func(*Snapshot) error) error {
	return s.run(ctx, func() bool { return ctx.Err() == nil }, consume)
}

// RunEvery is Run with at most one sample per interval.
func (s *Scheduler) RunEvery(ctx context.Context, interval time.Duration,
	consume func(*Snapshot) error) error {
	if interval <= 0 {
		return s.Run(ctx, consume)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	return s.run(ctx, func() bool {
		select {
		case <-ticker.C:
			return true
		case <-ctx.Done():
			return false
		}
	}, consume)
}

func (s *Scheduler) run(ctx context.Context, next func() bool,
	consume func(*Snapshot) error) error {
	var taken uint64
	for ctx.Err() == nil {
		if s.cfg.MaxSnapshots > 0 && taken >= s.cfg.MaxSnapshots {
			return nil
		}
		snap, err := s.Sample()
		switch {
		case err == nil:
			taken++
			if err := consume(snap); err != nil {
				return err
			}
		case IsFatal(err):
			return err
		case errors.Is(err, ruby.ErrThreadNotRunnable):
			s.idle.Add(1)
		default:
			s.walkErrors.Add(1)
			log.Debugf("Skipping sample of PID %v: %v", s.cfg.PID, err)
		}
		if !next() {
			break
		}
	}
	return nil
}

// Sample captures one snapshot.
func (s *Scheduler) Sample() (*Snapshot, error) {
	frames, stats, err := s.walker.Stack(s.cfg.Thread, s.cfg.MaxFrames)
	if err != nil {
		return nil, err
	}
	s.snapshots.Add(1)
	s.dropped.Add(uint64(stats.Dropped))
	return &Snapshot{
		PID:       s.cfg.PID,
		Time:      s.now(),
		Frames:    frames,
		Dropped:   stats.Dropped,
		Truncated: stats.Truncated,
		Hash:      HashFrames(frames),
	}, nil
}

// IsFatal reports whether err ends a sampling run.
func IsFatal(err error) bool {
	return remotememory.IsFatal(err) ||
		errors.Is(err, vmlayout.ErrVersionMismatch) ||
		errors.Is(err, ruby.ErrInvalidMaxFrames)
}

// HashFrames returns a hash over the frame sequence.
func HashFrames(frames []ruby.Frame) uint64 {
	var buf []byte
	for _, f := range frames {
		buf = append(buf, f.File...)
		buf = append(buf, 0)
		buf = append(buf, f.Label...)
		buf = append(buf, 0)
	}
	return xxh3.Hash(buf)
}

// GetAndResetMetrics returns the scheduler counters accumulated since the last call.
func (s *Scheduler) GetAndResetMetrics() []metrics.Metric {
	return []metrics.Metric{
		{
			ID:    metrics.IDSamplerSnapshots,
			Value: metrics.MetricValue(s.snapshots.Swap(0)),
		},
		{
			ID:    metrics.IDSamplerWalkErrors,
			Value: metrics.MetricValue(s.walkErrors.Swap(0)),
		},
		{
			ID:    metrics.IDSamplerFramesDropped,
			Value: metrics.MetricValue(s.dropped.Swap(0)),
		},
		{
			ID:    metrics.IDSamplerIdleThreads,
			Value: metrics.MetricValue(s.idle.Swap(0)),
		},
	}
}
