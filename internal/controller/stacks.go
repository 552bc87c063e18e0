// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/rubyspy/internal/controller"

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/elastic/go-freelru"

	"go.opentelemetry.io/rubyspy/interpreter/ruby"
	"go.opentelemetry.io/rubyspy/libpf/hash"
	"go.opentelemetry.io/rubyspy/metrics"
	"go.opentelemetry.io/rubyspy/sampler"
)

// stackCount is one distinct stack and the number of snapshots that saw it.
type stackCount struct {
	frames []ruby.Frame
	count  uint64
}

// String renders the frames outermost first, separated by semicolons.
func (s *stackCount) String() string {
	var b strings.Builder
	for i := len(s.frames) - 1; i >= 0; i-- {
		if b.Len() > 0 {
			b.WriteByte(';')
		}
		b.WriteString(s.frames[i].String())
	}
	return b.String()
}

// stackCounts aggregates snapshots by stack hash between two reports. The
// least recently seen stacks are evicted once the capacity is reached.
type stackCounts struct {
	mu     sync.Mutex
	stacks *freelru.LRU[uint64, *stackCount]
	total  uint64
}

func hashStack(h uint64) uint32 {
	return uint32(hash.Uint64(h))
}

func newStackCounts(size uint32) (*stackCounts, error) {
	stacks, err := freelru.New[uint64, *stackCount](size, hashStack)
	if err != nil {
		return nil, fmt.Errorf("failed to create stack LRU: %w", err)
	}
	return &stackCounts{stacks: stacks}, nil
}

// add counts snap. Snapshots of innermost-first and outermost-first walkers
// must not be mixed.
func (sc *stackCounts) add(snap *sampler.Snapshot) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.total++
	if s, ok := sc.stacks.Get(snap.Hash); ok {
		s.count++
		return
	}
	sc.stacks.Add(snap.Hash, &stackCount{frames: snap.Frames, count: 1})
}

// flush returns the n most frequent stacks and the number of snapshots since
// the previous flush, and starts a new period.
func (sc *stackCounts) flush(n int) (top []stackCount, total uint64) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, k := range sc.stacks.Keys() {
		if s, ok := sc.stacks.Peek(k); ok {
			top = append(top, *s)
		}
	}
	slices.SortFunc(top, func(a, b stackCount) int {
		return cmp.Compare(b.count, a.count)
	})
	total = sc.total
	sc.total = 0
	sc.stacks.Purge()
	return top[:min(n, len(top))], total
}

// GetAndResetMetrics reports the number of distinct stacks currently tracked.
func (sc *stackCounts) GetAndResetMetrics() []metrics.Metric {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return []metrics.Metric{
		{
			ID:    metrics.IDControllerUniqueStacks,
			Value: metrics.MetricValue(sc.stacks.Len()),
		},
	}
}
