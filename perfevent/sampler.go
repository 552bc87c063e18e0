// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfevent // import "go.opentelemetry.io/rubyspy/perfevent"

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/elastic/go-perf"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/rubyspy/metrics"
	"go.opentelemetry.io/rubyspy/rlimit"
)

// State is the lifecycle state of a Sampler.
type State uint8

const (
	StateClosed State = iota
	StateOpened
	StateMapped
	StateArmed
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpened:
		return "opened"
	case StateMapped:
		return "mapped"
	case StateArmed:
		return "armed"
	case StateDisabled:
		return "disabled"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// event is the subset of *perf.Event the sampler drives.
type event interface {
	FD() (int, error)
	Reset() error
	Enable() error
	Disable() error
	ReadCount() (perf.Count, error)
	Close() error
}

// mapper maps the ring buffer of an event file descriptor.
type mapper interface {
	Map(fd, length int) ([]byte, error)
	Unmap(mem []byte) error
}

type mmapMapper struct{}

func (mmapMapper) Map(fd, length int) ([]byte, error) {
	return unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (mmapMapper) Unmap(mem []byte) error {
	return unix.Munmap(mem)
}

func openPerfEvent(attr *perf.Attr, pid, cpu int) (event, error) {
	return perf.Open(attr, pid, cpu, nil)
}

// Sampler owns one perf event and its ring buffer mapping. The lifecycle is
// Closed, Opened, Mapped, Armed, Disabled and back to Closed. Close is valid in
// every state.
type Sampler struct {
	cfg      Config
	state    State
	ev       event
	mem      []byte
	ring     *Ring
	pageSize int

	open   func(attr *perf.Attr, pid, cpu int) (event, error)
	mapper mapper

	samples     atomic.Uint64
	lostRecords atomic.Uint64
	lostSamples atomic.Uint64
	other       atomic.Uint64
}

// NewSampler validates cfg and returns a closed Sampler.
func NewSampler(cfg Config) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sampler{
		cfg:      cfg,
		pageSize: os.Getpagesize(),
		open:     openPerfEvent,
		mapper:   mmapMapper{},
	}, nil
}

// State returns the current lifecycle state.
func (s *Sampler) State() State {
	return s.state
}

func (s *Sampler) expect(op string, states ...State) error {
	for _, st := range states {
		if s.state == st {
			return nil
		}
	}
	return fmt.Errorf("%w: %s in state %v", ErrInvalidState, op, s.state)
}

// Open creates the event, disabled.
func (s *Sampler) Open() error {
	if err := s.expect("open", StateClosed); err != nil {
		return err
	}
	attr, err := s.cfg.attr()
	if err != nil {
		return err
	}
	ev, err := s.open(attr, s.cfg.Scope.PID, s.cfg.Scope.CPU)
	if err != nil {
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			return fmt.Errorf("%w: %s: %w", ErrPermissionDenied, s.cfg.Counter, err)
		}
		return fmt.Errorf("failed to open %s event: %w", s.cfg.Counter, err)
	}
	s.ev = ev
	s.state = StateOpened
	return nil
}

// Map maps the metadata page and the data pages. The event is closed if the
// mapping fails.
func (s *Sampler) Map() error {
	if err := s.expect("map", StateOpened); err != nil {
		return err
	}
	err := s.mapRing()
	if err != nil {
		if cerr := s.Close(); cerr != nil {
			log.Errorf("Failed to close perf event: %v", cerr)
		}
		return err
	}
	s.state = StateMapped
	return nil
}

func (s *Sampler) mapRing() error {
	fd, err := s.ev.FD()
	if err != nil {
		return fmt.Errorf("failed to get perf event fd: %w", err)
	}

	restoreRlimit, err := rlimit.MaximizeMemlock()
	if err != nil {
		log.Debugf("Failed to raise memlock limit: %v", err)
	} else {
		defer restoreRlimit()
	}

	mem, err := s.mapper.Map(fd, (1+s.cfg.Pages)*s.pageSize)
	if err != nil {
		return fmt.Errorf("failed to map %d perf ring pages: %w", s.cfg.Pages, err)
	}
	ring, err := NewRing(mem, s.pageSize, s.cfg.Fields)
	if err != nil {
		if uerr := s.mapper.Unmap(mem); uerr != nil {
			log.Errorf("Failed to unmap perf ring: %v", uerr)
		}
		return err
	}
	s.mem = mem
	s.ring = ring
	return nil
}

// Arm resets the count and enables the event.
func (s *Sampler) Arm() error {
	if err := s.expect("arm", StateMapped); err != nil {
		return err
	}
	if err := s.ev.Reset(); err != nil {
		return fmt.Errorf("failed to reset perf event: %w", err)
	}
	if err := s.ev.Enable(); err != nil {
		return fmt.Errorf("failed to enable perf event: %w", err)
	}
	s.state = StateArmed
	return nil
}

// Drain decodes the pending records and passes them to fn. Records published
// before Disable can still be drained afterwards.
func (s *Sampler) Drain(fn func(Record) error) (int, error) {
	if err := s.expect("drain", StateArmed, StateDisabled); err != nil {
		return 0, err
	}
	return s.ring.Drain(func(rec Record) error {
		switch r := rec.(type) {
		case *SampleRecord:
			s.samples.Add(1)
		case *LostRecord:
			s.lostRecords.Add(1)
			s.lostSamples.Add(r.Lost)
			log.Warnf("Perf ring overflow, %d records lost", r.Lost)
		default:
			s.other.Add(1)
		}
		return fn(rec)
	})
}

// Disable stops the event and returns its aggregate count.
func (s *Sampler) Disable() (uint64, error) {
	if err := s.expect("disable", StateArmed); err != nil {
		return 0, err
	}
	if err := s.ev.Disable(); err != nil {
		return 0, fmt.Errorf("failed to disable perf event: %w", err)
	}
	s.state = StateDisabled
	count, err := s.ev.ReadCount()
	if err != nil {
		return 0, fmt.Errorf("failed to read perf event count: %w", err)
	}
	return count.Value, nil
}

// Close unmaps the ring and closes the event. It is idempotent.
func (s *Sampler) Close() error {
	var errs []error
	if s.mem != nil {
		if err := s.mapper.Unmap(s.mem); err != nil {
			errs = append(errs, fmt.Errorf("failed to unmap perf ring: %w", err))
		}
		s.mem = nil
		s.ring = nil
	}
	if s.ev != nil {
		if err := s.ev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close perf event: %w", err))
		}
		s.ev = nil
	}
	s.state = StateClosed
	return errors.Join(errs...)
}

// Run opens, maps and arms the event, then drains the ring every pollInterval
// until ctx is cancelled. It returns the aggregate count. The event is closed
// on every return path.
func (s *Sampler) Run(ctx context.Context, pollInterval time.Duration,
	consume func(Record) error) (count uint64, err error) {
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err = s.Open(); err != nil {
		return 0, err
	}
	if err = s.Map(); err != nil {
		return 0, err
	}
	if err = s.Arm(); err != nil {
		return 0, err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for ctx.Err() == nil {
		if _, err = s.Drain(consume); err != nil {
			return 0, err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
		}
	}

	if count, err = s.Disable(); err != nil {
		return 0, err
	}
	if _, err = s.Drain(consume); err != nil {
		return 0, err
	}
	return count, nil
}

// GetAndResetMetrics returns the record counters accumulated since the last call.
func (s *Sampler) GetAndResetMetrics() []metrics.Metric {
	return []metrics.Metric{
		{
			ID:    metrics.IDPerfSamples,
			Value: metrics.MetricValue(s.samples.Swap(0)),
		},
		{
			ID:    metrics.IDPerfLostRecords,
			Value: metrics.MetricValue(s.lostRecords.Swap(0)),
		},
		{
			ID:    metrics.IDPerfLostSamples,
			Value: metrics.MetricValue(s.lostSamples.Swap(0)),
		},
		{
			ID:    metrics.IDPerfOtherRecords,
			Value: metrics.MetricValue(s.other.Swap(0)),
		},
	}
}
