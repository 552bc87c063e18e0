// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package perfevent samples a hardware or software performance counter through
// perf_event_open and decodes the records the kernel publishes in the shared
// ring buffer.
package perfevent // import "go.opentelemetry.io/rubyspy/perfevent"

import (
	"errors"
	"fmt"
	"math/bits"
	"slices"
	"strings"

	"github.com/elastic/go-perf"

	"go.opentelemetry.io/rubyspy/libpf"
	"go.opentelemetry.io/rubyspy/util"
)

var (
	// ErrPermissionDenied is returned when the kernel refuses to open the event.
	ErrPermissionDenied = errors.New("permission denied opening perf event")
	// ErrInvalidState is returned for operations not allowed in the current state.
	ErrInvalidState = errors.New("invalid perf event state")
	// ErrProtocol is returned when the ring buffer contents violate the record
	// or cursor protocol.
	ErrProtocol = errors.New("perf ring buffer protocol error")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid perf event configuration")
)

// SampleFields selects the values recorded with each sample.
type SampleFields uint8

const (
	FieldIP SampleFields = 1 << iota
	// FieldTID records pid and tid.
	FieldTID
	FieldTime
	FieldAddr
	FieldID
	FieldStreamID
	// FieldCPU records cpu and a reserved word.
	FieldCPU
	FieldPeriod

	allFields = FieldIP | FieldTID | FieldTime | FieldAddr | FieldID | FieldStreamID |
		FieldCPU | FieldPeriod
)

type fieldName struct {
	field SampleFields
	name  string
}

var fieldNames = []fieldName{
	{FieldIP, "ip"},
	{FieldTID, "tid"},
	{FieldTime, "time"},
	{FieldAddr, "addr"},
	{FieldID, "id"},
	{FieldStreamID, "stream-id"},
	{FieldCPU, "cpu"},
	{FieldPeriod, "period"},
}

// ParseFields parses a comma separated list of field names.
func ParseFields(s string) (SampleFields, error) {
	var fields SampleFields
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		i := slices.IndexFunc(fieldNames, func(fn fieldName) bool { return fn.name == name })
		if i < 0 {
			return 0, fmt.Errorf("%w: unknown sample field %q", ErrInvalidConfig, name)
		}
		fields |= fieldNames[i].field
	}
	return fields, nil
}

func (f SampleFields) String() string {
	var names []string
	for _, fn := range fieldNames {
		if f&fn.field != 0 {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, ",")
}

// sampleSize is the body size of a sample record carrying f.
func (f SampleFields) sampleSize() int {
	return 8 * bits.OnesCount8(uint8(f))
}

func (f SampleFields) format() perf.SampleFormat {
	return perf.SampleFormat{
		IP:       f&FieldIP != 0,
		Tid:      f&FieldTID != 0,
		Time:     f&FieldTime != 0,
		Addr:     f&FieldAddr != 0,
		ID:       f&FieldID != 0,
		StreamID: f&FieldStreamID != 0,
		CPU:      f&FieldCPU != 0,
		Period:   f&FieldPeriod != 0,
	}
}

// counters maps the names accepted in Config.Counter to go-perf events.
var counters = map[string]perf.Configurator{
	"cpu-cycles":          perf.CPUCycles,
	"instructions":        perf.Instructions,
	"cache-references":    perf.CacheReferences,
	"cache-misses":        perf.CacheMisses,
	"branch-instructions": perf.BranchInstructions,
	"branch-misses":       perf.BranchMisses,
	"bus-cycles":          perf.BusCycles,
	"ref-cycles":          perf.RefCPUCycles,

	"cpu-clock":        perf.CPUClock,
	"task-clock":       perf.TaskClock,
	"page-faults":      perf.PageFaults,
	"context-switches": perf.ContextSwitches,
	"cpu-migrations":   perf.CPUMigrations,
	"minor-faults":     perf.MinorPageFaults,
	"major-faults":     perf.MajorPageFaults,
}

// Counters returns the accepted counter names.
func Counters() []string {
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Scope selects the tasks and CPUs an event counts.
type Scope struct {
	PID int
	CPU int
}

// ScopeProcess counts the given process on any CPU.
func ScopeProcess(pid libpf.PID) Scope {
	return Scope{PID: int(pid), CPU: perf.AnyCPU}
}

// ScopeCPU counts all tasks on one CPU.
func ScopeCPU(cpu int) Scope {
	return Scope{PID: perf.AllThreads, CPU: cpu}
}

// ScopeCallingThread counts the calling thread on any CPU.
func ScopeCallingThread() Scope {
	return Scope{PID: perf.CallingThread, CPU: perf.AnyCPU}
}

// Config describes one sampling event.
type Config struct {
	// Counter is one of Counters().
	Counter string
	// Exactly one of SamplePeriod and SampleFreq is set.
	SamplePeriod uint64
	SampleFreq   uint64
	Fields       SampleFields

	Inherit           bool
	ExcludeKernel     bool
	ExcludeHypervisor bool

	Scope Scope
	// Pages is the number of ring buffer data pages, a power of two.
	Pages int
}

// Validate checks the configuration before anything is opened.
func (c *Config) Validate() error {
	if _, ok := counters[c.Counter]; !ok {
		return fmt.Errorf("%w: unknown counter %q", ErrInvalidConfig, c.Counter)
	}
	if (c.SamplePeriod == 0) == (c.SampleFreq == 0) {
		return fmt.Errorf("%w: exactly one of sample period and frequency must be set",
			ErrInvalidConfig)
	}
	if c.Fields == 0 || c.Fields&^allFields != 0 {
		return fmt.Errorf("%w: sample fields 0x%x", ErrInvalidConfig, uint8(c.Fields))
	}
	if c.Pages <= 0 || c.Pages > 1<<20 || !util.IsPowerOfTwo(uint32(c.Pages)) {
		return fmt.Errorf("%w: %d ring pages is not a power of two", ErrInvalidConfig, c.Pages)
	}
	if c.Scope.PID == perf.AllThreads && c.Scope.CPU == perf.AnyCPU {
		return fmt.Errorf("%w: scope must name a task or a CPU", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) attr() (*perf.Attr, error) {
	attr := new(perf.Attr)
	if err := counters[c.Counter].Configure(attr); err != nil {
		return nil, fmt.Errorf("failed to configure %s event: %v", c.Counter, err)
	}
	attr.SampleFormat = c.Fields.format()
	if c.SampleFreq != 0 {
		attr.SetSampleFreq(c.SampleFreq)
	} else {
		attr.SetSamplePeriod(c.SamplePeriod)
	}
	attr.Options.Disabled = true
	attr.Options.Inherit = c.Inherit
	attr.Options.ExcludeKernel = c.ExcludeKernel
	attr.Options.ExcludeHypervisor = c.ExcludeHypervisor
	return attr, nil
}
