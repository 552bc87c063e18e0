// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/rubyspy/internal/controller"

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/rubyspy/interpreter/ruby"
	"go.opentelemetry.io/rubyspy/libpf"
	"go.opentelemetry.io/rubyspy/perfevent"
	"go.opentelemetry.io/rubyspy/sampler"
	"go.opentelemetry.io/rubyspy/vmlayout"
)

// Config holds the command line configuration of a profiling session.
type Config struct {
	PID         uint
	Thread      string
	ThreadMode  string
	RubyVersion string
	VersionAddr string

	MaxFrames       int
	SampleRate      int
	MaxSnapshots    uint64
	Order           string
	StringCacheSize uint
	OnCPU           bool

	PerfCounter       string
	PerfSamplePeriod  uint64
	PerfSampleFreq    uint64
	PerfFields        string
	PerfPages         int
	PerfInherit       bool
	PerfExcludeKernel bool
	PerfPollInterval  time.Duration

	MetricsInterval time.Duration
	ReportInterval  time.Duration
	TopStacks       int

	VerboseMode bool
	Version     bool

	Fs *flag.FlagSet
}

// settings is the parsed form of Config.
type settings struct {
	pid          libpf.PID
	thread       libpf.Address
	versionAddr  libpf.Address
	version      vmlayout.Version
	walker       ruby.Options
	sampler      sampler.Config
	interval     time.Duration
	perf         *perfevent.Config
	pollInterval time.Duration
}

// Dump visits all flag sets, and dumps them all to debug
// Used for verbose mode logging.
func (cfg *Config) Dump() {
	log.Debug("Config:")
	cfg.Fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}

// Validate runs validations on the provided configuration, and returns errors
// if invalid values were provided.
func (cfg *Config) Validate() error {
	_, err := cfg.settings()
	return err
}

func parseAddress(name, s string) (libpf.Address, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s address %q: %v", name, s, err)
	}
	return libpf.Address(v), nil
}

func parseOrder(s string) (ruby.Order, error) {
	switch s {
	case "", "innermost":
		return ruby.InnermostFirst, nil
	case "outermost":
		return ruby.OutermostFirst, nil
	}
	return 0, fmt.Errorf("unknown frame order %q", s)
}

func (cfg *Config) settings() (*settings, error) {
	s, err := cfg.parse()
	if err != nil {
		return nil, ErrorWithExitCode{error: err, code: ExitParseError}
	}
	return s, nil
}

func (cfg *Config) parse() (*settings, error) {
	if cfg.PID == 0 || cfg.PID > 1<<22 {
		return nil, fmt.Errorf("invalid PID %d", cfg.PID)
	}
	s := &settings{pid: libpf.PID(cfg.PID)}

	var err error
	if s.thread, err = parseAddress("thread", cfg.Thread); err != nil {
		return nil, err
	}
	if s.thread == 0 {
		return nil, errors.New("no thread address given")
	}
	if s.versionAddr, err = parseAddress("ruby_version", cfg.VersionAddr); err != nil {
		return nil, err
	}
	if s.version, err = vmlayout.ParseVersion(cfg.RubyVersion); err != nil {
		return nil, err
	}
	layout, err := ruby.LayoutForVersion(s.version)
	if err != nil {
		return nil, err
	}

	if s.walker.ThreadMode, err = ruby.ParseThreadMode(cfg.ThreadMode); err != nil {
		return nil, err
	}
	if s.walker.Order, err = parseOrder(cfg.Order); err != nil {
		return nil, err
	}
	if cfg.StringCacheSize > 1<<20 {
		return nil, fmt.Errorf("string cache size %d exceeds %d", cfg.StringCacheSize, 1<<20)
	}
	s.walker.StringCacheSize = uint32(cfg.StringCacheSize)
	if cfg.OnCPU && !layout.Thread.Has("status") {
		return nil, fmt.Errorf("on-CPU filtering is not supported for ruby %v", s.version)
	}
	s.walker.OnCPU = cfg.OnCPU

	if cfg.MaxFrames <= 0 {
		return nil, fmt.Errorf("%w: %d", ruby.ErrInvalidMaxFrames, cfg.MaxFrames)
	}
	s.sampler = sampler.Config{
		PID:          s.pid,
		Thread:       s.thread,
		MaxFrames:    cfg.MaxFrames,
		MaxSnapshots: cfg.MaxSnapshots,
	}
	switch {
	case cfg.SampleRate < 0:
		return nil, fmt.Errorf("invalid sample rate %d", cfg.SampleRate)
	case cfg.SampleRate > 0:
		s.interval = time.Second / time.Duration(cfg.SampleRate)
	}

	if cfg.MetricsInterval <= 0 || cfg.ReportInterval <= 0 {
		return nil, errors.New("metrics and report intervals must be positive")
	}
	if cfg.TopStacks < 0 {
		return nil, fmt.Errorf("invalid number of top stacks %d", cfg.TopStacks)
	}

	if cfg.PerfCounter == "" {
		return s, nil
	}
	fields, err := perfevent.ParseFields(cfg.PerfFields)
	if err != nil {
		return nil, err
	}
	perf := &perfevent.Config{
		Counter:       cfg.PerfCounter,
		SamplePeriod:  cfg.PerfSamplePeriod,
		SampleFreq:    cfg.PerfSampleFreq,
		Fields:        fields,
		Inherit:       cfg.PerfInherit,
		ExcludeKernel: cfg.PerfExcludeKernel,
		Scope:         perfevent.ScopeProcess(s.pid),
		Pages:         cfg.PerfPages,
	}
	if err = perf.Validate(); err != nil {
		return nil, err
	}
	if cfg.PerfPollInterval <= 0 {
		return nil, fmt.Errorf("invalid perf poll interval %v", cfg.PerfPollInterval)
	}
	s.perf = perf
	s.pollInterval = cfg.PerfPollInterval
	return s, nil
}
