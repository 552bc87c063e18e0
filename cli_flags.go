// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3"

	"go.opentelemetry.io/rubyspy/internal/controller"
	"go.opentelemetry.io/rubyspy/perfevent"
)

const (
	// Default values for CLI flags
	defaultArgMaxFrames       = 15
	defaultArgSampleRate      = 100
	defaultArgThreadMode      = "direct"
	defaultArgOrder           = "innermost"
	defaultArgPerfFields      = "ip,tid,time"
	defaultArgPerfPages       = 8
	defaultArgPerfPoll        = 100 * time.Millisecond
	defaultArgMetricsInterval = 5 * time.Second
	defaultArgReportInterval  = 10 * time.Second
	defaultArgTopStacks       = 10
)

// Help strings for command line arguments
var (
	configFileHelp  = "Path to a file of flag values, one \"name value\" pair per line."
	pidHelp         = "PID of the Ruby process to sample."
	threadHelp      = "Address of the thread to sample, in a format strconv.ParseUint accepts."
	threadModeHelp  = "How the thread address is resolved: direct, pointer or ractor."
	rubyVersionHelp = "Ruby version of the target in major.minor.patch format."
	versionAddrHelp = "Address of the target's ruby_version string. If set, the version " +
		"is verified before sampling."
	maxFramesHelp    = "Maximum number of frames examined per stack."
	rateHelp         = "Stack samples per second. 0 samples back to back."
	maxSnapshotsHelp = "Stop after this many stack samples. 0 samples until interrupted."
	orderHelp        = "Frame order of each stack: innermost or outermost."
	onCPUHelp        = "Skip samples while the thread is not runnable. Needs ruby 3.1 or older."
	stringCacheHelp  = "Number of Ruby strings cached by address. 0 disables the cache, " +
		"which is only safe to enable for targets that do not free strings."
	perfCounterHelp = "Perf event counted on the target, one of: " +
		strings.Join(perfevent.Counters(), ", ") + ". Empty disables perf sampling."
	perfPeriodHelp      = "Perf sample period in events. Excludes -perf-freq."
	perfFreqHelp        = "Perf sample frequency in Hz. Excludes -perf-period."
	perfFieldsHelp      = "Comma-separated perf sample fields."
	perfPagesHelp       = "Perf ring buffer data pages, a power of two."
	perfInheritHelp     = "Count the target's future children too."
	perfNoKernelHelp    = "Exclude kernel mode events."
	perfPollHelp        = "Interval at which the perf ring buffer is drained."
	metricsIntervalHelp = "Interval at which internal metrics are collected."
	reportIntervalHelp  = "Interval at which the most frequent stacks are logged."
	topStacksHelp       = "Number of stacks logged per report."
	verboseModeHelp     = "Enable verbose logging and debugging capabilities."
	versionHelp         = "Show version."
)

func parseArgs(arguments []string) (*controller.Config, error) {
	var args controller.Config

	fs := flag.NewFlagSet("rubyspy", flag.ContinueOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.String("config", "", configFileHelp)

	fs.IntVar(&args.MaxFrames, "max-frames", defaultArgMaxFrames, maxFramesHelp)
	fs.Uint64Var(&args.MaxSnapshots, "max-snapshots", 0, maxSnapshotsHelp)
	fs.DurationVar(&args.MetricsInterval, "metrics-interval", defaultArgMetricsInterval,
		metricsIntervalHelp)

	fs.BoolVar(&args.OnCPU, "on-cpu", false, onCPUHelp)
	fs.StringVar(&args.Order, "order", defaultArgOrder, orderHelp)

	fs.StringVar(&args.PerfCounter, "perf-counter", "", perfCounterHelp)
	fs.BoolVar(&args.PerfExcludeKernel, "perf-exclude-kernel", false, perfNoKernelHelp)
	fs.StringVar(&args.PerfFields, "perf-fields", defaultArgPerfFields, perfFieldsHelp)
	fs.Uint64Var(&args.PerfSampleFreq, "perf-freq", 0, perfFreqHelp)
	fs.BoolVar(&args.PerfInherit, "perf-inherit", false, perfInheritHelp)
	fs.IntVar(&args.PerfPages, "perf-pages", defaultArgPerfPages, perfPagesHelp)
	fs.Uint64Var(&args.PerfSamplePeriod, "perf-period", 0, perfPeriodHelp)
	fs.DurationVar(&args.PerfPollInterval, "perf-poll-interval", defaultArgPerfPoll, perfPollHelp)
	fs.UintVar(&args.PID, "pid", 0, pidHelp)

	fs.IntVar(&args.SampleRate, "rate", defaultArgSampleRate, rateHelp)
	fs.DurationVar(&args.ReportInterval, "report-interval", defaultArgReportInterval,
		reportIntervalHelp)
	fs.StringVar(&args.RubyVersion, "ruby-version", "", rubyVersionHelp)

	fs.UintVar(&args.StringCacheSize, "string-cache", 0, stringCacheHelp)

	fs.StringVar(&args.Thread, "thread", "", threadHelp)
	fs.StringVar(&args.ThreadMode, "thread-mode", defaultArgThreadMode, threadModeHelp)
	fs.IntVar(&args.TopStacks, "top-stacks", defaultArgTopStacks, topStacksHelp)

	fs.BoolVar(&args.VerboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.VerboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.Version, "version", false, versionHelp)
	fs.StringVar(&args.VersionAddr, "version-addr", "", versionAddrHelp)

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(),
			"Usage: rubyspy -pid PID -thread ADDR -ruby-version X.Y.Z [flags]\n")
		fs.PrintDefaults()
	}

	args.Fs = fs

	return &args, ff.Parse(fs, arguments,
		ff.WithEnvVarPrefix("RUBYSPY"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		// Options of a shared configuration file that this version does not know
		// are ignored.
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}
