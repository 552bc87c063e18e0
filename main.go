// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// rubyspy samples the Ruby call stacks of a running process from the outside
// and optionally counts a perf event on it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/rubyspy/internal/controller"
	"go.opentelemetry.io/rubyspy/metrics"
	"go.opentelemetry.io/rubyspy/metrics/agentmetrics"
	"go.opentelemetry.io/rubyspy/vc"
)

func main() {
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	cfg, err := parseArgs(os.Args[1:])
	if err != nil {
		log.Errorf("Failure to parse arguments: %v", err)
		return controller.ExitParseError
	}

	if cfg.Version {
		fmt.Printf("%s\n", vc.Version())
		return controller.ExitSuccess
	}

	if cfg.VerboseMode {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		cfg.Dump()
		metrics.SetReporter(controller.NewMetricsLogger())
	}

	if err = cfg.Validate(); err != nil {
		return exitCode(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer cancel()

	log.Infof("Starting rubyspy %s (revision %s, build timestamp %s)",
		vc.Version(), vc.Revision(), vc.BuildTimestamp())

	stopAgentMetrics, err := agentmetrics.Start(ctx, time.Second)
	if err != nil {
		log.Errorf("Failed to start agent metrics: %v", err)
		return controller.ExitFailure
	}
	defer stopAgentMetrics()

	c := controller.New(cfg)
	if err = c.Run(ctx); err != nil {
		return exitCode(err)
	}
	if cfg.PerfCounter != "" {
		log.Infof("%s: %d", cfg.PerfCounter, c.PerfCount())
	}
	log.Info("Exiting ...")
	return controller.ExitSuccess
}

func exitCode(err error) int {
	log.Error(err)
	var exitErr controller.ErrorWithExitCode
	if errors.As(err, &exitErr) {
		return exitErr.Code()
	}
	return controller.ExitFailure
}
