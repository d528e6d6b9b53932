// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "buildfarm",
		Short:         "build farm coordinator",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := defaultGlobalConfig()
	var err error
	if err = g.mergeFiles(configFilePaths()); err == nil {
		err = g.mergeEnvironment()
	}
	if err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}

	rootCommand.PersistentFlags().StringVar(&g.Socket, "socket", g.Socket, "`path` to agent RPC socket")
	rootCommand.PersistentFlags().StringVar(&g.CacheDir, "cache", g.CacheDir, "`dir`ectory for the file cache")
	rootCommand.PersistentFlags().StringVar(&g.VarDir, "var", g.VarDir, "`dir`ectory for scheduler state")
	showDebug := rootCommand.PersistentFlags().Bool("debug", g.Debug, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return g.validate()
	}

	rootCommand.AddCommand(
		newAgentCommand(g),
		newSchedCommand(g),
		newPullWorkerCommand(g),
		newHistoryCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err = rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		// Timestamps are redundant on an interactive terminal
		// and supplied by the journal otherwise.
		flags := log.StdFlags
		if term.IsTerminal(int(os.Stderr.Fd())) {
			flags = 0
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "buildfarm: ", flags, nil),
		})
	})
}
