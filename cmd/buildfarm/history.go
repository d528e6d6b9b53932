// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/oakmere/buildfarm/internal/jobhistory"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

func newHistoryCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "history [options]",
		Short:                 "show recent dispatch outcomes",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	limit := c.Flags().IntP("limit", "n", 20, "maximum `number` of entries to show (0 for all)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runHistory(cmd.Context(), g, *limit)
	}
	return c
}

func runHistory(ctx context.Context, g *globalConfig, limit int) error {
	a := jobhistory.Open(filepath.Join(g.VarDir, "history.db"))
	defer func() {
		if err := a.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	entries, err := a.List(ctx, limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		detail := e.RevisionID
		if e.Outcome == jobhistory.OutcomeFailed {
			detail = e.Reason
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n",
			e.FinishedAt.Format("2006-01-02 15:04:05"),
			e.JobID,
			e.Ref,
			e.Outcome,
			detail,
		)
	}
	return nil
}
