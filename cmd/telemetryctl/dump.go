// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/telemetryd/telemetryd/lib/ipc"
)

func dumpCommand() *Command {
	var (
		conn     connection
		metadata bool
		proto    bool
		verbose  bool
	)

	return &Command{
		Name:    "dump",
		Summary: "Render the daemon's diagnostic dump",
		Description: `Fetch the daemon's diagnostic dump: version, uptime, queue and
companion state, guardrail counters, and per-config collection state.

--metadata restricts the dump to the guardrail counters. --proto
switches the output to CBOR (counters with --metadata, otherwise a
non-destructive report per installed config). --verbose adds the full
uid map and the pull registrations to the text form.`,
		Usage: "telemetryctl dump [flags]",
		Examples: []Example{
			{
				Description: "Full text dump",
				Command:     "telemetryctl dump --verbose",
			},
			{
				Description: "Every installed config's report, CBOR-encoded",
				Command:     "telemetryctl dump --proto > reports.cbor",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("dump", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			flagSet.BoolVar(&metadata, "metadata", false, "dump only the guardrail counters")
			flagSet.BoolVar(&proto, "proto", false, "emit CBOR instead of text")
			flagSet.BoolVarP(&verbose, "verbose", "v", false, "include the uid map and pull registrations")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("dump takes no arguments")
			}
			// The daemon reads --metadata first and --proto / -v last.
			var dumpArgs []string
			if metadata {
				dumpArgs = append(dumpArgs, "--metadata")
			}
			switch {
			case proto:
				dumpArgs = append(dumpArgs, "--proto")
			case verbose:
				dumpArgs = append(dumpArgs, "-v")
			}
			var out ipc.OutputResult
			if err := conn.call(ipc.ActionDump, ipc.Request{Args: dumpArgs}, &out); err != nil {
				return err
			}
			return printResult(out)
		},
	}
}
