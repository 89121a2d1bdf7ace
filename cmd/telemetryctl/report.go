// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/pflag"
)

func reportCommand() *Command {
	var (
		conn           connection
		uid            int32
		proto          bool
		includeCurrent bool
		keepData       bool
	)

	return &Command{
		Name:    "report",
		Summary: "Fetch one config's report",
		Description: `Fetch the report for a config named by numeric id or by the name
in its payload. Fetching erases the collected buckets unless
--keep-data; --include-current closes out and includes the
in-progress bucket.

The default output is the daemon's line-oriented text form; --proto
emits the CBOR report instead.`,
		Usage: "telemetryctl report [flags] NAME_OR_ID",
		Examples: []Example{
			{
				Description: "Peek at a report without consuming it",
				Command:     "telemetryctl report netstats --keep-data --include-current",
			},
			{
				Description: "Drain a report to a file in CBOR",
				Command:     "telemetryctl report 314 --proto > report.cbor",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("report", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			flagSet.Int32Var(&uid, "uid", -1, "config owner uid (default: the calling uid)")
			flagSet.BoolVar(&proto, "proto", false, "emit the CBOR report instead of text")
			flagSet.BoolVar(&includeCurrent, "include-current", false, "include the in-progress bucket")
			flagSet.BoolVar(&keepData, "keep-data", false, "do not erase the report's buckets")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("report takes exactly one NAME_OR_ID")
			}
			shellArgs := []string{"dump-report"}
			if uid >= 0 {
				shellArgs = append(shellArgs, strconv.FormatInt(int64(uid), 10))
			}
			shellArgs = append(shellArgs, args[0])
			// The daemon strips these from the end in this order.
			if keepData {
				shellArgs = append(shellArgs, "--keep_data")
			}
			if includeCurrent {
				shellArgs = append(shellArgs, "--include_current_bucket")
			}
			if proto {
				shellArgs = append(shellArgs, "--proto")
			}
			out, err := conn.shell(nil, shellArgs...)
			if err != nil {
				return err
			}
			return printResult(out)
		},
	}
}
