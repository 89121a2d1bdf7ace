// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/telemetryd/telemetryd/guardrail"
	"github.com/telemetryd/telemetryd/lib/codec"
	"github.com/telemetryd/telemetryd/lib/ipc"
)

func statsCommand() *Command {
	var conn connection

	return &Command{
		Name:    "stats",
		Summary: "Show daemon guardrail counters",
		Description: `Fetch the daemon's guardrail counters over the metadata dump
endpoint and render them as a table. Requires a dump-capable uid
(system, shell, or root).`,
		Usage: "telemetryctl stats [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("stats", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("stats takes no arguments")
			}
			var out ipc.OutputResult
			req := ipc.Request{Args: []string{"--metadata", "--proto"}}
			if err := conn.call(ipc.ActionDump, req, &out); err != nil {
				return err
			}
			var snap guardrail.Snapshot
			if err := codec.Unmarshal(out.Raw, &snap); err != nil {
				return fmt.Errorf("decoding statistics: %w", err)
			}

			count := func(v uint64) string { return strconv.FormatUint(v, 10) }
			fmt.Print(renderTable("guardrail stats", [][2]string{
				{"events ingested", count(snap.EventsIngested)},
				{"queue overflow drops", count(snap.QueueOverflow)},
				{"broadcasts sent", count(snap.BroadcastsSent)},
				{"alarm registrations", count(snap.AlarmRegistrations)},
				{"companion restarts", count(snap.CompanionRestarts)},
				{"reports produced", count(snap.ReportCount)},
				{"last report bytes", count(snap.LastReportBytes)},
				{"max report bytes", count(snap.MaxReportBytes)},
			}))
			return nil
		},
	}
}
