// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/telemetryd/telemetryd/lib/ipc"
)

func statusCommand() *Command {
	var conn connection

	return &Command{
		Name:    "status",
		Summary: "Show daemon liveness, queue depth, and companion link",
		Description: `Query the daemon's status endpoint. The endpoint is open to any
caller, so this works without a privileged uid.`,
		Usage: "telemetryctl status [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("status takes no arguments")
			}
			var info ipc.StatusInfo
			if err := conn.call(ipc.ActionStatus, ipc.Request{}, &info); err != nil {
				return err
			}

			companion := fmt.Sprintf("not linked (epoch %d)", info.CompanionEpoch)
			if info.CompanionLinked {
				companion = fmt.Sprintf("linked (epoch %d)", info.CompanionEpoch)
			}
			fmt.Print(renderTable("telemetryd", [][2]string{
				{"version", info.Version},
				{"uptime", (time.Duration(info.UptimeSeconds) * time.Second).String()},
				{"queue", fmt.Sprintf("%d/%d", info.QueueDepth, info.QueueCapacity)},
				{"configs", strconv.Itoa(info.ConfigCount)},
				{"companion", companion},
			}))
			return nil
		},
	}
}
