// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/spf13/pflag"
)

func shellCommand() *Command {
	var (
		conn     connection
		bodyPath string
	)

	return &Command{
		Name:    "shell",
		Summary: "Run a raw daemon shell command",
		Description: `Pass a command line verbatim to the daemon's shell dispatcher.
This reaches every shell subcommand, including the ones without a
dedicated telemetryctl wrapper (broadcast triggers, event injection,
puller maintenance). Run without arguments to get the daemon's own
usage text.

Arguments after the first positional are not parsed as telemetryctl
flags, so daemon-side flags like --proto pass through unchanged.`,
		Usage: "telemetryctl shell [flags] [-- COMMAND [ARGS...]]",
		Examples: []Example{
			{
				Description: "Inject a breadcrumb event",
				Command:     "telemetryctl shell log-app-breadcrumb 3 1",
			},
			{
				Description: "Fire a config's data-ready receiver",
				Command:     "telemetryctl shell send-broadcast 10007 314",
			},
			{
				Description: "Install a config, payload from a file",
				Command:     "telemetryctl shell --body netstats.json config update 314",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("shell", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			flagSet.StringVar(&bodyPath, "body", "", "request payload file (\"-\" for stdin)")
			// Daemon-side flags travel as positionals.
			flagSet.SetInterspersed(false)
			return flagSet
		},
		Run: func(args []string) error {
			var body []byte
			if bodyPath != "" {
				payload, err := readPayload([]string{bodyPath})
				if err != nil {
					return err
				}
				body = payload
			}
			out, err := conn.shell(body, args...)
			if err != nil {
				return err
			}
			return printResult(out)
		},
	}
}
