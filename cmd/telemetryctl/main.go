// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Telemetryctl is the operator CLI for a running telemetryd. It speaks
// the daemon's control socket: liveness and diagnostics, metric config
// management, report fetching, the uid map, and the live event stream.
//
// The daemon authenticates callers by socket peer credentials, so
// privileged commands succeed only for the identities the daemon
// trusts (system, shell, root); telemetryctl itself adds nothing.
package main

import (
	"fmt"
	"os"

	"github.com/telemetryd/telemetryd/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return rootCommand().Execute(os.Args[1:])
}

func rootCommand() *Command {
	return &Command{
		Name:    "telemetryctl",
		Summary: "Operator CLI for the telemetryd control socket",
		Description: `Inspect and drive a running telemetryd.

Commands connect to the daemon's Unix control socket (--socket, or
the TELEMETRYD_SOCKET environment variable). The daemon reads the
caller's uid from the socket peer credentials and applies its own
admission rules; run privileged commands as a uid the daemon trusts.`,
		Subcommands: []*Command{
			statusCommand(),
			statsCommand(),
			dumpCommand(),
			configCommand(),
			reportCommand(),
			uidMapCommand(),
			writeToDiskCommand(),
			subscribeCommand(),
			shellCommand(),
			versionCommand(),
		},
		Examples: []Example{
			{
				Description: "Check the daemon is up",
				Command:     "telemetryctl status",
			},
			{
				Description: "Install a metric config for uid 10007",
				Command:     "telemetryctl config update --uid 10007 314 config.json",
			},
			{
				Description: "Fetch a report without erasing it",
				Command:     "telemetryctl report netstats --keep-data",
			},
			{
				Description: "Watch breadcrumb events live",
				Command:     "telemetryctl subscribe --atom 47",
			},
		},
	}
}

func versionCommand() *Command {
	return &Command{
		Name:    "version",
		Summary: "Print version information",
		Usage:   "telemetryctl version",
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("version takes no arguments")
			}
			version.Print("telemetryctl")
			return nil
		},
	}
}
