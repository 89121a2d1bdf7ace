// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/pflag"
)

func uidMapCommand() *Command {
	var conn connection

	return &Command{
		Name:    "uid-map",
		Summary: "Show the daemon's uid-to-package map",
		Description: `Print the packages the daemon attributes events to, optionally
filtered to one package name.`,
		Usage: "telemetryctl uid-map [flags] [PACKAGE]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("uid-map", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 1 {
				return fmt.Errorf("uid-map takes at most one PACKAGE filter")
			}
			shellArgs := []string{"print-uid-map"}
			shellArgs = append(shellArgs, args...)
			out, err := conn.shell(nil, shellArgs...)
			if err != nil {
				return err
			}
			fmt.Print(renderPanel("uid map", out.Output))
			return nil
		},
	}
}

func writeToDiskCommand() *Command {
	var conn connection

	return &Command{
		Name:    "write-to-disk",
		Summary: "Flush every report buffer to disk",
		Description: `Ask the daemon to build a report for every config with collected
data and persist it, erasing the in-memory buckets. The persisted
reports surface on the next fetch.`,
		Usage: "telemetryctl write-to-disk [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("write-to-disk", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("write-to-disk takes no arguments")
			}
			out, err := conn.shell(nil, "write-to-disk")
			if err != nil {
				return err
			}
			return printResult(out)
		},
	}
}
