// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/pflag"
)

func configCommand() *Command {
	return &Command{
		Name:    "config",
		Summary: "Install, replace, or remove metric configs",
		Description: `Manage the daemon's metric configs through the shell surface.

Configs are owned by a (uid, id) pair. Without --uid the config is
owned by the calling uid; --uid targets another owner, subject to the
daemon's impersonation rule.`,
		Subcommands: []*Command{
			configUpdateCommand(),
			configRemoveCommand(),
		},
	}
}

func configUpdateCommand() *Command {
	var (
		conn connection
		uid  int32
	)

	return &Command{
		Name:    "update",
		Summary: "Install or replace a config",
		Description: `Install or replace the config with the given numeric id. The
payload is read from FILE, or from stdin when FILE is "-" or absent.
CBOR and JSONC (JSON with comments) payloads are both accepted.`,
		Usage: "telemetryctl config update [flags] ID [FILE]",
		Examples: []Example{
			{
				Description: "Install from a file",
				Command:     "telemetryctl config update 314 netstats.json",
			},
			{
				Description: "Install from stdin for another uid",
				Command:     "telemetryctl config update --uid 10007 314 < netstats.json",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("config update", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			flagSet.Int32Var(&uid, "uid", -1, "config owner uid (default: the calling uid)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) < 1 || len(args) > 2 {
				return fmt.Errorf("config update takes ID and an optional FILE")
			}
			body, err := readPayload(args[1:])
			if err != nil {
				return err
			}
			out, err := conn.shell(body, configArgs("update", uid, args[0])...)
			if err != nil {
				return err
			}
			return printResult(out)
		},
	}
}

func configRemoveCommand() *Command {
	var (
		conn connection
		uid  int32
	)

	return &Command{
		Name:    "remove",
		Summary: "Remove a config and its stored reports",
		Usage:   "telemetryctl config remove [flags] ID",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("config remove", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			flagSet.Int32Var(&uid, "uid", -1, "config owner uid (default: the calling uid)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("config remove takes exactly one ID")
			}
			out, err := conn.shell(nil, configArgs("remove", uid, args[0])...)
			if err != nil {
				return err
			}
			return printResult(out)
		},
	}
}

// configArgs builds the shell argument vector for a config verb: the
// uid positional appears only when the caller asked for one.
func configArgs(verb string, uid int32, id string) []string {
	args := []string{"config", verb}
	if uid >= 0 {
		args = append(args, strconv.FormatInt(int64(uid), 10))
	}
	return append(args, id)
}

// readPayload reads the config payload from the named file, or from
// stdin when the name is absent or "-".
func readPayload(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		body, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return body, nil
	}
	body, err := os.ReadFile(args[0])
	if err != nil {
		return nil, err
	}
	return body, nil
}
