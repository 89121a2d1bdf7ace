// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/telemetryd/telemetryd/lib/codec"
	"github.com/telemetryd/telemetryd/lib/ipc"
	"github.com/telemetryd/telemetryd/lib/schema"
)

func subscribeCommand() *Command {
	var (
		conn    connection
		atoms   []int32
		timeout time.Duration
	)

	return &Command{
		Name:    "subscribe",
		Summary: "Stream live events to stdout",
		Description: `Open a live event stream and print each matching event as it is
ingested, one line per event. The stream ends at the timeout, on
Ctrl-C, or when the daemon shuts down.

Requires the shell or root uid; the stream sees events from every
caller, not just the subscriber's own.`,
		Usage: "telemetryctl subscribe [flags]",
		Examples: []Example{
			{
				Description: "Watch breadcrumb and binary-push events for a minute",
				Command:     "telemetryctl subscribe --atom 47 --atom 102 --timeout 1m",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("subscribe", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			flagSet.Int32SliceVar(&atoms, "atom", nil, "only stream these atom tags (repeatable)")
			flagSet.DurationVar(&timeout, "timeout", 0, "stream duration (0 uses the daemon's default)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("subscribe takes no arguments")
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			req := ipc.Request{
				Action:         ipc.ActionShellSubscribe,
				Atoms:          atoms,
				TimeoutSeconds: int64(timeout / time.Second),
			}
			stream, err := conn.client().Stream(ctx, req)
			if err != nil {
				return err
			}
			defer stream.Close()

			// Ctrl-C must unblock the decoder's read.
			go func() {
				<-ctx.Done()
				stream.Close()
			}()

			decoder := codec.NewDecoder(stream)
			for {
				var event schema.Event
				if err := decoder.Decode(&event); err != nil {
					if ctx.Err() != nil || errors.Is(err, io.EOF) {
						return nil
					}
					return fmt.Errorf("event stream: %w", err)
				}
				fmt.Println(formatEvent(event))
			}
		},
	}
}

// formatEvent renders one streamed event as a single line.
func formatEvent(event schema.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "atom=%d uid=%d", event.Atom, event.Uid)
	if event.Pid != 0 {
		fmt.Fprintf(&b, " pid=%d", event.Pid)
	}
	fmt.Fprintf(&b, " elapsed=%s", time.Duration(event.ElapsedNanos))
	if len(event.Values) > 0 {
		b.WriteString(" values=[")
		for i, value := range event.Values {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(formatValue(value))
		}
		b.WriteString("]")
	}
	return b.String()
}

func formatValue(value schema.Value) string {
	switch value.Kind {
	case schema.ValueInt:
		return strconv.FormatInt(value.Int, 10)
	case schema.ValueFloat:
		return strconv.FormatFloat(value.Float, 'g', -1, 64)
	case schema.ValueString:
		return strconv.Quote(value.Str)
	case schema.ValueBytes:
		return fmt.Sprintf("0x%x", value.Bytes)
	}
	return fmt.Sprintf("kind(%d)", value.Kind)
}
