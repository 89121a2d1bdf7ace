// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/telemetryd/telemetryd/lib/codec"
	"github.com/telemetryd/telemetryd/lib/ipc"
	"github.com/telemetryd/telemetryd/lib/peercred"
	"github.com/telemetryd/telemetryd/lib/schema"
	"github.com/telemetryd/telemetryd/lib/version"
)

// handleDump is the diagnostics surface. Plain invocation renders the
// human-readable state dump; --metadata restricts it to statistics;
// --proto switches the output to CBOR. Report payloads in a proto dump
// are read without erasing, so dumping never loses data.
func (f *Facade) handleDump(_ context.Context, _ peercred.Cred, req ipc.Request) (any, error) {
	args := req.Args
	metadataOnly := len(args) > 0 && args[0] == "--metadata"
	proto := len(args) > 0 && args[len(args)-1] == "--proto"
	verbose := len(args) > 0 && args[len(args)-1] == "-v"

	if metadataOnly {
		if proto {
			data, err := codec.Marshal(f.stats.Snapshot())
			if err != nil {
				return nil, ipc.Internalf("encoding statistics: %v", err)
			}
			return ipc.OutputResult{Raw: data}, nil
		}
		return ipc.OutputResult{Output: f.stats.Snapshot().Text()}, nil
	}
	if proto {
		data, err := f.reportDump()
		if err != nil {
			return nil, err
		}
		return ipc.OutputResult{Raw: data}, nil
	}
	return ipc.OutputResult{Output: f.textDump(verbose)}, nil
}

// dumpedReport pairs a config key with its raw report payload in a
// proto dump.
type dumpedReport struct {
	Key    schema.ConfigKey `cbor:"key"`
	Report []byte           `cbor:"report"`
}

// reportDump collects a non-destructive report per installed config.
// Configs whose report cannot be produced (restricted configs, for
// one) are skipped rather than failing the whole dump.
func (f *Facade) reportDump() ([]byte, error) {
	keys := f.eng.ConfigKeys()
	reports := make([]dumpedReport, 0, len(keys))
	for _, key := range keys {
		report, err := f.eng.GetReport(key, false, true)
		if err != nil {
			f.logger.Debug("skipping config in dump", "key", key.String(), "error", err)
			continue
		}
		reports = append(reports, dumpedReport{Key: key, Report: report})
	}
	data, err := codec.Marshal(reports)
	if err != nil {
		return nil, ipc.Internalf("encoding dump: %v", err)
	}
	return data, nil
}

func (f *Facade) textDump(verbose bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", version.Info())
	fmt.Fprintf(&b, "uptime: %s\n", f.clk.Now().Sub(f.startedAt).Round(time.Second))
	fmt.Fprintf(&b, "queue: %d/%d\n", f.queue.Len(), f.queue.Cap())
	if f.link.Linked() {
		fmt.Fprintf(&b, "companion: linked (epoch %d)\n", f.link.Epoch())
	} else {
		fmt.Fprintf(&b, "companion: not linked (epoch %d)\n", f.link.Epoch())
	}
	b.WriteString(dumpAlarmLine("anomaly alarm", f.anomaly.Outstanding()))
	b.WriteString(dumpAlarmLine("subscriber alarm", f.subscriber.Outstanding()))
	if f.restricted != nil {
		b.WriteString("restricted store: configured\n")
	}

	b.WriteString("\n")
	b.WriteString(f.stats.Snapshot().Text())
	b.WriteString("\n")
	b.WriteString(f.eng.Dump())

	if verbose {
		b.WriteString("\n")
		b.WriteString(f.uids.Dump(""))
		b.WriteString("\n")
		b.WriteString(f.puller.Dump())
	} else {
		fmt.Fprintf(&b, "\nuid map: %d packages\n", f.uids.Size())
		fmt.Fprintf(&b, "pull registrations: %d\n", f.puller.Count())
	}
	return b.String()
}

func dumpAlarmLine(name string, outstanding int64) string {
	if outstanding == 0 {
		return fmt.Sprintf("%s: none\n", name)
	}
	return fmt.Sprintf("%s: outstanding at %d\n", name, outstanding)
}
