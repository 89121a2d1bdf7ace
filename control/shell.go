// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/telemetryd/telemetryd/engine"
	"github.com/telemetryd/telemetryd/lib/codec"
	"github.com/telemetryd/telemetryd/lib/ipc"
	"github.com/telemetryd/telemetryd/lib/peercred"
	"github.com/telemetryd/telemetryd/lib/schema"
	"github.com/telemetryd/telemetryd/storage"
)

const shellUsage = `usage: shell <command> [args]

commands:
  config update [UID] ID            install or replace a config (payload in the request body)
  config remove [UID] ID            remove a config
  print-uid-map [PACKAGE]           print the uid map, optionally filtered to one package
  dump-report [UID] NAME_OR_ID [--keep_data] [--include_current_bucket] [--proto]
                                    fetch a report, erasing it unless --keep_data
  send-broadcast [UID] ID           fire the config's data-ready receiver
  send-active-configs [--uid=UID] [--configs ID...]
                                    fire the uid's active-configs receiver
  print-stats                       print daemon statistics
  write-to-disk                     flush report buffers to disk
  log-app-breadcrumb [UID] LABEL STATE
                                    inject a breadcrumb event (label 0-15, state 0-3)
  log-binary-push NAME VERSION STAGING ROLLBACK LOW_LATENCY STATE
                                    inject a binary-push event
  print-pulled-metrics              print pull registrations and counters
  clear-puller-cache                drop cached pull results
  print-logs [0|1]                  toggle verbose event logging (root only)
  data-subscribe [TIMEOUT_SECONDS]  stream live events (streaming transport only)`

func usageError() error {
	return ipc.IllegalArgumentf("%s", shellUsage)
}

// ShellDispatcher parses and runs the shell command surface on top of
// the facade. Commands validate fully before mutating anything, so a
// rejected command has no partial effects.
type ShellDispatcher struct {
	f *Facade
}

func newShellDispatcher(f *Facade) *ShellDispatcher {
	return &ShellDispatcher{f: f}
}

func (f *Facade) handleShell(ctx context.Context, caller peercred.Cred, req ipc.Request) (any, error) {
	out, err := f.shell.Dispatch(ctx, caller, req)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// text adapts a subcommand's string output into the result envelope.
func text(output string, err error) (ipc.OutputResult, error) {
	if err != nil {
		return ipc.OutputResult{}, err
	}
	return ipc.OutputResult{Output: output}, nil
}

// Dispatch runs one shell command. Rendered text lands in Output;
// dump-report --proto delivers the encoded report in Raw.
func (d *ShellDispatcher) Dispatch(ctx context.Context, caller peercred.Cred, req ipc.Request) (ipc.OutputResult, error) {
	if len(req.Args) == 0 {
		return ipc.OutputResult{}, usageError()
	}
	command, args := req.Args[0], req.Args[1:]
	switch command {
	case "config":
		return text(d.config(ctx, caller, args, req.Body))
	case "print-uid-map":
		return text(d.printUidMap(args))
	case "dump-report":
		return d.dumpReport(caller, args)
	case "send-broadcast":
		return text(d.sendBroadcast(ctx, caller, args))
	case "send-active-configs":
		return text(d.sendActiveConfigs(ctx, caller, args))
	case "print-stats":
		return text(d.f.stats.Snapshot().Text(), nil)
	case "write-to-disk":
		if err := d.f.eng.WriteToDisk(storage.ReasonManual, false); err != nil {
			return ipc.OutputResult{}, err
		}
		return text("report buffers written to disk", nil)
	case "log-app-breadcrumb":
		return text(d.logAppBreadcrumb(caller, args))
	case "log-binary-push":
		return text(d.logBinaryPush(caller, args))
	case "print-pulled-metrics":
		return text(d.f.puller.Dump(), nil)
	case "clear-puller-cache":
		return text(fmt.Sprintf("cleared %d cached pull results", d.f.puller.ClearCache()), nil)
	case "print-logs":
		return text(d.printLogs(caller, args))
	case "data-subscribe":
		return ipc.OutputResult{}, ipc.IllegalArgumentf("data-subscribe requires the streaming transport; use action %q", ipc.ActionShellSubscribe)
	}
	return ipc.OutputResult{}, usageError()
}

// targetUid resolves an optional explicit uid argument under the
// impersonation rule: callers act as themselves unless the guard
// allows acting as the named uid.
func (d *ShellDispatcher) targetUid(caller peercred.Cred, arg string) (int32, error) {
	if arg == "" {
		return int32(caller.UID), nil
	}
	parsed, err := strconv.ParseInt(arg, 10, 32)
	if err != nil || parsed < 0 {
		return 0, usageError()
	}
	if !d.f.guard.CanActAs(caller, uint32(parsed)) {
		return 0, ipc.Securityf("UID %d may not act as UID %d", caller.UID, parsed)
	}
	return int32(parsed), nil
}

// uidAndID parses the common [UID] ID positional pair: one argument is
// an id owned by the caller, two is an explicit uid then id.
func (d *ShellDispatcher) uidAndID(caller peercred.Cred, args []string) (schema.ConfigKey, error) {
	var uidArg, idArg string
	switch len(args) {
	case 1:
		idArg = args[0]
	case 2:
		uidArg, idArg = args[0], args[1]
	default:
		return schema.ConfigKey{}, usageError()
	}
	uid, err := d.targetUid(caller, uidArg)
	if err != nil {
		return schema.ConfigKey{}, err
	}
	id, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil {
		return schema.ConfigKey{}, usageError()
	}
	return schema.ConfigKey{Uid: uid, Id: id}, nil
}

func (d *ShellDispatcher) config(ctx context.Context, caller peercred.Cred, args []string, body []byte) (string, error) {
	if len(args) < 2 {
		return "", usageError()
	}
	verb := args[0]
	key, err := d.uidAndID(caller, args[1:])
	if err != nil {
		return "", err
	}
	switch verb {
	case "update":
		if len(body) == 0 {
			return "", usageError()
		}
		if err := d.f.addConfig(ctx, key, body); err != nil {
			return "", err
		}
		return fmt.Sprintf("config %s updated", key), nil
	case "remove":
		if err := d.f.removeConfig(ctx, key); err != nil {
			return "", err
		}
		return fmt.Sprintf("config %s removed", key), nil
	}
	return "", usageError()
}

func (d *ShellDispatcher) printUidMap(args []string) (string, error) {
	filter := ""
	switch len(args) {
	case 0:
	case 1:
		filter = args[0]
	default:
		return "", usageError()
	}
	return d.f.uids.Dump(filter), nil
}

// dumpReport fetches one config's report. Flags trail the positionals
// and are stripped from the end; the remaining tail names the config
// by numeric id or by config name.
func (d *ShellDispatcher) dumpReport(caller peercred.Cred, args []string) (ipc.OutputResult, error) {
	proto, includeCurrent, keepData := false, false, false
	if n := len(args); n > 0 && args[n-1] == "--proto" {
		proto, args = true, args[:n-1]
	}
	if n := len(args); n > 0 && args[n-1] == "--include_current_bucket" {
		includeCurrent, args = true, args[:n-1]
	}
	if n := len(args); n > 0 && args[n-1] == "--keep_data" {
		keepData, args = true, args[:n-1]
	}

	var uidArg, target string
	switch len(args) {
	case 1:
		target = args[0]
	case 2:
		uidArg, target = args[0], args[1]
	default:
		return ipc.OutputResult{}, usageError()
	}
	uid, err := d.targetUid(caller, uidArg)
	if err != nil {
		return ipc.OutputResult{}, err
	}
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		named, ok := d.f.eng.ConfigIDByName(uid, target)
		if !ok {
			return ipc.OutputResult{}, ipc.IllegalArgumentf("no config named %q for uid %d", target, uid)
		}
		id = named
	}
	report, err := d.f.eng.GetReport(schema.ConfigKey{Uid: uid, Id: id}, !keepData, includeCurrent)
	if err != nil {
		return ipc.OutputResult{}, err
	}
	if proto {
		return ipc.OutputResult{Raw: report}, nil
	}
	return text(renderReport(report))
}

// renderReport decodes a raw report into the shell's line-oriented
// text form.
func renderReport(raw []byte) (string, error) {
	var report engine.Report
	if err := codec.Unmarshal(raw, &report); err != nil {
		return "", ipc.Internalf("decoding report: %v", err)
	}
	var b strings.Builder
	if report.Name != "" {
		fmt.Fprintf(&b, "report for %s (%s)\n", report.Key, report.Name)
	} else {
		fmt.Fprintf(&b, "report for %s\n", report.Key)
	}
	fmt.Fprintf(&b, "  generated_nanos: %d\n", report.GeneratedNanos)
	fmt.Fprintf(&b, "  total_matched: %d\n", report.TotalMatched)
	if report.DroppedBuckets > 0 {
		fmt.Fprintf(&b, "  dropped_buckets: %d\n", report.DroppedBuckets)
	}
	for i, bucket := range report.Buckets {
		fmt.Fprintf(&b, "  bucket %d: [%d..%d) events=%d\n", i, bucket.StartNanos, bucket.EndNanos, len(bucket.Events))
		atoms := make([]int32, 0, len(bucket.Counts))
		for atom := range bucket.Counts {
			atoms = append(atoms, atom)
		}
		slices.Sort(atoms)
		for _, atom := range atoms {
			fmt.Fprintf(&b, "    atom %d: %d\n", atom, bucket.Counts[atom])
		}
	}
	return b.String(), nil
}

func (d *ShellDispatcher) sendBroadcast(ctx context.Context, caller peercred.Cred, args []string) (string, error) {
	key, err := d.uidAndID(caller, args)
	if err != nil {
		return "", err
	}
	socketPath, ok := d.f.registry.DataFetch(key)
	if !ok {
		return "", ipc.IllegalStatef("no data-fetch receiver registered for config %s", key)
	}
	if err := d.f.notify.SendDataReady(ctx, socketPath, key); err != nil {
		return "", ipc.Internalf("data-ready broadcast to %s failed: %v", socketPath, err)
	}
	return fmt.Sprintf("data-ready broadcast sent for config %s", key), nil
}

func (d *ShellDispatcher) sendActiveConfigs(ctx context.Context, caller peercred.Cred, args []string) (string, error) {
	uidArg := ""
	var explicit []int64
	useExplicit := false
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case strings.HasPrefix(arg, "--uid="):
			uidArg = strings.TrimPrefix(arg, "--uid=")
		case arg == "--configs":
			useExplicit = true
			for _, rest := range args[i+1:] {
				id, err := strconv.ParseInt(rest, 10, 64)
				if err != nil {
					return "", usageError()
				}
				explicit = append(explicit, id)
			}
			i = len(args)
		default:
			return "", usageError()
		}
	}
	uid, err := d.targetUid(caller, uidArg)
	if err != nil {
		return "", err
	}
	socketPath, ok := d.f.registry.ActiveChanged(uid)
	if !ok {
		return "", ipc.IllegalStatef("no active-configs receiver registered for uid %d", uid)
	}
	ids := explicit
	if !useExplicit {
		ids = d.f.eng.ActiveConfigIDs(uid)
	}
	if err := d.f.notify.SendActiveConfigs(ctx, socketPath, uid, ids); err != nil {
		return "", ipc.Internalf("active-configs broadcast to %s failed: %v", socketPath, err)
	}
	return fmt.Sprintf("active-configs broadcast sent to uid %d receiver (%d ids)", uid, len(ids)), nil
}

func (d *ShellDispatcher) logAppBreadcrumb(caller peercred.Cred, args []string) (string, error) {
	uidArg := ""
	switch len(args) {
	case 2:
	case 3:
		uidArg, args = args[0], args[1:]
	default:
		return "", usageError()
	}
	uid, err := d.targetUid(caller, uidArg)
	if err != nil {
		return "", err
	}
	label, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil || label < 0 || label > 15 {
		return "", usageError()
	}
	state, err := strconv.ParseInt(args[1], 10, 32)
	if err != nil || state < 0 || state > 3 {
		return "", usageError()
	}
	d.f.queue.Push(schema.NewAppBreadcrumb(uid, int32(label), int32(state), d.f.clk.Now().UnixNano()))
	return fmt.Sprintf("breadcrumb logged for uid %d", uid), nil
}

func (d *ShellDispatcher) logBinaryPush(caller peercred.Cred, args []string) (string, error) {
	if len(args) != 6 {
		return "", usageError()
	}
	trainName := args[0]
	trainVersion, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return "", usageError()
	}
	staging, err := parseShellBool(args[2])
	if err != nil {
		return "", err
	}
	rollback, err := parseShellBool(args[3])
	if err != nil {
		return "", err
	}
	lowLatency, err := parseShellBool(args[4])
	if err != nil {
		return "", err
	}
	state, err := strconv.ParseInt(args[5], 10, 32)
	if err != nil {
		return "", usageError()
	}
	event := schema.NewBinaryPush(int32(caller.UID), trainName, trainVersion, staging, rollback, lowLatency, int32(state), d.f.clk.Now().UnixNano())
	d.f.queue.Push(event)
	return fmt.Sprintf("binary push logged for train %q", trainName), nil
}

func parseShellBool(arg string) (bool, error) {
	switch arg {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	}
	return false, usageError()
}

// printLogs toggles the engine's per-event debug logging. Root only:
// verbose mode can leak event payloads into logs.
func (d *ShellDispatcher) printLogs(caller peercred.Cred, args []string) (string, error) {
	if !d.f.guard.IsRoot(caller) {
		return "", ipc.Securityf("UID %d may not toggle event logging", caller.UID)
	}
	verbose := !d.f.eng.Verbose()
	switch len(args) {
	case 0:
	case 1:
		parsed, err := parseShellBool(args[0])
		if err != nil {
			return "", err
		}
		verbose = parsed
	default:
		return "", usageError()
	}
	d.f.eng.SetVerbose(verbose)
	if verbose {
		return "verbose event logging enabled", nil
	}
	return "verbose event logging disabled", nil
}
