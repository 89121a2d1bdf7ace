// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"net"
	"time"

	"github.com/telemetryd/telemetryd/boot"
	"github.com/telemetryd/telemetryd/companion"
	"github.com/telemetryd/telemetryd/lib/ipc"
	"github.com/telemetryd/telemetryd/lib/peercred"
	"github.com/telemetryd/telemetryd/lib/service"
	"github.com/telemetryd/telemetryd/storage"
)

// systemRunning is the platform's "I am up" signal. It triggers a
// best-effort ping of the pre-configured companion socket; the real
// link is established by the companion's own companion-ready stream.
func (f *Facade) systemRunning(ctx context.Context, _ peercred.Cred, _ ipc.Request) (any, error) {
	f.logger.Info("system reported running")
	if f.companionSocket != "" {
		companion.Hello(ctx, f.companionSocket, f.logger)
	}
	return nil, nil
}

func (f *Facade) bootCompleted(_ context.Context, _ peercred.Cred, _ ipc.Request) (any, error) {
	f.gate.MarkComplete(boot.TokenBootComplete)
	return nil, nil
}

// informPollAlarmFired drives the periodic pull cycle, then lets the
// engine refresh its buckets against the new events.
func (f *Facade) informPollAlarmFired(ctx context.Context, _ peercred.Cred, _ ipc.Request) (any, error) {
	f.puller.OnAlarmFired(ctx)
	f.eng.OnPollAlarmFired()
	return nil, nil
}

// informSubscriberAlarmFired flushes every live subscription when the
// subscriber alarm that is actually outstanding fires. Stale fires are
// swallowed by the monitor.
func (f *Facade) informSubscriberAlarmFired(ctx context.Context, _ peercred.Cred, _ ipc.Request) (any, error) {
	if !f.subscriber.OnFired(f.clk.Now().Unix()) {
		return nil, nil
	}
	if b := f.currentBroker(); b != nil {
		b.FlushAll(ctx)
	}
	f.armSubscriberAlarm(ctx)
	return nil, nil
}

func (f *Facade) informDeviceShutdown(_ context.Context, _ peercred.Cred, _ ipc.Request) (any, error) {
	f.logger.Info("device shutdown reported, flushing report buffers")
	return nil, f.eng.WriteToDisk(storage.ReasonDeviceShutdown, true)
}

// informAllUidData replaces the whole uid map and releases the
// uid-map-received boot token. An empty snapshot is a valid snapshot.
func (f *Facade) informAllUidData(_ context.Context, _ peercred.Cred, req ipc.Request) (any, error) {
	f.uids.SetAll(req.Records)
	f.gate.MarkComplete(boot.TokenUidMapReceived)
	f.logger.Info("uid map replaced", "records", len(req.Records))
	return nil, nil
}

func (f *Facade) informOnePackage(_ context.Context, _ peercred.Cred, req ipc.Request) (any, error) {
	if req.Record == nil {
		return nil, ipc.IllegalArgumentf("record is required")
	}
	f.uids.Update(*req.Record)
	return nil, nil
}

// informOnePackageRemoved drops the package record and tears down every
// config owned by its uid, stored reports included.
func (f *Facade) informOnePackageRemoved(_ context.Context, _ peercred.Cred, req ipc.Request) (any, error) {
	if req.Package == "" {
		return nil, ipc.IllegalArgumentf("package is required")
	}
	f.uids.Remove(req.Package, req.Uid)
	removed, err := f.registry.RemoveConfigsForUid(req.Uid)
	if err != nil {
		f.logger.Warn("removing configs for removed package failed", "uid", req.Uid, "error", err)
	}
	for _, key := range removed {
		f.eng.OnConfigRemoved(key)
		if _, err := f.store.EraseReports(key); err != nil {
			f.logger.Warn("erasing stored reports failed", "key", key.String(), "error", err)
		}
	}
	if len(removed) > 0 {
		f.logger.Info("package removal cleaned configs", "package", req.Package, "uid", req.Uid, "configs", len(removed))
	}
	return nil, nil
}

// handleCompanionReady is the companion's registration stream. The
// companion connects, names its serving socket, and then holds the
// connection open; EOF on this stream is the death notification that
// triggers recovery. A registration that was already replaced by a
// newer one produces a stale EOF, which the link ignores.
func (f *Facade) handleCompanionReady(ctx context.Context, caller peercred.Cred, raw []byte, conn net.Conn) error {
	if err := f.guard.RequireSystem(caller); err != nil {
		service.Fail(conn, err)
		return err
	}
	req, err := decodeRequest(raw)
	if err != nil {
		service.Fail(conn, err)
		return err
	}
	if req.SocketPath == "" {
		err := ipc.IllegalArgumentf("socket_path is required")
		service.Fail(conn, err)
		return err
	}

	handle := f.link.Ready(req.SocketPath)
	if err := service.Ack(conn); err != nil {
		// The registration stream broke before the companion heard
		// the ack: that companion instance is already gone.
		f.link.DiedFor(handle)
		return err
	}

	// Hold the stream until the companion drops it or the daemon
	// shuts down. The watcher forces the blocked read to return on
	// shutdown so this connection cannot stall Serve teardown.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now()) //nolint:realclock
		case <-watchDone:
		}
	}()

	buf := make([]byte, 64)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}
	if ctx.Err() != nil {
		// Daemon shutdown, not a companion death.
		return nil
	}
	f.link.DiedFor(handle)
	return nil
}
