// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"encoding/binary"
	"math"
	"net"
	"time"

	"github.com/telemetryd/telemetryd/lib/codec"
	"github.com/telemetryd/telemetryd/lib/ipc"
	"github.com/telemetryd/telemetryd/lib/peercred"
	"github.com/telemetryd/telemetryd/lib/schema"
	"github.com/telemetryd/telemetryd/lib/service"
	"github.com/telemetryd/telemetryd/pull"
)

// streamWriteTimeout bounds each write on a streaming response. It is
// deliberately larger than the envelope write timeout because report
// payloads can run to tens of megabytes.
const streamWriteTimeout = 30 * time.Second

func (f *Facade) addConfiguration(ctx context.Context, caller peercred.Cred, req ipc.Request) (any, error) {
	return nil, f.addConfig(ctx, callerKey(caller, req), req.Config)
}

// addConfig installs or replaces a config: engine first, then the
// persistent registry. If persistence fails the config stays live for
// this process lifetime and the caller learns about the degraded
// install.
func (f *Facade) addConfig(ctx context.Context, key schema.ConfigKey, payload []byte) error {
	if err := f.eng.OnConfigUpdated(key, payload); err != nil {
		return err
	}
	if err := f.registry.SetConfig(key, payload); err != nil {
		f.logger.Error("config installed but not persisted", "key", key.String(), "error", err)
		return ipc.Internalf("config %s installed but not persisted: %v", key, err)
	}
	f.logger.Info("config updated", "key", key.String(), "bytes", len(payload))
	if f.eng.IsRestricted(key) {
		f.sendRestrictedChanged(ctx, key)
	}
	return nil
}

func (f *Facade) removeConfiguration(ctx context.Context, caller peercred.Cred, req ipc.Request) (any, error) {
	return nil, f.removeConfig(ctx, callerKey(caller, req))
}

// removeConfig tears a config down everywhere it lives: registry,
// engine, stored reports. Removal is idempotent; unknown keys are a
// no-op. Restricted-ness is captured before the engine forgets the
// config so delegates still hear about the removal.
func (f *Facade) removeConfig(ctx context.Context, key schema.ConfigKey) error {
	wasRestricted := f.eng.IsRestricted(key)
	if err := f.registry.RemoveConfig(key); err != nil {
		f.logger.Warn("removing persisted config failed", "key", key.String(), "error", err)
	}
	f.eng.OnConfigRemoved(key)
	if n, err := f.store.EraseReports(key); err != nil {
		f.logger.Warn("erasing stored reports failed", "key", key.String(), "error", err)
	} else if n > 0 {
		f.logger.Debug("stored reports erased", "key", key.String(), "count", n)
	}
	f.logger.Info("config removed", "key", key.String())
	if wasRestricted {
		f.sendRestrictedChanged(ctx, key)
	}
	return nil
}

// sendRestrictedChanged tells every registered delegate receiver that
// the restricted config changed. Best effort; a dead receiver is the
// receiver's problem.
func (f *Facade) sendRestrictedChanged(ctx context.Context, key schema.ConfigKey) {
	if f.restricted == nil {
		return
	}
	for _, socketPath := range f.restricted.ChangedReceivers(key) {
		if err := f.notify.SendRestrictedChanged(ctx, socketPath, key); err != nil {
			f.logger.Warn("restricted-changed notify failed", "key", key.String(), "socket", socketPath, "error", err)
		}
	}
}

func (f *Facade) setDataFetchOperation(_ context.Context, caller peercred.Cred, req ipc.Request) (any, error) {
	if req.SocketPath == "" {
		return nil, ipc.IllegalArgumentf("socket_path is required")
	}
	f.registry.SetDataFetch(callerKey(caller, req), req.SocketPath)
	return nil, nil
}

func (f *Facade) removeDataFetchOperation(_ context.Context, caller peercred.Cred, req ipc.Request) (any, error) {
	f.registry.RemoveDataFetch(callerKey(caller, req))
	return nil, nil
}

// setActiveConfigsChangedOperation registers the receiver and returns
// the currently-active config ids for the caller so the receiver
// starts from a known state instead of waiting for the first change.
func (f *Facade) setActiveConfigsChangedOperation(_ context.Context, caller peercred.Cred, req ipc.Request) (any, error) {
	if req.SocketPath == "" {
		return nil, ipc.IllegalArgumentf("socket_path is required")
	}
	uid := int32(caller.UID)
	f.registry.SetActiveChanged(uid, req.SocketPath)
	return ipc.ConfigIDsResult{ConfigIDs: f.eng.ActiveConfigIDs(uid)}, nil
}

func (f *Facade) removeActiveConfigsChangedOperation(_ context.Context, caller peercred.Cred, _ ipc.Request) (any, error) {
	f.registry.RemoveActiveChanged(int32(caller.UID))
	return nil, nil
}

// getData fetches and erases the caller's report. The open bucket is
// included, so a freshly installed config yields a report rather than
// an empty payload.
func (f *Facade) getData(_ context.Context, caller peercred.Cred, req ipc.Request) (any, error) {
	report, err := f.eng.GetReport(callerKey(caller, req), true, true)
	if err != nil {
		return nil, err
	}
	return ipc.GetDataResult{Report: report}, nil
}

func (f *Facade) getMetadata(_ context.Context, _ peercred.Cred, _ ipc.Request) (any, error) {
	data, err := codec.Marshal(f.stats.Snapshot())
	if err != nil {
		return nil, ipc.Internalf("encoding metadata: %v", err)
	}
	return ipc.MetadataResult{Metadata: data}, nil
}

func (f *Facade) setBroadcastSubscriber(_ context.Context, caller peercred.Cred, req ipc.Request) (any, error) {
	if req.SocketPath == "" {
		return nil, ipc.IllegalArgumentf("socket_path is required")
	}
	if req.SubscriberID == 0 {
		return nil, ipc.IllegalArgumentf("subscriber_id is required")
	}
	f.registry.SetBroadcastSubscriber(callerKey(caller, req), req.SubscriberID, req.SocketPath)
	return nil, nil
}

func (f *Facade) unsetBroadcastSubscriber(_ context.Context, caller peercred.Cred, req ipc.Request) (any, error) {
	f.registry.UnsetBroadcastSubscriber(callerKey(caller, req), req.SubscriberID)
	return nil, nil
}

func (f *Facade) registerPullCallback(_ context.Context, caller peercred.Cred, req ipc.Request) (any, error) {
	return nil, f.registerPull(caller, req, false)
}

func (f *Facade) registerNativePullCallback(_ context.Context, caller peercred.Cred, req ipc.Request) (any, error) {
	return nil, f.registerPull(caller, req, true)
}

// registerPull records a pull source under the kernel-reported uid. An
// empty socket path routes the atom through the companion instead of a
// caller-hosted puller socket.
func (f *Facade) registerPull(caller peercred.Cred, req ipc.Request, native bool) error {
	return f.puller.Register(pull.Registration{
		Uid:            int32(caller.UID),
		Atom:           req.Atom,
		SocketPath:     req.SocketPath,
		CoolDown:       time.Duration(req.CoolDownMillis) * time.Millisecond,
		Timeout:        time.Duration(req.TimeoutMillis) * time.Millisecond,
		AdditiveFields: req.AdditiveFields,
		Native:         native,
	})
}

func (f *Facade) unregisterPullCallback(_ context.Context, caller peercred.Cred, req ipc.Request) (any, error) {
	f.puller.Unregister(int32(caller.UID), req.Atom)
	return nil, nil
}

// handleGetDataFd streams the caller's report over the connection: an
// ack envelope, then a 4-byte big-endian length, then the raw report
// bytes. The length prefix caps reports at what an int32 can carry;
// anything larger fails before the ack so the caller sees a structured
// error instead of a truncated stream.
func (f *Facade) handleGetDataFd(_ context.Context, caller peercred.Cred, raw []byte, conn net.Conn) error {
	if err := f.guard.RequireSystem(caller); err != nil {
		service.Fail(conn, err)
		return err
	}
	req, err := decodeRequest(raw)
	if err != nil {
		service.Fail(conn, err)
		return err
	}
	report, err := f.eng.GetReport(callerKey(caller, req), true, true)
	if err != nil {
		service.Fail(conn, err)
		return err
	}
	if int64(len(report)) > math.MaxInt32 {
		err := ipc.IllegalStatef("report size is infeasibly big: %d bytes", len(report))
		service.Fail(conn, err)
		return err
	}

	if err := service.Ack(conn); err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)) //nolint:realclock
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(report)))
	if _, err := conn.Write(prefix[:]); err != nil {
		return err
	}
	_, err = conn.Write(report)
	return err
}
