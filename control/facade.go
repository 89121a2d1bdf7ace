// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package control is the daemon's RPC surface. One facade owns every
// control-socket action and runs each through the same shape:
// authorize against the identity guard, validate the request, delegate
// to the collaborator that owns the semantics, return a structured
// result or a classified error.
//
// The facade trusts only kernel-reported peer credentials for
// identity. A uid carried inside a request payload is never used to
// build a config key; payload uids exist solely for the shell
// surface's impersonation rule.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telemetryd/telemetryd/alarm"
	"github.com/telemetryd/telemetryd/boot"
	"github.com/telemetryd/telemetryd/companion"
	"github.com/telemetryd/telemetryd/confstore"
	"github.com/telemetryd/telemetryd/engine"
	"github.com/telemetryd/telemetryd/guardrail"
	"github.com/telemetryd/telemetryd/identity"
	"github.com/telemetryd/telemetryd/ingest"
	"github.com/telemetryd/telemetryd/lib/clock"
	"github.com/telemetryd/telemetryd/lib/codec"
	"github.com/telemetryd/telemetryd/lib/ipc"
	"github.com/telemetryd/telemetryd/lib/peercred"
	"github.com/telemetryd/telemetryd/lib/schema"
	"github.com/telemetryd/telemetryd/lib/service"
	"github.com/telemetryd/telemetryd/lib/version"
	"github.com/telemetryd/telemetryd/pull"
	"github.com/telemetryd/telemetryd/restricted"
	"github.com/telemetryd/telemetryd/storage"
	"github.com/telemetryd/telemetryd/uidmap"
)

// Options wires the facade to its collaborators. Restricted and
// CompanionSocket are optional; everything else is required.
type Options struct {
	Guard      *identity.Guard
	Registry   *confstore.Registry
	Engine     *engine.Engine
	Store      *storage.Store
	Restricted *restricted.Store
	UidMap     *uidmap.Map
	Puller     *pull.Manager
	Link       *companion.Link
	Gate       *boot.Gate
	Anomaly    *alarm.Monitor
	Subscriber *alarm.Monitor
	Queue      *ingest.Queue
	Loop       *ingest.Loop
	Stats      *guardrail.Collector
	Clock      clock.Clock
	Logger     *slog.Logger

	// CompanionSocket is the pre-configured companion address pinged
	// on system-running. Empty disables the ping.
	CompanionSocket string
}

// Facade is the control-socket surface.
type Facade struct {
	guard      *identity.Guard
	registry   *confstore.Registry
	eng        *engine.Engine
	store      *storage.Store
	restricted *restricted.Store
	uids       *uidmap.Map
	puller     *pull.Manager
	link       *companion.Link
	gate       *boot.Gate
	anomaly    *alarm.Monitor
	subscriber *alarm.Monitor
	queue      *ingest.Queue
	loop       *ingest.Loop
	stats      *guardrail.Collector
	notify     *Broadcaster
	clk        clock.Clock
	logger     *slog.Logger
	shell      *ShellDispatcher

	companionSocket string
	startedAt       time.Time

	// subs is the live-subscription broker, built at most once on
	// first use and installed as the ingestion loop's tap.
	mu   sync.Mutex
	subs *broker
}

// New builds the facade. Collaborators other than Restricted and
// CompanionSocket must be non-nil.
func New(opts Options) (*Facade, error) {
	required := []struct {
		name string
		ok   bool
	}{
		{"Guard", opts.Guard != nil},
		{"Registry", opts.Registry != nil},
		{"Engine", opts.Engine != nil},
		{"Store", opts.Store != nil},
		{"UidMap", opts.UidMap != nil},
		{"Puller", opts.Puller != nil},
		{"Link", opts.Link != nil},
		{"Gate", opts.Gate != nil},
		{"Anomaly", opts.Anomaly != nil},
		{"Subscriber", opts.Subscriber != nil},
		{"Queue", opts.Queue != nil},
		{"Loop", opts.Loop != nil},
		{"Stats", opts.Stats != nil},
		{"Clock", opts.Clock != nil},
		{"Logger", opts.Logger != nil},
	}
	for _, r := range required {
		if !r.ok {
			return nil, fmt.Errorf("control: %s is required", r.name)
		}
	}

	f := &Facade{
		guard:           opts.Guard,
		registry:        opts.Registry,
		eng:             opts.Engine,
		store:           opts.Store,
		restricted:      opts.Restricted,
		uids:            opts.UidMap,
		puller:          opts.Puller,
		link:            opts.Link,
		gate:            opts.Gate,
		anomaly:         opts.Anomaly,
		subscriber:      opts.Subscriber,
		queue:           opts.Queue,
		loop:            opts.Loop,
		stats:           opts.Stats,
		notify:          NewBroadcaster(opts.Stats, opts.Logger),
		clk:             opts.Clock,
		logger:          opts.Logger,
		companionSocket: opts.CompanionSocket,
		startedAt:       opts.Clock.Now(),
	}
	f.shell = newShellDispatcher(f)
	return f, nil
}

// Registrar receives the facade's action table. *service.SocketServer
// satisfies it.
type Registrar interface {
	Handle(action string, handler service.ActionFunc)
	HandleStream(action string, handler service.StreamFunc)
}

// Register installs every control-socket action on the server.
func (f *Facade) Register(server Registrar) {
	system := f.guard.RequireSystem

	server.Handle(ipc.ActionAddConfiguration, f.action(system, f.addConfiguration))
	server.Handle(ipc.ActionRemoveConfiguration, f.action(system, f.removeConfiguration))
	server.Handle(ipc.ActionSetDataFetchOperation, f.action(system, f.setDataFetchOperation))
	server.Handle(ipc.ActionRemoveDataFetchOperation, f.action(system, f.removeDataFetchOperation))
	server.Handle(ipc.ActionSetActiveConfigsChangedOperation, f.action(system, f.setActiveConfigsChangedOperation))
	server.Handle(ipc.ActionRemoveActiveConfigsChangedOperation, f.action(system, f.removeActiveConfigsChangedOperation))
	server.Handle(ipc.ActionGetData, f.action(system, f.getData))
	server.Handle(ipc.ActionGetMetadata, f.action(system, f.getMetadata))
	server.Handle(ipc.ActionSetBroadcastSubscriber, f.action(system, f.setBroadcastSubscriber))
	server.Handle(ipc.ActionUnsetBroadcastSubscriber, f.action(system, f.unsetBroadcastSubscriber))

	server.Handle(ipc.ActionRegisterPullAtomCallback, f.action(f.guard.RequirePullRegistration, f.registerPullCallback))
	server.Handle(ipc.ActionRegisterNativePullAtomCallback, f.action(f.guard.RequirePullRegistration, f.registerNativePullCallback))
	server.Handle(ipc.ActionUnregisterPullAtomCallback, f.action(f.guard.RequirePullRegistration, f.unregisterPullCallback))
	server.Handle(ipc.ActionUnregisterNativePullAtomCallback, f.action(f.guard.RequirePullRegistration, f.unregisterPullCallback))

	server.Handle(ipc.ActionSystemRunning, f.action(system, f.systemRunning))
	server.Handle(ipc.ActionBootCompleted, f.action(system, f.bootCompleted))
	server.Handle(ipc.ActionInformPollAlarmFired, f.action(system, f.informPollAlarmFired))
	server.Handle(ipc.ActionInformAlarmForSubscriberTriggeringFired, f.action(system, f.informSubscriberAlarmFired))
	server.Handle(ipc.ActionInformDeviceShutdown, f.action(system, f.informDeviceShutdown))
	server.Handle(ipc.ActionInformAllUidData, f.action(system, f.informAllUidData))
	server.Handle(ipc.ActionInformOnePackage, f.action(system, f.informOnePackage))
	server.Handle(ipc.ActionInformOnePackageRemoved, f.action(system, f.informOnePackageRemoved))

	server.Handle(ipc.ActionQuerySql, f.action(nil, f.querySql))
	server.Handle(ipc.ActionSetRestrictedMetricsChangedOperation, f.action(nil, f.setRestrictedMetricsChangedOperation))
	server.Handle(ipc.ActionRemoveRestrictedMetricsChangedOperation, f.action(nil, f.removeRestrictedMetricsChangedOperation))

	server.Handle(ipc.ActionAddSubscription, f.action(f.guard.RequireTracing, f.addSubscription))
	server.Handle(ipc.ActionRemoveSubscription, f.action(f.guard.RequireTracing, f.removeSubscription))
	server.Handle(ipc.ActionFlushSubscription, f.action(f.guard.RequireTracing, f.flushSubscription))

	server.Handle(ipc.ActionShell, f.action(f.guard.RequireShell, f.handleShell))
	server.Handle(ipc.ActionDump, f.action(f.guard.RequireDump, f.handleDump))
	server.Handle(ipc.ActionStatus, f.action(nil, f.status))

	server.HandleStream(ipc.ActionGetDataFd, f.handleGetDataFd)
	server.HandleStream(ipc.ActionCompanionReady, f.handleCompanionReady)
	server.HandleStream(ipc.ActionShellSubscribe, f.handleShellSubscribe)
}

// actionHandler is a facade handler after authorization and request
// decoding.
type actionHandler func(ctx context.Context, caller peercred.Cred, req ipc.Request) (any, error)

// action wraps a handler with the authorize-then-decode preamble. A
// nil authorize admits every caller.
func (f *Facade) action(authorize func(peercred.Cred) error, h actionHandler) service.ActionFunc {
	return func(ctx context.Context, caller peercred.Cred, raw []byte) (any, error) {
		if authorize != nil {
			if err := authorize(caller); err != nil {
				return nil, err
			}
		}
		req, err := decodeRequest(raw)
		if err != nil {
			return nil, err
		}
		return h(ctx, caller, req)
	}
}

func decodeRequest(raw []byte) (ipc.Request, error) {
	var req ipc.Request
	if err := codec.Unmarshal(raw, &req); err != nil {
		return req, ipc.IllegalArgumentf("invalid request payload: %v", err)
	}
	return req, nil
}

// callerKey builds the config key for a request: transport-derived
// uid, payload-declared config id.
func callerKey(caller peercred.Cred, req ipc.Request) schema.ConfigKey {
	return schema.ConfigKey{Uid: int32(caller.UID), Id: req.ConfigID}
}

func (f *Facade) status(_ context.Context, _ peercred.Cred, _ ipc.Request) (any, error) {
	return ipc.StatusInfo{
		Version:         version.Short(),
		UptimeSeconds:   int64(f.clk.Now().Sub(f.startedAt) / time.Second),
		QueueDepth:      f.queue.Len(),
		QueueCapacity:   f.queue.Cap(),
		ConfigCount:     f.eng.ConfigCount(),
		CompanionLinked: f.link.Linked(),
		CompanionEpoch:  f.link.Epoch(),
	}, nil
}

// Startup reloads persisted state: configs back into the engine,
// expired reports and restricted rows swept. Configs whose payload no
// longer parses are dropped from the registry rather than retried
// forever.
func (f *Facade) Startup(ctx context.Context) error {
	configs, err := f.registry.Startup()
	if err != nil {
		return fmt.Errorf("reloading configs: %w", err)
	}
	loaded := 0
	for key, payload := range configs {
		if err := f.eng.OnConfigUpdated(key, payload); err != nil {
			f.logger.Warn("dropping unparsable persisted config", "key", key.String(), "error", err)
			if err := f.registry.RemoveConfig(key); err != nil {
				f.logger.Warn("removing unparsable config failed", "key", key.String(), "error", err)
			}
			continue
		}
		loaded++
	}

	if swept, err := f.store.SweepExpired(); err != nil {
		f.logger.Warn("report sweep failed", "error", err)
	} else if swept > 0 {
		f.logger.Info("expired reports swept", "count", swept)
	}
	if f.restricted != nil {
		if removed, err := f.restricted.EnforceTtl(ctx); err != nil {
			f.logger.Warn("restricted ttl sweep failed", "error", err)
		} else if removed > 0 {
			f.logger.Info("expired restricted rows swept", "count", removed)
		}
	}

	f.logger.Info("startup complete", "configs", loaded)
	return nil
}

// Terminate runs the termination persistence sweep: the same flush as
// an orderly device shutdown, under the termination-signal reason.
func (f *Facade) Terminate() {
	if err := f.eng.WriteToDisk(storage.ReasonTermination, true); err != nil {
		f.logger.Error("termination flush failed", "error", err)
	}
	f.logger.Info("termination sweep complete")
}
