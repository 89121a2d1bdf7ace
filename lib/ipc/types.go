// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import "github.com/telemetryd/telemetryd/lib/schema"

// Control socket actions. These are the "action" field values the
// daemon's socket server dispatches on. Unless noted, the action
// requires the system identity.
const (
	// ActionAddConfiguration installs or replaces the collection
	// config identified by (caller uid, ConfigID). The config body is
	// carried in Config.
	ActionAddConfiguration = "add-configuration"

	// ActionRemoveConfiguration removes the config and every
	// operation registered against it.
	ActionRemoveConfiguration = "remove-configuration"

	// ActionSetDataFetchOperation registers the socket the daemon
	// notifies when the config's report is ready to fetch.
	ActionSetDataFetchOperation = "set-data-fetch-operation"

	// ActionRemoveDataFetchOperation drops the data-fetch target.
	ActionRemoveDataFetchOperation = "remove-data-fetch-operation"

	// ActionSetActiveConfigsChangedOperation registers the socket the
	// daemon notifies when the caller's set of active configs changes.
	// The response returns the currently active config IDs.
	ActionSetActiveConfigsChangedOperation = "set-active-configs-changed-operation"

	// ActionRemoveActiveConfigsChangedOperation drops that target.
	ActionRemoveActiveConfigsChangedOperation = "remove-active-configs-changed-operation"

	// ActionGetData returns the config's report bytes and erases the
	// reported data.
	ActionGetData = "get-data"

	// ActionGetDataFd is the streaming variant: after the ack the
	// server writes a 4-byte big-endian length prefix followed by the
	// raw report bytes to the connection.
	ActionGetDataFd = "get-data-fd"

	// ActionGetMetadata returns the daemon's own operational
	// statistics.
	ActionGetMetadata = "get-metadata"

	// ActionRegisterPullAtomCallback registers a pulled-atom source
	// for (caller uid, Atom). Pull-registration permission, per uid.
	ActionRegisterPullAtomCallback = "register-pull-atom-callback"

	// ActionRegisterNativePullAtomCallback is the variant used by
	// native callers. Same semantics.
	ActionRegisterNativePullAtomCallback = "register-native-pull-atom-callback"

	// ActionUnregisterPullAtomCallback removes the registration.
	ActionUnregisterPullAtomCallback = "unregister-pull-atom-callback"

	// ActionUnregisterNativePullAtomCallback is the native variant.
	ActionUnregisterNativePullAtomCallback = "unregister-native-pull-atom-callback"

	// ActionSetBroadcastSubscriber binds (ConfigID, SubscriberID) to
	// a notify socket.
	ActionSetBroadcastSubscriber = "set-broadcast-subscriber"

	// ActionUnsetBroadcastSubscriber unbinds it.
	ActionUnsetBroadcastSubscriber = "unset-broadcast-subscriber"

	// ActionSystemRunning tells the daemon the platform process is up
	// and calls may flow.
	ActionSystemRunning = "system-running"

	// ActionCompanionReady is the companion's registration. Streaming:
	// the companion holds the connection open after the ack; EOF is
	// the death notification.
	ActionCompanionReady = "companion-ready"

	// ActionBootCompleted marks the boot-complete startup token.
	ActionBootCompleted = "boot-completed"

	// ActionInformPollAlarmFired reports the periodic poll alarm.
	ActionInformPollAlarmFired = "inform-poll-alarm-fired"

	// ActionInformAlarmForSubscriberTriggeringFired reports the
	// subscriber-triggering alarm.
	ActionInformAlarmForSubscriberTriggeringFired = "inform-alarm-for-subscriber-triggering-fired"

	// ActionInformDeviceShutdown persists reports and state ahead of
	// an orderly power-down.
	ActionInformDeviceShutdown = "inform-device-shutdown"

	// ActionInformAllUidData replaces the whole uid-to-package map.
	ActionInformAllUidData = "inform-all-uid-data"

	// ActionInformOnePackage upserts a single package record.
	ActionInformOnePackage = "inform-one-package"

	// ActionInformOnePackageRemoved removes a package record and the
	// configs owned by its uid.
	ActionInformOnePackageRemoved = "inform-one-package-removed"

	// ActionQuerySql runs a read-only query against a restricted
	// metrics store the caller is a delegate for.
	ActionQuerySql = "query-sql"

	// ActionSetRestrictedMetricsChangedOperation registers a delegate
	// notify socket for restricted-config changes. The response
	// returns the currently matching config IDs.
	ActionSetRestrictedMetricsChangedOperation = "set-restricted-metrics-changed-operation"

	// ActionRemoveRestrictedMetricsChangedOperation drops it.
	ActionRemoveRestrictedMetricsChangedOperation = "remove-restricted-metrics-changed-operation"

	// ActionAddSubscription adds a live subscription. Requires the
	// trusted tracing label, not a uid.
	ActionAddSubscription = "add-subscription"

	// ActionRemoveSubscription removes a live subscription.
	ActionRemoveSubscription = "remove-subscription"

	// ActionFlushSubscription flushes a live subscription's buffer.
	ActionFlushSubscription = "flush-subscription"

	// ActionShell runs one shell command. Root or shell uid only.
	ActionShell = "shell"

	// ActionShellSubscribe is the streaming transport behind the
	// data-subscribe shell command: after the ack the server writes
	// CBOR-encoded events to the connection until the timeout.
	ActionShellSubscribe = "shell-subscribe"

	// ActionDump renders the human-readable debug report. Dump
	// permission.
	ActionDump = "dump"

	// ActionStatus is the unauthenticated liveness probe.
	ActionStatus = "status"
)

// Companion socket actions: commands the daemon sends to the socket
// the companion announced in its registration.
const (
	// CompanionActionPing verifies the companion is reachable.
	CompanionActionPing = "ping"

	// CompanionActionSetAnomalyAlarm schedules the anomaly alarm for
	// the unix-seconds target in At.
	CompanionActionSetAnomalyAlarm = "set-anomaly-alarm"

	// CompanionActionCancelAnomalyAlarm cancels it.
	CompanionActionCancelAnomalyAlarm = "cancel-anomaly-alarm"

	// CompanionActionSetSubscriberAlarm schedules the subscriber-
	// triggering alarm.
	CompanionActionSetSubscriberAlarm = "set-subscriber-alarm"

	// CompanionActionCancelSubscriberAlarm cancels it.
	CompanionActionCancelSubscriberAlarm = "cancel-subscriber-alarm"

	// CompanionActionPull asks the companion to pull the platform
	// atoms for Atom on the daemon's behalf.
	CompanionActionPull = "pull"
)

// Request is one CBOR-encoded request on the control or companion
// socket. Action selects the operation; the other fields are a union
// across actions and stay off the wire when unused.
type Request struct {
	// Action is the operation name, one of the Action* or
	// CompanionAction* constants.
	Action string `cbor:"action"`

	// ConfigID is the caller-relative config ID. The owning uid is
	// always taken from the kernel-verified peer credentials, never
	// from the payload.
	ConfigID int64 `cbor:"config_id,omitempty"`

	// Config is the collection config body for add-configuration:
	// CBOR, or JSONC on the shell path.
	Config []byte `cbor:"config,omitempty"`

	// SocketPath is the notify target for the set-*-operation and
	// set-broadcast-subscriber actions, and the companion's dial-back
	// socket for companion-ready.
	SocketPath string `cbor:"socket_path,omitempty"`

	// SubscriberID distinguishes broadcast subscribers within one
	// config.
	SubscriberID int64 `cbor:"subscriber_id,omitempty"`

	// Atom is the atom tag for pull-callback registration and for
	// companion pulls.
	Atom int32 `cbor:"atom,omitempty"`

	// CoolDownMillis is the minimum interval between pulls of the
	// registered atom.
	CoolDownMillis int64 `cbor:"cool_down_millis,omitempty"`

	// TimeoutMillis bounds a single pull of the registered atom.
	TimeoutMillis int64 `cbor:"timeout_millis,omitempty"`

	// AdditiveFields lists the value positions that may be summed
	// when deduplicating pulled data.
	AdditiveFields []int32 `cbor:"additive_fields,omitempty"`

	// Records is the full uid map for inform-all-uid-data.
	Records []schema.UidRecord `cbor:"records,omitempty"`

	// Record is the single entry for inform-one-package.
	Record *schema.UidRecord `cbor:"record,omitempty"`

	// Package names the removed package for
	// inform-one-package-removed, and the restricted config's owning
	// package for the query-sql path.
	Package string `cbor:"package,omitempty"`

	// Uid is the removed package's uid for
	// inform-one-package-removed.
	Uid int32 `cbor:"uid,omitempty"`

	// SQL is the read-only query for query-sql.
	SQL string `cbor:"sql,omitempty"`

	// Subscription is the opaque subscription spec for the
	// add/remove/flush-subscription actions.
	Subscription []byte `cbor:"subscription,omitempty"`

	// Args is the argv for shell and dump.
	Args []string `cbor:"args,omitempty"`

	// Body is auxiliary input for shell commands that read one (the
	// config update subcommand).
	Body []byte `cbor:"body,omitempty"`

	// Atoms filters a shell-subscribe stream to the listed atom tags.
	// Empty means all.
	Atoms []int32 `cbor:"atoms,omitempty"`

	// TimeoutSeconds bounds a shell-subscribe stream. Zero means the
	// server default.
	TimeoutSeconds int64 `cbor:"timeout_seconds,omitempty"`

	// At is the unix-seconds alarm target for the companion
	// set-*-alarm actions.
	At int64 `cbor:"at,omitempty"`
}

// Result payloads. The socket layer wraps these in its response
// envelope's "data" field; the client decodes them back out. Actions
// without a result struct answer with a bare {ok: true}.

// GetDataResult carries the report bytes for get-data.
type GetDataResult struct {
	Report []byte `cbor:"report"`
}

// MetadataResult carries the operational-statistics payload for
// get-metadata.
type MetadataResult struct {
	Metadata []byte `cbor:"metadata"`
}

// ConfigIDsResult carries the current config ID list returned by
// set-active-configs-changed-operation and
// set-restricted-metrics-changed-operation.
type ConfigIDsResult struct {
	ConfigIDs []int64 `cbor:"config_ids"`
}

// QueryResult carries the query-sql result table. Row values are
// int64, float64, string, []byte, or nil.
type QueryResult struct {
	Columns []string `cbor:"columns"`
	Rows    [][]any  `cbor:"rows"`
}

// OutputResult carries shell and dump output. Rendered text lands in
// Output; encoded forms (proto dumps) land in Raw, which travels as a
// byte string and so may hold arbitrary bytes.
type OutputResult struct {
	Output string `cbor:"output,omitempty"`
	Raw    []byte `cbor:"raw,omitempty"`
}

// PullResult carries the pulled data returned by the companion's pull
// action.
type PullResult struct {
	Events []schema.Event `cbor:"events"`
}

// StatusInfo is the unauthenticated liveness payload. Coarse counters
// only: nothing here reveals config contents or report data.
type StatusInfo struct {
	// Version is the daemon's build version string.
	Version string `cbor:"version"`

	// UptimeSeconds counts from daemon start.
	UptimeSeconds int64 `cbor:"uptime_seconds"`

	// QueueDepth and QueueCapacity describe the ingestion queue.
	QueueDepth    int `cbor:"queue_depth"`
	QueueCapacity int `cbor:"queue_capacity"`

	// ConfigCount is the number of installed configs.
	ConfigCount int `cbor:"config_count"`

	// CompanionLinked reports whether a companion is currently
	// registered.
	CompanionLinked bool `cbor:"companion_linked"`

	// CompanionEpoch increments on every companion registration.
	CompanionEpoch uint64 `cbor:"companion_epoch"`
}
