// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"slices"

	"github.com/telemetryd/telemetryd/lib/ipc"
	"github.com/telemetryd/telemetryd/lib/peercred"
	"github.com/telemetryd/telemetryd/lib/schema"
)

// restrictedCandidates resolves which restricted configs a request can
// address. The owning uid comes from the named package when one is
// given, otherwise the caller is assumed to own the config. A non-zero
// config id narrows the match to that id.
func (f *Facade) restrictedCandidates(pkg string, configID int64, callerUid int32) []schema.ConfigKey {
	var uids []int32
	if pkg != "" {
		uids = f.uids.Uids(pkg)
	} else {
		uids = []int32{callerUid}
	}
	var keys []schema.ConfigKey
	for _, uid := range uids {
		for _, id := range f.registry.ConfigIDs(uid) {
			if configID != 0 && id != configID {
				continue
			}
			key := schema.ConfigKey{Uid: uid, Id: id}
			if f.eng.IsRestricted(key) {
				keys = append(keys, key)
			}
		}
	}
	return keys
}

// querySql runs a delegate's read-only query against the restricted
// store. The caller authenticates purely through peer credentials; the
// store re-verifies delegate standing against the config before any
// SQL executes.
func (f *Facade) querySql(ctx context.Context, caller peercred.Cred, req ipc.Request) (any, error) {
	if f.restricted == nil {
		return nil, ipc.IllegalStatef("restricted metrics store is not available")
	}
	if req.SQL == "" {
		return nil, ipc.IllegalArgumentf("sql is required")
	}
	delegate := int32(caller.UID)
	var target schema.ConfigKey
	found := false
	for _, key := range f.restrictedCandidates(req.Package, req.ConfigID, delegate) {
		if f.restricted.IsDelegate(key, delegate) {
			target = key
			found = true
			break
		}
	}
	if !found {
		return nil, ipc.Securityf("UID %d is not a restricted metrics delegate for the requested config", delegate)
	}
	return f.restricted.Query(ctx, target, delegate, req.SQL)
}

// setRestrictedMetricsChangedOperation registers the caller as a
// change receiver for every restricted config the request resolves to
// and returns the matched config ids. No matches is not an error; the
// registration simply lands on nothing.
func (f *Facade) setRestrictedMetricsChangedOperation(_ context.Context, caller peercred.Cred, req ipc.Request) (any, error) {
	if f.restricted == nil {
		return nil, ipc.IllegalStatef("restricted metrics store is not available")
	}
	if req.SocketPath == "" {
		return nil, ipc.IllegalArgumentf("socket_path is required")
	}
	delegate := int32(caller.UID)
	keys := f.restrictedCandidates(req.Package, req.ConfigID, delegate)
	ids := make([]int64, 0, len(keys))
	for _, key := range keys {
		f.restricted.SetChangedOperation(key, delegate, req.SocketPath)
		ids = append(ids, key.Id)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	return ipc.ConfigIDsResult{ConfigIDs: ids}, nil
}

func (f *Facade) removeRestrictedMetricsChangedOperation(_ context.Context, caller peercred.Cred, req ipc.Request) (any, error) {
	if f.restricted == nil {
		return nil, ipc.IllegalStatef("restricted metrics store is not available")
	}
	delegate := int32(caller.UID)
	for _, key := range f.restrictedCandidates(req.Package, req.ConfigID, delegate) {
		f.restricted.RemoveChangedOperation(key, delegate)
	}
	return nil, nil
}
