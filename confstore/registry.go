// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package confstore is the registry of installed metric
// configurations and the notification receivers attached to them.
//
// The registry owns three receiver tables, all keyed off the caller's
// registrations rather than anything in a payload:
//
//   - data-fetch: one socket path per config key, dialed when that
//     config's report data should be fetched;
//   - active-configs-changed: one socket path per subscribing UID,
//     dialed when the set of active configs changes;
//   - broadcast-subscriber: one socket path per (config key,
//     subscriber id) pair, dialed when a subscriber alarm fires.
//
// Config payloads are persisted through the storage layer as received;
// the registry never parses them. The engine holds the parsed form.
package confstore

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/telemetryd/telemetryd/lib/schema"
	"github.com/telemetryd/telemetryd/storage"
)

type subscriberKey struct {
	Key          schema.ConfigKey
	SubscriberID int64
}

// Registry tracks configurations and receivers. Safe for concurrent
// use.
type Registry struct {
	mu     sync.Mutex
	store  *storage.Store
	logger *slog.Logger

	configs              map[schema.ConfigKey][]byte
	dataFetch            map[schema.ConfigKey]string
	activeChanged        map[int32]string
	broadcastSubscribers map[subscriberKey]string
}

// New returns an empty registry backed by the given store.
func New(store *storage.Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:                store,
		logger:               logger,
		configs:              make(map[schema.ConfigKey][]byte),
		dataFetch:            make(map[schema.ConfigKey]string),
		activeChanged:        make(map[int32]string),
		broadcastSubscribers: make(map[subscriberKey]string),
	}
}

// Startup loads every persisted config into the registry and returns a
// copy for the engine to re-apply. Receivers are not persisted: they
// are live socket paths that die with their owning processes.
func (r *Registry) Startup() (map[schema.ConfigKey][]byte, error) {
	persisted, err := r.store.ReadConfigs()
	if err != nil {
		return nil, fmt.Errorf("confstore: reloading configs: %w", err)
	}

	r.mu.Lock()
	r.configs = persisted
	r.mu.Unlock()

	r.logger.Info("configurations reloaded", "count", len(persisted))
	return copyConfigs(persisted), nil
}

// SetConfig installs or replaces the payload for one config key and
// persists it.
func (r *Registry) SetConfig(key schema.ConfigKey, payload []byte) error {
	if err := r.store.WriteConfig(key, payload); err != nil {
		return err
	}
	r.mu.Lock()
	r.configs[key] = slices.Clone(payload)
	r.mu.Unlock()
	return nil
}

// RemoveConfig uninstalls one config key: the persisted payload is
// deleted and the key's data-fetch receiver and broadcast subscribers
// go with it. Removing an absent config is a no-op.
func (r *Registry) RemoveConfig(key schema.ConfigKey) error {
	if err := r.store.DeleteConfig(key); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, key)
	delete(r.dataFetch, key)
	for subscriber := range r.broadcastSubscribers {
		if subscriber.Key == key {
			delete(r.broadcastSubscribers, subscriber)
		}
	}
	return nil
}

// RemoveConfigsForUid uninstalls every config owned by the given UID
// and returns the removed keys (the caller tears the same keys out of
// the engine). This is the inform-one-package-removed path.
func (r *Registry) RemoveConfigsForUid(uid int32) ([]schema.ConfigKey, error) {
	r.mu.Lock()
	var keys []schema.ConfigKey
	for key := range r.configs {
		if key.Uid == uid {
			keys = append(keys, key)
		}
	}
	r.mu.Unlock()

	slices.SortFunc(keys, func(a, b schema.ConfigKey) int {
		if a.Id < b.Id {
			return -1
		}
		if a.Id > b.Id {
			return 1
		}
		return 0
	})

	for _, key := range keys {
		if err := r.RemoveConfig(key); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// Config returns the payload for one key.
func (r *Registry) Config(key schema.ConfigKey) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payload, ok := r.configs[key]
	if !ok {
		return nil, false
	}
	return slices.Clone(payload), true
}

// Configs returns a copy of every installed config.
func (r *Registry) Configs() map[schema.ConfigKey][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyConfigs(r.configs)
}

// ConfigIDs returns the sorted config ids installed for one UID.
func (r *Registry) ConfigIDs(uid int32) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []int64
	for key := range r.configs {
		if key.Uid == uid {
			ids = append(ids, key.Id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Count returns the number of installed configs.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.configs)
}

// SetDataFetch registers the data-fetch receiver for one config key.
func (r *Registry) SetDataFetch(key schema.ConfigKey, socketPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dataFetch[key] = socketPath
}

// RemoveDataFetch drops the data-fetch receiver for one config key.
func (r *Registry) RemoveDataFetch(key schema.ConfigKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dataFetch, key)
}

// DataFetch returns the data-fetch receiver for one config key.
func (r *Registry) DataFetch(key schema.ConfigKey) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, ok := r.dataFetch[key]
	return path, ok
}

// SetActiveChanged registers the active-configs-changed receiver for
// one UID.
func (r *Registry) SetActiveChanged(uid int32, socketPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeChanged[uid] = socketPath
}

// RemoveActiveChanged drops the active-configs-changed receiver for
// one UID.
func (r *Registry) RemoveActiveChanged(uid int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.activeChanged, uid)
}

// ActiveChanged returns the active-configs-changed receiver for one
// UID.
func (r *Registry) ActiveChanged(uid int32) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, ok := r.activeChanged[uid]
	return path, ok
}

// SetBroadcastSubscriber registers the receiver for one (config key,
// subscriber id) pair.
func (r *Registry) SetBroadcastSubscriber(key schema.ConfigKey, subscriberID int64, socketPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastSubscribers[subscriberKey{Key: key, SubscriberID: subscriberID}] = socketPath
}

// UnsetBroadcastSubscriber drops the receiver for one (config key,
// subscriber id) pair.
func (r *Registry) UnsetBroadcastSubscriber(key schema.ConfigKey, subscriberID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.broadcastSubscribers, subscriberKey{Key: key, SubscriberID: subscriberID})
}

// BroadcastSubscriber returns the receiver for one (config key,
// subscriber id) pair.
func (r *Registry) BroadcastSubscriber(key schema.ConfigKey, subscriberID int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, ok := r.broadcastSubscribers[subscriberKey{Key: key, SubscriberID: subscriberID}]
	return path, ok
}

func copyConfigs(configs map[schema.ConfigKey][]byte) map[schema.ConfigKey][]byte {
	out := make(map[schema.ConfigKey][]byte, len(configs))
	for key, payload := range configs {
		out[key] = slices.Clone(payload)
	}
	return out
}
