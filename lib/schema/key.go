// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// ConfigKey identifies a collection configuration. Configurations are
// namespaced by the uid that owns them, so two callers can register
// configs with the same numeric ID without colliding.
//
// The canonical form is "uid/id"; CBOR carries the key as a text
// string in that form via encoding.TextMarshaler.
type ConfigKey struct {
	// Uid is the owning caller's user ID. For requests arriving over
	// the socket this is always the kernel-verified peer uid, never a
	// value taken from the request payload.
	Uid int32

	// Id is the caller-chosen configuration ID.
	Id int64
}

// ParseKey parses the canonical "uid/id" form into a ConfigKey.
func ParseKey(s string) (ConfigKey, error) {
	uidPart, idPart, found := strings.Cut(s, "/")
	if !found {
		return ConfigKey{}, fmt.Errorf("invalid config key %q: missing separator", s)
	}
	uid, err := strconv.ParseInt(uidPart, 10, 32)
	if err != nil {
		return ConfigKey{}, fmt.Errorf("invalid config key %q: bad uid", s)
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return ConfigKey{}, fmt.Errorf("invalid config key %q: bad id", s)
	}
	return ConfigKey{Uid: int32(uid), Id: id}, nil
}

// String renders the key in the "uid/id" form used in log output and
// dump listings.
func (k ConfigKey) String() string {
	return fmt.Sprintf("%d/%d", k.Uid, k.Id)
}

// MarshalText implements encoding.TextMarshaler. Serializes as the
// canonical "uid/id" form.
func (k ConfigKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Parses the
// canonical "uid/id" form.
func (k *ConfigKey) UnmarshalText(data []byte) error {
	parsed, err := ParseKey(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
