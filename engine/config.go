// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/json"
	"unicode"

	"github.com/tidwall/jsonc"

	"github.com/telemetryd/telemetryd/lib/codec"
	"github.com/telemetryd/telemetryd/lib/ipc"
)

const (
	// defaultBucketSeconds is the bucket length for configs that do
	// not choose one.
	defaultBucketSeconds = 3600

	// minBucketSeconds is the shortest bucket a config may request.
	minBucketSeconds = 60
)

// Matcher selects events by atom tag.
type Matcher struct {
	Atom int32 `json:"atom" cbor:"atom"`
}

// Activation makes a config dormant until its activating atom is seen,
// then keeps it live for TtlSeconds after each sighting.
type Activation struct {
	Atom       int32 `json:"atom" cbor:"atom"`
	TtlSeconds int64 `json:"ttl_seconds" cbor:"ttl_seconds"`
}

// MetricConfig is the parsed form of a collection configuration. The
// wire form is CBOR, or JSONC when it arrives through the shell (the
// text form allows comments).
type MetricConfig struct {
	// Name labels the config in dumps and logs.
	Name string `json:"name,omitempty" cbor:"name,omitempty"`

	// Matchers selects which atoms the config collects. At least one
	// is required.
	Matchers []Matcher `json:"matchers" cbor:"matchers"`

	// BucketSeconds is the aggregation bucket length.
	BucketSeconds int64 `json:"bucket_seconds,omitempty" cbor:"bucket_seconds,omitempty"`

	// AllowedSources restricts collection to events logged by these
	// uids. Empty means any source.
	AllowedSources []int32 `json:"allowed_sources,omitempty" cbor:"allowed_sources,omitempty"`

	// Restricted routes matched events into the restricted metrics
	// database instead of report buffers. Restricted data is read
	// through query-sql only.
	Restricted bool `json:"restricted,omitempty" cbor:"restricted,omitempty"`

	// TtlSeconds bounds the collection's lifetime. When it elapses the
	// collection starts a fresh epoch: buckets are dropped and the
	// clock restarts. Zero means no expiry.
	TtlSeconds int64 `json:"ttl_seconds,omitempty" cbor:"ttl_seconds,omitempty"`

	// Activation, when present, gates collection on an activating
	// atom.
	Activation *Activation `json:"activation,omitempty" cbor:"activation,omitempty"`
}

// ParseConfig decodes and validates a config payload. Text payloads
// (first meaningful byte '{' or a comment) are JSONC; everything else
// is CBOR. Rejections are illegal-argument errors carrying the cause.
func ParseConfig(payload []byte) (MetricConfig, error) {
	var cfg MetricConfig
	if len(payload) == 0 {
		return cfg, ipc.IllegalArgumentf("config payload is empty")
	}

	if looksLikeText(payload) {
		if err := json.Unmarshal(jsonc.ToJSON(payload), &cfg); err != nil {
			return MetricConfig{}, ipc.IllegalArgumentf("config rejected: %v", err)
		}
	} else {
		if err := codec.Unmarshal(payload, &cfg); err != nil {
			return MetricConfig{}, ipc.IllegalArgumentf("config rejected: %v", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return MetricConfig{}, err
	}
	cfg.normalize()
	return cfg, nil
}

func (c *MetricConfig) validate() error {
	if len(c.Matchers) == 0 {
		return ipc.IllegalArgumentf("config rejected: no matchers")
	}
	for _, m := range c.Matchers {
		if m.Atom <= 0 {
			return ipc.IllegalArgumentf("config rejected: matcher atom %d is not positive", m.Atom)
		}
	}
	if c.BucketSeconds < 0 {
		return ipc.IllegalArgumentf("config rejected: negative bucket_seconds")
	}
	if c.BucketSeconds > 0 && c.BucketSeconds < minBucketSeconds {
		return ipc.IllegalArgumentf("config rejected: bucket_seconds %d below minimum %d", c.BucketSeconds, minBucketSeconds)
	}
	if c.TtlSeconds < 0 {
		return ipc.IllegalArgumentf("config rejected: negative ttl_seconds")
	}
	if c.Activation != nil {
		if c.Activation.Atom <= 0 {
			return ipc.IllegalArgumentf("config rejected: activation atom %d is not positive", c.Activation.Atom)
		}
		if c.Activation.TtlSeconds <= 0 {
			return ipc.IllegalArgumentf("config rejected: activation ttl_seconds must be positive")
		}
	}
	return nil
}

func (c *MetricConfig) normalize() {
	if c.BucketSeconds == 0 {
		c.BucketSeconds = defaultBucketSeconds
	}
}

// looksLikeText reports whether the payload reads as a JSONC document
// rather than CBOR. The first meaningful byte of JSONC is '{' or the
// '/' opening a comment; CBOR maps start well outside ASCII.
func looksLikeText(payload []byte) bool {
	for _, b := range payload {
		if unicode.IsSpace(rune(b)) {
			continue
		}
		return b == '{' || b == '/'
	}
	return false
}
