// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"

	"github.com/telemetryd/telemetryd/lib/schema"
)

const (
	// maxClosedBuckets bounds the closed buckets a collection holds
	// before the oldest is dropped.
	maxClosedBuckets = 72

	// maxBucketEvents bounds the raw events kept per bucket. Counts
	// keep accumulating after the cap; only the samples stop.
	maxBucketEvents = 512
)

// Bucket accumulates one aggregation window.
type Bucket struct {
	StartNanos int64           `cbor:"start_nanos"`
	EndNanos   int64           `cbor:"end_nanos,omitempty"`
	Counts     map[int32]int64 `cbor:"counts,omitempty"`
	Events     []schema.Event  `cbor:"events,omitempty"`
}

func newBucket(now time.Time) *Bucket {
	return &Bucket{
		StartNanos: now.UnixNano(),
		Counts:     make(map[int32]int64),
	}
}

func (b *Bucket) add(event schema.Event) {
	b.Counts[event.Atom]++
	if len(b.Events) < maxBucketEvents {
		b.Events = append(b.Events, event)
	}
}

// collection is the live state for one configured key: the parsed
// config, the raw payload it came from (kept for Reset), and the
// accumulated buckets. All fields are guarded by the engine mutex.
type collection struct {
	key     schema.ConfigKey
	payload []byte
	cfg     MetricConfig

	matchSet  map[int32]struct{}
	sourceSet map[int32]struct{} // nil allows any source

	// current is nil between an erase and the next matching event, so
	// a freshly erased collection reports no buckets.
	current *Bucket
	closed  []*Bucket

	// activeUntil gates collection when the config has an activation
	// clause. Zero time with an activation clause means dormant.
	activeUntil time.Time

	// ttlEnd is when the collection epoch expires and data restarts.
	// Zero means no expiry.
	ttlEnd time.Time

	totalMatched   uint64
	droppedBuckets uint64
}

func newCollection(key schema.ConfigKey, payload []byte, cfg MetricConfig, now time.Time) *collection {
	c := &collection{
		key:      key,
		payload:  payload,
		cfg:      cfg,
		matchSet: make(map[int32]struct{}, len(cfg.Matchers)),
		current:  newBucket(now),
	}
	for _, m := range cfg.Matchers {
		c.matchSet[m.Atom] = struct{}{}
	}
	if len(cfg.AllowedSources) > 0 {
		c.sourceSet = make(map[int32]struct{}, len(cfg.AllowedSources))
		for _, uid := range cfg.AllowedSources {
			c.sourceSet[uid] = struct{}{}
		}
	}
	if cfg.TtlSeconds > 0 {
		c.ttlEnd = now.Add(time.Duration(cfg.TtlSeconds) * time.Second)
	}
	return c
}

func (c *collection) active(now time.Time) bool {
	if c.cfg.Activation == nil {
		return true
	}
	return now.Before(c.activeUntil)
}

func (c *collection) activate(now time.Time) {
	c.activeUntil = now.Add(time.Duration(c.cfg.Activation.TtlSeconds) * time.Second)
}

// remainingActive returns how much activation time is left, or zero
// when the collection is dormant or has no activation clause.
func (c *collection) remainingActive(now time.Time) time.Duration {
	if c.cfg.Activation == nil || !now.Before(c.activeUntil) {
		return 0
	}
	return c.activeUntil.Sub(now)
}

// remainingTtl returns how much of the collection epoch is left, or
// zero when the config has no TTL.
func (c *collection) remainingTtl(now time.Time) time.Duration {
	if c.ttlEnd.IsZero() || !now.Before(c.ttlEnd) {
		return 0
	}
	return c.ttlEnd.Sub(now)
}

// record counts one matched event into the current bucket, opening or
// rolling the bucket as the timestamps require.
func (c *collection) record(event schema.Event, now time.Time) {
	c.totalMatched++
	if c.current == nil {
		c.current = newBucket(now)
	} else if c.bucketFull(now) {
		c.roll(now)
	}
	c.current.add(event)
}

// bucketFull reports whether the current bucket has outlived the
// configured bucket length.
func (c *collection) bucketFull(now time.Time) bool {
	length := time.Duration(c.cfg.BucketSeconds) * time.Second
	return !now.Before(time.Unix(0, c.current.StartNanos).Add(length))
}

// roll closes the current bucket and opens a fresh one. A nil current
// bucket stays nil: there is nothing to close and no data to start.
func (c *collection) roll(now time.Time) {
	if c.current == nil {
		return
	}
	c.current.EndNanos = now.UnixNano()
	c.closed = append(c.closed, c.current)
	if len(c.closed) > maxClosedBuckets {
		drop := len(c.closed) - maxClosedBuckets
		c.closed = append(c.closed[:0], c.closed[drop:]...)
		c.droppedBuckets += uint64(drop)
	}
	c.current = newBucket(now)
}

// erase drops report data. With includeCurrent the current bucket goes
// too and stays closed until the next matching event arrives.
func (c *collection) erase(includeCurrent bool) {
	c.closed = nil
	if includeCurrent {
		c.current = nil
	}
}

// restartEpoch begins a fresh collection epoch after the config TTL
// elapsed: all data is dropped and the TTL clock restarts.
func (c *collection) restartEpoch(now time.Time) {
	c.closed = nil
	c.current = newBucket(now)
	c.totalMatched = 0
	c.droppedBuckets = 0
	if c.cfg.TtlSeconds > 0 {
		c.ttlEnd = now.Add(time.Duration(c.cfg.TtlSeconds) * time.Second)
	}
}

// hasData reports whether a report for the collection would carry any
// buckets.
func (c *collection) hasData(includeCurrent bool) bool {
	if len(c.closed) > 0 {
		return true
	}
	return includeCurrent && c.current != nil
}

// buildReport assembles the report document. Bucket contents are
// copied so later mutation cannot reach into a returned report.
func (c *collection) buildReport(now time.Time, includeCurrent bool) Report {
	report := Report{
		Key:            c.key,
		Name:           c.cfg.Name,
		GeneratedNanos: now.UnixNano(),
		TotalMatched:   c.totalMatched,
		DroppedBuckets: c.droppedBuckets,
	}
	for _, b := range c.closed {
		report.Buckets = append(report.Buckets, copyBucket(b))
	}
	if includeCurrent && c.current != nil {
		report.Buckets = append(report.Buckets, copyBucket(c.current))
	}
	return report
}

func copyBucket(b *Bucket) Bucket {
	out := Bucket{
		StartNanos: b.StartNanos,
		EndNanos:   b.EndNanos,
		Counts:     make(map[int32]int64, len(b.Counts)),
	}
	for atom, n := range b.Counts {
		out.Counts[atom] = n
	}
	if len(b.Events) > 0 {
		out.Events = make([]schema.Event, len(b.Events))
		copy(out.Events, b.Events)
	}
	return out
}

// Report is the CBOR document returned by get-data and persisted by
// write-to-disk. An empty report has no buckets.
type Report struct {
	Key            schema.ConfigKey `cbor:"key"`
	Name           string           `cbor:"name,omitempty"`
	GeneratedNanos int64            `cbor:"generated_nanos"`
	Buckets        []Bucket         `cbor:"buckets,omitempty"`
	TotalMatched   uint64           `cbor:"total_matched"`
	DroppedBuckets uint64           `cbor:"dropped_buckets,omitempty"`
}
