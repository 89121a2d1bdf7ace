// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// Atom tags for events the daemon itself writes. Callers may log any
// positive atom tag; these constants cover the atoms with dedicated
// entry points.
const (
	// AtomAppBreadcrumbReported is logged when a caller drops a
	// breadcrumb via the API or the log-app-breadcrumb shell command.
	// Values: label, state.
	AtomAppBreadcrumbReported int32 = 47

	// AtomBinaryPushStateChanged records the progress of a binary
	// train install. Values: train name, train version code, three
	// 0/1 option flags (staging, rollback, low-latency monitor), and
	// the install state.
	AtomBinaryPushStateChanged int32 = 102
)

// ValueKind discriminates the variants of Value.
type ValueKind uint8

const (
	// ValueInt marks an integer value. Booleans are carried as 0/1
	// integers.
	ValueInt ValueKind = iota + 1

	// ValueFloat marks a floating-point value.
	ValueFloat

	// ValueString marks a string value.
	ValueString

	// ValueBytes marks an opaque byte-array value.
	ValueBytes
)

// Value is one typed field of an event. Exactly the field selected by
// Kind is meaningful; the others stay at their zero value so the
// deterministic encoder omits them.
type Value struct {
	Kind  ValueKind `cbor:"kind"`
	Int   int64     `cbor:"int,omitempty"`
	Float float64   `cbor:"float,omitempty"`
	Str   string    `cbor:"str,omitempty"`
	Bytes []byte    `cbor:"bytes,omitempty"`
}

// IntValue returns an integer Value.
func IntValue(v int64) Value { return Value{Kind: ValueInt, Int: v} }

// BoolValue returns an integer Value carrying 0 or 1.
func BoolValue(v bool) Value {
	if v {
		return Value{Kind: ValueInt, Int: 1}
	}
	return Value{Kind: ValueInt, Int: 0}
}

// FloatValue returns a floating-point Value.
func FloatValue(v float64) Value { return Value{Kind: ValueFloat, Float: v} }

// StringValue returns a string Value.
func StringValue(v string) Value { return Value{Kind: ValueString, Str: v} }

// BytesValue returns a byte-array Value.
func BytesValue(v []byte) Value { return Value{Kind: ValueBytes, Bytes: v} }

// Event is one telemetry event as it travels from the intake socket
// through the queue into the collection engine.
type Event struct {
	// Atom is the tag identifying the event's type.
	Atom int32 `cbor:"atom"`

	// ElapsedNanos is when the event was logged, in nanoseconds of
	// elapsed time since boot. Events are processed in arrival order,
	// not ElapsedNanos order.
	ElapsedNanos int64 `cbor:"elapsed_nanos"`

	// Uid is the uid of the process that logged the event.
	Uid int32 `cbor:"uid,omitempty"`

	// Pid is the pid of the process that logged the event. Zero when
	// the writer did not report one.
	Pid int32 `cbor:"pid,omitempty"`

	// Values holds the atom's typed fields in declaration order.
	Values []Value `cbor:"values,omitempty"`
}

// NewAppBreadcrumb builds an AtomAppBreadcrumbReported event attributed
// to uid.
func NewAppBreadcrumb(uid int32, label, state int32, elapsedNanos int64) Event {
	return Event{
		Atom:         AtomAppBreadcrumbReported,
		ElapsedNanos: elapsedNanos,
		Uid:          uid,
		Values: []Value{
			IntValue(int64(label)),
			IntValue(int64(state)),
		},
	}
}

// NewBinaryPush builds an AtomBinaryPushStateChanged event.
func NewBinaryPush(uid int32, trainName string, trainVersion int64, staging, rollback, lowLatency bool, state int32, elapsedNanos int64) Event {
	return Event{
		Atom:         AtomBinaryPushStateChanged,
		ElapsedNanos: elapsedNanos,
		Uid:          uid,
		Values: []Value{
			StringValue(trainName),
			IntValue(trainVersion),
			BoolValue(staging),
			BoolValue(rollback),
			BoolValue(lowLatency),
			IntValue(int64(state)),
		},
	}
}
