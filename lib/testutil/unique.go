// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use this instead of time.Now() when
// tests need unique identifiers for package names, socket files, or
// breadcrumb labels that must be distinguishable across test cases.
//
//	pkg := testutil.UniqueID("com.example.app")  // "com.example.app-1", ...
//	label := testutil.UniqueID("crumb")          // "crumb-2", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
