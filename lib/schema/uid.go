// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// UidRecord is one entry of the uid-to-package map. The platform
// companion pushes the full map once at startup and incremental
// updates as packages are installed and removed.
type UidRecord struct {
	// Uid is the user ID the package runs as. Several packages can
	// share a uid.
	Uid int32 `cbor:"uid"`

	// Package is the package name, for example "com.example.app".
	Package string `cbor:"package"`

	// VersionCode is the numeric package version.
	VersionCode int64 `cbor:"version_code"`

	// VersionString is the human-readable package version. Optional.
	VersionString string `cbor:"version_string,omitempty"`

	// Installer is the package name of the installer. Optional.
	Installer string `cbor:"installer,omitempty"`
}
