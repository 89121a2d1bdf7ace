// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"errors"
	"fmt"
)

// Code classifies a failed request. Codes travel in the Response
// envelope and are stable API: telemetryctl and the companion switch
// on them.
type Code string

const (
	// CodeSecurity means the caller's kernel-verified identity does
	// not permit the operation.
	CodeSecurity Code = "security"

	// CodeIllegalArgument means the request payload is malformed or
	// references something that does not exist.
	CodeIllegalArgument Code = "illegal-argument"

	// CodeIllegalState means the request is valid but the daemon
	// cannot honor it right now (for example a report too large for
	// the wire format).
	CodeIllegalState Code = "illegal-state"

	// CodeNullDependency means a collaborator the operation needs is
	// not present (typically the companion link is down).
	CodeNullDependency Code = "null-dependency"

	// CodeInternal covers everything else: I/O failures, codec
	// failures, bugs.
	CodeInternal Code = "internal"
)

// Error is a classified error. Operations deep in the daemon return
// *Error values; the socket layer maps them onto the Response envelope
// and everything unclassified becomes CodeInternal.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

// Securityf builds a CodeSecurity error.
func Securityf(format string, args ...any) *Error {
	return &Error{Code: CodeSecurity, Message: fmt.Sprintf(format, args...)}
}

// IllegalArgumentf builds a CodeIllegalArgument error.
func IllegalArgumentf(format string, args ...any) *Error {
	return &Error{Code: CodeIllegalArgument, Message: fmt.Sprintf(format, args...)}
}

// IllegalStatef builds a CodeIllegalState error.
func IllegalStatef(format string, args ...any) *Error {
	return &Error{Code: CodeIllegalState, Message: fmt.Sprintf(format, args...)}
}

// NullDependencyf builds a CodeNullDependency error.
func NullDependencyf(format string, args ...any) *Error {
	return &Error{Code: CodeNullDependency, Message: fmt.Sprintf(format, args...)}
}

// Internalf builds a CodeInternal error.
func Internalf(format string, args ...any) *Error {
	return &Error{Code: CodeInternal, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the classification from err. Unclassified errors
// report CodeInternal; nil reports the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Code
	}
	return CodeInternal
}
