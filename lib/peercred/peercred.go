// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package peercred extracts kernel-verified peer credentials from Unix
// domain socket connections.
//
// The kernel records the pid, uid, and gid of the connecting process at
// connect(2) time and exposes them through SO_PEERCRED. Unlike anything
// carried in the request payload, these values cannot be forged by the
// caller, which makes them the trust root for every admission decision
// in the daemon.
//
// The peer's security label (SO_PEERSEC) is collected on a best-effort
// basis: on kernels without an LSM that implements it, the option is
// absent and Label is left empty. Callers that gate on the label treat
// an empty label as unauthorized.
package peercred

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/sys/unix"
)

// Cred holds the kernel-reported identity of the process on the other
// end of a Unix socket connection.
type Cred struct {
	// PID is the process ID of the peer at connect time. The process
	// may have exited since.
	PID int32

	// UID is the effective user ID of the peer.
	UID uint32

	// GID is the effective group ID of the peer.
	GID uint32

	// Label is the peer's security label (for example an SELinux
	// context). Empty when the kernel does not provide one.
	Label string
}

// FromConn reads the peer credentials of a Unix socket connection.
// Returns an error when conn is not a Unix socket or when the
// SO_PEERCRED query fails.
func FromConn(conn net.Conn) (Cred, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return Cred{}, fmt.Errorf("peer credentials require a Unix socket, got %T", conn)
	}

	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return Cred{}, fmt.Errorf("getting raw connection: %w", err)
	}

	var (
		ucred   *unix.Ucred
		credErr error
		label   string
	)
	controlErr := rawConn.Control(func(fd uintptr) {
		ucred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		// SO_PEERSEC is optional: absent on kernels without a label-
		// providing LSM. Failure leaves the label empty.
		label, _ = unix.GetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_PEERSEC)
	})
	if controlErr != nil {
		return Cred{}, fmt.Errorf("accessing socket file descriptor: %w", controlErr)
	}
	if credErr != nil {
		return Cred{}, fmt.Errorf("reading SO_PEERCRED: %w", credErr)
	}
	if ucred == nil || ucred.Pid <= 0 {
		return Cred{}, fmt.Errorf("kernel returned invalid peer credentials")
	}

	return Cred{
		PID:   ucred.Pid,
		UID:   ucred.Uid,
		GID:   ucred.Gid,
		Label: strings.TrimRight(label, "\x00"),
	}, nil
}
