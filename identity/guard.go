// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity decides which callers may do what. Every admission
// rule in the daemon lives here, keyed on kernel-verified peer
// credentials; handlers never inspect UIDs or labels themselves.
package identity

import (
	"log/slog"

	"github.com/telemetryd/telemetryd/lib/ipc"
	"github.com/telemetryd/telemetryd/lib/peercred"
)

// Well-known identities. These mirror the platform convention: root is
// the unrestricted override, system is the privileged control-plane
// peer, shell is the local debug user.
const (
	DefaultRootUID   uint32 = 0
	DefaultSystemUID uint32 = 1000
	DefaultShellUID  uint32 = 2000
)

// Config selects the identities the guard trusts.
type Config struct {
	// SystemUID is the privileged control-plane identity. Zero selects
	// the default.
	SystemUID uint32

	// ShellUID is the local debug identity. Zero selects the default.
	ShellUID uint32

	// TraceLabel is the security label trusted for the tracing
	// subscription surface. Empty means no label is trusted.
	TraceLabel string

	// DebugBuild relaxes the impersonation rule so any caller may act
	// as any UID. Never set on production devices.
	DebugBuild bool
}

// Guard evaluates admission rules against peer credentials. Denials
// are ipc security errors naming the actual and expected identity;
// the guard logs identity fields only, never request payload.
type Guard struct {
	systemUID  uint32
	shellUID   uint32
	traceLabel string
	debugBuild bool
	logger     *slog.Logger
}

// NewGuard builds a guard from cfg, filling in default identities.
func NewGuard(cfg Config, logger *slog.Logger) *Guard {
	if cfg.SystemUID == 0 {
		cfg.SystemUID = DefaultSystemUID
	}
	if cfg.ShellUID == 0 {
		cfg.ShellUID = DefaultShellUID
	}
	return &Guard{
		systemUID:  cfg.SystemUID,
		shellUID:   cfg.ShellUID,
		traceLabel: cfg.TraceLabel,
		debugBuild: cfg.DebugBuild,
		logger:     logger,
	}
}

// IsRoot reports whether cred is the unrestricted root identity.
func (g *Guard) IsRoot(cred peercred.Cred) bool {
	return cred.UID == DefaultRootUID
}

// RequireSystem admits the privileged system identity, or root.
func (g *Guard) RequireSystem(cred peercred.Cred) error {
	return g.RequireUid(cred, g.systemUID)
}

// RequireUid admits the expected UID, or root.
func (g *Guard) RequireUid(cred peercred.Cred, expected uint32) error {
	if cred.UID == expected || g.IsRoot(cred) {
		return nil
	}
	g.deny(cred, "uid", expected)
	return ipc.Securityf("UID %d is not expected UID %d", cred.UID, expected)
}

// RequireLabel admits callers whose kernel-reported security label
// exactly matches expected, or root. An empty expected label admits
// nobody: a kernel without a label-providing LSM yields empty peer
// labels, and matching empty against empty would hand the tracing
// surface to every process.
func (g *Guard) RequireLabel(cred peercred.Cred, expected string) error {
	if g.IsRoot(cred) {
		return nil
	}
	if expected == "" {
		g.deny(cred, "label", expected)
		return ipc.Securityf("no security label is trusted for this operation")
	}
	if cred.Label == expected {
		return nil
	}
	g.deny(cred, "label", expected)
	return ipc.Securityf("label %q is not expected label %q", cred.Label, expected)
}

// RequireTracing admits callers holding the configured trusted tracing
// label. The subscription surface is gated on the label, not the UID.
func (g *Guard) RequireTracing(cred peercred.Cred) error {
	return g.RequireLabel(cred, g.traceLabel)
}

// RequireShell admits the local debug identities: root or shell.
func (g *Guard) RequireShell(cred peercred.Cred) error {
	if cred.UID == g.shellUID || g.IsRoot(cred) {
		return nil
	}
	g.deny(cred, "shell", g.shellUID)
	return ipc.Securityf("UID %d is not expected UID %d", cred.UID, g.shellUID)
}

// RequireDump admits the identities allowed to read diagnostic dumps:
// system, root, or shell.
func (g *Guard) RequireDump(cred peercred.Cred) error {
	switch cred.UID {
	case g.systemUID, g.shellUID, DefaultRootUID:
		return nil
	}
	g.deny(cred, "dump", g.systemUID)
	return ipc.Securityf("UID %d may not request a dump", cred.UID)
}

// RequirePullRegistration admits any caller. Pull registrations are
// scoped to the registering UID, so the operation carries no privilege
// beyond the caller's own identity; the method exists so the facade
// states its admission rule in the same shape as every other call.
func (g *Guard) RequirePullRegistration(cred peercred.Cred) error {
	return nil
}

// CanActAs reports whether cred may act on behalf of target. Allowed
// when this is a debug build, when the caller is the target, or when
// root acts as the shell identity. This is the single admission rule
// for every shell command taking an optional UID argument.
func (g *Guard) CanActAs(cred peercred.Cred, target uint32) bool {
	if g.debugBuild {
		return true
	}
	if cred.UID == target {
		return true
	}
	return g.IsRoot(cred) && target == g.shellUID
}

// ShellUID returns the configured local debug identity.
func (g *Guard) ShellUID() uint32 {
	return g.shellUID
}

// DebugBuild reports whether the relaxed impersonation rule is active.
func (g *Guard) DebugBuild() bool {
	return g.debugBuild
}

func (g *Guard) deny(cred peercred.Cred, rule string, expected any) {
	g.logger.Warn("authorization denied",
		"rule", rule,
		"uid", cred.UID,
		"pid", cred.PID,
		"label", cred.Label,
		"expected", expected)
}
