//go:build !synctest

// Package testutil provides test utilities for stress testing and verification.
//
// This file stubs the full SyncPointManager for production builds. SP and
// friends in syncpoint_prod.go are always compiled and already short-circuit
// on SyncPointEnabled, so the only thing missing without -tags synctest is
// the manager type itself; these stubs let that file type-check without
// pulling in the manager's blocking/dependency/callback machinery.
package testutil

// SyncPointManager is a stub type for production builds. The full
// implementation is only available with -tags synctest.
type SyncPointManager struct{}

// NewSyncPointManager returns an inert manager in production builds.
func NewSyncPointManager() *SyncPointManager { return &SyncPointManager{} }

// EnableProcessing is a no-op in production builds.
func (sp *SyncPointManager) EnableProcessing() {}

// SetGlobal is a no-op in production builds.
func (sp *SyncPointManager) SetGlobal() {}

// ClearGlobal is a no-op in production builds.
func ClearGlobal() {}

// SyncPointProcess is a no-op in production builds.
func SyncPointProcess(_ string) error { return nil }

// SyncPointProcessWithData is a no-op in production builds.
func SyncPointProcessWithData(_ string, _ any) error { return nil }
