// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import "sync"

// =============================================================================
// CANCEL FUNCTION MANAGEMENT (THREAD-SAFE)
// =============================================================================

// cancelManager holds the cancel function of the in-flight exchange.
// Cancel may be called from a signal handler or an HTTP request while the
// exchange runs on another goroutine.
type cancelManager struct {
	mu     sync.Mutex
	owner  *Exchange
	cancel func()
}

func newCancelManager() *cancelManager {
	return &cancelManager{}
}

// set registers fn as the cancel function for ex.
func (cm *cancelManager) set(ex *Exchange, fn func()) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.owner = ex
	cm.cancel = fn
}

// fire invokes and clears the stored cancel function.
// It reports whether an exchange was cancelled.
func (cm *cancelManager) fire() bool {
	cm.mu.Lock()
	fn := cm.cancel
	cm.owner = nil
	cm.cancel = nil
	cm.mu.Unlock()

	if fn == nil {
		return false
	}
	fn()
	return true
}

// release clears the stored function if it still belongs to ex.
func (cm *cancelManager) release(ex *Exchange) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.owner == ex {
		cm.owner = nil
		cm.cancel = nil
	}
}
