// Package replica keeps the local replica fresh.
//
// Three trigger sources (the interval loop, pub/sub messages from sibling
// pops and the local API) feed one single-flight sync path. A trigger that
// arrives while a sync is running is dropped, never queued.
package replica

import (
	"sync"
	"time"
)

// SyncState is the only mutable state shared between triggers
type SyncState struct {
	mu       sync.Mutex
	syncing  bool
	lastSync time.Time
}

// NewSyncState returns an idle state
func NewSyncState() *SyncState {
	return &SyncState{}
}

// TryAcquire flips syncing to true; false means a sync is already running
func (s *SyncState) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncing {
		return false
	}
	s.syncing = true
	return true
}

// Release clears syncing. A non-zero synced time records a successful sync.
func (s *SyncState) Release(synced time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncing = false
	if !synced.IsZero() {
		s.lastSync = synced
	}
}

// Syncing reports whether a sync is in flight
func (s *SyncState) Syncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncing
}

// LastSync returns the completion time of the last successful sync
func (s *SyncState) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}
