package router

import (
	"sync"
	"time"

	"github.com/haasonsaas/federation/internal/fedtypes"
)

// affinityTable holds session-to-instance stickiness. Two maps are kept in
// lockstep under one lock: forward for lookup, reverse for bulk eviction
// when an instance leaves the federation. State is not durable; a restart
// discards it and callers degrade to least-loaded naturally.
type affinityTable struct {
	mu      sync.RWMutex
	forward map[string]fedtypes.AffinityEntry // sessionID -> entry
	reverse map[string]map[string]struct{}    // instanceID -> set<sessionID>
	ttl     time.Duration
	clock   func() time.Time
}

func newAffinityTable(ttl time.Duration) *affinityTable {
	return &affinityTable{
		forward: make(map[string]fedtypes.AffinityEntry),
		reverse: make(map[string]map[string]struct{}),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// lookup returns the instance currently pinned to sessionID, if any.
func (a *affinityTable) lookup(sessionID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	entry, ok := a.forward[sessionID]
	if !ok {
		return "", false
	}
	return entry.InstanceID, true
}

// recordAffinity pins sessionID to instanceID, overwriting and cleaning up
// any prior mapping for that session first.
func (a *affinityTable) recordAffinity(sessionID, instanceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removeLocked(sessionID)

	a.forward[sessionID] = fedtypes.AffinityEntry{
		SessionID:  sessionID,
		InstanceID: instanceID,
		CreatedAt:  a.clock(),
	}
	if a.reverse[instanceID] == nil {
		a.reverse[instanceID] = make(map[string]struct{})
	}
	a.reverse[instanceID][sessionID] = struct{}{}
}

// clearAffinity removes sessionID's mapping, if any.
func (a *affinityTable) clearAffinity(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removeLocked(sessionID)
}

// clearInstanceAffinities drops every session pinned to instanceID, used
// when an instance is unregistered.
func (a *affinityTable) clearInstanceAffinities(instanceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for sessionID := range a.reverse[instanceID] {
		delete(a.forward, sessionID)
	}
	delete(a.reverse, instanceID)
}

// removeLocked deletes sessionID's forward entry and its reverse
// backreference. Caller must hold a.mu.
func (a *affinityTable) removeLocked(sessionID string) {
	prior, ok := a.forward[sessionID]
	if !ok {
		return
	}
	delete(a.forward, sessionID)
	if set, ok := a.reverse[prior.InstanceID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(a.reverse, prior.InstanceID)
		}
	}
}

// sweep evicts entries older than the table's TTL. Intended to be called
// from a ticker owned by the Router, no more often than the TTL itself.
func (a *affinityTable) sweep() {
	if a.ttl <= 0 {
		return
	}
	now := a.clock()

	a.mu.Lock()
	defer a.mu.Unlock()
	for sessionID, entry := range a.forward {
		if now.Sub(entry.CreatedAt) >= a.ttl {
			a.removeLocked(sessionID)
		}
	}
}

// size reports the number of active affinity entries, for tests and
// diagnostics.
func (a *affinityTable) size() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.forward)
}
