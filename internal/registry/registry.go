// Package registry implements the process-wide ClientId -> Session
// mapping, including the atomic take-over protocol a second CONNECT with
// the same ClientId triggers.
//
// It is sharded by an xxhash of the ClientId, the same technique the
// teacher's dependency set (cespare/xxhash, promoted here from an
// indirect prometheus dependency to a direct one) offers out of the box
// for exactly this kind of high-fan-in concurrent map.
package registry

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/kestrelmq/broker/internal/mqttproto"
	"github.com/kestrelmq/broker/internal/session"
)

const shardCount = 64

type shard struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

// Registry is the broker-wide session directory.
type Registry struct {
	shards [shardCount]*shard
}

// New constructs an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*session.Session)}
	}
	return r
}

func (r *Registry) shardFor(clientID string) *shard {
	h := xxhash.Sum64String(clientID)
	return r.shards[h%shardCount]
}

// AttachResult reports the outcome of Attach.
type AttachResult struct {
	Session        *session.Session
	SessionPresent bool
	// PriorActive is non-nil when an existing Connected session for this
	// ClientId was displaced; the caller (the new connection's reader
	// goroutine) is responsible for signalling it to close.
	PriorActive *session.Session
	// PriorInbound is the channel the displaced connection's writer
	// goroutine is actually reading from. It is the same as
	// PriorActive.Inbound except when the same *Session object is
	// reused across the take-over (clean_start=false reconnecting to
	// an already-Connected session), in which case Attach swaps in a
	// fresh Inbound for the new connection and returns the old one
	// here so the signal reaches the displaced goroutine instead of
	// racing it for events on the channel now reserved for the new one.
	PriorInbound chan session.Event
}

// Attach implements the registry's take-over protocol: looking up
// or creating the session for clientID, displacing any existing
// Connected session for the same id, and reporting whether prior state
// was reused.
func (r *Registry) Attach(clientID string, cleanStart bool, ver mqttproto.Version, maxInflight uint16, maxQueued, maxAwaitingRel int, overflowPolicy string) AttachResult {
	sh := r.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing, ok := sh.sessions[clientID]
	if !ok {
		s := session.New(clientID, ver, cleanStart, maxInflight, maxQueued, maxAwaitingRel, overflowPolicy)
		sh.sessions[clientID] = s
		return AttachResult{Session: s, SessionPresent: false}
	}

	var prior *session.Session
	if existing.IsConnected() {
		prior = existing
	}

	if cleanStart {
		s := session.New(clientID, ver, cleanStart, maxInflight, maxQueued, maxAwaitingRel, overflowPolicy)
		sh.sessions[clientID] = s
		var priorInbound chan session.Event
		if prior != nil {
			priorInbound = prior.Inbound
		}
		return AttachResult{Session: s, SessionPresent: false, PriorActive: prior, PriorInbound: priorInbound}
	}

	var priorInbound chan session.Event
	if prior != nil {
		priorInbound = existing.SwapInbound()
	}
	existing.MarkConnected(ver)
	return AttachResult{Session: existing, SessionPresent: true, PriorActive: prior, PriorInbound: priorInbound}
}

// Detach marks clientID's session Disconnected (arming its will), or
// deletes it outright when its expiry is zero — a zero expiry means
// the session carries no state worth keeping past this disconnect,
// whether from a clean_start reconnect, expiry elapsing, or an
// administrative delete.
func (r *Registry) Detach(clientID string) {
	sh := r.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[clientID]
	if !ok {
		return
	}
	s.MarkDisconnected()
	if s.ExpiryInterval == 0 {
		delete(sh.sessions, clientID)
	}
}

// Delete unconditionally removes clientID's session (administrative
// delete, or a clean-start reconnect discarding the old state).
func (r *Registry) Delete(clientID string) {
	sh := r.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.sessions, clientID)
}

// Put installs s directly under its own ClientID, bypassing the
// take-over protocol. Used only for boot-time session reinstatement,
// before any connection can race it.
func (r *Registry) Put(s *session.Session) {
	sh := r.shardFor(s.ClientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.sessions[s.ClientID] = s
}

// Lookup returns clientID's session without mutating take-over state.
func (r *Registry) Lookup(clientID string) (*session.Session, bool) {
	sh := r.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[clientID]
	return s, ok
}

// SweepExpired removes every session for which isExpired reports true
// (ordinarily session.Session.IsExpired bound to time.Now), returning
// the removed ClientIds so callers can publish $SYS bookkeeping or
// release associated persistence records.
func (r *Registry) SweepExpired(isExpired func(*session.Session) bool) []string {
	var removed []string
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if isExpired(s) {
				removed = append(removed, id)
				delete(sh.sessions, id)
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Count returns the total number of sessions tracked across all shards.
func (r *Registry) Count() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}

// All returns a snapshot of every tracked session, used by boot-time
// Topic Tree reinstatement and by the $SYS publisher.
func (r *Registry) All() []*session.Session {
	var out []*session.Session
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.Unlock()
	}
	return out
}
