// Package session implements per-client broker state: subscriptions, the
// QoS 1/2 inflight and queued-outbound windows, the QoS 2 receiver's
// awaiting-rel set, will arming, and topic alias tables.
//
// A Session's maps are guarded by its own mutex, the same way the
// teacher's Client struct protects its (smaller) Subscriptions map with
// a client-local sync.RWMutex rather than a registry-wide lock: the
// registry's per-shard mutex only protects the ClientId->*Session
// directory itself (Attach/Detach/Lookup), while concurrent routed
// deliveries and acks reach the same *Session from many connection
// goroutines at once and need their own lock. Resulting publishes are
// handed to the owning connection's writer goroutine over Inbound
// rather than by that goroutine polling the maps itself.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/kestrelmq/broker/internal/metrics"
	"github.com/kestrelmq/broker/internal/mqttproto"
)

// OutboundState is where a QoS>0 outbound publish sits in the handshake.
type OutboundState int

const (
	StateWaitAck  OutboundState = iota // QoS 1: PUBLISH sent, awaiting PUBACK
	StateWaitRec                      // QoS 2: PUBLISH sent, awaiting PUBREC
	StateWaitComp                     // QoS 2: PUBREC received, PUBREL sent, awaiting PUBCOMP
)

// Status is the session's connectivity state as seen by the registry.
type Status int

const (
	StatusConnected Status = iota
	StatusDisconnected
)

// SubscriptionOptions records one active subscription's negotiated
// behavior. Overlapping filters matching the same publish deliver it
// once per session, with options merged across the matching filters.
type SubscriptionOptions struct {
	QoS                    byte
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         byte
	SubscriptionIDs        []int
	ShareGroup             string
}

// OutboundPublish is a publish in flight to, or queued for, this session.
type OutboundPublish struct {
	PacketID   uint16
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	Dup        bool
	Properties *mqttproto.Properties

	State   OutboundState
	LastTx  time.Time
}

// Will is the message armed on ungraceful disconnect.
type Will struct {
	Topic         string
	Payload       []byte
	QoS           byte
	Retain        bool
	DelayInterval uint32
	Properties    *mqttproto.Properties
}

// Session is the broker's per-ClientId state, surviving across
// reconnects when CleanStart is false and ExpiryInterval is non-zero.
type Session struct {
	mu sync.Mutex

	ClientID        string
	ProtocolVersion mqttproto.Version
	CleanStart      bool

	Subscriptions map[string]SubscriptionOptions

	InflightOut map[uint16]*OutboundPublish
	QueuedOut   []*OutboundPublish
	AwaitingRel map[uint16]struct{}

	Will           *Will
	ExpiryInterval uint32

	TopicAliasesIn  map[uint16]string
	TopicAliasesOut map[string]uint16

	Status         Status
	DisconnectedAt time.Time
	CreatedAt      time.Time

	MaxInflight     uint16
	MaxQueued       int
	MaxAwaitingRel  int
	OverflowPolicy  string // "drop_newest" or "drop_oldest"

	nextPacketID uint16

	// Inbound is the channel the connection's writer goroutine drains;
	// the router and the take-over path push outbound work and control
	// events onto it instead of mutating connection-local state directly.
	Inbound chan Event
}

// Event is something the owning connection goroutine must react to:
// a publish ready for delivery, or a control signal like take-over.
type Event struct {
	Publish  *OutboundPublish
	TakeOver bool
	Reason   string
}

// New constructs a fresh session for clientID.
func New(clientID string, ver mqttproto.Version, cleanStart bool, maxInflight uint16, maxQueued, maxAwaitingRel int, overflowPolicy string) *Session {
	now := time.Now()
	return &Session{
		ClientID:        clientID,
		ProtocolVersion: ver,
		CleanStart:      cleanStart,
		Subscriptions:   make(map[string]SubscriptionOptions),
		InflightOut:     make(map[uint16]*OutboundPublish),
		AwaitingRel:     make(map[uint16]struct{}),
		TopicAliasesIn:  make(map[uint16]string),
		TopicAliasesOut: make(map[string]uint16),
		Status:          StatusConnected,
		CreatedAt:       now,
		MaxInflight:     maxInflight,
		MaxQueued:       maxQueued,
		MaxAwaitingRel:  maxAwaitingRel,
		OverflowPolicy:  overflowPolicy,
		nextPacketID:    1,
		Inbound:         make(chan Event, 64),
	}
}

// NewDisconnected reconstructs a persistent session at boot: the
// session exists in the registry and its subscriptions rejoin the
// topic tree, but it starts Disconnected since no connection owns it
// yet until its client reconnects.
func NewDisconnected(clientID string, ver mqttproto.Version, expiryInterval uint32, maxInflight uint16, maxQueued, maxAwaitingRel int, overflowPolicy string) *Session {
	s := New(clientID, ver, false, maxInflight, maxQueued, maxAwaitingRel, overflowPolicy)
	s.Status = StatusDisconnected
	s.DisconnectedAt = time.Now()
	s.ExpiryInterval = expiryInterval
	return s
}

// Restore reinstates persisted inflight/queued/awaiting-rel entries onto
// a freshly constructed (NewDisconnected) session, before it is attached
// to the registry — called once per session during boot reinstatement.
func (s *Session) Restore(inflight, queued []*OutboundPublish, awaitingRel []uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range inflight {
		s.InflightOut[p.PacketID] = p
	}
	s.QueuedOut = append(s.QueuedOut, queued...)
	for _, id := range awaitingRel {
		s.AwaitingRel[id] = struct{}{}
	}
}

// AddSubscription installs or replaces the options for filter, reporting
// whether a subscription for filter already existed.
func (s *Session) AddSubscription(filter string, opts SubscriptionOptions) (existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed = s.Subscriptions[filter]
	s.Subscriptions[filter] = opts
	return existed
}

// SubscriptionsSnapshot returns a copy of the session's current
// subscriptions, safe to range over without racing AddSubscription /
// RemoveSubscription on another goroutine.
func (s *Session) SubscriptionsSnapshot() map[string]SubscriptionOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SubscriptionOptions, len(s.Subscriptions))
	for k, v := range s.Subscriptions {
		out[k] = v
	}
	return out
}

// RemoveSubscription drops filter, reporting whether it existed.
func (s *Session) RemoveSubscription(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.Subscriptions[filter]
	delete(s.Subscriptions, filter)
	return ok
}

// NextPacketID allocates the next free 16-bit packet id, wrapping past
// zero and skipping ids already occupied by an inflight entry. Returns
// ok=false only if every id is in use, which given a MaxInflight bound
// well under 65535 never occurs in practice but is checked rather than
// assumed.
func (s *Session) NextPacketID() (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPacketIDLocked()
}

// nextPacketIDLocked is NextPacketID's body, callable by methods that
// already hold s.mu.
func (s *Session) nextPacketIDLocked() (uint16, bool) {
	start := s.nextPacketID
	for {
		id := s.nextPacketID
		s.nextPacketID++
		if s.nextPacketID == 0 {
			s.nextPacketID = 1
		}
		if _, inflight := s.InflightOut[id]; !inflight {
			return id, true
		}
		if s.nextPacketID == start {
			return 0, false
		}
	}
}

// TryDeliver is the router's per-target enqueue decision: if a QoS>0
// publish can take an inflight slot, it does and the caller
// must send it; otherwise it is pushed to QueuedOut under the session's
// overflow policy. QoS-0 publishes are always handed back for immediate
// send — they never occupy inflight or queued slots.
func (s *Session) TryDeliver(p *OutboundPublish) (sendNow bool, dropped bool) {
	if p.QoS == 0 {
		return true, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.InflightOut) < int(s.MaxInflight) {
		id, ok := s.nextPacketIDLocked()
		if !ok {
			return false, true
		}
		p.PacketID = id
		p.State = StateWaitAck
		if p.QoS == 2 {
			p.State = StateWaitRec
		}
		p.LastTx = time.Now()
		s.InflightOut[id] = p
		return true, false
	}
	return false, s.enqueueOrDropLocked(p)
}

// enqueueOrDropLocked appends p to QueuedOut, applying the configured
// overflow policy once MaxQueued is reached. Callers must hold s.mu.
func (s *Session) enqueueOrDropLocked(p *OutboundPublish) (dropped bool) {
	if s.MaxQueued > 0 && len(s.QueuedOut) >= s.MaxQueued {
		switch s.OverflowPolicy {
		case "drop_oldest":
			s.QueuedOut = append(s.QueuedOut[1:], p)
			metrics.QueuedOutboundDropped.WithLabelValues("drop_oldest").Inc()
			return true
		default: // drop_newest
			metrics.QueuedOutboundDropped.WithLabelValues("drop_newest").Inc()
			return true
		}
	}
	s.QueuedOut = append(s.QueuedOut, p)
	return false
}

// PromoteQueued moves queued publishes into inflight as slots free up,
// called after an ack frees an inflight entry. Returns the publishes now
// ready to send, in FIFO order.
func (s *Session) PromoteQueued() []*OutboundPublish {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ready []*OutboundPublish
	for len(s.QueuedOut) > 0 && len(s.InflightOut) < int(s.MaxInflight) {
		p := s.QueuedOut[0]
		s.QueuedOut = s.QueuedOut[1:]
		id, ok := s.nextPacketIDLocked()
		if !ok {
			s.QueuedOut = append([]*OutboundPublish{p}, s.QueuedOut...)
			break
		}
		p.PacketID = id
		p.State = StateWaitAck
		if p.QoS == 2 {
			p.State = StateWaitRec
		}
		p.LastTx = time.Now()
		s.InflightOut[id] = p
		ready = append(ready, p)
	}
	return ready
}

// HandlePubAck completes a QoS-1 publish, freeing its inflight slot.
func (s *Session) HandlePubAck(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.InflightOut[packetID]; !ok {
		return false
	}
	delete(s.InflightOut, packetID)
	return true
}

// HandlePubRec advances a QoS-2 outbound publish to WaitComp, discarding
// the payload (only packet_id need be retained from here).
func (s *Session) HandlePubRec(packetID uint16) (*OutboundPublish, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.InflightOut[packetID]
	if !ok {
		return nil, false
	}
	p.State = StateWaitComp
	p.Payload = nil
	p.LastTx = time.Now()
	return p, true
}

// HandlePubComp completes a QoS-2 outbound publish.
func (s *Session) HandlePubComp(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.InflightOut[packetID]
	if !ok || p.State != StateWaitComp {
		return false
	}
	delete(s.InflightOut, packetID)
	return true
}

// ReceivePublishQoS2 is the receiver side of the QoS-2 handshake:
// retransmit reports whether packetID was already awaiting a
// PUBREL (so the payload must not be re-delivered to the router), and ok
// is false only when max_awaiting_rel capacity is exceeded for a new id.
func (s *Session) ReceivePublishQoS2(packetID uint16) (retransmit bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, already := s.AwaitingRel[packetID]; already {
		return true, true
	}
	if s.MaxAwaitingRel > 0 && len(s.AwaitingRel) >= s.MaxAwaitingRel {
		return false, false
	}
	s.AwaitingRel[packetID] = struct{}{}
	return false, true
}

// ReceivePubRel completes the receiver side of the QoS-2 handshake.
func (s *Session) ReceivePubRel(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.AwaitingRel[packetID]; !ok {
		return false
	}
	delete(s.AwaitingRel, packetID)
	return true
}

// GetExpiryInterval reads the session's current expiry interval.
func (s *Session) GetExpiryInterval() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ExpiryInterval
}

// SetExpiryInterval updates the session's expiry interval, e.g. from a
// v5 CONNECT's Session Expiry Interval property once the session is
// attached.
func (s *Session) SetExpiryInterval(seconds uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExpiryInterval = seconds
}

// SwapInbound installs a fresh Inbound channel on the session and hands
// back the one previously in use. A displaced connection's writer
// goroutine captures its own Inbound reference once, at connect time,
// so handing it the old channel here (rather than leaving both
// connections reading the same live field) is what lets the registry
// signal take-over without racing the new connection for events meant
// for it alone.
func (s *Session) SwapInbound() chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.Inbound
	s.Inbound = make(chan Event, 64)
	return old
}

// MarkConnected transitions the session to Connected on a (re)CONNECT,
// updating the negotiated protocol version. Used by the registry's
// Attach instead of writing Status/ProtocolVersion directly, since those
// fields are read concurrently by IsConnected/IsExpired under s.mu.
func (s *Session) MarkConnected(ver mqttproto.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusConnected
	s.CleanStart = false
	s.ProtocolVersion = ver
}

// MarkDisconnected transitions the session to Disconnected and arms its
// will's delay clock, used by the registry's Detach.
func (s *Session) MarkDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusDisconnected
	s.DisconnectedAt = time.Now()
}

// IsConnected reports whether the session is currently attached to a
// live connection.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status == StatusConnected
}

// SetWill arms w as the session's will, replacing whatever was armed
// before (a fresh CONNECT always describes the will from scratch).
func (s *Session) SetWill(w *Will) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Will = w
}

// ClearWill removes the armed will: on a normal DISCONNECT, and once the
// will has been published.
func (s *Session) ClearWill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Will = nil
}

// WillDue reports whether the armed will's delay has elapsed while the
// session stayed disconnected; once the client has reconnected the will
// is never due, which is what cancels a delayed will on reconnect.
func (s *Session) WillDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Will == nil || s.Status != StatusDisconnected {
		return false
	}
	if s.Will.DelayInterval == 0 {
		return true
	}
	return time.Since(s.DisconnectedAt) >= time.Duration(s.Will.DelayInterval)*time.Second
}

// WillSnapshot returns a copy of the currently armed will, or nil if
// none is armed.
func (s *Session) WillSnapshot() *Will {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Will == nil {
		return nil
	}
	w := *s.Will
	return &w
}

// IsExpired reports whether a disconnected session has outlived its
// ExpiryInterval and should be destroyed by the registry's sweep.
func (s *Session) IsExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status != StatusDisconnected {
		return false
	}
	if s.ExpiryInterval == 0 {
		return true
	}
	return now.Sub(s.DisconnectedAt) > time.Duration(s.ExpiryInterval)*time.Second
}

// InflightForRedelivery returns every inflight outbound publish in a
// stable order suitable for dup=1 redelivery after reconnect: WaitAck
// and WaitRec entries resend the original PUBLISH, WaitComp entries
// resend PUBREL instead since the payload has already been acknowledged.
// Packet ids are handed out in increasing order from nextPacketID and
// wrap from 65535 back to 1, so sorting by each id's distance behind
// nextPacketID (oldest first) restores publish order even across a
// wrap; ranging over InflightOut directly would hand back map order
// instead, which Go randomizes per call.
func (s *Session) InflightForRedelivery() []*OutboundPublish {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*OutboundPublish, 0, len(s.InflightOut))
	for _, p := range s.InflightOut {
		out = append(out, p)
	}
	next := s.nextPacketID
	sort.Slice(out, func(i, j int) bool { return out[i].PacketID-next < out[j].PacketID-next })
	return out
}
