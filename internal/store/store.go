// Package store implements the persistence boundary: CRUD for retained
// messages, sessions, users and roles, plus a bounded-channel batched
// writer that makes the hot path's durability calls fire-and-forget.
//
// Backend covers the full {retained, session, user, role} CRUD
// surface over a bucket-per-keyspace bbolt database, with a
// batching/backpressure policy modeled on a bounded async writer
// queue: callers enqueue writes and a single goroutine flushes batches
// rather than committing a transaction per call.
package store

import (
	"encoding/json"
	"log"
	"time"

	"github.com/kestrelmq/broker/internal/metrics"
	"github.com/kestrelmq/broker/internal/mqttproto"
)

// schemaVersion is written as the first byte of every persisted record
// so a future format change can be detected at load time.
const schemaVersion = 1

// RetainedRecord is the persisted shape of a retained message.
type RetainedRecord struct {
	Topic      string
	Payload    []byte
	QoS        byte
	Properties *mqttproto.Properties
	Timestamp  int64
}

// PendingPublish is a persisted inflight or queued outbound publish,
// reinstated for redelivery after a restart.
type PendingPublish struct {
	PacketID   uint16
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	Dup        bool
	State      int
	Properties *mqttproto.Properties
}

// SubscriptionRecord is a persisted subscription entry.
type SubscriptionRecord struct {
	Filter                 string
	QoS                    byte
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         byte
}

// SessionRecord is the persisted shape of a Session, reinstated at
// boot with its subscriptions re-added to the topic tree and its
// inflight entries preserved for redelivery.
type SessionRecord struct {
	ClientID        string
	ProtocolVersion mqttproto.Version
	ExpiryInterval  uint32
	Subscriptions   []SubscriptionRecord
	Inflight        []PendingPublish
	Queued          []PendingPublish
	AwaitingRel     []uint16
}

// UserRecord is a persisted username/password-hash/ACL entry.
type UserRecord struct {
	Username     string
	PasswordHash string
	Roles        []string
}

// RoleRecord is a persisted named ACL: a list of topic-filter patterns
// each of which may permit publish and/or subscribe.
type RoleRecord struct {
	Name  string
	Rules []ACLRule
}

// ACLRule grants publish and/or subscribe on topic filter Pattern.
type ACLRule struct {
	Pattern   string
	Publish   bool
	Subscribe bool
}

// LoadedData is everything a Backend's LoadAll returns at boot.
type LoadedData struct {
	Retained []RetainedRecord
	Sessions []SessionRecord
	Users    []UserRecord
	Roles    []RoleRecord
}

// Op is one persistence mutation, queued onto the writer's bounded
// channel from the hot path and later applied by the background writer.
type Op struct {
	Kind       OpKind
	Retained   *RetainedRecord
	Session    *SessionRecord
	User       *UserRecord
	Role       *RoleRecord
	DeleteKey  string
}

// OpKind enumerates the mutations a Backend must support.
type OpKind int

const (
	OpSetRetained OpKind = iota
	OpDeleteRetained
	OpSaveSession
	OpDeleteSession
	OpSaveUser
	OpDeleteUser
	OpSaveRole
	OpDeleteRole
)

// Backend is the storage-engine side of the persistence boundary.
type Backend interface {
	BatchWrite(ops []Op) error
	LoadAll() (*LoadedData, error)
	Flush() error
	Close() error
}

func marshalVersioned(v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, schemaVersion)
	out = append(out, body...)
	return out, nil
}

func unmarshalVersioned(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	// The version byte is reserved for future format migrations; every
	// record written by this package today is schemaVersion, so there
	// is nothing to branch on yet.
	return json.Unmarshal(data[1:], v)
}

// Manager is the front-end the broker's hot path talks to: writes are
// non-blocking try-sends onto a bounded channel, drained by one
// background writer goroutine that batches by size or time.
type Manager struct {
	backend       Backend
	ch            chan Op
	flushInterval time.Duration
	maxBatchSize  int
	done          chan struct{}
	stopped       chan struct{}
}

// NewManager constructs a Manager over backend with the given channel
// capacity, max batch size, and flush interval, and starts its
// background writer goroutine.
func NewManager(backend Backend, channelCapacity, maxBatchSize int, flushInterval time.Duration) *Manager {
	m := &Manager{
		backend:       backend,
		ch:            make(chan Op, channelCapacity),
		flushInterval: flushInterval,
		maxBatchSize:  maxBatchSize,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go m.writerLoop()
	return m
}

// Write enqueues op without blocking; if the channel is full the
// operation is dropped with a log warning rather than stalling the
// caller, trading durability for a bounded queue under backpressure.
func (m *Manager) Write(op Op) {
	select {
	case m.ch <- op:
		metrics.PersistenceQueueDepth.Set(float64(len(m.ch)))
	default:
		metrics.PersistenceWritesDropped.Inc()
		log.Printf("[WARN] persistence channel full, dropping %v operation", op.Kind)
	}
}

// LoadAll delegates to the backend's boot-time load.
func (m *Manager) LoadAll() (*LoadedData, error) {
	return m.backend.LoadAll()
}

func (m *Manager) writerLoop() {
	defer close(m.stopped)
	batch := make([]Op, 0, m.maxBatchSize)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := m.backend.BatchWrite(batch); err != nil {
			log.Printf("[ERROR] persistence batch write failed: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case op, ok := <-m.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, op)
			metrics.PersistenceQueueDepth.Set(float64(len(m.ch)))
			if len(batch) >= m.maxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-m.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case op := <-m.ch:
					batch = append(batch, op)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Shutdown signals the writer to flush and stop, blocking until it has.
func (m *Manager) Shutdown() error {
	close(m.done)
	<-m.stopped
	return m.backend.Flush()
}

// Close stops the writer (if not already stopped) and closes the
// backend.
func (m *Manager) Close() error {
	select {
	case <-m.stopped:
	default:
		m.Shutdown()
	}
	return m.backend.Close()
}
