package store

import "sync"

// MemoryBackend implements Backend entirely in memory, for
// persistence.backend: memory deployments (tests, ephemeral brokers).
type MemoryBackend struct {
	mu       sync.Mutex
	retained map[string]RetainedRecord
	sessions map[string]SessionRecord
	users    map[string]UserRecord
	roles    map[string]RoleRecord
}

// NewMemoryBackend constructs an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		retained: make(map[string]RetainedRecord),
		sessions: make(map[string]SessionRecord),
		users:    make(map[string]UserRecord),
		roles:    make(map[string]RoleRecord),
	}
}

// BatchWrite applies every op under a single lock acquisition.
func (m *MemoryBackend) BatchWrite(ops []Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		switch op.Kind {
		case OpSetRetained:
			m.retained[op.Retained.Topic] = *op.Retained
		case OpDeleteRetained:
			delete(m.retained, op.DeleteKey)
		case OpSaveSession:
			m.sessions[op.Session.ClientID] = *op.Session
		case OpDeleteSession:
			delete(m.sessions, op.DeleteKey)
		case OpSaveUser:
			m.users[op.User.Username] = *op.User
		case OpDeleteUser:
			delete(m.users, op.DeleteKey)
		case OpSaveRole:
			m.roles[op.Role.Name] = *op.Role
		case OpDeleteRole:
			delete(m.roles, op.DeleteKey)
		}
	}
	return nil
}

// LoadAll snapshots every keyspace.
func (m *MemoryBackend) LoadAll() (*LoadedData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &LoadedData{}
	for _, r := range m.retained {
		out.Retained = append(out.Retained, r)
	}
	for _, s := range m.sessions {
		out.Sessions = append(out.Sessions, s)
	}
	for _, u := range m.users {
		out.Users = append(out.Users, u)
	}
	for _, r := range m.roles {
		out.Roles = append(out.Roles, r)
	}
	return out, nil
}

// Flush is a no-op: there is no buffering beyond the in-memory maps
// themselves, which BatchWrite already updates synchronously.
func (m *MemoryBackend) Flush() error { return nil }

// Close is a no-op; there is nothing to release.
func (m *MemoryBackend) Close() error { return nil }
