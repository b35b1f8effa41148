// Package auth implements username/password authentication and
// topic-pattern authorization.
//
// It generalizes Pyr33x-goqtt's internal/auth.Store (a thin wrapper
// around a password lookup plus bcrypt verification) from a single
// SQL table to the broker's persisted user/role keyspaces, and adds
// the topic-filter ACL check that the persisted user/role records
// drive but do not themselves implement.
package auth

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/kestrelmq/broker/internal/store"
	"github.com/kestrelmq/broker/internal/topic"
)

var (
	ErrUserNotFound     = errors.New("auth: user not found")
	ErrInvalidPassword  = errors.New("auth: invalid password")
	ErrHashFailed       = errors.New("auth: password hash failed")
)

// HashPassword bcrypt-hashes passwd at cost, mirroring Pyr33x-goqtt's
// hash.HashPasswd helper.
func HashPassword(passwd string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(passwd), cost)
	if err != nil {
		return "", ErrHashFailed
	}
	return string(hash), nil
}

// VerifyPassword reports whether passwd matches hash.
func VerifyPassword(hash, passwd string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(passwd)) == nil
}

// Registry is the in-memory view of the persisted user/role keyspaces,
// rebuilt from store.LoadedData at boot and kept current by Save/Delete
// calls that also queue the corresponding persistence Op.
type Registry struct {
	persist *store.Manager

	mu    sync.RWMutex
	users map[string]store.UserRecord
	roles map[string]store.RoleRecord
}

// NewRegistry constructs a Registry backed by persist, seeded from
// loaded (the result of persist.LoadAll at boot).
func NewRegistry(persist *store.Manager, loaded *store.LoadedData) *Registry {
	r := &Registry{
		persist: persist,
		users:   make(map[string]store.UserRecord),
		roles:   make(map[string]store.RoleRecord),
	}
	if loaded != nil {
		for _, u := range loaded.Users {
			r.users[u.Username] = u
		}
		for _, role := range loaded.Roles {
			r.roles[role.Name] = role
		}
	}
	return r
}

// Authenticate verifies username/password against the registry,
// returning ErrUserNotFound or ErrInvalidPassword on failure.
func (r *Registry) Authenticate(username, password string) error {
	r.mu.RLock()
	u, ok := r.users[username]
	r.mu.RUnlock()
	if !ok {
		return ErrUserNotFound
	}
	if !VerifyPassword(u.PasswordHash, password) {
		return ErrInvalidPassword
	}
	return nil
}

// SaveUser hashes password at the given bcrypt cost, stores the record
// in memory, and queues it for persistence.
func (r *Registry) SaveUser(username, password string, cost int, roles []string) error {
	hash, err := HashPassword(password, cost)
	if err != nil {
		return err
	}
	rec := store.UserRecord{Username: username, PasswordHash: hash, Roles: roles}
	r.mu.Lock()
	r.users[username] = rec
	r.mu.Unlock()
	if r.persist != nil {
		r.persist.Write(store.Op{Kind: store.OpSaveUser, User: &rec})
	}
	return nil
}

// DeleteUser removes username from memory and queues its deletion.
func (r *Registry) DeleteUser(username string) {
	r.mu.Lock()
	delete(r.users, username)
	r.mu.Unlock()
	if r.persist != nil {
		r.persist.Write(store.Op{Kind: store.OpDeleteUser, DeleteKey: username})
	}
}

// SaveRole stores a role's ACL rules in memory and queues it for
// persistence.
func (r *Registry) SaveRole(name string, rules []store.ACLRule) {
	rec := store.RoleRecord{Name: name, Rules: rules}
	r.mu.Lock()
	r.roles[name] = rec
	r.mu.Unlock()
	if r.persist != nil {
		r.persist.Write(store.Op{Kind: store.OpSaveRole, Role: &rec})
	}
}

// DeleteRole removes a role from memory and queues its deletion.
func (r *Registry) DeleteRole(name string) {
	r.mu.Lock()
	delete(r.roles, name)
	r.mu.Unlock()
	if r.persist != nil {
		r.persist.Write(store.Op{Kind: store.OpDeleteRole, DeleteKey: name})
	}
}

// Authorize reports whether username may perform action (publish or
// subscribe) on topicName, by checking every ACL rule across every
// role assigned to username. An unknown user is denied; a user with
// no roles is denied everything (deny-by-default).
func (r *Registry) Authorize(username, topicName string, action Action) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[username]
	if !ok {
		return false
	}
	for _, roleName := range u.Roles {
		role, ok := r.roles[roleName]
		if !ok {
			continue
		}
		for _, rule := range role.Rules {
			if !topic.Matches(rule.Pattern, topicName) {
				continue
			}
			if action == ActionPublish && rule.Publish {
				return true
			}
			if action == ActionSubscribe && rule.Subscribe {
				return true
			}
		}
	}
	return false
}

// Action is the ACL operation Authorize checks.
type Action int

const (
	ActionPublish Action = iota
	ActionSubscribe
)
