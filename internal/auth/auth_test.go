package auth

import (
	"testing"

	"github.com/kestrelmq/broker/internal/store"
)

func newTestRegistry() *Registry {
	return NewRegistry(nil, nil)
}

func TestSaveUserThenAuthenticateSucceeds(t *testing.T) {
	r := newTestRegistry()
	if err := r.SaveUser("alice", "hunter2", 4, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Authenticate("alice", "hunter2"); err != nil {
		t.Fatalf("expected authentication to succeed, got %v", err)
	}
}

func TestAuthenticateWrongPasswordFails(t *testing.T) {
	r := newTestRegistry()
	r.SaveUser("alice", "hunter2", 4, nil)
	if err := r.Authenticate("alice", "wrong"); err != ErrInvalidPassword {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
}

func TestAuthenticateUnknownUserFails(t *testing.T) {
	r := newTestRegistry()
	if err := r.Authenticate("ghost", "x"); err != ErrUserNotFound {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestAuthorizeGrantsOnMatchingRule(t *testing.T) {
	r := newTestRegistry()
	r.SaveRole("writer", []store.ACLRule{{Pattern: "sensors/+", Publish: true, Subscribe: false}})
	r.SaveUser("bob", "pw", 4, []string{"writer"})

	if !r.Authorize("bob", "sensors/temp", ActionPublish) {
		t.Fatal("expected publish to be authorized via matching ACL rule")
	}
	if r.Authorize("bob", "sensors/temp", ActionSubscribe) {
		t.Fatal("expected subscribe to be denied: rule grants publish only")
	}
}

func TestAuthorizeDeniesUnknownUser(t *testing.T) {
	r := newTestRegistry()
	if r.Authorize("ghost", "a/b", ActionPublish) {
		t.Fatal("expected unknown user to be denied")
	}
}

func TestAuthorizeDeniesNonMatchingTopic(t *testing.T) {
	r := newTestRegistry()
	r.SaveRole("writer", []store.ACLRule{{Pattern: "sensors/+", Publish: true}})
	r.SaveUser("bob", "pw", 4, []string{"writer"})

	if r.Authorize("bob", "other/topic", ActionPublish) {
		t.Fatal("expected no match outside the granted pattern")
	}
}
