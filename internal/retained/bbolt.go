package retained

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var retainedBucket = []byte("retained")

// BboltStore persists retained messages in a bbolt bucket, one key per
// topic, holding v5 properties alongside the topic/payload/QoS triple.
type BboltStore struct {
	db *bbolt.DB
	// mem mirrors the bucket contents for wildcard Match lookups, since
	// bbolt has no secondary index and a full bucket scan per SUBSCRIBE
	// would be wasteful; mem is rebuilt from disk on open and kept in
	// sync on every Set.
	mem *MemStore
}

// OpenBboltStore wraps an already-open bbolt database, creating its
// retained bucket if missing and loading that bucket into memory for
// matching.
func OpenBboltStore(db *bbolt.DB) (*BboltStore, error) {
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(retainedBucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("retained: create bucket: %w", err)
	}

	s := &BboltStore{db: db, mem: NewMemStore()}
	if err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(retainedBucket)
		return b.ForEach(func(k, v []byte) error {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			return s.mem.Set(string(k), &msg)
		})
	}); err != nil {
		return nil, fmt.Errorf("retained: load: %w", err)
	}
	return s, nil
}

func (s *BboltStore) Set(t string, msg *Message) error {
	if len(msg.Payload) == 0 {
		if err := s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(retainedBucket).Delete([]byte(t))
		}); err != nil {
			return err
		}
		return s.mem.Set(t, msg)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("retained: marshal: %w", err)
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(retainedBucket).Put([]byte(t), data)
	}); err != nil {
		return err
	}
	return s.mem.Set(t, msg)
}

func (s *BboltStore) Get(t string) (*Message, bool, error) {
	return s.mem.Get(t)
}

func (s *BboltStore) Match(filter string) ([]*Message, error) {
	return s.mem.Match(filter)
}

func (s *BboltStore) Count() (int, error) {
	return s.mem.Count()
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}
