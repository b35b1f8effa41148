// bbolt.go implements Backend over a bucket-per-keyspace bbolt
// database (one bucket each for sessions, retained messages, users and
// roles), committing one bbolt transaction per flushed batch rather
// than per call.
package store

import (
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	retainedBucket = []byte("retained")
	sessionsBucket = []byte("sessions")
	usersBucket    = []byte("users")
	rolesBucket    = []byte("roles")

	allBuckets = [][]byte{retainedBucket, sessionsBucket, usersBucket, rolesBucket}
)

// BboltBackend implements Backend over an embedded bbolt database.
type BboltBackend struct {
	db *bbolt.DB
}

// OpenBboltBackend opens (creating if absent) a bbolt database at path
// with every keyspace bucket present.
func OpenBboltBackend(path string) (*BboltBackend, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bbolt database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BboltBackend{db: db}, nil
}

// BatchWrite applies every op inside a single bbolt transaction.
func (b *BboltBackend) BatchWrite(ops []Op) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, op := range ops {
			if err := applyOp(tx, op); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyOp(tx *bbolt.Tx, op Op) error {
	switch op.Kind {
	case OpSetRetained:
		data, err := marshalVersioned(op.Retained)
		if err != nil {
			return err
		}
		return tx.Bucket(retainedBucket).Put([]byte(op.Retained.Topic), data)
	case OpDeleteRetained:
		return tx.Bucket(retainedBucket).Delete([]byte(op.DeleteKey))
	case OpSaveSession:
		data, err := marshalVersioned(op.Session)
		if err != nil {
			return err
		}
		return tx.Bucket(sessionsBucket).Put([]byte(op.Session.ClientID), data)
	case OpDeleteSession:
		return tx.Bucket(sessionsBucket).Delete([]byte(op.DeleteKey))
	case OpSaveUser:
		data, err := marshalVersioned(op.User)
		if err != nil {
			return err
		}
		return tx.Bucket(usersBucket).Put([]byte(op.User.Username), data)
	case OpDeleteUser:
		return tx.Bucket(usersBucket).Delete([]byte(op.DeleteKey))
	case OpSaveRole:
		data, err := marshalVersioned(op.Role)
		if err != nil {
			return err
		}
		return tx.Bucket(rolesBucket).Put([]byte(op.Role.Name), data)
	case OpDeleteRole:
		return tx.Bucket(rolesBucket).Delete([]byte(op.DeleteKey))
	default:
		return fmt.Errorf("store: unknown op kind %v", op.Kind)
	}
}

// LoadAll reads every bucket into a LoadedData snapshot, for boot-time
// reinstatement of retained messages, sessions, users and roles.
func (b *BboltBackend) LoadAll() (*LoadedData, error) {
	out := &LoadedData{}
	err := b.db.View(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(retainedBucket).ForEach(func(k, v []byte) error {
			var rec RetainedRecord
			if err := unmarshalVersioned(v, &rec); err != nil {
				return err
			}
			out.Retained = append(out.Retained, rec)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			var rec SessionRecord
			if err := unmarshalVersioned(v, &rec); err != nil {
				return err
			}
			out.Sessions = append(out.Sessions, rec)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(usersBucket).ForEach(func(k, v []byte) error {
			var rec UserRecord
			if err := unmarshalVersioned(v, &rec); err != nil {
				return err
			}
			out.Users = append(out.Users, rec)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(rolesBucket).ForEach(func(k, v []byte) error {
			var rec RoleRecord
			if err := unmarshalVersioned(v, &rec); err != nil {
				return err
			}
			out.Roles = append(out.Roles, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Flush is a no-op: bbolt commits each BatchWrite transaction
// synchronously, so there is nothing buffered to force out.
func (b *BboltBackend) Flush() error { return nil }

// Close closes the underlying database file.
func (b *BboltBackend) Close() error { return b.db.Close() }
