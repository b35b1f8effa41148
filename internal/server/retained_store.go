package server

import (
	"github.com/kestrelmq/broker/internal/retained"
	"github.com/kestrelmq/broker/internal/store"
)

// persistingRetainedStore wraps a retained.MemStore with the matching
// fan-out into store.Manager's unified OpSetRetained/OpDeleteRetained
// keyspace, so the router's retained.Store calls (which know nothing
// of the persistence layer) are durable without either package having
// to be aware of the other.
type persistingRetainedStore struct {
	inner   *retained.MemStore
	persist *store.Manager
}

func newPersistingRetainedStore(inner *retained.MemStore, persist *store.Manager) *persistingRetainedStore {
	return &persistingRetainedStore{inner: inner, persist: persist}
}

func (p *persistingRetainedStore) Set(t string, msg *retained.Message) error {
	if err := p.inner.Set(t, msg); err != nil {
		return err
	}
	if p.persist == nil {
		return nil
	}
	if len(msg.Payload) == 0 {
		p.persist.Write(store.Op{Kind: store.OpDeleteRetained, DeleteKey: t})
		return nil
	}
	p.persist.Write(store.Op{Kind: store.OpSetRetained, Retained: &store.RetainedRecord{
		Topic:      t,
		Payload:    msg.Payload,
		QoS:        msg.QoS,
		Properties: msg.Properties,
	}})
	return nil
}

func (p *persistingRetainedStore) Get(t string) (*retained.Message, bool, error) {
	return p.inner.Get(t)
}

func (p *persistingRetainedStore) Match(filter string) ([]*retained.Message, error) {
	return p.inner.Match(filter)
}

func (p *persistingRetainedStore) Count() (int, error) {
	return p.inner.Count()
}

func (p *persistingRetainedStore) Close() error {
	return p.inner.Close()
}

var _ retained.Store = (*persistingRetainedStore)(nil)
