// Package router implements PUBLISH fan-out: retained-store updates,
// topic-tree matching, per-subscriber QoS downgrade and option
// application, and non-blocking delivery into each target session.
package router

import (
	"github.com/kestrelmq/broker/internal/mqttproto"
	"github.com/kestrelmq/broker/internal/registry"
	"github.com/kestrelmq/broker/internal/retained"
	"github.com/kestrelmq/broker/internal/session"
	"github.com/kestrelmq/broker/internal/topic"
)

// Router fans a published message out to every matching session.
type Router struct {
	Tree     *topic.Tree
	Retained retained.Store
	Sessions *registry.Registry
}

// New constructs a Router over the given topic tree, retained store and
// session registry.
func New(tree *topic.Tree, ret retained.Store, reg *registry.Registry) *Router {
	return &Router{Tree: tree, Retained: ret, Sessions: reg}
}

// PublishInput is a published message plus the identity of its source,
// used to apply no_local suppression.
type PublishInput struct {
	Topic       string
	Payload     []byte
	QoS         byte
	Retain      bool
	Properties  *mqttproto.Properties
	SourceClientID string
}

// Route fans a publish out to every matching subscriber: retained-store
// bookkeeping, topic-tree match, per-target QoS downgrade / no_local /
// retain_as_published, and non-blocking enqueue onto each target
// session's inflight/queued windows.
//
// Routing never blocks on subscriber I/O: TryDeliver only touches the
// target session's in-memory state, and a publish ready to send is
// offered to the session's Inbound channel without blocking; the
// connection's writer goroutine drains that channel onto the wire, so a
// slow consumer only throttles itself. Queued publishes move into
// inflight as the subscriber's acks free slots.
func (r *Router) Route(pub PublishInput) error {
	if pub.Retain {
		if err := r.Retained.Set(pub.Topic, &retained.Message{
			Topic:      pub.Topic,
			Payload:    pub.Payload,
			QoS:        pub.QoS,
			Properties: pub.Properties,
		}); err != nil {
			return err
		}
	}

	for _, sub := range r.Tree.Match(pub.Topic) {
		if sub.NoLocal && sub.Key == pub.SourceClientID {
			continue
		}
		s, ok := r.Sessions.Lookup(sub.Key)
		if !ok {
			continue
		}
		r.deliverTo(s, sub, pub)
	}
	return nil
}

func (r *Router) deliverTo(s *session.Session, sub *topic.Subscriber, pub PublishInput) {
	qos := pub.QoS
	if sub.QoS < qos {
		qos = sub.QoS
	}
	retain := false
	if sub.RetainAsPublished {
		retain = pub.Retain
	}

	props := pub.Properties
	if len(sub.SubscriptionIDs) > 0 {
		props = withSubscriptionIDs(props, sub.SubscriptionIDs)
	}

	out := &session.OutboundPublish{
		Topic:      pub.Topic,
		Payload:    pub.Payload,
		QoS:        qos,
		Retain:     retain,
		Properties: props,
	}

	sendNow, dropped := s.TryDeliver(out)
	if dropped {
		return
	}
	if sendNow {
		select {
		case s.Inbound <- session.Event{Publish: out}:
		default:
			// Outbound channel saturated: the publish is not sent now.
			// A QoS-0 publish is simply not delivered to this subscriber;
			// a QoS>0 publish stays in InflightOut and goes out only on
			// redelivery after the subscriber reconnects.
		}
	}
}

// withSubscriptionIDs returns a copy of base (or a fresh *Properties if
// base is nil) with SubscriptionIdentifier set to ids, leaving the
// original untouched since the same pub.Properties is shared across
// every subscriber a publish fans out to.
func withSubscriptionIDs(base *mqttproto.Properties, ids []int) *mqttproto.Properties {
	var out mqttproto.Properties
	if base != nil {
		out = *base
	}
	out.SubscriptionIdentifier = ids
	return &out
}

// DeliverRetained replays matching retained messages right after a
// subscription is added to the topic tree, according to retainHandling
// (0=always, 1=only if the subscription is new, 2=never).
func (r *Router) DeliverRetained(s *session.Session, filter string, retainHandling byte, isNewSubscription bool) error {
	if retainHandling == 2 {
		return nil
	}
	if retainHandling == 1 && !isNewSubscription {
		return nil
	}
	msgs, err := r.Retained.Match(filter)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		out := &session.OutboundPublish{
			Topic:      msg.Topic,
			Payload:    msg.Payload,
			QoS:        msg.QoS,
			Retain:     true,
			Properties: msg.Properties,
		}
		sendNow, dropped := s.TryDeliver(out)
		if dropped {
			continue
		}
		if sendNow {
			select {
			case s.Inbound <- session.Event{Publish: out}:
			default:
			}
		}
	}
	return nil
}
