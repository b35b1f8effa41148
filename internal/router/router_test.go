package router

import (
	"testing"

	"github.com/kestrelmq/broker/internal/mqttproto"
	"github.com/kestrelmq/broker/internal/registry"
	"github.com/kestrelmq/broker/internal/retained"
	"github.com/kestrelmq/broker/internal/session"
	"github.com/kestrelmq/broker/internal/topic"
)

func newTestRouter() (*Router, *registry.Registry, *topic.Tree) {
	tree := topic.New()
	reg := registry.New()
	ret := retained.NewMemStore()
	return New(tree, ret, reg), reg, tree
}

func TestRouteDeliversToMatchingSubscriber(t *testing.T) {
	r, reg, tree := newTestRouter()
	res := reg.Attach("sub-1", true, mqttproto.V311, 20, 100, 100, "drop_newest")
	tree.Subscribe("a/b", &topic.Subscriber{Key: "sub-1", QoS: 0})

	if err := r.Route(PublishInput{Topic: "a/b", Payload: []byte("hi"), QoS: 0}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-res.Session.Inbound:
		if ev.Publish == nil || string(ev.Publish.Payload) != "hi" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected a delivery event on the subscriber's inbound channel")
	}
}

func TestRouteDowngradesQoS(t *testing.T) {
	r, reg, tree := newTestRouter()
	res := reg.Attach("sub-1", true, mqttproto.V311, 20, 100, 100, "drop_newest")
	tree.Subscribe("a/b", &topic.Subscriber{Key: "sub-1", QoS: 0})

	if err := r.Route(PublishInput{Topic: "a/b", Payload: []byte("hi"), QoS: 2}); err != nil {
		t.Fatal(err)
	}
	ev := <-res.Session.Inbound
	if ev.Publish.QoS != 0 {
		t.Fatalf("expected downgrade to subscriber QoS 0, got %d", ev.Publish.QoS)
	}
}

func TestRouteSkipsNoLocalSource(t *testing.T) {
	r, reg, tree := newTestRouter()
	res := reg.Attach("self", true, mqttproto.V311, 20, 100, 100, "drop_newest")
	tree.Subscribe("a/b", &topic.Subscriber{Key: "self", QoS: 0, NoLocal: true})

	if err := r.Route(PublishInput{Topic: "a/b", Payload: []byte("hi"), QoS: 0, SourceClientID: "self"}); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-res.Session.Inbound:
		t.Fatalf("expected no delivery for no_local self-publish, got %+v", ev)
	default:
	}
}

func TestRouteRetainSetAndEmptyPayloadDeletes(t *testing.T) {
	r, _, _ := newTestRouter()
	if err := r.Route(PublishInput{Topic: "a/b", Payload: []byte("retained"), QoS: 0, Retain: true}); err != nil {
		t.Fatal(err)
	}
	msg, ok, err := r.Retained.Get("a/b")
	if err != nil || !ok || string(msg.Payload) != "retained" {
		t.Fatalf("expected retained message stored, got %+v ok=%v err=%v", msg, ok, err)
	}

	if err := r.Route(PublishInput{Topic: "a/b", Payload: nil, QoS: 0, Retain: true}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := r.Retained.Get("a/b"); ok {
		t.Fatal("expected empty-payload retained publish to delete the entry")
	}
}

func TestDeliverRetainedHonorsRetainHandling(t *testing.T) {
	r, reg, _ := newTestRouter()
	r.Retained.Set("a/b", &retained.Message{Topic: "a/b", Payload: []byte("x")})
	res := reg.Attach("sub-1", true, mqttproto.V311, 20, 100, 100, "drop_newest")

	if err := r.DeliverRetained(res.Session, "a/+", 2, true); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-res.Session.Inbound:
		t.Fatalf("retain_handling=2 must never deliver, got %+v", ev)
	default:
	}

	if err := r.DeliverRetained(res.Session, "a/+", 0, false); err != nil {
		t.Fatal(err)
	}
	if len(res.Session.Inbound) != 1 {
		t.Fatalf("retain_handling=0 must always deliver, got %d events", len(res.Session.Inbound))
	}
}

func TestRouteMergesOverlappingSubscriptionsIntoOneDelivery(t *testing.T) {
	r, reg, tree := newTestRouter()
	res := reg.Attach("sub-1", true, mqttproto.V5, 20, 100, 100, "drop_newest")
	tree.Subscribe("a/b", &topic.Subscriber{Key: "sub-1", QoS: 1, SubscriptionID: 7})
	tree.Subscribe("a/+", &topic.Subscriber{Key: "sub-1", QoS: 2, SubscriptionID: 9})

	if err := r.Route(PublishInput{Topic: "a/b", Payload: []byte("hi"), QoS: 2}); err != nil {
		t.Fatal(err)
	}
	if len(res.Session.Inbound) != 1 {
		t.Fatalf("expected exactly one delivery for two overlapping filters, got %d", len(res.Session.Inbound))
	}
	ev := <-res.Session.Inbound
	if ev.Publish.QoS != 2 {
		t.Fatalf("expected merged QoS to be the max across matches, got %d", ev.Publish.QoS)
	}
	if ev.Publish.Properties == nil || len(ev.Publish.Properties.SubscriptionIdentifier) != 2 {
		t.Fatalf("expected both subscription ids attached, got %+v", ev.Publish.Properties)
	}
}

func TestRouteSharedSubscriptionDeliversOnce(t *testing.T) {
	r, reg, tree := newTestRouter()
	w1 := reg.Attach("w1", true, mqttproto.V311, 20, 100, 100, "drop_newest").Session
	w2 := reg.Attach("w2", true, mqttproto.V311, 20, 100, 100, "drop_newest").Session
	tree.Subscribe("$share/g/jobs", &topic.Subscriber{Key: "w1", ShareGroup: "g", QoS: 0})
	tree.Subscribe("$share/g/jobs", &topic.Subscriber{Key: "w2", ShareGroup: "g", QoS: 0})

	if err := r.Route(PublishInput{Topic: "jobs", Payload: []byte("1"), QoS: 0}); err != nil {
		t.Fatal(err)
	}
	total := len(w1.Inbound) + len(w2.Inbound)
	if total != 1 {
		t.Fatalf("expected exactly one delivery across the shared group, got %d", total)
	}
}
