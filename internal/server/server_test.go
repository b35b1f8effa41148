package server

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/kestrelmq/broker/internal/config"
	"github.com/kestrelmq/broker/internal/mqttproto"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:             "127.0.0.1",
			Port:             0,
			DefaultKeepAlive: 60 * time.Second,
			MaxKeepAlive:     15 * time.Minute,
			MaxPacketSize:    1 << 20,
			WriteTimeout:     10 * time.Second,
			ReadTimeout:      30 * time.Second,
		},
		Storage: config.StorageConfig{Backend: "memory"},
		Limits: config.LimitsConfig{
			MaxInflightMessages: 20,
			MaxQueuedMessages:   100,
			MaxAwaitingRel:      20,
			QueueOverflowPolicy: "drop_oldest",
		},
		QoS:       config.QoSConfig{MaxQoS: 2},
		Session:   config.SessionConfig{ExpiryCheckInterval: time.Minute},
		Admission: config.AdmissionConfig{CleanupInterval: time.Minute},
		SysTopics: config.SysTopicsConfig{Enabled: false},
		Logging:   config.LoggingConfig{Level: "error"},
	}
}

// freePort grabs an ephemeral port by briefly listening on it. There is a
// narrow race between closing this listener and the broker binding the
// same port, acceptable for test purposes.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return port
}

// startTestServer boots a broker on an ephemeral port and returns it
// along with its dial address. t.Cleanup stops the broker.
func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	cfg := testConfig()
	cfg.Server.Port = freePort(t)

	srv, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := net.Dial("tcp", addr); err == nil {
			c.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Cleanup(func() {
		srv.Stop()
		select {
		case <-errCh:
		case <-time.After(time.Second):
		}
	})

	return srv, addr
}

func dialMQTT(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func connectV5(t *testing.T, conn net.Conn, r *bufio.Reader, clientID string, cleanStart bool) *mqttproto.ConnackPacket {
	t.Helper()
	connect := &mqttproto.ConnectPacket{
		ProtocolName:    "MQTT",
		ProtocolVersion: mqttproto.V5,
		CleanStart:      cleanStart,
		KeepAlive:       30,
		ClientID:        clientID,
		Properties:      &mqttproto.Properties{},
	}
	if err := mqttproto.Encode(conn, connect, mqttproto.V5, 0); err != nil {
		t.Fatalf("encode CONNECT: %v", err)
	}
	pkt, err := mqttproto.ReadPacket(r, mqttproto.V5, 0)
	if err != nil {
		t.Fatalf("read CONNACK: %v", err)
	}
	ack, ok := pkt.(*mqttproto.ConnackPacket)
	if !ok {
		t.Fatalf("expected CONNACK, got %T", pkt)
	}
	return ack
}

func TestConnectAcceptsCleanStart(t *testing.T) {
	_, addr := startTestServer(t)
	conn, r := dialMQTT(t, addr)

	ack := connectV5(t, conn, r, "client-1", true)
	if ack.ReasonCode != mqttproto.Success {
		t.Fatalf("expected Success, got %v", ack.ReasonCode)
	}
	if ack.SessionPresent {
		t.Fatal("clean_start session should not report SessionPresent")
	}
}

func TestConnectRejectsEmptyClientIDWithoutCleanStart(t *testing.T) {
	_, addr := startTestServer(t)
	conn, r := dialMQTT(t, addr)

	ack := connectV5(t, conn, r, "", false)
	if ack.ReasonCode != mqttproto.ClientIdentifierNotValid {
		t.Fatalf("expected ClientIdentifierNotValid, got %v", ack.ReasonCode)
	}
}

func TestPublishSubscribeQoS0(t *testing.T) {
	_, addr := startTestServer(t)

	subConn, subR := dialMQTT(t, addr)
	connectV5(t, subConn, subR, "subscriber", true)

	sub := &mqttproto.SubscribePacket{
		PacketID: 1,
		Filters:  []mqttproto.SubscribeFilter{{Filter: "sensors/temp", Options: mqttproto.SubscriptionOptions{QoS: 0}}},
	}
	if err := mqttproto.Encode(subConn, sub, mqttproto.V5, 0); err != nil {
		t.Fatalf("encode SUBSCRIBE: %v", err)
	}
	pkt, err := mqttproto.ReadPacket(subR, mqttproto.V5, 0)
	if err != nil {
		t.Fatalf("read SUBACK: %v", err)
	}
	suback, ok := pkt.(*mqttproto.SubAckPacket)
	if !ok {
		t.Fatalf("expected SUBACK, got %T", pkt)
	}
	if len(suback.ReasonCodes) != 1 || suback.ReasonCodes[0] != mqttproto.ReasonCode(0) {
		t.Fatalf("expected granted QoS0, got %v", suback.ReasonCodes)
	}

	pubConn, pubR := dialMQTT(t, addr)
	connectV5(t, pubConn, pubR, "publisher", true)

	pub := &mqttproto.PublishPacket{Topic: "sensors/temp", Payload: []byte("21.5")}
	if err := mqttproto.Encode(pubConn, pub, mqttproto.V5, 0); err != nil {
		t.Fatalf("encode PUBLISH: %v", err)
	}

	subConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err = mqttproto.ReadPacket(subR, mqttproto.V5, 0)
	if err != nil {
		t.Fatalf("read delivered PUBLISH: %v", err)
	}
	got, ok := pkt.(*mqttproto.PublishPacket)
	if !ok {
		t.Fatalf("expected PUBLISH, got %T", pkt)
	}
	if got.Topic != "sensors/temp" || string(got.Payload) != "21.5" {
		t.Fatalf("unexpected delivered publish: %+v", got)
	}
}

func TestPublishSubscribeQoS1Handshake(t *testing.T) {
	_, addr := startTestServer(t)

	subConn, subR := dialMQTT(t, addr)
	connectV5(t, subConn, subR, "sub-qos1", true)

	sub := &mqttproto.SubscribePacket{
		PacketID: 1,
		Filters:  []mqttproto.SubscribeFilter{{Filter: "orders/+", Options: mqttproto.SubscriptionOptions{QoS: 1}}},
	}
	mqttproto.Encode(subConn, sub, mqttproto.V5, 0)
	if _, err := mqttproto.ReadPacket(subR, mqttproto.V5, 0); err != nil {
		t.Fatalf("read SUBACK: %v", err)
	}

	pubConn, pubR := dialMQTT(t, addr)
	connectV5(t, pubConn, pubR, "pub-qos1", true)

	pub := &mqttproto.PublishPacket{Topic: "orders/123", Payload: []byte("shipped"), QoS: 1, PacketID: 7}
	if err := mqttproto.Encode(pubConn, pub, mqttproto.V5, 0); err != nil {
		t.Fatalf("encode PUBLISH: %v", err)
	}
	pubConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	ackPkt, err := mqttproto.ReadPacket(pubR, mqttproto.V5, 0)
	if err != nil {
		t.Fatalf("read PUBACK: %v", err)
	}
	puback, ok := ackPkt.(*mqttproto.PubAckPacket)
	if !ok || puback.PacketID != 7 {
		t.Fatalf("expected PUBACK for packet 7, got %+v", ackPkt)
	}

	subConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	delivered, err := mqttproto.ReadPacket(subR, mqttproto.V5, 0)
	if err != nil {
		t.Fatalf("read delivered PUBLISH: %v", err)
	}
	got := delivered.(*mqttproto.PublishPacket)
	if got.QoS != 1 {
		t.Fatalf("expected delivery at QoS1, got %d", got.QoS)
	}
	puback2 := &mqttproto.PubAckPacket{PacketID: got.PacketID}
	if err := mqttproto.Encode(subConn, puback2, mqttproto.V5, 0); err != nil {
		t.Fatalf("encode PUBACK: %v", err)
	}
}

func TestRetainedDeliveryOnSubscribe(t *testing.T) {
	_, addr := startTestServer(t)

	pubConn, pubR := dialMQTT(t, addr)
	connectV5(t, pubConn, pubR, "retain-pub", true)
	pub := &mqttproto.PublishPacket{Topic: "status/online", Payload: []byte("yes"), Retain: true}
	if err := mqttproto.Encode(pubConn, pub, mqttproto.V5, 0); err != nil {
		t.Fatalf("encode retained PUBLISH: %v", err)
	}
	// give the router a moment to update the retained store
	time.Sleep(50 * time.Millisecond)

	subConn, subR := dialMQTT(t, addr)
	connectV5(t, subConn, subR, "retain-sub", true)
	sub := &mqttproto.SubscribePacket{
		PacketID: 1,
		Filters:  []mqttproto.SubscribeFilter{{Filter: "status/online", Options: mqttproto.SubscriptionOptions{QoS: 0}}},
	}
	mqttproto.Encode(subConn, sub, mqttproto.V5, 0)
	if _, err := mqttproto.ReadPacket(subR, mqttproto.V5, 0); err != nil {
		t.Fatalf("read SUBACK: %v", err)
	}

	subConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := mqttproto.ReadPacket(subR, mqttproto.V5, 0)
	if err != nil {
		t.Fatalf("read retained PUBLISH: %v", err)
	}
	got := pkt.(*mqttproto.PublishPacket)
	if !got.Retain || string(got.Payload) != "yes" {
		t.Fatalf("expected retained replay, got %+v", got)
	}
}

func TestSessionTakeOverClosesStaleConnection(t *testing.T) {
	_, addr := startTestServer(t)

	first, firstR := dialMQTT(t, addr)
	connectV5(t, first, firstR, "duplicate-id", false)

	second, secondR := dialMQTT(t, addr)
	connectV5(t, second, secondR, "duplicate-id", false)

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := mqttproto.ReadPacket(firstR, mqttproto.V5, 0)
	if err != nil {
		t.Fatalf("read DISCONNECT on stale connection: %v", err)
	}
	if disc, ok := pkt.(*mqttproto.DisconnectPacket); !ok || disc.ReasonCode != mqttproto.SessionTakenOver {
		t.Fatalf("expected DISCONNECT(session taken over), got %+v", pkt)
	}
	if _, err := firstR.ReadByte(); err == nil {
		t.Fatal("expected stale connection to be closed by take-over")
	}
}

func TestOverlappingSubscriptionsDeliverOncePerSession(t *testing.T) {
	_, addr := startTestServer(t)

	subConn, subR := dialMQTT(t, addr)
	connectV5(t, subConn, subR, "overlap-sub", true)

	sub := &mqttproto.SubscribePacket{
		PacketID: 1,
		Filters: []mqttproto.SubscribeFilter{
			{Filter: "a/b", Options: mqttproto.SubscriptionOptions{QoS: 1}},
			{Filter: "a/+", Options: mqttproto.SubscriptionOptions{QoS: 2}},
		},
	}
	mqttproto.Encode(subConn, sub, mqttproto.V5, 0)
	if _, err := mqttproto.ReadPacket(subR, mqttproto.V5, 0); err != nil {
		t.Fatalf("read SUBACK: %v", err)
	}

	pubConn, pubR := dialMQTT(t, addr)
	connectV5(t, pubConn, pubR, "overlap-pub", true)
	pub := &mqttproto.PublishPacket{Topic: "a/b", Payload: []byte("hi"), QoS: 2, PacketID: 5}
	if err := mqttproto.Encode(pubConn, pub, mqttproto.V5, 0); err != nil {
		t.Fatalf("encode PUBLISH: %v", err)
	}
	pubConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := mqttproto.ReadPacket(pubR, mqttproto.V5, 0); err != nil {
		t.Fatalf("read PUBREC: %v", err)
	}

	subConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := mqttproto.ReadPacket(subR, mqttproto.V5, 0)
	if err != nil {
		t.Fatalf("read delivered PUBLISH: %v", err)
	}
	got, ok := pkt.(*mqttproto.PublishPacket)
	if !ok {
		t.Fatalf("expected PUBLISH, got %T", pkt)
	}
	if got.QoS != 2 {
		t.Fatalf("expected the two matching filters' options merged to max QoS 2, got %d", got.QoS)
	}

	mqttproto.Encode(subConn, &mqttproto.PubRecPacket{PacketID: got.PacketID}, mqttproto.V5, 0)
	if _, err := mqttproto.ReadPacket(subR, mqttproto.V5, 0); err != nil {
		t.Fatalf("read PUBREL: %v", err)
	}
	mqttproto.Encode(subConn, &mqttproto.PubCompPacket{PacketID: got.PacketID}, mqttproto.V5, 0)

	subConn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, err := mqttproto.ReadPacket(subR, mqttproto.V5, 0); err == nil {
		t.Fatal("expected exactly one delivered publish for a session with two overlapping subscriptions, got a second")
	}
}

func TestMalformedPublishGetsV5DisconnectBeforeClose(t *testing.T) {
	_, addr := startTestServer(t)
	conn, r := dialMQTT(t, addr)
	connectV5(t, conn, r, "malformed-client", true)

	bad := &mqttproto.PublishPacket{Topic: "x", QoS: 3, PacketID: 1}
	if err := mqttproto.Encode(conn, bad, mqttproto.V5, 0); err != nil {
		t.Fatalf("encode qos=3 PUBLISH: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := mqttproto.ReadPacket(r, mqttproto.V5, 0)
	if err != nil {
		t.Fatalf("read DISCONNECT: %v", err)
	}
	disc, ok := pkt.(*mqttproto.DisconnectPacket)
	if !ok {
		t.Fatalf("expected DISCONNECT, got %T", pkt)
	}
	if disc.ReasonCode != mqttproto.MalformedPacketReason {
		t.Fatalf("expected MalformedPacketReason, got %v", disc.ReasonCode)
	}
}

func TestAwaitingRelQuotaExceededSendsV5Disconnect(t *testing.T) {
	_, addr := startTestServer(t)
	conn, r := dialMQTT(t, addr)
	connectV5(t, conn, r, "quota-client", true)

	for i := 1; i <= 20; i++ {
		pub := &mqttproto.PublishPacket{Topic: "x", QoS: 2, PacketID: uint16(i)}
		if err := mqttproto.Encode(conn, pub, mqttproto.V5, 0); err != nil {
			t.Fatalf("encode PUBLISH %d: %v", i, err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := mqttproto.ReadPacket(r, mqttproto.V5, 0); err != nil {
			t.Fatalf("read PUBREC %d: %v", i, err)
		}
	}

	over := &mqttproto.PublishPacket{Topic: "x", QoS: 2, PacketID: 21}
	if err := mqttproto.Encode(conn, over, mqttproto.V5, 0); err != nil {
		t.Fatalf("encode over-quota PUBLISH: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := mqttproto.ReadPacket(r, mqttproto.V5, 0)
	if err != nil {
		t.Fatalf("read PUBREC: %v", err)
	}
	pubrec, ok := pkt.(*mqttproto.PubRecPacket)
	if !ok || pubrec.ReasonCode != mqttproto.QuotaExceeded {
		t.Fatalf("expected PUBREC QuotaExceeded, got %+v", pkt)
	}

	pkt, err = mqttproto.ReadPacket(r, mqttproto.V5, 0)
	if err != nil {
		t.Fatalf("read DISCONNECT: %v", err)
	}
	disc, ok := pkt.(*mqttproto.DisconnectPacket)
	if !ok || disc.ReasonCode != mqttproto.QuotaExceeded {
		t.Fatalf("expected DISCONNECT QuotaExceeded, got %+v", pkt)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	_, addr := startTestServer(t)

	subConn, subR := dialMQTT(t, addr)
	connectV5(t, subConn, subR, "unsub-client", true)

	sub := &mqttproto.SubscribePacket{
		PacketID: 1,
		Filters:  []mqttproto.SubscribeFilter{{Filter: "news/tech", Options: mqttproto.SubscriptionOptions{QoS: 0}}},
	}
	mqttproto.Encode(subConn, sub, mqttproto.V5, 0)
	mqttproto.ReadPacket(subR, mqttproto.V5, 0)

	unsub := &mqttproto.UnsubscribePacket{PacketID: 2, Filters: []string{"news/tech"}}
	mqttproto.Encode(subConn, unsub, mqttproto.V5, 0)
	pkt, err := mqttproto.ReadPacket(subR, mqttproto.V5, 0)
	if err != nil {
		t.Fatalf("read UNSUBACK: %v", err)
	}
	if _, ok := pkt.(*mqttproto.UnsubAckPacket); !ok {
		t.Fatalf("expected UNSUBACK, got %T", pkt)
	}

	pubConn, pubR := dialMQTT(t, addr)
	connectV5(t, pubConn, pubR, "unsub-publisher", true)
	mqttproto.Encode(pubConn, &mqttproto.PublishPacket{Topic: "news/tech", Payload: []byte("x")}, mqttproto.V5, 0)

	subConn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, err := mqttproto.ReadPacket(subR, mqttproto.V5, 0); err == nil {
		t.Fatal("expected no delivery after unsubscribe")
	}
}
