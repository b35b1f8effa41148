package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelmq/broker/internal/admission"
	"github.com/kestrelmq/broker/internal/auth"
	"github.com/kestrelmq/broker/internal/logging"
	"github.com/kestrelmq/broker/internal/metrics"
	"github.com/kestrelmq/broker/internal/mqttproto"
	"github.com/kestrelmq/broker/internal/router"
	"github.com/kestrelmq/broker/internal/session"
	"github.com/kestrelmq/broker/internal/store"
	"github.com/kestrelmq/broker/internal/topic"
)

// clientConn is one accepted connection's FSM: AwaitConnect (the
// awaitConnect method) through Active to Disconnecting. A clientConn
// pairs a reader (a goroutine parsing and dispatching packets in
// order) with a writer goroutine that drains the session's Inbound
// channel so a slow subscriber only ever throttles its own socket.
type clientConn struct {
	srv     *Server
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex

	sess     *session.Session
	inbound  chan session.Event
	clientID string
	username string
	ver      mqttproto.Version

	keepAlive     time.Duration
	maxPacketSize uint32
	remoteIP      net.IP

	closeOnce sync.Once
	closed    chan struct{}
}

func remoteIP(conn net.Conn) net.IP {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// handleConn runs one connection end to end: admission, the CONNECT
// handshake (AwaitConnect), then the Active read loop, then cleanup.
// It is the entry point for both the plain TCP and WebSocket accept
// paths.
func (s *Server) handleConn(conn net.Conn) {
	defer s.connWG.Done()
	defer conn.Close()

	ip := remoteIP(conn)
	if ip != nil {
		if reason := s.admission.Check(ip); reason != admission.Allowed {
			metrics.AdmissionRejections.WithLabelValues(reason.String()).Inc()
			return
		}
		s.admission.RecordConnect(ip)
		defer s.admission.RecordDisconnect(ip)
	}

	metrics.ConnectionsTotal.Inc()

	c := &clientConn{
		srv:    s,
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 4096),
		closed: make(chan struct{}),
		remoteIP: ip,
		maxPacketSize: s.cfg.Server.MaxPacketSize,
	}

	if !c.awaitConnect() {
		return
	}
	metrics.ClientsConnected.Inc()
	defer metrics.ClientsConnected.Dec()

	// The reader and writer run as a pair for the life of the
	// connection; handleConn (and so s.connWG) doesn't consider the
	// connection done until both have actually returned, not just the
	// reader.
	var g errgroup.Group
	g.Go(func() error { c.writerLoop(); return nil })
	g.Go(func() error { c.readLoop(); return nil })
	g.Wait()
}

// awaitConnect implements the AwaitConnect state: read exactly one
// CONNECT, authenticate it, attach (or take over) its session, and
// reply with CONNACK. Returns false if the connection should be
// closed without ever reaching Active.
func (c *clientConn) awaitConnect() bool {
	s := c.srv
	c.conn.SetReadDeadline(time.Now().Add(s.cfg.Server.ReadTimeout))
	pkt, err := mqttproto.ReadPacket(c.reader, mqttproto.V5, s.cfg.Server.MaxPacketSize)
	if err != nil {
		return false
	}
	connect, ok := pkt.(*mqttproto.ConnectPacket)
	if !ok {
		return false
	}
	c.ver = connect.ProtocolVersion

	if connect.ClientID == "" {
		if !connect.CleanStart {
			c.sendConnack(mqttproto.ClientIdentifierNotValid, false)
			return false
		}
		connect.ClientID = generateClientID()
	}
	c.clientID = connect.ClientID

	if s.cfg.Auth.Enabled && !s.cfg.Auth.AllowAnonymous {
		if !connect.HasUsername {
			c.sendConnack(mqttproto.BadUsernameOrPassword, false)
			return false
		}
		if err := s.authReg.Authenticate(connect.Username, string(connect.Password)); err != nil {
			c.sendConnack(mqttproto.BadUsernameOrPassword, false)
			return false
		}
		c.username = connect.Username
	}

	keepAlive := time.Duration(connect.KeepAlive) * time.Second
	if keepAlive == 0 {
		keepAlive = s.cfg.Server.DefaultKeepAlive
	}
	if s.cfg.Server.MaxKeepAlive > 0 && keepAlive > s.cfg.Server.MaxKeepAlive {
		keepAlive = s.cfg.Server.MaxKeepAlive
	}
	c.keepAlive = keepAlive

	var expiryInterval uint32
	if c.ver == mqttproto.V5 && connect.Properties != nil && connect.Properties.SessionExpiryInterval != nil {
		expiryInterval = *connect.Properties.SessionExpiryInterval
	}

	result := s.registry.Attach(c.clientID, connect.CleanStart, c.ver,
		uint16(s.cfg.Limits.MaxInflightMessages), s.cfg.Limits.MaxQueuedMessages,
		s.cfg.Limits.MaxAwaitingRel, s.cfg.Limits.QueueOverflowPolicy)
	c.sess = result.Session
	c.inbound = result.Session.Inbound
	c.sess.SetExpiryInterval(expiryInterval)

	if result.PriorInbound != nil {
		select {
		case result.PriorInbound <- session.Event{TakeOver: true, Reason: "session taken over"}:
		default:
		}
	}

	if connect.WillFlag {
		var delay uint32
		if connect.WillProperties != nil && connect.WillProperties.WillDelayInterval != nil {
			delay = *connect.WillProperties.WillDelayInterval
		}
		c.sess.SetWill(&session.Will{
			Topic:         connect.WillTopic,
			Payload:       connect.WillPayload,
			QoS:           connect.WillQoS,
			Retain:        connect.WillRetain,
			DelayInterval: delay,
			Properties:    connect.WillProperties,
		})
	}

	c.sendConnack(mqttproto.Success, result.SessionPresent)

	for _, p := range c.sess.InflightForRedelivery() {
		if p.State == session.StateWaitComp {
			c.writePacket(&mqttproto.PubRelPacket{PacketID: p.PacketID})
			continue
		}
		p.Dup = true
		c.writeOutbound(p)
	}

	logging.Infof("client %s connected (%s)", c.clientID, protocolVersionString(c.ver))
	return true
}

func (c *clientConn) sendConnack(reason mqttproto.ReasonCode, sessionPresent bool) {
	ack := &mqttproto.ConnackPacket{SessionPresent: sessionPresent, ReasonCode: reason}
	c.writePacket(ack)
}

// writerLoop drains the session's Inbound channel: routed publishes are
// encoded and sent on the wire, and a TakeOver event closes the
// connection so its reader goroutine unblocks from its pending Read.
func (c *clientConn) writerLoop() {
	for {
		select {
		case ev := <-c.inbound:
			if ev.TakeOver {
				c.sendDisconnect(mqttproto.SessionTakenOver)
				c.conn.Close()
				return
			}
			if ev.Publish != nil {
				c.writeOutbound(ev.Publish)
			}
		case <-c.closed:
			return
		}
	}
}

// readLoop implements the Active state: read one packet at a time,
// bounded by the 1.5x keep-alive watchdog, dispatching each in turn so
// ordering is preserved per connection.
func (c *clientConn) readLoop() {
	defer c.shutdown()

	watchdog := time.Duration(float64(c.keepAlive) * 1.5)
	for {
		if c.keepAlive > 0 {
			c.conn.SetReadDeadline(time.Now().Add(watchdog))
		} else {
			c.conn.SetReadDeadline(time.Time{})
		}

		pkt, err := mqttproto.ReadPacket(c.reader, c.ver, c.maxPacketSize)
		if err != nil {
			if err != io.EOF {
				logging.Debugf("client %s read error: %v", c.clientID, err)
			}
			c.disconnectOnReadError(err)
			return
		}
		if !c.dispatch(pkt) {
			return
		}
	}
}

// disconnectOnReadError sends a v5 DISCONNECT with a reason code mapped
// from err before the caller closes the connection. A CodecError (a
// malformed packet, an oversized one, an unsupported protocol version)
// maps to its ReasonCode; a read deadline expiring is the keep-alive
// watchdog firing and maps to KeepAliveTimeout. Any other error (EOF,
// connection reset) means the peer is already gone, so there is no one
// to send a DISCONNECT to.
func (c *clientConn) disconnectOnReadError(err error) {
	var codecErr *mqttproto.CodecError
	if errors.As(err, &codecErr) {
		c.sendDisconnect(codecErr.ReasonCode())
		return
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		c.sendDisconnect(mqttproto.KeepAliveTimeout)
	}
}

// sendDisconnect writes a v5 DISCONNECT with reason before the caller
// tears the connection down; v3.1.1 has no such packet, so this is a
// no-op on that protocol version.
func (c *clientConn) sendDisconnect(reason mqttproto.ReasonCode) {
	if c.ver != mqttproto.V5 {
		return
	}
	c.writePacket(&mqttproto.DisconnectPacket{ReasonCode: reason})
}

func (c *clientConn) dispatch(pkt mqttproto.Packet) bool {
	metrics.MessagesReceived.WithLabelValues(pkt.Type().String()).Inc()
	switch p := pkt.(type) {
	case *mqttproto.PublishPacket:
		return c.handlePublish(p)
	case *mqttproto.PubAckPacket:
		c.sess.HandlePubAck(p.PacketID)
		c.promoteQueued()
		return true
	case *mqttproto.PubRecPacket:
		return c.handlePubRec(p)
	case *mqttproto.PubRelPacket:
		return c.handlePubRel(p)
	case *mqttproto.PubCompPacket:
		c.sess.HandlePubComp(p.PacketID)
		c.promoteQueued()
		return true
	case *mqttproto.SubscribePacket:
		return c.handleSubscribe(p)
	case *mqttproto.UnsubscribePacket:
		return c.handleUnsubscribe(p)
	case *mqttproto.PingReqPacket:
		c.writePacket(&mqttproto.PingRespPacket{})
		return true
	case *mqttproto.DisconnectPacket:
		if p.ReasonCode == mqttproto.Success || p.ReasonCode == mqttproto.NormalDisconnection {
			c.sess.ClearWill()
		}
		return false
	case *mqttproto.AuthPacket:
		// Enhanced authentication re-challenge mid-session is not
		// exercised by any client in this deployment; acknowledge and
		// continue rather than tearing down the connection.
		return true
	default:
		return false
	}
}

func (c *clientConn) handlePublish(p *mqttproto.PublishPacket) bool {
	if topic.IsSysTopic(p.Topic) {
		return true
	}
	if c.srv.cfg.Auth.Enabled && c.username != "" && !c.srv.authReg.Authorize(c.username, p.Topic, auth.ActionPublish) {
		switch p.QoS {
		case 1:
			c.writePacket(&mqttproto.PubAckPacket{PacketID: p.PacketID, ReasonCode: mqttproto.NotAuthorized})
		case 2:
			c.writePacket(&mqttproto.PubRecPacket{PacketID: p.PacketID, ReasonCode: mqttproto.NotAuthorized})
		}
		return true
	}

	if p.QoS == 2 {
		retransmit, ok := c.sess.ReceivePublishQoS2(p.PacketID)
		if !ok {
			c.writePacket(&mqttproto.PubRecPacket{PacketID: p.PacketID, ReasonCode: mqttproto.QuotaExceeded})
			c.sendDisconnect(mqttproto.QuotaExceeded)
			return false
		}
		if !retransmit {
			c.route(p)
		}
		c.writePacket(&mqttproto.PubRecPacket{PacketID: p.PacketID})
		return true
	}

	c.route(p)

	if p.QoS == 1 {
		c.writePacket(&mqttproto.PubAckPacket{PacketID: p.PacketID})
	}
	return true
}

func (c *clientConn) route(p *mqttproto.PublishPacket) {
	metrics.BytesReceived.Add(float64(len(p.Payload)))
	c.srv.router.Route(router.PublishInput{
		Topic:          p.Topic,
		Payload:        p.Payload,
		QoS:            p.QoS,
		Retain:         p.Retain,
		Properties:     p.Properties,
		SourceClientID: c.clientID,
	})
}

func (c *clientConn) handlePubRec(p *mqttproto.PubRecPacket) bool {
	if _, ok := c.sess.HandlePubRec(p.PacketID); !ok {
		c.writePacket(&mqttproto.PubRelPacket{PacketID: p.PacketID, ReasonCode: mqttproto.PacketIdentifierNotFound})
		return true
	}
	c.writePacket(&mqttproto.PubRelPacket{PacketID: p.PacketID})
	return true
}

func (c *clientConn) handlePubRel(p *mqttproto.PubRelPacket) bool {
	c.sess.ReceivePubRel(p.PacketID)
	c.writePacket(&mqttproto.PubCompPacket{PacketID: p.PacketID})
	return true
}

func (c *clientConn) promoteQueued() {
	for _, p := range c.sess.PromoteQueued() {
		c.writeOutbound(p)
	}
}

func (c *clientConn) handleSubscribe(p *mqttproto.SubscribePacket) bool {
	codes := make([]mqttproto.ReasonCode, 0, len(p.Filters))
	var subID int
	if p.Properties != nil && len(p.Properties.SubscriptionIdentifier) > 0 {
		subID = p.Properties.SubscriptionIdentifier[0]
	}
	for _, f := range p.Filters {
		if !topic.ValidateFilter(f.Filter) {
			codes = append(codes, mqttproto.TopicFilterInvalid)
			continue
		}
		if c.srv.cfg.Auth.Enabled && c.username != "" && !c.srv.authReg.Authorize(c.username, f.Filter, auth.ActionSubscribe) {
			codes = append(codes, mqttproto.NotAuthorized)
			continue
		}
		group, _, _ := topic.IsShared(f.Filter)
		var subIDs []int
		if subID != 0 {
			subIDs = []int{subID}
		}
		existedBefore := c.sess.AddSubscription(f.Filter, session.SubscriptionOptions{
			QoS:               f.Options.QoS,
			NoLocal:           f.Options.NoLocal,
			RetainAsPublished: f.Options.RetainAsPublished,
			RetainHandling:    f.Options.RetainHandling,
			SubscriptionIDs:   subIDs,
			ShareGroup:        group,
		})
		c.srv.tree.Subscribe(f.Filter, &topic.Subscriber{
			Key:               c.clientID,
			QoS:               f.Options.QoS,
			NoLocal:           f.Options.NoLocal,
			RetainAsPublished: f.Options.RetainAsPublished,
			SubscriptionID:    subID,
			ShareGroup:        group,
		})
		metrics.SubscriptionsActive.Inc()
		c.srv.router.DeliverRetained(c.sess, f.Filter, f.Options.RetainHandling, !existedBefore)
		codes = append(codes, grantedCodeFor(f.Options.QoS))
	}
	c.writePacket(&mqttproto.SubAckPacket{PacketID: p.PacketID, ReasonCodes: codes})
	return true
}

func grantedCodeFor(qos byte) mqttproto.ReasonCode {
	switch qos {
	case 1:
		return mqttproto.GrantedQoS1
	case 2:
		return mqttproto.GrantedQoS2
	default:
		return mqttproto.GrantedQoS0
	}
}

func (c *clientConn) handleUnsubscribe(p *mqttproto.UnsubscribePacket) bool {
	codes := make([]mqttproto.ReasonCode, 0, len(p.Filters))
	for _, filter := range p.Filters {
		existed := c.sess.RemoveSubscription(filter)
		c.srv.tree.Unsubscribe(filter, c.clientID)
		if existed {
			metrics.SubscriptionsActive.Dec()
			codes = append(codes, mqttproto.Success)
		} else {
			codes = append(codes, mqttproto.NoSubscriptionExisted)
		}
	}
	c.writePacket(&mqttproto.UnsubAckPacket{PacketID: p.PacketID, ReasonCodes: codes})
	return true
}

// writeOutbound encodes and sends a routed or redelivered publish with
// whatever Dup the caller set, which is false for a fresh delivery and
// true for redelivery-after-reconnect.
func (c *clientConn) writeOutbound(p *session.OutboundPublish) {
	pkt := &mqttproto.PublishPacket{
		Dup:        p.Dup,
		QoS:        p.QoS,
		Retain:     p.Retain,
		Topic:      p.Topic,
		PacketID:   p.PacketID,
		Payload:    p.Payload,
		Properties: p.Properties,
	}
	c.writePacket(pkt)
	metrics.MessagesSent.WithLabelValues("PUBLISH").Inc()
	metrics.BytesSent.Add(float64(len(p.Payload)))
}

func (c *clientConn) writePacket(pkt mqttproto.Packet) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.Server.WriteTimeout))
	if err := mqttproto.Encode(c.conn, pkt, c.ver, 0); err != nil {
		logging.Debugf("client %s write error: %v", c.clientID, err)
		return
	}
	metrics.MessagesSent.WithLabelValues(pkt.Type().String()).Inc()
}

// shutdown runs once per connection on the way out of readLoop: detach
// the session (discarding it outright when its expiry is zero), arm its
// will and persist the final state.
func (c *clientConn) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
	if c.sess == nil {
		return
	}
	c.srv.registry.Detach(c.clientID)
	c.scheduleWill()
	if c.srv.persist != nil {
		c.persistSession()
	}
	logging.Infof("client %s disconnected", c.clientID)
}

// scheduleWill publishes the session's armed will, immediately if its
// delay interval is zero, or after that many seconds otherwise, in which
// case WillDue skips the send if the client has reconnected meanwhile.
// A normal DISCONNECT clears the will in dispatch, so nothing is armed
// by the time this runs.
func (c *clientConn) scheduleWill() {
	will := c.sess.WillSnapshot()
	if will == nil {
		return
	}
	publish := func() {
		if c.sess.WillSnapshot() == nil {
			return
		}
		c.srv.router.Route(router.PublishInput{
			Topic:          will.Topic,
			Payload:        will.Payload,
			QoS:            will.QoS,
			Retain:         will.Retain,
			Properties:     will.Properties,
			SourceClientID: c.clientID,
		})
		c.sess.ClearWill()
	}
	if will.DelayInterval == 0 {
		publish()
		return
	}
	time.AfterFunc(time.Duration(will.DelayInterval)*time.Second, func() {
		if c.sess.WillDue() {
			publish()
		}
	})
}

func (c *clientConn) persistSession() {
	snapshot := c.sess.SubscriptionsSnapshot()
	subs := make([]store.SubscriptionRecord, 0, len(snapshot))
	for filter, opts := range snapshot {
		subs = append(subs, store.SubscriptionRecord{
			Filter:            filter,
			QoS:               opts.QoS,
			NoLocal:           opts.NoLocal,
			RetainAsPublished: opts.RetainAsPublished,
			RetainHandling:    opts.RetainHandling,
		})
	}
	inflight := outboundToPending(c.sess.InflightForRedelivery())
	rec := &store.SessionRecord{
		ClientID:        c.clientID,
		ProtocolVersion: c.ver,
		ExpiryInterval:  c.sess.GetExpiryInterval(),
		Subscriptions:   subs,
		Inflight:        inflight,
	}
	c.srv.persist.Write(store.Op{Kind: store.OpSaveSession, Session: rec})
}

func outboundToPending(out []*session.OutboundPublish) []store.PendingPublish {
	pending := make([]store.PendingPublish, 0, len(out))
	for _, p := range out {
		pending = append(pending, store.PendingPublish{
			PacketID:   p.PacketID,
			Topic:      p.Topic,
			Payload:    p.Payload,
			QoS:        p.QoS,
			Retain:     p.Retain,
			Dup:        p.Dup,
			State:      int(p.State),
			Properties: p.Properties,
		})
	}
	return pending
}

// generateClientID fabricates a ClientId for a CONNECT that arrived
// without one, per the protocol's "server MAY allocate one" allowance.
func generateClientID() string {
	return "auto-" + uuid.NewString()
}
