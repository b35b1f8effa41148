// Package server implements the broker's connection lifecycle: the
// accept loop (plain TCP, WebSocket, optional PROXY-protocol prefix),
// the per-connection AwaitConnect -> Active -> Disconnecting FSM, the
// $SYS publisher, and the session-expiry sweep.
//
// Connections are dispatched through awaitConnect/handlePublish/
// handleSubscribe/handleUnsubscribe, routing through the session/
// router/registry/admission/retained/topic/store/auth/transport
// packages rather than mutating maps directly.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kestrelmq/broker/internal/admission"
	"github.com/kestrelmq/broker/internal/auth"
	"github.com/kestrelmq/broker/internal/config"
	"github.com/kestrelmq/broker/internal/logging"
	"github.com/kestrelmq/broker/internal/mqttproto"
	"github.com/kestrelmq/broker/internal/registry"
	"github.com/kestrelmq/broker/internal/retained"
	"github.com/kestrelmq/broker/internal/router"
	"github.com/kestrelmq/broker/internal/session"
	"github.com/kestrelmq/broker/internal/store"
	"github.com/kestrelmq/broker/internal/topic"
	"github.com/kestrelmq/broker/internal/transport"
)

// Server is the MQTT broker: one instance owns a topic tree, session
// registry, router, admission tracker, auth registry and persistence
// manager, and accepts connections on a plain TCP listener and,
// optionally, a WebSocket listener.
type Server struct {
	cfg *config.Config

	tree      *topic.Tree
	retained  retained.Store
	registry  *registry.Registry
	router    *router.Router
	admission *admission.Tracker
	authReg   *auth.Registry
	persist   *store.Manager

	listener net.Listener
	wsServer *http.Server

	mu      sync.Mutex
	running bool

	shutdown chan struct{}
	connWG   sync.WaitGroup
}

// New builds a Server wired per cfg, using persist as the boot-time
// source of retained messages, reinstated sessions, users and roles
// and as the destination for ongoing persistence writes. persist may
// be nil, meaning no persistence (a pure in-memory broker).
func New(cfg *config.Config, persist *store.Manager) (*Server, error) {
	tree := topic.New()
	reg := registry.New()

	var loaded *store.LoadedData
	if persist != nil {
		var err error
		loaded, err = persist.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("server: load persisted state: %w", err)
		}
	}

	retStore := newPersistingRetainedStore(retained.NewMemStore(), persist)
	if loaded != nil {
		for _, r := range loaded.Retained {
			retStore.inner.Set(r.Topic, &retained.Message{
				Topic: r.Topic, Payload: r.Payload, QoS: r.QoS, Properties: r.Properties,
			})
		}
	}

	rt := router.New(tree, retStore, reg)

	authReg := auth.NewRegistry(persist, loaded)

	adm := admission.New(buildAdmissionConfig(cfg))

	s := &Server{
		cfg:       cfg,
		tree:      tree,
		retained:  retStore,
		registry:  reg,
		router:    rt,
		admission: adm,
		authReg:   authReg,
		persist:   persist,
		shutdown:  make(chan struct{}),
	}

	if loaded != nil {
		s.reinstateSessions(loaded.Sessions)
	}

	return s, nil
}

func buildAdmissionConfig(cfg *config.Config) admission.Config {
	parseIPs := func(ss []string) []net.IP {
		var out []net.IP
		for _, s := range ss {
			if ip := net.ParseIP(s); ip != nil {
				out = append(out, ip)
			}
		}
		return out
	}
	parseCIDRs := func(ss []string) []*net.IPNet {
		var out []*net.IPNet
		for _, s := range ss {
			if _, n, err := net.ParseCIDR(s); err == nil {
				out = append(out, n)
			}
		}
		return out
	}
	return admission.Config{
		MaxConnectionsPerIP: cfg.Admission.MaxConnectionsPerIP,
		RateLimit:           uint32(cfg.Admission.RateLimit),
		RateBurst:           uint32(cfg.Admission.RateBurst),
		BannedIPs:           parseIPs(cfg.Admission.BannedIPs),
		AllowedIPs:          parseIPs(cfg.Admission.AllowedIPs),
		BannedCIDRs:         parseCIDRs(cfg.Admission.BannedCIDRs),
		AllowedCIDRs:        parseCIDRs(cfg.Admission.AllowedCIDRs),
		CleanupInterval:     cfg.Admission.CleanupInterval,
		FlappingEnabled:     cfg.Flapping.Enabled,
		FlapMaxCount:        uint32(cfg.Flapping.MaxCount),
		FlapWindow:          cfg.Flapping.WindowTime,
		FlapBanTime:         cfg.Flapping.BanTime,
	}
}

// reinstateSessions rebuilds the registry and topic tree from persisted
// session records at boot: subscriptions rejoin the topic tree and the
// record's inflight entries survive for redelivery once the client
// reconnects. persistSession writes subscriptions and inflight entries
// only, so queued publishes and awaiting-rel ids do not survive a
// restart.
func (s *Server) reinstateSessions(records []store.SessionRecord) {
	for _, rec := range records {
		sess := session.NewDisconnected(rec.ClientID, rec.ProtocolVersion, rec.ExpiryInterval,
			uint16(s.cfg.Limits.MaxInflightMessages), s.cfg.Limits.MaxQueuedMessages, s.cfg.Limits.MaxAwaitingRel,
			s.cfg.Limits.QueueOverflowPolicy)

		for _, subRec := range rec.Subscriptions {
			opts := session.SubscriptionOptions{
				QoS:               subRec.QoS,
				NoLocal:           subRec.NoLocal,
				RetainAsPublished: subRec.RetainAsPublished,
				RetainHandling:    subRec.RetainHandling,
			}
			sess.AddSubscription(subRec.Filter, opts)
			group, _, _ := topic.IsShared(subRec.Filter)
			s.tree.Subscribe(subRec.Filter, &topic.Subscriber{
				Key:               rec.ClientID,
				QoS:               subRec.QoS,
				NoLocal:           subRec.NoLocal,
				RetainAsPublished: subRec.RetainAsPublished,
				ShareGroup:        group,
			})
		}

		inflight := pendingToOutbound(rec.Inflight)
		queued := pendingToOutbound(rec.Queued)
		sess.Restore(inflight, queued, rec.AwaitingRel)

		s.registry.Put(sess)
	}
}

func pendingToOutbound(pending []store.PendingPublish) []*session.OutboundPublish {
	out := make([]*session.OutboundPublish, 0, len(pending))
	for _, p := range pending {
		out = append(out, &session.OutboundPublish{
			PacketID:   p.PacketID,
			Topic:      p.Topic,
			Payload:    p.Payload,
			QoS:        p.QoS,
			Retain:     p.Retain,
			Dup:        true,
			State:      session.OutboundState(p.State),
			Properties: p.Properties,
		})
	}
	return out
}

// Start begins accepting connections: plain TCP always, WebSocket if
// cfg.WebSocket.Enabled. It blocks until the listener(s) stop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server: already running")
	}
	s.running = true
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln

	go s.sessionExpirySweep()
	if s.cfg.SysTopics.Enabled {
		go s.publishSysTopics()
	}
	go s.admissionCleanup()

	if s.cfg.WebSocket.Enabled {
		go s.serveWebSocket()
	}

	logging.Infof("MQTT broker listening on %s", addr)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			logging.Errorf("accept: %v", err)
			continue
		}
		s.connWG.Add(1)
		go s.handleRawConn(conn)
	}
}

// serveWebSocket runs the WebSocket listener's HTTP server until the
// broker shuts down.
func (s *Server) serveWebSocket() {
	mux := http.NewServeMux()
	upgrader := transport.NewUpgrader()
	mux.HandleFunc(s.cfg.WebSocket.Path, func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r)
		if err != nil {
			logging.Errorf("websocket upgrade: %v", err)
			return
		}
		s.connWG.Add(1)
		s.handleConn(c)
	})
	s.wsServer = &http.Server{Addr: s.cfg.WebSocket.Bind, Handler: mux}
	if err := s.wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Errorf("websocket server: %v", err)
	}
}

// handleRawConn optionally strips a PROXY-protocol prefix before
// dispatching to the shared connection handler.
func (s *Server) handleRawConn(conn net.Conn) {
	if s.cfg.Proxy.Enabled {
		addr, rest, err := transport.ReadHeader(conn, s.cfg.Proxy.Timeout)
		if err != nil {
			conn.Close()
			s.connWG.Done()
			return
		}
		conn = &proxiedConn{Conn: conn, remote: addr, rest: rest}
	}
	s.handleConn(conn)
}

// Stop closes the listeners, waits for every live connection to end,
// then flushes persistence. It does not close live connections itself,
// so it returns only once each client has disconnected or been dropped
// by its keep-alive watchdog.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.shutdown)
	if s.listener != nil {
		s.listener.Close()
	}
	if s.wsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.wsServer.Shutdown(ctx)
	}
	s.connWG.Wait()

	if s.persist != nil {
		return s.persist.Shutdown()
	}
	return nil
}

func (s *Server) sessionExpirySweep() {
	interval := s.cfg.Session.ExpiryCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed := s.registry.SweepExpired(func(sess *session.Session) bool {
				return sess.IsExpired(time.Now())
			})
			for _, clientID := range removed {
				if s.persist != nil {
					s.persist.Write(store.Op{Kind: store.OpDeleteSession, DeleteKey: clientID})
				}
			}
		case <-s.shutdown:
			return
		}
	}
}

func (s *Server) admissionCleanup() {
	interval := s.cfg.Admission.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.admission.Cleanup()
		case <-s.shutdown:
			return
		}
	}
}

// protocolVersionString names ver for log lines, mirroring the
// teacher's "protocol: %s v%d" CONNECT log.
func protocolVersionString(ver mqttproto.Version) string {
	switch ver {
	case mqttproto.V311:
		return "v3.1.1"
	case mqttproto.V5:
		return "v5.0"
	default:
		return "unknown"
	}
}
