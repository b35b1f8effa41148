// Package transport implements the byte-stream decorators the
// connection FSM sits behind: a WebSocket upgrade path (for ws_bind/
// ws_path) and a PROXY protocol v1/v2 header parser. Neither
// reimplements its underlying protocol: gorilla/websocket does the WS
// framing, and the PROXY parser is a direct, minimal port of the
// well-known header shapes rather than a re-derivation.
package transport

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// mqttSubprotocols are the Sec-WebSocket-Protocol values a v3.1.1/v5.0
// client may offer; the upgrader echoes back whichever the client sent
// first, per the MQTT-over-WebSockets convention.
var mqttSubprotocols = []string{"mqtt", "mqttv3.1", "mqttv5"}

// Upgrader wraps gorilla/websocket's Upgrader with the MQTT
// subprotocol list and a default buffer configuration.
type Upgrader struct {
	inner websocket.Upgrader
}

// NewUpgrader constructs an Upgrader whose CheckOrigin always allows
// the connection: MQTT-over-WebSocket clients are not same-origin web
// pages, so the usual CSRF-oriented origin check does not apply.
func NewUpgrader() *Upgrader {
	return &Upgrader{
		inner: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    mqttSubprotocols,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Upgrade promotes an HTTP request to a WebSocket connection and wraps
// it as a net.Conn-shaped byte stream via wsConn, so the connection FSM
// can read/write it exactly like a raw TCP socket.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	ws, err := u.inner.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return &wsConn{ws: ws}, nil
}

// wsConn adapts a *websocket.Conn (message-oriented, binary frames) to
// net.Conn's stream-oriented Read/Write, buffering whatever is left of
// the current WS message between Read calls.
type wsConn struct {
	ws  *websocket.Conn
	buf []byte
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		c.buf = data
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error                       { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr                { return c.ws.RemoteAddr() }
func (c *wsConn) SetDeadline(t time.Time) error       { return c.ws.UnderlyingConn().SetDeadline(t) }
func (c *wsConn) SetReadDeadline(t time.Time) error   { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error  { return c.ws.SetWriteDeadline(t) }

var _ net.Conn = (*wsConn)(nil)
