package server

import (
	"io"
	"net"

	"github.com/kestrelmq/broker/internal/transport"
)

// proxiedConn overlays the address a PROXY protocol header reported onto
// the accepted socket, and replays whatever ReadHeader had already
// buffered past the header before handing reads back to the raw conn.
type proxiedConn struct {
	net.Conn
	remote *transport.ProxiedAddr
	rest   io.Reader
}

func (c *proxiedConn) Read(p []byte) (int, error) {
	return c.rest.Read(p)
}

func (c *proxiedConn) RemoteAddr() net.Addr {
	if c.remote == nil || c.remote.SrcIP == nil {
		return c.Conn.RemoteAddr()
	}
	return &net.TCPAddr{IP: c.remote.SrcIP, Port: int(c.remote.SrcPort)}
}
