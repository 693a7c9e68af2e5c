package server

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/marmos91/nbdserve/internal/logger"
	"github.com/marmos91/nbdserve/pkg/backend"
	"github.com/marmos91/nbdserve/pkg/backend/capability"
	"github.com/marmos91/nbdserve/pkg/concurrency"
	"github.com/marmos91/nbdserve/pkg/metrics"
)

// protocolMode tracks how far a connection has progressed through
// dialect/option negotiation.
type protocolMode int

const (
	modeOldstyle protocolMode = iota
	modeNewstyle
	modeFixedNewstyle
	modeStructuredReply
)

// connection carries all per-client state: the transport, negotiated
// export and flags, the per-layer handle chain, and the cached
// capability set. One connection is created per accepted socket and
// destroyed when its request loop ends.
type connection struct {
	id     string
	rawNet net.Conn
	rw     net.Conn // rawNet, or the TLS-wrapped conn after STARTTLS
	isTLS  bool

	top   backend.Layer
	chain backend.Handle // this connection's top-layer handle

	exportName string
	readonly   bool

	mode        protocolMode
	structured  bool
	noZeroes    bool

	caps       backend.Capabilities
	capsValid  bool

	gate   *concurrency.Gate
	metric metrics.ServerMetrics

	nextCookieSeq atomic.Uint64
}

func newConnection(raw net.Conn, top backend.Layer, gate *concurrency.Gate, m metrics.ServerMetrics) *connection {
	return &connection{
		id:     uuid.NewString(),
		rawNet: raw,
		rw:     raw,
		top:    top,
		gate:   gate,
		metric: m,
	}
}

// upgradeTLS wraps the connection's transport in a server-side TLS
// session after a successful STARTTLS option. Subsequent handshake bytes
// and all request-loop traffic flow through the wrapped connection.
func (c *connection) upgradeTLS(ctx context.Context, cfg *tls.Config) error {
	tlsConn := tls.Server(c.rw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}
	c.rw = tlsConn
	c.isTLS = true
	return nil
}

// resolveCapabilities runs the capability negotiation algorithm once and
// caches the result; later calls are O(1) reads of the cached value.
func (c *connection) resolveCapabilities(ctx context.Context) error {
	caps, err := capability.Resolve(ctx, c.top, c.chain, c.readonly)
	if err != nil {
		return err
	}
	c.caps = caps
	c.capsValid = true
	return nil
}

func (c *connection) capabilities() backend.Capabilities {
	return c.caps
}

func (c *connection) logFields() []any {
	return []any{logger.ConnectionID(c.id)}
}

func (c *connection) close() {
	if c.chain != nil {
		if err := c.top.Finalize(context.Background(), c.chain); err != nil {
			logger.Debug("finalize failed", logger.ConnectionID(c.id), logger.ErrAttr(err))
		}
		c.top.Close(c.chain)
	}
	c.gate.ReleaseConnection(c.id)
	_ = c.rw.Close()
}
