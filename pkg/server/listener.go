package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/nbdserve/internal/logger"
	"github.com/marmos91/nbdserve/pkg/backend/chain"
	"github.com/marmos91/nbdserve/pkg/concurrency"
	"github.com/marmos91/nbdserve/pkg/metrics"
)

// Listener runs the shared TCP accept loop for one bound chain: connection
// tracking, a per-process concurrency Gate sized from the chain's resolved
// thread model, graceful shutdown with a force-close fallback, and
// periodic metrics logging.
type Listener struct {
	cfg   Config
	chain *chain.Chain
	tls   *tls.Config
	gate  *concurrency.Gate

	listener   net.Listener
	listenerMu sync.RWMutex

	activeConns sync.WaitGroup
	connCount   atomic.Int32
	connections sync.Map // remote addr -> net.Conn

	connSemaphore chan struct{}

	shutdownOnce sync.Once
	shutdown     chan struct{}

	ready chan struct{}
}

// NewListener builds a Listener bound to an already-constructed chain. tlsConfig
// may be nil; if cfg.TLSPolicy is not TLSDisabled and tlsConfig is nil, STARTTLS
// is always refused with RepErrPolicy.
func NewListener(cfg Config, c *chain.Chain, tlsConfig *tls.Config) *Listener {
	var sem chan struct{}
	if cfg.MaxConnections > 0 {
		sem = make(chan struct{}, cfg.MaxConnections)
	}
	return &Listener{
		cfg:           cfg,
		chain:         c,
		tls:           tlsConfig,
		gate:          concurrency.NewGate(c.ThreadModel),
		connSemaphore: sem,
		shutdown:      make(chan struct{}),
		ready:         make(chan struct{}),
	}
}

// Serve runs the accept loop until ctx is cancelled, then drains active
// connections up to cfg.ShutdownTimeout before force-closing stragglers.
// It returns nil on a fully graceful shutdown.
func (l *Listener) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", l.cfg.BindAddress, l.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	l.listenerMu.Lock()
	l.listener = ln
	l.listenerMu.Unlock()
	close(l.ready)

	logger.Info("nbd server listening", logger.Layer(l.chain.Top.Name()))

	go func() {
		<-ctx.Done()
		l.initiateShutdown()
	}()

	if l.cfg.MetricsLogInterval > 0 {
		go l.logMetrics(ctx)
	}

	for {
		if l.connSemaphore != nil {
			select {
			case l.connSemaphore <- struct{}{}:
			case <-l.shutdown:
				return l.gracefulShutdown()
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if l.connSemaphore != nil {
				<-l.connSemaphore
			}
			select {
			case <-l.shutdown:
				return l.gracefulShutdown()
			default:
				logger.Debug("accept error", logger.ErrAttr(err))
				continue
			}
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		l.activeConns.Add(1)
		l.connCount.Add(1)
		addr := conn.RemoteAddr().String()
		l.connections.Store(addr, conn)
		metrics.ConnectionOpened(metrics.Get())

		go l.serveConn(conn, addr)
	}
}

func (l *Listener) serveConn(raw net.Conn, addr string) {
	defer func() {
		l.connections.Delete(addr)
		l.activeConns.Done()
		l.connCount.Add(-1)
		if l.connSemaphore != nil {
			<-l.connSemaphore
		}
		metrics.ConnectionClosed(metrics.Get())
	}()

	ctx := context.Background()

	// Under SERIALIZE_CONNECTIONS, only one connection may be served at a
	// time; every other model's AcquireConnection returns immediately. A
	// connection still queued when shutdown begins gives up its wait.
	acquireCtx, cancelAcquire := context.WithCancel(ctx)
	go func() {
		select {
		case <-l.shutdown:
			cancelAcquire()
		case <-acquireCtx.Done():
		}
	}()
	release, err := l.gate.AcquireConnection(acquireCtx)
	cancelAcquire()
	if err != nil {
		logger.Debug("connection gate aborted", logger.ErrAttr(err))
		return
	}
	defer release()

	c := newConnection(raw, l.chain.Top, l.gate, metrics.Get())
	defer c.close()

	if l.cfg.Dialect == DialectOldstyle {
		err = runOldstyle(ctx, c, l.cfg)
	} else {
		err = runNewstyle(ctx, c, l.cfg, l.tls)
	}
	if err != nil {
		logger.Debug("handshake failed", logger.ConnectionID(c.id), logger.ErrAttr(err))
		return
	}

	if err := runRequestLoop(ctx, c, l.cfg); err != nil {
		logger.Debug("request loop ended", logger.ConnectionID(c.id), logger.ErrAttr(err))
	}
}

func (l *Listener) initiateShutdown() {
	l.shutdownOnce.Do(func() {
		close(l.shutdown)

		l.listenerMu.Lock()
		if l.listener != nil {
			_ = l.listener.Close()
		}
		l.listenerMu.Unlock()

		l.interruptBlockingReads()
	})
}

func (l *Listener) interruptBlockingReads() {
	deadline := time.Now().Add(100 * time.Millisecond)
	l.connections.Range(func(_, v any) bool {
		if conn, ok := v.(net.Conn); ok {
			_ = conn.SetReadDeadline(deadline)
		}
		return true
	})
}

func (l *Listener) gracefulShutdown() error {
	active := l.connCount.Load()
	logger.Info("draining connections", logger.Count(uint32(active)))

	done := make(chan struct{})
	go func() {
		l.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(l.cfg.ShutdownTimeout):
		remaining := l.connCount.Load()
		logger.Warn("shutdown timeout exceeded, forcing closure", logger.Count(uint32(remaining)))
		l.forceCloseConnections()
		return fmt.Errorf("shutdown timeout: %d connections force-closed", remaining)
	}
}

func (l *Listener) forceCloseConnections() {
	l.connections.Range(func(_, v any) bool {
		if conn, ok := v.(net.Conn); ok {
			_ = conn.Close()
		}
		return true
	})
}

func (l *Listener) logMetrics(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.MetricsLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("nbd server metrics", logger.Count(uint32(l.connCount.Load())))
		}
	}
}

// Addr blocks until the listener is bound and returns its address.
func (l *Listener) Addr() string {
	<-l.ready
	l.listenerMu.RLock()
	defer l.listenerMu.RUnlock()
	if l.listener == nil {
		return ""
	}
	return l.listener.Addr().String()
}

// ActiveConnections returns the current number of connections being served.
func (l *Listener) ActiveConnections() int32 { return l.connCount.Load() }
