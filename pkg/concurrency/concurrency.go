// Package concurrency implements thread-model enforcement: translating a
// chain's resolved backend.ThreadModel into the locking discipline the
// request loop and connection lifecycle must observe.
package concurrency

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/marmos91/nbdserve/pkg/backend"
)

// Gate serializes operations according to one backend.ThreadModel. A
// single process-wide Gate is shared by every connection; its behavior
// varies per model:
//
//   - PARALLEL: every call passes straight through.
//   - SERIALIZE_REQUESTS: calls within the same connection serialize
//     against each other via a per-connection lock; connections don't
//     block one another.
//   - SERIALIZE_ALL_REQUESTS: a single process-wide lock is held for the
//     duration of each call, across every connection.
//   - SERIALIZE_CONNECTIONS: only one connection may be open at a time;
//     Acquire/Release around the whole connection lifetime, not per call.
type Gate struct {
	model backend.ThreadModel

	globalMu sync.Mutex // SERIALIZE_ALL_REQUESTS

	connSem *semaphore.Weighted // SERIALIZE_CONNECTIONS, weight 1

	perConn sync.Map // connection id -> *sync.Mutex, for SERIALIZE_REQUESTS
}

func NewGate(model backend.ThreadModel) *Gate {
	g := &Gate{model: model}
	if model == backend.ThreadModelSerializeConnections {
		g.connSem = semaphore.NewWeighted(1)
	}
	return g
}

func (g *Gate) Model() backend.ThreadModel { return g.model }

// AcquireConnection blocks until a new connection may proceed, enforcing
// SERIALIZE_CONNECTIONS. Every other model returns immediately. release
// must be called exactly once when the connection ends. A cancelled ctx
// aborts the wait and returns ctx.Err(), letting a shutting-down listener
// give up on a connection still queued behind the current one.
func (g *Gate) AcquireConnection(ctx context.Context) (release func(), err error) {
	if g.connSem == nil {
		return func() {}, nil
	}
	if err := g.connSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { g.connSem.Release(1) }, nil
}

// PerConnectionLock returns the lock a SERIALIZE_REQUESTS or
// SERIALIZE_ALL_REQUESTS connection must hold for the duration of each
// request's dispatch; PARALLEL and SERIALIZE_CONNECTIONS return a no-op
// lock. connID identifies the connection across calls.
func (g *Gate) PerConnectionLock(connID string) sync.Locker {
	if g.model != backend.ThreadModelSerializeRequests && g.model != backend.ThreadModelSerializeAllRequests {
		return noopLocker{}
	}
	v, _ := g.perConn.LoadOrStore(connID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// ReleaseConnection drops the per-connection lock entry once a
// connection ends, so long-lived servers don't leak one *sync.Mutex per
// connection that ever connected.
func (g *Gate) ReleaseConnection(connID string) {
	g.perConn.Delete(connID)
}

// Dispatch runs fn under the locking discipline required by the gate's
// model: the global lock for SERIALIZE_ALL_REQUESTS (held for fn's
// entire duration, the one model where a shared lock crosses a
// potentially blocking callback), plus the connection's own lock for
// SERIALIZE_REQUESTS and SERIALIZE_ALL_REQUESTS. SERIALIZE_CONNECTIONS
// takes no lock here; AcquireConnection enforces it.
func (g *Gate) Dispatch(connID string, fn func() error) error {
	connLock := g.PerConnectionLock(connID)
	connLock.Lock()
	defer connLock.Unlock()

	if g.model == backend.ThreadModelSerializeAllRequests {
		g.globalMu.Lock()
		defer g.globalMu.Unlock()
	}

	return fn()
}

// SerializesReader reports whether the reader goroutine must wait for
// the previous request's reply before reading the next header (every
// model stricter than PARALLEL).
func (g *Gate) SerializesReader() bool {
	return g.model != backend.ThreadModelParallel
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}
