// Package memory implements a plugin that serves a single fixed-size,
// zero-initialized RAM disk per export. It is the simplest possible
// terminal layer: useful for tests and as a reference for new plugins.
package memory

import (
	"context"
	"sync"

	"github.com/marmos91/nbdserve/pkg/backend"
	nbderrors "github.com/marmos91/nbdserve/pkg/errors"
)

// Plugin serves one in-memory export of a fixed size. All connections
// share the same backing buffer, so writes from one connection are
// visible to every other connection open on the same Plugin.
type Plugin struct {
	backend.BasePlugin

	size uint64

	mu   sync.RWMutex
	data []byte
}

// New creates a memory-backed plugin exporting sizeBytes of zeroed
// storage. sizeBytes is rounded up to the nearest 512-byte sector.
func New(sizeBytes uint64) *Plugin {
	rounded := (sizeBytes + 511) &^ 511
	return &Plugin{
		size: rounded,
		data: make([]byte, rounded),
	}
}

func (p *Plugin) IsPlugin() {}

func (p *Plugin) Name() string { return "memory" }

func (p *Plugin) Open(_ context.Context, _ bool, _ string, _ bool) (backend.Handle, error) {
	return backend.NoHandle, nil
}

func (p *Plugin) GetSize(_ context.Context, _ backend.Handle) (uint64, error) {
	return p.size, nil
}

func (p *Plugin) CanWrite(_ context.Context, _ backend.Handle) (bool, error) { return true, nil }
func (p *Plugin) CanFlush(_ context.Context, _ backend.Handle) (bool, error) { return true, nil }
func (p *Plugin) CanTrim(_ context.Context, _ backend.Handle) (bool, error)  { return true, nil }
func (p *Plugin) CanZero(_ context.Context, _ backend.Handle) (bool, error)  { return true, nil }
func (p *Plugin) CanMultiConn(_ context.Context, _ backend.Handle) (bool, error) {
	return true, nil
}
func (p *Plugin) CanFastZero(_ context.Context, _ backend.Handle) (bool, error) {
	return true, nil
}

func (p *Plugin) Pread(_ context.Context, _ backend.Handle, buf []byte, offset uint64, _ backend.Flags) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if offset+uint64(len(buf)) > uint64(len(p.data)) {
		return nbderrors.New(nbderrors.KindRange, 22, "read past end of memory export")
	}
	copy(buf, p.data[offset:offset+uint64(len(buf))])
	return nil
}

func (p *Plugin) Pwrite(_ context.Context, _ backend.Handle, buf []byte, offset uint64, _ backend.Flags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset+uint64(len(buf)) > uint64(len(p.data)) {
		return nbderrors.New(nbderrors.KindRange, 28, "write past end of memory export")
	}
	copy(p.data[offset:offset+uint64(len(buf))], buf)
	return nil
}

func (p *Plugin) Zero(_ context.Context, _ backend.Handle, count uint32, offset uint64, _ backend.Flags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	end := offset + uint64(count)
	if end > uint64(len(p.data)) {
		return nbderrors.New(nbderrors.KindRange, 28, "zero past end of memory export")
	}
	clear(p.data[offset:end])
	return nil
}

func (p *Plugin) Trim(_ context.Context, _ backend.Handle, count uint32, offset uint64, _ backend.Flags) error {
	// Trim has no effect on a RAM disk beyond what a real storage device
	// would do: the bytes are left as-is, since nothing is reclaimed.
	return nil
}

func (p *Plugin) Flush(_ context.Context, _ backend.Handle, _ backend.Flags) error {
	return nil
}

func (p *Plugin) ThreadModel() backend.ThreadModel {
	return backend.ThreadModelParallel
}
