// Package file implements a plugin that serves a single regular file (or
// block device) from the local filesystem as an export. The file is opened
// once at Load: read-write when possible, otherwise read-only.
package file

import (
	"context"
	"os"
	"sync"

	"github.com/marmos91/nbdserve/pkg/backend"
	nbderrors "github.com/marmos91/nbdserve/pkg/errors"
)

// Plugin serves Path as a single export. Every connection shares the
// same underlying *os.File. No method takes mu: Flush calls Sync, GetSize
// returns the size recorded at Load, and Pread/Pwrite use ReadAt/WriteAt,
// which are safe for concurrent use on the same file.
type Plugin struct {
	backend.BasePlugin

	Path string

	mu       sync.Mutex
	f        *os.File
	readonly bool
	size     uint64
}

// New creates a plugin serving path. The file is opened by Load, not by
// New or Open; a connection's requested read-only mode does not change
// how it is opened.
func New(path string) *Plugin {
	return &Plugin{Path: path}
}

func (p *Plugin) IsPlugin() {}

func (p *Plugin) Name() string { return "file" }

func (p *Plugin) Load(_ backend.Env) error {
	flags := os.O_RDWR
	f, err := os.OpenFile(p.Path, flags, 0)
	if err != nil {
		flags = os.O_RDONLY
		f, err = os.OpenFile(p.Path, flags, 0)
		if err != nil {
			return nbderrors.Wrap(nbderrors.KindFatal, 5, "open backing file", err)
		}
		p.readonly = true
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nbderrors.Wrap(nbderrors.KindFatal, 5, "stat backing file", err)
	}
	p.f = f
	p.size = uint64(info.Size())
	return nil
}

func (p *Plugin) Unload() {
	if p.f != nil {
		_ = p.f.Close()
	}
}

func (p *Plugin) Open(_ context.Context, _ bool, _ string, _ bool) (backend.Handle, error) {
	return backend.NoHandle, nil
}

func (p *Plugin) GetSize(_ context.Context, _ backend.Handle) (uint64, error) {
	return p.size, nil
}

func (p *Plugin) CanWrite(_ context.Context, _ backend.Handle) (bool, error) {
	return !p.readonly, nil
}

func (p *Plugin) CanFlush(_ context.Context, _ backend.Handle) (bool, error) { return true, nil }
func (p *Plugin) CanTrim(_ context.Context, _ backend.Handle) (bool, error)  { return !p.readonly, nil }
func (p *Plugin) CanZero(_ context.Context, _ backend.Handle) (bool, error)  { return !p.readonly, nil }
func (p *Plugin) CanMultiConn(_ context.Context, _ backend.Handle) (bool, error) {
	return true, nil
}

func (p *Plugin) Pread(_ context.Context, _ backend.Handle, buf []byte, offset uint64, _ backend.Flags) error {
	if _, err := p.f.ReadAt(buf, int64(offset)); err != nil {
		return nbderrors.Wrap(nbderrors.KindDownstream, 5, "read backing file", err)
	}
	return nil
}

func (p *Plugin) Pwrite(_ context.Context, _ backend.Handle, buf []byte, offset uint64, flags backend.Flags) error {
	if _, err := p.f.WriteAt(buf, int64(offset)); err != nil {
		return nbderrors.Wrap(nbderrors.KindDownstream, 5, "write backing file", err)
	}
	if flags.Has(backend.FlagFUA) {
		if err := p.f.Sync(); err != nil {
			return nbderrors.Wrap(nbderrors.KindDownstream, 5, "fsync after FUA write", err)
		}
	}
	return nil
}

func (p *Plugin) Zero(_ context.Context, _ backend.Handle, count uint32, offset uint64, flags backend.Flags) error {
	// No portable fallocate(FALLOC_FL_ZERO_RANGE) in the standard library;
	// fall back to writing zero bytes, same as nbdkit's file plugin does
	// when the platform lacks a faster primitive.
	buf := make([]byte, count)
	if _, err := p.f.WriteAt(buf, int64(offset)); err != nil {
		return nbderrors.Wrap(nbderrors.KindDownstream, 5, "zero backing file range", err)
	}
	if flags.Has(backend.FlagFUA) {
		if err := p.f.Sync(); err != nil {
			return nbderrors.Wrap(nbderrors.KindDownstream, 5, "fsync after FUA zero", err)
		}
	}
	return nil
}

func (p *Plugin) Trim(_ context.Context, _ backend.Handle, _ uint32, _ uint64, _ backend.Flags) error {
	// Trim is advisory; without a punch-hole primitive available in the
	// standard library this is a no-op rather than an error.
	return nil
}

func (p *Plugin) Flush(_ context.Context, _ backend.Handle, _ backend.Flags) error {
	if err := p.f.Sync(); err != nil {
		return nbderrors.Wrap(nbderrors.KindDownstream, 5, "fsync backing file", err)
	}
	return nil
}

func (p *Plugin) ThreadModel() backend.ThreadModel {
	return backend.ThreadModelParallel
}
