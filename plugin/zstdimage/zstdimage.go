// Package zstdimage implements a read-only plugin that serves a
// zstd-compressed disk image, decompressing it fully into memory at
// load time. It's the engine's analogue of a compressed-image source: a
// whole image is never modified in place, so no incremental/seekable
// decompression is needed, only a size cap on what a single file may
// expand to.
package zstdimage

import (
	"context"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/marmos91/nbdserve/pkg/backend"
	nbderrors "github.com/marmos91/nbdserve/pkg/errors"
)

// DefaultMaxUncompressedBytes bounds how large a decompressed image this
// plugin will hold in memory unless Config.MaxUncompressedBytes overrides it.
const DefaultMaxUncompressedBytes = 4 << 30 // 4 GiB

// Config describes the compressed source file to serve.
type Config struct {
	Path                 string
	MaxUncompressedBytes int64
}

// Plugin serves the fully decompressed contents of Path as a read-only
// export.
type Plugin struct {
	backend.BasePlugin

	cfg  Config
	data []byte
}

func New(cfg Config) *Plugin {
	if cfg.MaxUncompressedBytes <= 0 {
		cfg.MaxUncompressedBytes = DefaultMaxUncompressedBytes
	}
	return &Plugin{cfg: cfg}
}

func (p *Plugin) IsPlugin() {}

func (p *Plugin) Name() string { return "zstdimage" }

func (p *Plugin) Load(_ backend.Env) error {
	f, err := os.Open(p.cfg.Path)
	if err != nil {
		return nbderrors.Wrap(nbderrors.KindFatal, 5, "open compressed image", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nbderrors.Wrap(nbderrors.KindFatal, 5, "initialize zstd decoder", err)
	}
	defer dec.Close()

	data, err := io.ReadAll(io.LimitReader(dec, p.cfg.MaxUncompressedBytes+1))
	if err != nil {
		return nbderrors.Wrap(nbderrors.KindFatal, 5, "decompress image", err)
	}
	if int64(len(data)) > p.cfg.MaxUncompressedBytes {
		return nbderrors.New(nbderrors.KindFatal, 5, "decompressed image exceeds configured maximum")
	}
	p.data = data
	return nil
}

func (p *Plugin) Open(_ context.Context, _ bool, _ string, _ bool) (backend.Handle, error) {
	return backend.NoHandle, nil
}

func (p *Plugin) GetSize(_ context.Context, _ backend.Handle) (uint64, error) {
	return uint64(len(p.data)), nil
}

func (p *Plugin) CanMultiConn(_ context.Context, _ backend.Handle) (bool, error) {
	return true, nil
}

func (p *Plugin) Pread(_ context.Context, _ backend.Handle, buf []byte, offset uint64, _ backend.Flags) error {
	if offset+uint64(len(buf)) > uint64(len(p.data)) {
		return nbderrors.New(nbderrors.KindRange, 22, "read past end of decompressed image")
	}
	copy(buf, p.data[offset:offset+uint64(len(buf))])
	return nil
}

func (p *Plugin) ThreadModel() backend.ThreadModel {
	return backend.ThreadModelParallel
}
