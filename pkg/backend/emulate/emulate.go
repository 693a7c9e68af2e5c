// Package emulate implements the engine-side fallbacks that let a
// connection offer a capability the plugin/filter chain didn't natively
// implement: zero via pwrite, FUA via write-then-flush, and cache via a
// discard read. These run above the resolved Capabilities, which decide
// whether emulation applies at all.
package emulate

import (
	"context"

	"github.com/marmos91/nbdserve/pkg/backend"
)

// ZeroBufferCap bounds the scratch buffer used to synthesize a zero
// payload for the pwrite fallback; a zero request larger than this is
// issued to the layer in successive chunks.
const ZeroBufferCap = 1 << 20 // 1 MiB

// Zero synthesizes a zero-emulation write: the connection negotiated
// writable but the layer doesn't implement Zero, so the engine fills a
// scratch buffer with zero bytes and calls Pwrite in chunks, honoring
// FUA on only the final chunk (a flush-per-chunk FUA would be correct but
// wasteful; the durability guarantee only has to hold by the time the
// whole zero completes).
func Zero(ctx context.Context, top backend.Layer, h backend.Handle, count uint32, offset uint64, flags backend.Flags) error {
	buf := make([]byte, min32(count, ZeroBufferCap))
	var written uint32
	for written < count {
		n := min32(count-written, uint32(len(buf)))
		chunkFlags := flags &^ backend.FlagFUA
		if written+n == count {
			chunkFlags = flags
		}
		if err := top.Pwrite(ctx, h, buf[:n], offset+uint64(written), chunkFlags); err != nil {
			return err
		}
		written += n
	}
	return nil
}

// FUA wraps a data operation in a trailing Flush when the layer has no
// native FUA support but does support Flush; do() performs the actual
// write/zero/trim with the FUA flag cleared (the layer doesn't claim to
// honor it), and this emulation supplies the durability guarantee instead.
func FUA(ctx context.Context, top backend.Layer, h backend.Handle, do func(flags backend.Flags) error, flags backend.Flags) error {
	if err := do(flags &^ backend.FlagFUA); err != nil {
		return err
	}
	return top.Flush(ctx, h, 0)
}

// Cache emulates a cache request by driving Pread into a discard buffer:
// the read's only purpose is to pull the range into whatever caching
// layer exists below (page cache, plugin-internal cache, ...); the bytes
// themselves are never examined.
func Cache(ctx context.Context, top backend.Layer, h backend.Handle, count uint32, offset uint64, flags backend.Flags) error {
	buf := make([]byte, min32(count, ZeroBufferCap))
	var read uint32
	for read < count {
		n := min32(count-read, uint32(len(buf)))
		if err := top.Pread(ctx, h, buf[:n], offset+uint64(read), flags); err != nil {
			return err
		}
		read += n
	}
	return nil
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
