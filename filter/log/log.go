// Package log implements a filter that records every read, write, zero,
// trim and flush (command, offset, count, flags, duration, outcome)
// through the engine's structured logger, the Go equivalent of nbdkit's
// log filter writing one line per connection event. Cache and extents
// requests pass through unlogged.
package log

import (
	"context"
	"time"

	"github.com/marmos91/nbdserve/internal/logger"
	"github.com/marmos91/nbdserve/pkg/backend"
)

// Filter logs every read, write, zero, trim and flush it forwards.
type Filter struct {
	backend.BasePlugin
}

func New() *Filter { return &Filter{} }

func (f *Filter) Name() string { return "log" }

func (f *Filter) Bind(next backend.Next) backend.BoundFilter {
	return &bound{Passthrough: backend.Passthrough{Next: next}, next: next}
}

type bound struct {
	backend.Passthrough
	next backend.Next
}

func (b *bound) Pread(ctx context.Context, h backend.Handle, buf []byte, offset uint64, flags backend.Flags) error {
	start := time.Now()
	err := b.next.Pread(ctx, h, buf, offset, flags)
	b.logOp(ctx, "read", offset, uint32(len(buf)), flags, start, err)
	return err
}

func (b *bound) Pwrite(ctx context.Context, h backend.Handle, buf []byte, offset uint64, flags backend.Flags) error {
	start := time.Now()
	err := b.next.Pwrite(ctx, h, buf, offset, flags)
	b.logOp(ctx, "write", offset, uint32(len(buf)), flags, start, err)
	return err
}

func (b *bound) Zero(ctx context.Context, h backend.Handle, count uint32, offset uint64, flags backend.Flags) error {
	start := time.Now()
	err := b.next.Zero(ctx, h, count, offset, flags)
	b.logOp(ctx, "zero", offset, count, flags, start, err)
	return err
}

func (b *bound) Trim(ctx context.Context, h backend.Handle, count uint32, offset uint64, flags backend.Flags) error {
	start := time.Now()
	err := b.next.Trim(ctx, h, count, offset, flags)
	b.logOp(ctx, "trim", offset, count, flags, start, err)
	return err
}

func (b *bound) Flush(ctx context.Context, h backend.Handle, flags backend.Flags) error {
	start := time.Now()
	err := b.next.Flush(ctx, h, flags)
	b.logOp(ctx, "flush", 0, 0, flags, start, err)
	return err
}

func (b *bound) logOp(_ context.Context, op string, offset uint64, count uint32, flags backend.Flags, start time.Time, err error) {
	attrs := []any{
		logger.Op(op),
		logger.Offset(offset),
		logger.Count(count),
		logger.Flags(uint16(flags)),
	}
	attrs = append(attrs, "duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		logger.Warn("operation failed", append(attrs, logger.ErrAttr(err))...)
		return
	}
	logger.Debug("operation completed", attrs...)
}
