// Package delay implements a filter that injects an artificial sleep
// before read and write-family operations, for exercising timeout and
// latency-sensitive client behavior.
package delay

import (
	"context"
	"time"

	"github.com/marmos91/nbdserve/pkg/backend"
)

// Filter delays reads by ReadDelay and every write/zero/trim by
// WriteDelay before forwarding to the layer below.
type Filter struct {
	backend.BasePlugin
	ReadDelay  time.Duration
	WriteDelay time.Duration
}

func New(readDelay, writeDelay time.Duration) *Filter {
	return &Filter{ReadDelay: readDelay, WriteDelay: writeDelay}
}

func (f *Filter) Name() string { return "delay" }

func (f *Filter) Bind(next backend.Next) backend.BoundFilter {
	return &bound{Passthrough: backend.Passthrough{Next: next}, f: f, next: next}
}

type bound struct {
	backend.Passthrough
	f    *Filter
	next backend.Next
}

func (b *bound) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *bound) Pread(ctx context.Context, h backend.Handle, buf []byte, offset uint64, flags backend.Flags) error {
	if !b.sleep(ctx, b.f.ReadDelay) {
		return ctx.Err()
	}
	return b.next.Pread(ctx, h, buf, offset, flags)
}

func (b *bound) Pwrite(ctx context.Context, h backend.Handle, buf []byte, offset uint64, flags backend.Flags) error {
	if !b.sleep(ctx, b.f.WriteDelay) {
		return ctx.Err()
	}
	return b.next.Pwrite(ctx, h, buf, offset, flags)
}

func (b *bound) Zero(ctx context.Context, h backend.Handle, count uint32, offset uint64, flags backend.Flags) error {
	if !b.sleep(ctx, b.f.WriteDelay) {
		return ctx.Err()
	}
	return b.next.Zero(ctx, h, count, offset, flags)
}

func (b *bound) Trim(ctx context.Context, h backend.Handle, count uint32, offset uint64, flags backend.Flags) error {
	if !b.sleep(ctx, b.f.WriteDelay) {
		return ctx.Err()
	}
	return b.next.Trim(ctx, h, count, offset, flags)
}
