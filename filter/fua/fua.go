// Package fua implements a filter that overrides how FUA (force-unit-
// access) is presented and handled, independent of what the layer below
// actually supports: force every write durable, discard FUA requests
// entirely, or emulate FUA via a trailing flush when the layer below has
// no native support.
package fua

import (
	"context"

	"github.com/marmos91/nbdserve/pkg/backend"
)

// Mode selects one of the fixed FUA disciplines.
type Mode int

const (
	// ModeNone passes FUA through unmodified and requires the layer below
	// to already refuse FUA if it can't honor it.
	ModeNone Mode = iota
	// ModeEmulate strips FUA from the write/trim/zero call and issues a
	// trailing Flush instead; requires the layer below to support Flush.
	ModeEmulate
	// ModeNative passes FUA through and requires native support below.
	ModeNative
	// ModeForce sets FUA on every write/trim/zero and turns Flush into a
	// no-op, since every write is already durable by the time it returns.
	ModeForce
	// ModePass is identical to the layer below's own behavior; it exists
	// so a filter stack can name the choice explicitly instead of relying
	// on whatever the layer below happens to do.
	ModePass
	// ModeDiscard strips FUA from every write/trim/zero and drops every
	// Flush, for workloads that have already decided durability doesn't
	// matter (e.g. scratch/throwaway exports).
	ModeDiscard
)

// Filter applies one Mode's FUA discipline on top of whatever the layer
// below negotiates.
type Filter struct {
	backend.BasePlugin // unused; Filter only ever participates via Bind
	Mode               Mode
}

func New(mode Mode) *Filter { return &Filter{Mode: mode} }

func (f *Filter) Name() string { return "fua" }

// Bind wires this filter atop next, producing the bound layer the chain
// builder installs.
func (f *Filter) Bind(next backend.Next) backend.BoundFilter {
	return &bound{Passthrough: backend.Passthrough{Next: next}, mode: f.Mode, next: next}
}

type bound struct {
	backend.Passthrough
	mode Mode
	next backend.Next
}

func (b *bound) Prepare(ctx context.Context, h backend.Handle, readonly bool) error {
	if readonly {
		return b.next.Prepare(ctx, h, readonly)
	}
	switch b.mode {
	case ModeEmulate:
		ok, err := b.next.CanFlush(ctx, h)
		if err != nil {
			return err
		}
		if !ok {
			return flushRequiredErr("emulate")
		}
	case ModeNative, ModeForce:
		tri, err := b.next.CanFUA(ctx, h)
		if err != nil {
			return err
		}
		if tri == backend.TriNone {
			return flushRequiredErr("native/force")
		}
	}
	return b.next.Prepare(ctx, h, readonly)
}

type flushRequiredErr string

func (e flushRequiredErr) Error() string {
	return "fua mode " + string(e) + " requires support from the layer below"
}

func (b *bound) CanFlush(ctx context.Context, h backend.Handle) (bool, error) {
	switch b.mode {
	case ModeForce, ModeDiscard:
		return true, nil
	default:
		return b.next.CanFlush(ctx, h)
	}
}

func (b *bound) CanFUA(ctx context.Context, h backend.Handle) (backend.Tri, error) {
	switch b.mode {
	case ModeNone:
		return backend.TriNone, nil
	case ModeEmulate:
		return backend.TriEmulate, nil
	case ModeNative, ModeForce, ModeDiscard:
		return backend.TriNative, nil
	default: // ModePass
		return b.next.CanFUA(ctx, h)
	}
}

func (b *bound) Pwrite(ctx context.Context, h backend.Handle, buf []byte, offset uint64, flags backend.Flags) error {
	flags, needFlush := b.adjustFlags(flags)
	if err := b.next.Pwrite(ctx, h, buf, offset, flags); err != nil {
		return err
	}
	if needFlush {
		return b.next.Flush(ctx, h, 0)
	}
	return nil
}

func (b *bound) Zero(ctx context.Context, h backend.Handle, count uint32, offset uint64, flags backend.Flags) error {
	flags, needFlush := b.adjustFlags(flags)
	if err := b.next.Zero(ctx, h, count, offset, flags); err != nil {
		return err
	}
	if needFlush {
		return b.next.Flush(ctx, h, 0)
	}
	return nil
}

func (b *bound) Trim(ctx context.Context, h backend.Handle, count uint32, offset uint64, flags backend.Flags) error {
	flags, needFlush := b.adjustFlags(flags)
	if err := b.next.Trim(ctx, h, count, offset, flags); err != nil {
		return err
	}
	if needFlush {
		return b.next.Flush(ctx, h, 0)
	}
	return nil
}

func (b *bound) Flush(ctx context.Context, h backend.Handle, flags backend.Flags) error {
	switch b.mode {
	case ModeForce, ModeDiscard:
		return nil
	default:
		return b.next.Flush(ctx, h, flags)
	}
}

// adjustFlags rewrites the FUA bit per mode, reporting whether the caller
// must follow up with an explicit Flush to honor an emulated request.
func (b *bound) adjustFlags(flags backend.Flags) (backend.Flags, bool) {
	switch b.mode {
	case ModeEmulate:
		if flags.Has(backend.FlagFUA) {
			return flags &^ backend.FlagFUA, true
		}
		return flags, false
	case ModeForce:
		return flags | backend.FlagFUA, false
	case ModeDiscard:
		return flags &^ backend.FlagFUA, false
	default: // ModeNone, ModeNative, ModePass
		return flags, false
	}
}
