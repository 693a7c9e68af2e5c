// Package capability implements the per-connection negotiation algorithm:
// reconciling every layer's introspection callbacks into one cached
// Capabilities value, queried at most once per connection.
package capability

import (
	"context"
	"fmt"

	"github.com/marmos91/nbdserve/pkg/backend"
)

// Resolve queries top (the chain's topmost layer, already Open'd for this
// connection) and combines its answers into a Capabilities value. readonly
// is the connection's effective read-only flag (client request OR'd with
// plugin/filter read-only policy upstream of this call).
//
// Resolve is called exactly once per connection, immediately after every
// layer has Open'd successfully; its result is meant to be cached by the
// caller and never recomputed during request dispatch.
func Resolve(ctx context.Context, top backend.Layer, h backend.Handle, readonly bool) (backend.Capabilities, error) {
	size, err := top.GetSize(ctx, h)
	if err != nil {
		return backend.Capabilities{}, fmt.Errorf("capability: get_size: %w", err)
	}

	block, err := top.BlockSize(ctx, h)
	if err != nil {
		return backend.Capabilities{}, fmt.Errorf("capability: block_size: %w", err)
	}
	if err := validateBlockSize(block); err != nil {
		return backend.Capabilities{}, fmt.Errorf("capability: %w", err)
	}

	writable, err := top.CanWrite(ctx, h)
	if err != nil {
		return backend.Capabilities{}, fmt.Errorf("capability: can_write: %w", err)
	}
	if readonly {
		writable = false
	}

	flush, err := top.CanFlush(ctx, h)
	if err != nil {
		return backend.Capabilities{}, fmt.Errorf("capability: can_flush: %w", err)
	}
	rotational, err := top.IsRotational(ctx, h)
	if err != nil {
		return backend.Capabilities{}, fmt.Errorf("capability: is_rotational: %w", err)
	}
	trim, err := top.CanTrim(ctx, h)
	if err != nil {
		return backend.Capabilities{}, fmt.Errorf("capability: can_trim: %w", err)
	}
	zero, err := top.CanZero(ctx, h)
	if err != nil {
		return backend.Capabilities{}, fmt.Errorf("capability: can_zero: %w", err)
	}
	fastZero, err := top.CanFastZero(ctx, h)
	if err != nil {
		return backend.Capabilities{}, fmt.Errorf("capability: can_fast_zero: %w", err)
	}
	multiConn, err := top.CanMultiConn(ctx, h)
	if err != nil {
		return backend.Capabilities{}, fmt.Errorf("capability: can_multi_conn: %w", err)
	}
	extents, err := top.CanExtents(ctx, h)
	if err != nil {
		return backend.Capabilities{}, fmt.Errorf("capability: can_extents: %w", err)
	}
	fua, err := top.CanFUA(ctx, h)
	if err != nil {
		return backend.Capabilities{}, fmt.Errorf("capability: can_fua: %w", err)
	}
	cache, err := top.CanCache(ctx, h)
	if err != nil {
		return backend.Capabilities{}, fmt.Errorf("capability: can_cache: %w", err)
	}
	description, err := top.ExportDescription(ctx, h)
	if err != nil {
		return backend.Capabilities{}, fmt.Errorf("capability: export_description: %w", err)
	}

	// fast_zero only makes sense if zero itself is offered; a filter that
	// reports fast_zero=true without zero=true is an engine invariant
	// violation the resolver refuses outright rather than serve to a client.
	if fastZero && !zero {
		return backend.Capabilities{}, fmt.Errorf("capability: fast_zero asserted without zero")
	}

	return backend.Capabilities{
		Writable:    writable,
		Flush:       flush,
		Rotational:  rotational,
		Trim:        trim,
		Zero:        zero,
		FastZero:    fastZero,
		FUA:         fua,
		MultiConn:   multiConn,
		Extents:     extents,
		Cache:       cache,
		Block:       block,
		Size:        size,
		Description: description,
	}, nil
}

func isPowerOfTwo(v uint32) bool { return v != 0 && v&(v-1) == 0 }

// validateBlockSize enforces: 1 <= min <= 65536 and a power of 2;
// 512 <= pref <= 32MiB and a power of 2; min <= pref <= max (max <= 2^32-1
// is automatic since Maximum is a uint32). Each comparison is written out
// long-form rather than combined so the ordering stays unambiguous.
func validateBlockSize(b backend.BlockSize) error {
	if b.Minimum < 1 || b.Minimum > 65536 {
		return fmt.Errorf("minimum block size %d out of range [1,65536]", b.Minimum)
	}
	if !isPowerOfTwo(b.Minimum) {
		return fmt.Errorf("minimum block size %d is not a power of 2", b.Minimum)
	}
	if b.Preferred < 512 || b.Preferred > 32*1024*1024 {
		return fmt.Errorf("preferred block size %d out of range [512,32MiB]", b.Preferred)
	}
	if !isPowerOfTwo(b.Preferred) {
		return fmt.Errorf("preferred block size %d is not a power of 2", b.Preferred)
	}
	if b.Minimum > b.Preferred {
		return fmt.Errorf("minimum block size %d exceeds preferred %d", b.Minimum, b.Preferred)
	}
	if b.Preferred > b.Maximum {
		return fmt.Errorf("preferred block size %d exceeds maximum %d", b.Preferred, b.Maximum)
	}
	return nil
}
