package backend

import (
	"context"

	"github.com/marmos91/nbdserve/pkg/errors"
)

// BasePlugin gives a concrete Plugin sane defaults for every operation it
// doesn't implement. A plugin embeds BasePlugin and overrides only the
// methods it supports.
//
// Go has no equivalent of a null function pointer to detect "the plugin
// implemented Pwrite", so unlike the C original, CanWrite here defaults to
// false; a plugin that overrides Pwrite must also override CanWrite to
// return true (every reference plugin in this repo does both together).
type BasePlugin struct{}

func (BasePlugin) IsPlugin() {}

func (BasePlugin) Load(Env) error { return nil }
func (BasePlugin) Unload()        {}
func (BasePlugin) GetReady() error { return nil }
func (BasePlugin) Cleanup()        {}
func (BasePlugin) Preconnect(ctx context.Context, readonly bool) error { return nil }
func (BasePlugin) ListExports(ctx context.Context, readonly, isTLS bool, out *ExportList) error {
	return nil
}
func (BasePlugin) DefaultExport(ctx context.Context, readonly, isTLS bool) (string, error) {
	return "", nil
}

func (BasePlugin) Open(ctx context.Context, readonly bool, exportName string, isTLS bool) (Handle, error) {
	return nil, errors.New(errors.KindFatal, 0, "plugin does not implement Open")
}
func (BasePlugin) Close(Handle)     {}
func (BasePlugin) Prepare(ctx context.Context, h Handle, readonly bool) error  { return nil }
func (BasePlugin) Finalize(ctx context.Context, h Handle) error                { return nil }

func (BasePlugin) GetSize(ctx context.Context, h Handle) (uint64, error) {
	return 0, errors.New(errors.KindFatal, 0, "plugin does not implement GetSize")
}
func (BasePlugin) BlockSize(ctx context.Context, h Handle) (BlockSize, error) {
	return BlockSize{Minimum: 1, Preferred: 4096, Maximum: 0xFFFFFFFF}, nil
}
func (BasePlugin) CanWrite(ctx context.Context, h Handle) (bool, error)      { return false, nil }
func (BasePlugin) CanFlush(ctx context.Context, h Handle) (bool, error)      { return false, nil }
func (BasePlugin) IsRotational(ctx context.Context, h Handle) (bool, error)  { return false, nil }
func (BasePlugin) CanTrim(ctx context.Context, h Handle) (bool, error)       { return false, nil }
func (BasePlugin) CanZero(ctx context.Context, h Handle) (bool, error)       { return false, nil }
func (BasePlugin) CanFastZero(ctx context.Context, h Handle) (bool, error)   { return false, nil }
func (BasePlugin) CanFUA(ctx context.Context, h Handle) (Tri, error)         { return TriNone, nil }
func (BasePlugin) CanMultiConn(ctx context.Context, h Handle) (bool, error)  { return false, nil }
func (BasePlugin) CanExtents(ctx context.Context, h Handle) (bool, error)    { return false, nil }
func (BasePlugin) CanCache(ctx context.Context, h Handle) (Tri, error)       { return TriNone, nil }
func (BasePlugin) ExportDescription(ctx context.Context, h Handle) (string, error) {
	return "", nil
}

func (BasePlugin) Pread(ctx context.Context, h Handle, buf []byte, offset uint64, flags Flags) error {
	return errors.New(errors.KindFatal, 0, "plugin does not implement Pread")
}
func notSupported(op string) error {
	return errors.New(errors.KindDownstream, 0, op+" not supported")
}
func (BasePlugin) Pwrite(ctx context.Context, h Handle, buf []byte, offset uint64, flags Flags) error {
	return notSupported("pwrite")
}
func (BasePlugin) Zero(ctx context.Context, h Handle, count uint32, offset uint64, flags Flags) error {
	return notSupported("zero")
}
func (BasePlugin) Trim(ctx context.Context, h Handle, count uint32, offset uint64, flags Flags) error {
	return notSupported("trim")
}
func (BasePlugin) Flush(ctx context.Context, h Handle, flags Flags) error {
	return notSupported("flush")
}
func (BasePlugin) Extents(ctx context.Context, h Handle, count uint32, offset uint64, flags Flags, out *ExtentList) error {
	return notSupported("extents")
}
func (BasePlugin) Cache(ctx context.Context, h Handle, count uint32, offset uint64, flags Flags) error {
	return notSupported("cache")
}

func (BasePlugin) ThreadModel() ThreadModel { return ThreadModelSerializeAllRequests }

// Passthrough is embedded by a BoundFilter implementation to get a
// pass-through default for every operation; the concrete filter then
// overrides only the methods it wants to intercept or decorate. Next is
// set once at Bind time and never mutated afterwards (the chain is
// immutable at serving time).
type Passthrough struct {
	Next Next
}

func (p Passthrough) Name() string { return p.Next.Name() }

// Load, Unload, GetReady and Cleanup are process-global, once-per-process
// hooks: Chain.LoadAll/UnloadAll/GetReadyAll/CleanupAll already walk every
// layer in the chain directly, so forwarding them here as well would run
// each one once per filter stacked above a layer instead of once. A
// BoundFilter wanting its own setup/teardown overrides these explicitly;
// the no-op default leaves Next's hook to Chain's own walk.
func (p Passthrough) Load(Env) error  { return nil }
func (p Passthrough) Unload()         {}
func (p Passthrough) GetReady() error { return nil }
func (p Passthrough) Cleanup()        {}
func (p Passthrough) Preconnect(ctx context.Context, readonly bool) error {
	return p.Next.Preconnect(ctx, readonly)
}
func (p Passthrough) ListExports(ctx context.Context, readonly, isTLS bool, out *ExportList) error {
	return p.Next.ListExports(ctx, readonly, isTLS, out)
}
func (p Passthrough) DefaultExport(ctx context.Context, readonly, isTLS bool) (string, error) {
	return p.Next.DefaultExport(ctx, readonly, isTLS)
}
func (p Passthrough) Open(ctx context.Context, readonly bool, exportName string, isTLS bool) (Handle, error) {
	return p.Next.Open(ctx, readonly, exportName, isTLS)
}
func (p Passthrough) Close(h Handle) { p.Next.Close(h) }
func (p Passthrough) Prepare(ctx context.Context, h Handle, readonly bool) error {
	return p.Next.Prepare(ctx, h, readonly)
}
func (p Passthrough) Finalize(ctx context.Context, h Handle) error {
	return p.Next.Finalize(ctx, h)
}
func (p Passthrough) GetSize(ctx context.Context, h Handle) (uint64, error) {
	return p.Next.GetSize(ctx, h)
}
func (p Passthrough) BlockSize(ctx context.Context, h Handle) (BlockSize, error) {
	return p.Next.BlockSize(ctx, h)
}
func (p Passthrough) CanWrite(ctx context.Context, h Handle) (bool, error) {
	return p.Next.CanWrite(ctx, h)
}
func (p Passthrough) CanFlush(ctx context.Context, h Handle) (bool, error) {
	return p.Next.CanFlush(ctx, h)
}
func (p Passthrough) IsRotational(ctx context.Context, h Handle) (bool, error) {
	return p.Next.IsRotational(ctx, h)
}
func (p Passthrough) CanTrim(ctx context.Context, h Handle) (bool, error) {
	return p.Next.CanTrim(ctx, h)
}
func (p Passthrough) CanZero(ctx context.Context, h Handle) (bool, error) {
	return p.Next.CanZero(ctx, h)
}
func (p Passthrough) CanFastZero(ctx context.Context, h Handle) (bool, error) {
	return p.Next.CanFastZero(ctx, h)
}
func (p Passthrough) CanFUA(ctx context.Context, h Handle) (Tri, error) {
	return p.Next.CanFUA(ctx, h)
}
func (p Passthrough) CanMultiConn(ctx context.Context, h Handle) (bool, error) {
	return p.Next.CanMultiConn(ctx, h)
}
func (p Passthrough) CanExtents(ctx context.Context, h Handle) (bool, error) {
	return p.Next.CanExtents(ctx, h)
}
func (p Passthrough) CanCache(ctx context.Context, h Handle) (Tri, error) {
	return p.Next.CanCache(ctx, h)
}
func (p Passthrough) ExportDescription(ctx context.Context, h Handle) (string, error) {
	return p.Next.ExportDescription(ctx, h)
}
func (p Passthrough) Pread(ctx context.Context, h Handle, buf []byte, offset uint64, flags Flags) error {
	return p.Next.Pread(ctx, h, buf, offset, flags)
}
func (p Passthrough) Pwrite(ctx context.Context, h Handle, buf []byte, offset uint64, flags Flags) error {
	return p.Next.Pwrite(ctx, h, buf, offset, flags)
}
func (p Passthrough) Zero(ctx context.Context, h Handle, count uint32, offset uint64, flags Flags) error {
	return p.Next.Zero(ctx, h, count, offset, flags)
}
func (p Passthrough) Trim(ctx context.Context, h Handle, count uint32, offset uint64, flags Flags) error {
	return p.Next.Trim(ctx, h, count, offset, flags)
}
func (p Passthrough) Flush(ctx context.Context, h Handle, flags Flags) error {
	return p.Next.Flush(ctx, h, flags)
}
func (p Passthrough) Extents(ctx context.Context, h Handle, count uint32, offset uint64, flags Flags, out *ExtentList) error {
	return p.Next.Extents(ctx, h, count, offset, flags, out)
}
func (p Passthrough) Cache(ctx context.Context, h Handle, count uint32, offset uint64, flags Flags) error {
	return p.Next.Cache(ctx, h, count, offset, flags)
}
func (p Passthrough) ThreadModel() ThreadModel { return p.Next.ThreadModel() }
