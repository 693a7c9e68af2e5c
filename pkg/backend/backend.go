// Package backend defines the layer contract every element of the
// filter-chain/plugin stack implements: the uniform operation vocabulary,
// the per-connection handle convention, and the thread-model/flags/
// tri-state types layers negotiate over.
package backend

import "context"

// Handle is the opaque per-connection value a layer's Open returns and
// Close consumes. Layers never inspect another layer's handle contents.
type Handle any

// noHandle is the concrete type behind NoHandle.
type noHandle struct{}

// NoHandle is the shared sentinel a layer returns from Open when it has
// no per-connection state of its own, mirroring nbdkit's
// NBDKIT_HANDLE_NOT_NEEDED.
var NoHandle Handle = &noHandle{}

// Flags is the bitset passed to data operations.
type Flags uint32

const (
	FlagMayTrim Flags = 1 << iota
	FlagFUA
	FlagRequestOne
	FlagFastZero
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// ThreadModel is the maximum concurrency a layer supports, ordered from
// least to most concurrent so "minimum" selection is a plain integer
// comparison.
type ThreadModel int

const (
	ThreadModelSerializeConnections ThreadModel = iota
	ThreadModelSerializeAllRequests
	ThreadModelSerializeRequests
	ThreadModelParallel
)

func (m ThreadModel) String() string {
	switch m {
	case ThreadModelSerializeConnections:
		return "SERIALIZE_CONNECTIONS"
	case ThreadModelSerializeAllRequests:
		return "SERIALIZE_ALL_REQUESTS"
	case ThreadModelSerializeRequests:
		return "SERIALIZE_REQUESTS"
	case ThreadModelParallel:
		return "PARALLEL"
	default:
		return "UNKNOWN"
	}
}

// Tri is a tri-state capability (none/emulate/native), used for FUA and
// cache support.
type Tri int

const (
	TriNone Tri = iota
	TriEmulate
	TriNative
)

// BlockSize is the (minimum, preferred, maximum) triple. Invariants:
// 1 <= min <= 65536 and a power of 2; 512 <= pref <= 32MiB and a power of
// 2; min <= pref <= max; max <= 2^32-1.
type BlockSize struct {
	Minimum   uint32
	Preferred uint32
	Maximum   uint32
}

// Capabilities is the negotiated, per-connection capability set cached
// after the first successful negotiation.
type Capabilities struct {
	Writable    bool
	Flush       bool
	Rotational  bool
	Trim        bool
	Zero        bool
	FastZero    bool
	FUA         Tri
	MultiConn   bool
	Extents     bool
	Cache       Tri
	Block       BlockSize
	Size        uint64
	Description string
}

// Extent is one contiguous run of uniform allocation status returned by
// an extents/block-status call.
type Extent struct {
	Offset uint64
	Length uint64
	Type   uint32 // bitwise OR of ExtentHole/ExtentZero (see internal/wire)
}

// Extent type bits, with the same values as wire.ExtentHole and
// wire.ExtentZero.
const (
	ExtentHole uint32 = 1 << 0
	ExtentZero uint32 = 1 << 1
)

// ExtentList is the append-only accumulator a plugin/filter fills during
// one Extents call. It enforces non-decreasing, non-overlapping, gap-free
// offsets, and that the first entry starts at the requested offset.
type ExtentList struct {
	start   uint64
	entries []Extent
}

// NewExtentList creates an accumulator for a request starting at
// requestOffset; Add's first call must supply that offset.
func NewExtentList(requestOffset uint64) *ExtentList {
	return &ExtentList{start: requestOffset}
}

// Add appends one extent, enforcing the accumulator invariants. Returns
// an error if the extent would violate ordering/gap/overlap/start rules.
func (l *ExtentList) Add(offset, length uint64, typeBits uint32) error {
	if len(l.entries) == 0 {
		if offset != l.start {
			return errFirstOffset
		}
	} else {
		last := l.entries[len(l.entries)-1]
		if offset != last.Offset+last.Length {
			return errGapOrOverlap
		}
	}
	l.entries = append(l.entries, Extent{Offset: offset, Length: length, Type: typeBits})
	return nil
}

// Reset clears the accumulator for a retry or nested sub-call, re-basing
// it at a new requested offset.
func (l *ExtentList) Reset(requestOffset uint64) {
	l.start = requestOffset
	l.entries = l.entries[:0]
}

// Entries returns the accumulated extents in order.
func (l *ExtentList) Entries() []Extent {
	return l.entries
}

// TrimToFirst discards every extent but the first, implementing the
// REQ_ONE command flag.
func (l *ExtentList) TrimToFirst() {
	if len(l.entries) > 1 {
		l.entries = l.entries[:1]
	}
}

// CoveredLength returns the total length accumulated so far.
func (l *ExtentList) CoveredLength() uint64 {
	var total uint64
	for _, e := range l.entries {
		total += e.Length
	}
	return total
}

// Export names a disk image a plugin can offer.
type Export struct {
	Name        string
	Description string
}

// ExportList is the ordered, append-only accumulator ListExports fills.
type ExportList struct {
	entries []Export
}

func (l *ExportList) Add(name, description string) {
	l.entries = append(l.entries, Export{Name: name, Description: description})
}

func (l *ExportList) Entries() []Export { return l.entries }

// extent-list invariant errors; kept unexported since callers only need
// to know Add failed, not which rule fired (the request loop answers any
// accumulator error with EIO, like any other downstream failure, and keeps
// serving the connection).
var (
	errFirstOffset  = extentErr("first extent offset must equal the request offset")
	errGapOrOverlap = extentErr("extent is not contiguous with the previous one")
)

type extentErr string

func (e extentErr) Error() string { return string(e) }

// Env is the "engine handle" a layer receives at Load: the set of
// callbacks into the engine that plugins/filters historically reached via
// cyclic back-references. It is constructed once per layer at
// chain-build time, never looked up globally.
type Env interface {
	// Errorf records a structured error against the engine's connection
	// log (nbdkit_error).
	Errorf(format string, args ...any)
	// Debugf records a structured debug line (nbdkit_debug).
	Debugf(format string, args ...any)
	// Disconnect requests the engine close the current connection after
	// the in-flight operation returns.
	Disconnect()
	// Shutdown requests the engine begin process-wide graceful shutdown.
	Shutdown()
	// ParseSize parses a human size string ("1G", "512M", ...).
	ParseSize(s string) (int64, error)
	// PeerName returns the remote address of the current connection.
	PeerName() string
}

// Plugin is the terminal layer of the stack: it has no next layer and
// must define at least Open, GetSize, and Pread. Every method has a
// zero-value-safe default via BasePlugin so concrete plugins only
// implement what they support.
type Plugin interface {
	Layer
	// IsPlugin is a marker distinguishing Plugin from Filter at chain
	// construction time (Go has no native sum type for this).
	IsPlugin()
}

// Filter is a non-terminal layer that receives a Next bound to the layer
// below it at chain-construction time.
type Filter interface {
	Layer
	// Bind returns a BoundFilter wired to next. Bind is called once at
	// chain build time (process startup); the BoundFilter keeps next for
	// its whole lifetime, while the Filter value itself holds no
	// reference to it, so the chain stays immutable at serving time.
	Bind(next Next) BoundFilter
}

// BoundFilter is a Filter already wired to the layer below it. The
// request loop and chain builder only ever call through this interface.
type BoundFilter interface {
	Layer
}

// Layer is the operation vocabulary common to plugins and bound filters.
// Every method except Name, the process-wide lifecycle hooks (Load,
// Unload, GetReady, Cleanup), Close and ThreadModel takes a ctx for
// cancellation-observability during
// long-running callbacks; the engine never cancels a call, it only
// observes ctx.Done() between requests.
type Layer interface {
	Name() string

	Load(env Env) error
	Unload()
	GetReady() error
	Cleanup()
	Preconnect(ctx context.Context, readonly bool) error
	ListExports(ctx context.Context, readonly, isTLS bool, out *ExportList) error
	DefaultExport(ctx context.Context, readonly, isTLS bool) (string, error)

	Open(ctx context.Context, readonly bool, exportName string, isTLS bool) (Handle, error)
	Close(h Handle)
	Prepare(ctx context.Context, h Handle, readonly bool) error
	Finalize(ctx context.Context, h Handle) error

	GetSize(ctx context.Context, h Handle) (uint64, error)
	BlockSize(ctx context.Context, h Handle) (BlockSize, error)
	CanWrite(ctx context.Context, h Handle) (bool, error)
	CanFlush(ctx context.Context, h Handle) (bool, error)
	IsRotational(ctx context.Context, h Handle) (bool, error)
	CanTrim(ctx context.Context, h Handle) (bool, error)
	CanZero(ctx context.Context, h Handle) (bool, error)
	CanFastZero(ctx context.Context, h Handle) (bool, error)
	CanFUA(ctx context.Context, h Handle) (Tri, error)
	CanMultiConn(ctx context.Context, h Handle) (bool, error)
	CanExtents(ctx context.Context, h Handle) (bool, error)
	CanCache(ctx context.Context, h Handle) (Tri, error)
	ExportDescription(ctx context.Context, h Handle) (string, error)

	Pread(ctx context.Context, h Handle, buf []byte, offset uint64, flags Flags) error
	Pwrite(ctx context.Context, h Handle, buf []byte, offset uint64, flags Flags) error
	Zero(ctx context.Context, h Handle, count uint32, offset uint64, flags Flags) error
	Trim(ctx context.Context, h Handle, count uint32, offset uint64, flags Flags) error
	Flush(ctx context.Context, h Handle, flags Flags) error
	Extents(ctx context.Context, h Handle, count uint32, offset uint64, flags Flags, out *ExtentList) error
	Cache(ctx context.Context, h Handle, count uint32, offset uint64, flags Flags) error

	ThreadModel() ThreadModel
}

// Next is what a bound filter calls to descend one layer: it is exactly
// Layer plus Reopen, which the engine exposes for the retry filter
// discipline.
type Next interface {
	Layer
	// Reopen calls Open at the layer below and returns the new handle.
	// It is not given the previous handle, so it does not Close it, and
	// it takes no lock against requests in flight at this layer. The
	// filters above keep their handles; only this Next's own handle
	// changes.
	Reopen(ctx context.Context, readonly bool, exportName string, isTLS bool) (Handle, error)
}
