// Package wire defines the NBD on-the-wire constants and fixed-width
// header encodings. All multi-byte fields are big-endian.
package wire

// Magic values.
const (
	NBDMagic           = "NBDMAGIC"
	OldStyleVersion    = uint64(0x0000420281861253)
	NewStyleVersion    = uint64(0x49484156454F5054) // "IHAVEOPT"
	OptionReplyMagic   = uint64(0x0003e889045565a9)
	RequestMagic       = uint32(0x25609513)
	SimpleReplyMagic   = uint32(0x67446698)
	StructReplyMagic   = uint32(0x668e33ef)
)

// Global handshake flags.
const (
	FlagFixedNewstyle uint16 = 1 << 0
	FlagNoZeroes      uint16 = 1 << 1
)

// Client global flags (sent back during newstyle handshake).
const (
	ClientFlagFixedNewstyle uint32 = 1 << 0
	ClientFlagNoZeroes      uint32 = 1 << 1
)

// Per-export flags.
const (
	EFlagHasFlags        uint16 = 1 << 0
	EFlagReadOnly        uint16 = 1 << 1
	EFlagSendFlush       uint16 = 1 << 2
	EFlagSendFUA         uint16 = 1 << 3
	EFlagRotational      uint16 = 1 << 4
	EFlagSendTrim        uint16 = 1 << 5
	EFlagSendWriteZeroes uint16 = 1 << 6
	EFlagSendCache       uint16 = 1 << 7
	EFlagCanMultiConn    uint16 = 1 << 8
)

// NBD options (newstyle handshake only).
const (
	OptExportName      uint32 = 1
	OptAbort           uint32 = 2
	OptList            uint32 = 3
	OptStartTLS        uint32 = 5
	OptInfo            uint32 = 6
	OptGo              uint32 = 7
	OptStructuredReply uint32 = 8
)

// Option reply codes.
const (
	RepAck          uint32 = 1
	RepServer       uint32 = 2
	RepInfo         uint32 = 3
	RepErrUnsup     uint32 = 0x80000001
	RepErrPolicy    uint32 = 0x80000002
	RepErrInvalid   uint32 = 0x80000003
	RepErrPlatform  uint32 = 0x80000004
	RepErrTLSReqd   uint32 = 0x80000005
)

// NBD_INFO_* sub-types of RepInfo.
const (
	InfoExport uint16 = 0
)

// Command (request type) codes.
const (
	CmdRead         uint16 = 0
	CmdWrite        uint16 = 1
	CmdDisc         uint16 = 2
	CmdFlush        uint16 = 3
	CmdTrim         uint16 = 4
	CmdCache        uint16 = 5
	CmdWriteZeroes  uint16 = 6
	CmdBlockStatus  uint16 = 7
)

// Command flags.
const (
	CmdFlagFUA      uint16 = 1 << 0
	CmdFlagNoHole   uint16 = 1 << 1
	CmdFlagReqOne   uint16 = 1 << 3
	CmdFlagFastZero uint16 = 1 << 4
)

// NBD wire error codes.
const (
	Success   uint32 = 0
	EPERM     uint32 = 1
	EIO       uint32 = 5
	ENOMEM    uint32 = 12
	EINVAL    uint32 = 22
	ENOSPC    uint32 = 28
	EOVERFLOW uint32 = 75
	ENOTSUP   uint32 = 95
	ESHUTDOWN uint32 = 108
)

// Structured reply flags and chunk types.
const (
	ReplyFlagDone uint16 = 1 << 0

	ReplyTypeNone         uint16 = 0
	ReplyTypeOffsetData   uint16 = 1
	ReplyTypeOffsetHole   uint16 = 2
	ReplyTypeBlockStatus  uint16 = 3
	ReplyTypeError        uint16 = (1 << 15) + 1
	ReplyTypeErrorOffset  uint16 = (1 << 15) + 2
)

// Extent type bits (block-status).
const (
	ExtentHole uint32 = 1 << 0
	ExtentZero uint32 = 1 << 1
)

// OldStyleHandshakeLen is the exact number of bytes the server sends
// before the first request in oldstyle mode:
// magic(8) + version(8) + exportsize(8) + gflags(2) + eflags(2) + zeroes(124).
const OldStyleHandshakeLen = 8 + 8 + 8 + 2 + 2 + 124
