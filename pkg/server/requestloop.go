package server

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/marmos91/nbdserve/internal/logger"
	"github.com/marmos91/nbdserve/internal/wire"
	"github.com/marmos91/nbdserve/pkg/backend"
	"github.com/marmos91/nbdserve/pkg/backend/emulate"
	nbderrors "github.com/marmos91/nbdserve/pkg/errors"
	"github.com/marmos91/nbdserve/pkg/metrics"
)

// allowedFlags is the permitted command-flag subset per command type; a
// request with a flag bit outside this set fails validation with EINVAL
// before dispatch.
var allowedFlags = map[uint16]uint16{
	wire.CmdRead:        wire.CmdFlagReqOne, // REQ_ONE is meaningless here but harmless; real use is block_status
	wire.CmdWrite:       wire.CmdFlagFUA,
	wire.CmdDisc:        0,
	wire.CmdFlush:       0,
	wire.CmdTrim:        wire.CmdFlagFUA,
	wire.CmdCache:       0,
	wire.CmdWriteZeroes: wire.CmdFlagFUA | wire.CmdFlagNoHole | wire.CmdFlagFastZero,
	wire.CmdBlockStatus: wire.CmdFlagReqOne,
}

func commandName(cmd uint16) string {
	switch cmd {
	case wire.CmdRead:
		return "read"
	case wire.CmdWrite:
		return "write"
	case wire.CmdDisc:
		return "disconnect"
	case wire.CmdFlush:
		return "flush"
	case wire.CmdTrim:
		return "trim"
	case wire.CmdCache:
		return "cache"
	case wire.CmdWriteZeroes:
		return "write_zeroes"
	case wire.CmdBlockStatus:
		return "block_status"
	default:
		return "unknown"
	}
}

// runRequestLoop reads requests until DISC or a transport/fatal error,
// dispatching each through the connection's gate per its thread model.
func runRequestLoop(ctx context.Context, c *connection, cfg Config) error {
	reply := replyWriter{w: c.rw, structured: c.structured}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := wire.ReadRequest(c.rw)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if req.Type == wire.CmdDisc {
			return nil
		}

		start := time.Now()
		cmd := commandName(req.Type)
		metrics.RequestStarted(c.metric, cmd)

		var dispatchErr error
		gateErr := c.gate.Dispatch(c.id, func() error {
			dispatchErr = dispatch(ctx, c, cfg, reply, req)
			return nil
		})
		if gateErr != nil {
			return gateErr
		}

		code := uint32(0)
		var opErr *nbderrors.OpError
		if dispatchErr != nil {
			if nbderrors.As(dispatchErr, &opErr) {
				code = opErr.Code
				if opErr.Kind == nbderrors.KindWireProtocol || opErr.Kind == nbderrors.KindTransport || opErr.Kind == nbderrors.KindFatal {
					logger.Error("request failed fatally", logger.ConnectionID(c.id), logger.Op(cmd), logger.ErrAttr(dispatchErr))
					return dispatchErr
				}
			} else {
				logger.Error("request failed with transport error", logger.ConnectionID(c.id), logger.Op(cmd), logger.ErrAttr(dispatchErr))
				return dispatchErr
			}
		}

		metrics.RequestCompleted(c.metric, cmd, time.Since(start), code)
		if req.Type == wire.CmdRead {
			metrics.BytesTransferred(c.metric, cmd, int64(req.Count))
		} else if req.Type == wire.CmdWrite {
			metrics.BytesTransferred(c.metric, cmd, int64(req.Count))
		}

		if code != 0 {
			if err := writeErrorReply(reply, c.structured, req.Cookie, code, opErr); err != nil {
				return err
			}
		}
	}
}

func writeErrorReply(reply replyWriter, structured bool, cookie uint64, code uint32, opErr *nbderrors.OpError) error {
	msg := ""
	if opErr != nil {
		msg = opErr.Message
	}
	if structured {
		return reply.structuredError(cookie, code, msg)
	}
	return reply.simpleError(cookie, code)
}

// dispatch validates one request per the precedence table, performs any
// required engine-side emulation, calls into the backend chain, and
// writes the success reply. Any returned error is an *errors.OpError
// unless it's a transport/fatal failure.
func dispatch(ctx context.Context, c *connection, cfg Config, reply replyWriter, req wire.Request) error {
	allowed, known := allowedFlags[req.Type]
	if !known {
		return nbderrors.UnknownCommand()
	}
	if req.Flags&^allowed != 0 {
		return nbderrors.FlagNotAllowed()
	}

	caps := c.capabilities()

	switch req.Type {
	case wire.CmdRead:
		return dispatchRead(ctx, c, cfg, reply, req, caps)
	case wire.CmdWrite:
		return dispatchWrite(ctx, c, cfg, reply, req, caps)
	case wire.CmdFlush:
		return dispatchFlush(ctx, c, reply, req, caps)
	case wire.CmdTrim:
		return dispatchTrim(ctx, c, reply, req, caps)
	case wire.CmdWriteZeroes:
		return dispatchZero(ctx, c, reply, req, caps)
	case wire.CmdCache:
		return dispatchCache(ctx, c, reply, req, caps)
	case wire.CmdBlockStatus:
		return dispatchBlockStatus(ctx, c, reply, req, caps)
	default:
		return nbderrors.UnknownCommand()
	}
}

func checkRange(offset uint64, count uint64, size uint64, writeLike bool) error {
	if offset > size || count > size-offset {
		if writeLike {
			return nbderrors.RangeExceedsSizeWrite()
		}
		return nbderrors.RangeExceedsSizeRead()
	}
	return nil
}

func checkFUA(flags uint16, caps backend.Capabilities) error {
	if flags&wire.CmdFlagFUA != 0 && caps.FUA == backend.TriNone {
		return nbderrors.FUAUnsupported()
	}
	return nil
}

func toBackendFlags(wireFlags uint16) backend.Flags {
	var f backend.Flags
	if wireFlags&wire.CmdFlagFUA != 0 {
		f |= backend.FlagFUA
	}
	if wireFlags&wire.CmdFlagNoHole == 0 {
		f |= backend.FlagMayTrim
	}
	if wireFlags&wire.CmdFlagReqOne != 0 {
		f |= backend.FlagRequestOne
	}
	if wireFlags&wire.CmdFlagFastZero != 0 {
		f |= backend.FlagFastZero
	}
	return f
}

func dispatchRead(ctx context.Context, c *connection, cfg Config, reply replyWriter, req wire.Request, caps backend.Capabilities) error {
	if req.Count == 0 {
		return nbderrors.ZeroCount()
	}
	if err := checkRange(req.Offset, uint64(req.Count), caps.Size, false); err != nil {
		return err
	}
	if cfg.MaxPayloadBytes > 0 && req.Count > cfg.MaxPayloadBytes {
		return nbderrors.PayloadTooLarge()
	}

	buf := make([]byte, req.Count)
	if err := c.top.Pread(ctx, c.chain, buf, req.Offset, toBackendFlags(req.Flags)); err != nil {
		return nbderrors.FromDownstream(err)
	}
	if c.structured {
		return reply.structuredRead(req.Cookie, req.Offset, buf)
	}
	return reply.simpleOK(req.Cookie, buf)
}

func dispatchWrite(ctx context.Context, c *connection, cfg Config, reply replyWriter, req wire.Request, caps backend.Capabilities) error {
	// A write's payload is already pipelined behind its header by the time
	// any of the checks below run. Every rejection past this point replies
	// and keeps serving the connection, so the payload must be drained
	// first or the next ReadRequest parses it as a header and the stream
	// desyncs. The one exception is an oversized count: reading that many
	// attacker-controlled bytes before rejecting it is the resource
	// exhaustion MaxPayloadBytes exists to prevent, so that case closes
	// the connection instead of draining.
	if cfg.MaxPayloadBytes > 0 && req.Count > cfg.MaxPayloadBytes {
		return nbderrors.PayloadTooLarge()
	}

	buf := make([]byte, req.Count)
	if req.Count > 0 {
		if _, err := io.ReadFull(c.rw, buf); err != nil {
			return err
		}
	}

	if !caps.Writable {
		return nbderrors.ReadOnly()
	}
	if req.Count == 0 {
		return nbderrors.ZeroCount()
	}
	if err := checkRange(req.Offset, uint64(req.Count), caps.Size, true); err != nil {
		return err
	}
	if err := checkFUA(req.Flags, caps); err != nil {
		return err
	}

	flags := toBackendFlags(req.Flags)
	var err error
	if flags.Has(backend.FlagFUA) && caps.FUA == backend.TriEmulate {
		err = emulate.FUA(ctx, c.top, c.chain, func(f backend.Flags) error {
			return c.top.Pwrite(ctx, c.chain, buf, req.Offset, f)
		}, flags)
	} else {
		err = c.top.Pwrite(ctx, c.chain, buf, req.Offset, flags)
	}
	if err != nil {
		return nbderrors.FromDownstream(err)
	}
	return okReply(reply, c.structured, req.Cookie)
}

func dispatchFlush(ctx context.Context, c *connection, reply replyWriter, req wire.Request, caps backend.Capabilities) error {
	if !caps.Flush {
		return nbderrors.New(nbderrors.KindCapability, wire.ENOTSUP, "flush not supported")
	}
	if err := c.top.Flush(ctx, c.chain, 0); err != nil {
		return nbderrors.FromDownstream(err)
	}
	return okReply(reply, c.structured, req.Cookie)
}

func dispatchTrim(ctx context.Context, c *connection, reply replyWriter, req wire.Request, caps backend.Capabilities) error {
	if !caps.Writable {
		return nbderrors.ReadOnly()
	}
	if req.Count == 0 {
		return nbderrors.ZeroCount()
	}
	if err := checkRange(req.Offset, uint64(req.Count), caps.Size, true); err != nil {
		return err
	}
	if err := checkFUA(req.Flags, caps); err != nil {
		return err
	}
	if !caps.Trim {
		// Trim is always advisory; a connection that never negotiated it
		// simply treats the request as a no-op success rather than an error.
		return okReply(reply, c.structured, req.Cookie)
	}
	if err := c.top.Trim(ctx, c.chain, req.Count, req.Offset, toBackendFlags(req.Flags)); err != nil {
		return nbderrors.FromDownstream(err)
	}
	return okReply(reply, c.structured, req.Cookie)
}

func dispatchZero(ctx context.Context, c *connection, reply replyWriter, req wire.Request, caps backend.Capabilities) error {
	if !caps.Writable {
		return nbderrors.ReadOnly()
	}
	if req.Count == 0 {
		return nbderrors.ZeroCount()
	}
	if err := checkRange(req.Offset, uint64(req.Count), caps.Size, true); err != nil {
		return err
	}
	if req.Flags&wire.CmdFlagFastZero != 0 && !caps.FastZero {
		return nbderrors.FastZeroUnsupported()
	}
	if err := checkFUA(req.Flags, caps); err != nil {
		return err
	}

	flags := toBackendFlags(req.Flags)
	var err error
	if !caps.Zero {
		err = emulate.Zero(ctx, c.top, c.chain, req.Count, req.Offset, flags)
	} else if flags.Has(backend.FlagFUA) && caps.FUA == backend.TriEmulate {
		err = emulate.FUA(ctx, c.top, c.chain, func(f backend.Flags) error {
			return c.top.Zero(ctx, c.chain, req.Count, req.Offset, f)
		}, flags)
	} else {
		err = c.top.Zero(ctx, c.chain, req.Count, req.Offset, flags)
	}
	if err != nil {
		return nbderrors.FromDownstream(err)
	}
	return okReply(reply, c.structured, req.Cookie)
}

func dispatchCache(ctx context.Context, c *connection, reply replyWriter, req wire.Request, caps backend.Capabilities) error {
	if req.Count == 0 {
		return nbderrors.ZeroCount()
	}
	if err := checkRange(req.Offset, uint64(req.Count), caps.Size, false); err != nil {
		return err
	}
	var err error
	if caps.Cache == backend.TriNone {
		err = emulate.Cache(ctx, c.top, c.chain, req.Count, req.Offset, toBackendFlags(req.Flags))
	} else {
		err = c.top.Cache(ctx, c.chain, req.Count, req.Offset, toBackendFlags(req.Flags))
	}
	if err != nil {
		return nbderrors.FromDownstream(err)
	}
	return okReply(reply, c.structured, req.Cookie)
}

func dispatchBlockStatus(ctx context.Context, c *connection, reply replyWriter, req wire.Request, caps backend.Capabilities) error {
	if !caps.Extents {
		return nbderrors.New(nbderrors.KindCapability, wire.ENOTSUP, "block status not supported")
	}
	if req.Count == 0 {
		return nbderrors.ZeroCount()
	}
	if err := checkRange(req.Offset, uint64(req.Count), caps.Size, false); err != nil {
		return err
	}

	list := backend.NewExtentList(req.Offset)
	flags := toBackendFlags(req.Flags)
	if err := c.top.Extents(ctx, c.chain, req.Count, req.Offset, flags, list); err != nil {
		return nbderrors.FromDownstream(err)
	}
	if flags.Has(backend.FlagRequestOne) {
		list.TrimToFirst()
	}
	if !c.structured {
		// block_status has no simple-reply form; a client requesting it
		// must have negotiated structured replies first.
		return nbderrors.New(nbderrors.KindCapability, wire.EINVAL, "block_status requires structured replies")
	}
	return reply.structuredBlockStatus(req.Cookie, 0, list.Entries())
}

func okReply(reply replyWriter, structured bool, cookie uint64) error {
	if structured {
		return reply.structuredNoneDone(cookie)
	}
	return reply.simpleOK(cookie, nil)
}
