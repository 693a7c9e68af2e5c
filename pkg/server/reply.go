package server

import (
	"io"

	"github.com/marmos91/nbdserve/internal/wire"
	"github.com/marmos91/nbdserve/pkg/backend"
)

// replyWriter frames replies in whichever form (simple or structured)
// this connection negotiated.
type replyWriter struct {
	w          io.Writer
	structured bool
}

func (rw replyWriter) simpleOK(cookie uint64, data []byte) error {
	return wire.WriteSimpleReply(rw.w, wire.Success, cookie, data)
}

func (rw replyWriter) simpleError(cookie uint64, code uint32) error {
	return wire.WriteSimpleReply(rw.w, code, cookie, nil)
}

// structuredError writes a single done error chunk.
func (rw replyWriter) structuredError(cookie uint64, code uint32, message string) error {
	payload := wire.EncodeErrorChunk(code, message)
	return wire.WriteStructuredReplyChunk(rw.w, wire.StructuredReplyHeader{
		Flags:  wire.ReplyFlagDone,
		Type:   wire.ReplyTypeError,
		Cookie: cookie,
		Length: uint32(len(payload)),
	}, payload)
}

// structuredRead writes a read's data as one offset_data chunk (holes are
// never synthesized by the engine itself; a filter wishing to report
// holes must do so via the extents path instead) followed by a terminating
// empty "none" chunk carrying the done flag.
func (rw replyWriter) structuredRead(cookie uint64, offset uint64, data []byte) error {
	payload := append(wire.EncodeOffsetDataHeader(offset), data...)
	if err := wire.WriteStructuredReplyChunk(rw.w, wire.StructuredReplyHeader{
		Type:   wire.ReplyTypeOffsetData,
		Cookie: cookie,
		Length: uint32(len(payload)),
	}, payload); err != nil {
		return err
	}
	return wire.WriteStructuredReplyChunk(rw.w, wire.StructuredReplyHeader{
		Flags:  wire.ReplyFlagDone,
		Type:   wire.ReplyTypeNone,
		Cookie: cookie,
	}, nil)
}

// structuredBlockStatus converts an extents accumulator into one
// block_status chunk carrying every (length,type) descriptor gathered,
// with the done flag set since block_status always replies in one chunk.
func (rw replyWriter) structuredBlockStatus(cookie uint64, contextID uint32, extents []backend.Extent) error {
	payload := make([]byte, 4)
	// contextID identifies which metadata context ("base:allocation") the
	// descriptors belong to; single-context servers always report 0.
	putUint32(payload, 0, contextID)
	for _, e := range extents {
		payload = append(payload, encodeDescriptor(uint32(e.Length), e.Type)...)
	}
	return wire.WriteStructuredReplyChunk(rw.w, wire.StructuredReplyHeader{
		Flags:  wire.ReplyFlagDone,
		Type:   wire.ReplyTypeBlockStatus,
		Cookie: cookie,
		Length: uint32(len(payload)),
	}, payload)
}

func (rw replyWriter) structuredNoneDone(cookie uint64) error {
	return wire.WriteStructuredReplyChunk(rw.w, wire.StructuredReplyHeader{
		Flags:  wire.ReplyFlagDone,
		Type:   wire.ReplyTypeNone,
		Cookie: cookie,
	}, nil)
}

func encodeDescriptor(length, typeBits uint32) []byte {
	return wire.EncodeBlockStatusDescriptor(length, typeBits)
}

func putUint32(buf []byte, at int, v uint32) {
	buf[at] = byte(v >> 24)
	buf[at+1] = byte(v >> 16)
	buf[at+2] = byte(v >> 8)
	buf[at+3] = byte(v)
}
