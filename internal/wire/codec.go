package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrBadMagic is returned when a header's magic value doesn't match what
// the protocol state expects; the caller treats this as a wire-protocol
// violation and closes the connection without a reply.
var ErrBadMagic = errors.New("wire: bad magic")

// OldStyleHandshake is what the server sends immediately on accept when
// the listener is configured for the legacy dialect.
type OldStyleHandshake struct {
	ExportSize uint64
	EFlags     uint16
}

// WriteOldStyleHandshake writes the fixed 152-byte oldstyle preamble.
func WriteOldStyleHandshake(w io.Writer, h OldStyleHandshake) error {
	buf := make([]byte, OldStyleHandshakeLen)
	copy(buf[0:8], NBDMagic)
	binary.BigEndian.PutUint64(buf[8:16], OldStyleVersion)
	binary.BigEndian.PutUint64(buf[16:24], h.ExportSize)
	// bytes [24:26] are global flags, always zero pre-negotiation in oldstyle.
	binary.BigEndian.PutUint16(buf[26:28], h.EFlags)
	// buf[28:152] is already zero.
	_, err := w.Write(buf)
	return err
}

// NewStyleHandshake is the fixed preamble sent before option negotiation
// begins in the default dialect.
type NewStyleHandshake struct {
	GFlags uint16
}

func WriteNewStyleHandshake(w io.Writer, h NewStyleHandshake) error {
	buf := make([]byte, 8+8+2)
	copy(buf[0:8], NBDMagic)
	binary.BigEndian.PutUint64(buf[8:16], NewStyleVersion)
	binary.BigEndian.PutUint16(buf[16:18], h.GFlags)
	_, err := w.Write(buf)
	return err
}

// OptionHeader is a single client->server option request.
type OptionHeader struct {
	Option uint32
	Length uint32
}

// ReadOptionHeader reads the 8-byte client magic + 4-byte option + 4-byte
// length preamble of one handshake option.
func ReadOptionHeader(r io.Reader) (OptionHeader, error) {
	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return OptionHeader{}, err
	}
	magic := binary.BigEndian.Uint64(hdr[0:8])
	if magic != NewStyleVersion {
		return OptionHeader{}, ErrBadMagic
	}
	return OptionHeader{
		Option: binary.BigEndian.Uint32(hdr[8:12]),
		Length: binary.BigEndian.Uint32(hdr[12:16]),
	}, nil
}

// WriteOptionReply writes one fixed-newstyle option reply: magic, option
// echo, reply code, length, and payload.
func WriteOptionReply(w io.Writer, option, reply uint32, payload []byte) error {
	hdr := make([]byte, 8+4+4+4)
	binary.BigEndian.PutUint64(hdr[0:8], OptionReplyMagic)
	binary.BigEndian.PutUint32(hdr[8:12], option)
	binary.BigEndian.PutUint32(hdr[12:16], reply)
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		_, err := w.Write(payload)
		return err
	}
	return nil
}

// ExportInfo carries the size/flags payload common to EXPORT_NAME/GO/INFO
// replies.
type ExportInfo struct {
	Size   uint64
	EFlags uint16
}

// EncodeExportInfoTail encodes the size+flags+trailing-zeroes tail that
// terminates a plain EXPORT_NAME handshake (no-zeroes may shrink it to 0
// trailing bytes).
func EncodeExportInfoTail(info ExportInfo, noZeroes bool) []byte {
	n := 8 + 2
	if !noZeroes {
		n += 124
	}
	buf := make([]byte, n)
	binary.BigEndian.PutUint64(buf[0:8], info.Size)
	binary.BigEndian.PutUint16(buf[8:10], info.EFlags)
	return buf
}

// EncodeInfoExportPayload encodes the NBD_INFO_EXPORT payload used in
// INFO/GO replies: 2-byte info type + 8-byte size + 2-byte flags.
func EncodeInfoExportPayload(info ExportInfo) []byte {
	buf := make([]byte, 2+8+2)
	binary.BigEndian.PutUint16(buf[0:2], InfoExport)
	binary.BigEndian.PutUint64(buf[2:10], info.Size)
	binary.BigEndian.PutUint16(buf[10:12], info.EFlags)
	return buf
}

// Request is a decoded client request header.
type Request struct {
	Flags  uint16
	Type   uint16
	Cookie uint64
	Offset uint64
	Count  uint32
}

// RequestHeaderLen is the fixed size of the wire request header.
const RequestHeaderLen = 4 + 2 + 2 + 8 + 8 + 4

// ReadRequest reads and validates the 28-byte request header.
func ReadRequest(r io.Reader) (Request, error) {
	var buf [RequestHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Request{}, err
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != RequestMagic {
		return Request{}, ErrBadMagic
	}
	return Request{
		Flags:  binary.BigEndian.Uint16(buf[4:6]),
		Type:   binary.BigEndian.Uint16(buf[6:8]),
		Cookie: binary.BigEndian.Uint64(buf[8:16]),
		Offset: binary.BigEndian.Uint64(buf[16:24]),
		Count:  binary.BigEndian.Uint32(buf[24:28]),
	}, nil
}

// WriteSimpleReply frames a simple reply: magic, error, cookie, then the
// caller-supplied data (nil/empty for non-read replies).
func WriteSimpleReply(w io.Writer, errCode uint32, cookie uint64, data []byte) error {
	hdr := make([]byte, 4+4+8)
	binary.BigEndian.PutUint32(hdr[0:4], SimpleReplyMagic)
	binary.BigEndian.PutUint32(hdr[4:8], errCode)
	binary.BigEndian.PutUint64(hdr[8:16], cookie)
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(data) > 0 {
		_, err := w.Write(data)
		return err
	}
	return nil
}

// StructuredReplyHeader is the fixed portion of one structured-reply chunk.
type StructuredReplyHeader struct {
	Flags  uint16
	Type   uint16
	Cookie uint64
	Length uint32
}

// WriteStructuredReplyChunk writes one structured-reply chunk header
// followed by its payload.
func WriteStructuredReplyChunk(w io.Writer, h StructuredReplyHeader, payload []byte) error {
	hdr := make([]byte, 4+2+2+8+4)
	binary.BigEndian.PutUint32(hdr[0:4], StructReplyMagic)
	binary.BigEndian.PutUint16(hdr[4:6], h.Flags)
	binary.BigEndian.PutUint16(hdr[6:8], h.Type)
	binary.BigEndian.PutUint64(hdr[8:16], h.Cookie)
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		_, err := w.Write(payload)
		return err
	}
	return nil
}

// EncodeOffsetDataHeader encodes the 8-byte offset that precedes the raw
// data bytes in an offset_data chunk payload.
func EncodeOffsetDataHeader(offset uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, offset)
	return buf
}

// EncodeOffsetHole encodes a full offset_hole chunk payload: 8-byte offset
// + 4-byte length.
func EncodeOffsetHole(offset uint64, length uint32) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:8], offset)
	binary.BigEndian.PutUint32(buf[8:12], length)
	return buf
}

// EncodeBlockStatusDescriptor encodes one (length, type) descriptor used
// inside a block_status chunk payload.
func EncodeBlockStatusDescriptor(length, typeBits uint32) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], length)
	binary.BigEndian.PutUint32(buf[4:8], typeBits)
	return buf
}

// EncodeErrorChunk encodes an error/error_offset chunk payload: 4-byte
// error + 2-byte message length + message (+ 8-byte offset for
// error_offset, appended by the caller after this header).
func EncodeErrorChunk(errCode uint32, message string) []byte {
	buf := make([]byte, 4+2+len(message))
	binary.BigEndian.PutUint32(buf[0:4], errCode)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(message)))
	copy(buf[6:], message)
	return buf
}
