package logger

import "log/slog"

// Well-known structured logging keys shared across the connection,
// handshake and request-loop layers, so log aggregation/querying can
// rely on a stable schema instead of ad hoc strings.
const (
	KeyConnectionID = "connection_id"
	KeyCookie       = "cookie"
	KeyExport       = "export"
	KeyOp           = "op"
	KeyOffset       = "offset"
	KeyCount        = "count"
	KeyFlags        = "flags"
	KeyErrorCode    = "error_code"
	KeyError        = "error"
	KeyLayer        = "layer"
	KeyOption       = "option"
	KeyTLS          = "tls"
	KeyDurationMs   = "duration_ms"
	KeyBytes        = "bytes"
)

func ConnectionID(id string) slog.Attr { return slog.String(KeyConnectionID, id) }
func Cookie(c uint64) slog.Attr        { return slog.Uint64(KeyCookie, c) }
func Export(name string) slog.Attr     { return slog.String(KeyExport, name) }
func Op(name string) slog.Attr         { return slog.String(KeyOp, name) }
func Offset(o uint64) slog.Attr        { return slog.Uint64(KeyOffset, o) }
func Count(c uint32) slog.Attr         { return slog.Uint64(KeyCount, uint64(c)) }
func Flags(f uint16) slog.Attr         { return slog.Uint64(KeyFlags, uint64(f)) }
func ErrCode(code uint32) slog.Attr    { return slog.Uint64(KeyErrorCode, uint64(code)) }
func ErrAttr(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
func Layer(name string) slog.Attr  { return slog.String(KeyLayer, name) }
func Option(code uint32) slog.Attr { return slog.Uint64(KeyOption, uint64(code)) }
func TLS(enabled bool) slog.Attr   { return slog.Bool(KeyTLS, enabled) }
