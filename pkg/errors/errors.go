// Package errors implements the NBD error taxonomy: internal failure
// categories and their mapping onto wire error codes.
package errors

import (
	"fmt"

	"github.com/marmos91/nbdserve/internal/wire"
)

// Kind is the internal failure category.
type Kind int

const (
	// KindWireProtocol is a malformed/truncated message. The connection
	// closes without a reply.
	KindWireProtocol Kind = iota
	// KindPolicy is a policy rejection (TLS required, unknown export).
	KindPolicy
	// KindRange is an out-of-range offset/count.
	KindRange
	// KindCapability is a client request for an unnegotiated capability.
	KindCapability
	// KindDownstream is a plugin/filter operation failure.
	KindDownstream
	// KindTransport is a socket read/write failure.
	KindTransport
	// KindFatal is an internal invariant violation.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindWireProtocol:
		return "wire_protocol"
	case KindPolicy:
		return "policy"
	case KindRange:
		return "range"
	case KindCapability:
		return "capability"
	case KindDownstream:
		return "downstream"
	case KindTransport:
		return "transport"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// OpError is the error type threaded through the backend chain and
// request loop. It always carries the wire error code the request loop
// should reply with, so filters that translate semantics can overwrite
// Code without losing the original cause (Unwrap).
type OpError struct {
	Kind    Kind
	Code    uint32 // NBD wire error code, e.g. wire.EINVAL
	Message string
	Cause   error
}

func (e *OpError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *OpError) Unwrap() error { return e.Cause }

func New(kind Kind, code uint32, message string) *OpError {
	return &OpError{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code uint32, message string, cause error) *OpError {
	return &OpError{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Sentinel constructors for the request loop's validation-precedence table.
// All but PayloadTooLarge are request-level rejections: the loop replies
// with Code and keeps serving the connection. PayloadTooLarge carries
// KindWireProtocol, so the loop closes the connection without a reply,
// as it does when wire.ReadRequest fails.
func UnknownCommand() *OpError {
	return New(KindCapability, wire.EINVAL, "unknown command")
}

func FlagNotAllowed() *OpError {
	return New(KindCapability, wire.EINVAL, "command flag not allowed for command")
}

func ReadOnly() *OpError {
	return New(KindPolicy, wire.EPERM, "write to read-only connection")
}

func RangeExceedsSizeRead() *OpError {
	return New(KindRange, wire.EINVAL, "range exceeds export size")
}

func RangeExceedsSizeWrite() *OpError {
	return New(KindRange, wire.ENOSPC, "range exceeds export size")
}

func FastZeroUnsupported() *OpError {
	return New(KindCapability, wire.ENOTSUP, "fast zero not supported")
}

func FUAUnsupported() *OpError {
	return New(KindCapability, wire.EINVAL, "FUA not supported")
}

func PayloadTooLarge() *OpError {
	return New(KindWireProtocol, wire.EOVERFLOW, "payload exceeds configured cap")
}

func ZeroCount() *OpError {
	return New(KindRange, wire.EINVAL, "zero-length request")
}

func TLSRequired() *OpError {
	return New(KindPolicy, wire.RepErrTLSReqd, "TLS required before this option")
}

// FromDownstream maps a plugin/filter-reported failure to the closest NBD
// error code. Plugins/filters may supply their own code (e.g. ENOSPC); a
// generic error defaults to EIO.
func FromDownstream(err error) *OpError {
	if err == nil {
		return nil
	}
	var oe *OpError
	if As(err, &oe) {
		return oe
	}
	return Wrap(KindDownstream, wire.EIO, "downstream operation failed", err)
}

// As is a tiny local errors.As to avoid importing the stdlib package name
// "errors" twice under an alias in every caller.
func As(err error, target **OpError) bool {
	for err != nil {
		if oe, ok := err.(*OpError); ok {
			*target = oe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
