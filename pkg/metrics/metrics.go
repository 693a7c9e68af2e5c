// Package metrics exposes the server's metrics as an interface, so the
// request loop and listener never import a concrete backend directly.
// Call InitRegistry once at startup to enable Prometheus-backed metrics;
// every accessor below is nil-safe and costs nothing when metrics are
// disabled.
package metrics

import "time"

// ServerMetrics is implemented by a concrete metrics backend (currently
// only the prometheus one, see pkg/metrics/prometheus).
type ServerMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	RequestStarted(command string)
	RequestCompleted(command string, duration time.Duration, errCode uint32)
	BytesTransferred(command string, bytes int64)
	HandshakeOption(option string, result string)
}

// newServerMetrics is supplied by pkg/metrics/prometheus's init() via
// RegisterConstructor; this indirection is what lets this package stay
// free of a direct prometheus import while the prometheus subpackage
// still depends on this one for the interface it implements (avoiding an
// import cycle).
var newServerMetrics func() ServerMetrics

// RegisterConstructor is called by a concrete metrics backend's init()
// to install itself as the implementation InitRegistry will construct.
func RegisterConstructor(constructor func() ServerMetrics) {
	newServerMetrics = constructor
}

var (
	enabled  bool
	instance ServerMetrics
)

// InitRegistry enables metrics collection and constructs the registered
// backend. Calling it more than once replaces the previous instance.
func InitRegistry() {
	enabled = true
	if newServerMetrics != nil {
		instance = newServerMetrics()
	}
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool { return enabled }

// Get returns the active ServerMetrics instance, or nil if metrics are
// disabled or no backend has registered itself. Callers should pass the
// result straight to the nil-safe package functions below rather than
// branching on nil themselves.
func Get() ServerMetrics { return instance }

func ConnectionOpened(m ServerMetrics) {
	if m != nil {
		m.ConnectionOpened()
	}
}

func ConnectionClosed(m ServerMetrics) {
	if m != nil {
		m.ConnectionClosed()
	}
}

func RequestStarted(m ServerMetrics, command string) {
	if m != nil {
		m.RequestStarted(command)
	}
}

func RequestCompleted(m ServerMetrics, command string, duration time.Duration, errCode uint32) {
	if m != nil {
		m.RequestCompleted(command, duration, errCode)
	}
}

func BytesTransferred(m ServerMetrics, command string, bytes int64) {
	if m != nil {
		m.BytesTransferred(command, bytes)
	}
}

func HandshakeOption(m ServerMetrics, option string, result string) {
	if m != nil {
		m.HandshakeOption(option, result)
	}
}
