// Package runtimeenv implements the one backend.Env every layer in a
// chain receives at Load: the engine-side callbacks (nbdkit_error,
// nbdkit_debug, nbdkit_disconnect, nbdkit_shutdown, nbdkit_parse_size,
// nbdkit_peer_name in nbdkit's terms) that let a plugin or filter reach
// back into the engine without holding a pointer to it directly.
package runtimeenv

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/marmos91/nbdserve/internal/logger"
)

// Env is the process-wide backend.Env implementation. One instance is
// shared by every layer in a chain; PeerName is connection-scoped and
// always returns the empty string here since Load happens once at
// startup, before any connection exists.
type Env struct {
	shutdown func()
}

// New builds an Env whose Shutdown callback invokes onShutdown, typically
// the process's context cancel function.
func New(onShutdown func()) *Env {
	return &Env{shutdown: onShutdown}
}

func (e *Env) Errorf(format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...))
}

func (e *Env) Debugf(format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...))
}

func (e *Env) Disconnect() {
	// No-op: this Env is shared process-wide and holds no connection, so
	// a call from any layer, inside a request or not, disconnects nothing.
}

func (e *Env) Shutdown() {
	if e.shutdown != nil {
		e.shutdown()
	}
}

func (e *Env) PeerName() string { return "" }

// ParseSize parses a human size string with an optional K/M/G/T suffix
// (binary multiples, matching nbdkit's nbdkit_parse_size), e.g. "512",
// "1M", "4G".
func (e *Env) ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("parse size: empty string")
	}

	mult := int64(1)
	suffix := s[len(s)-1]
	switch suffix {
	case 'k', 'K':
		mult = 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	case 't', 'T':
		mult = 1024 * 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return n * mult, nil
}
