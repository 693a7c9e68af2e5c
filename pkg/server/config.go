package server

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Dialect selects the handshake protocol a listener speaks.
type Dialect int

const (
	DialectNewstyle Dialect = iota
	DialectOldstyle
)

// TLSPolicy controls when a newstyle connection may proceed without TLS.
type TLSPolicy int

const (
	TLSDisabled TLSPolicy = iota
	TLSAllowed
	TLSRequired
)

// Config is the validated, static configuration one Listener serves with.
// Loading it from a file or flags is outside this package's scope; callers
// construct a Config directly and call Validate before passing it to
// NewListener.
type Config struct {
	BindAddress string `validate:"required"`
	Port        int    `validate:"required,min=1,max=65535"`

	// ReadOnly is the administrative read-only flag applied to every
	// connection regardless of what the negotiated export reports.
	ReadOnly bool

	MaxConnections     int           `validate:"gte=0"`
	ShutdownTimeout    time.Duration `validate:"required,gt=0"`
	MetricsLogInterval time.Duration `validate:"gte=0"`

	Dialect   Dialect   `validate:"oneof=0 1"`
	TLSPolicy TLSPolicy `validate:"oneof=0 1 2"`

	// MaxPayloadBytes caps a single write/read count beyond which the
	// request loop disconnects rather than buffering. 0 means no cap
	// beyond the wire's own uint32 range.
	MaxPayloadBytes uint32 `validate:"gte=0"`

	// DefaultExportName is used for oldstyle connections, which have no
	// option negotiation to name an export, when the chain's DefaultExport
	// returns an empty name, and as the newstyle fallback when a client's
	// INFO/GO/EXPORT_NAME supplies an empty name.
	DefaultExportName string `validate:"required,max=4096"`
}

// Validate runs struct-tag validation and returns a single aggregated
// error describing every violated field.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok {
			msg := "invalid server config:"
			for _, fe := range ve {
				msg += fmt.Sprintf(" %s fails %q;", fe.Field(), fe.ActualTag())
			}
			return fmt.Errorf("%s", msg)
		}
		return err
	}
	return nil
}
