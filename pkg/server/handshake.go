package server

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	nbderrors "github.com/marmos91/nbdserve/pkg/errors"
	"github.com/marmos91/nbdserve/internal/logger"
	"github.com/marmos91/nbdserve/internal/wire"
	"github.com/marmos91/nbdserve/pkg/backend"
	"github.com/marmos91/nbdserve/pkg/backend/capability"
)

// errHandshakeDone is returned internally by handleInfoOrGo once GO has
// opened the export; runNewstyle turns it into a nil return, so it is not
// an error the caller surfaces. errHandshakeAbort ends the loop on ABORT.
var errHandshakeDone = errors.New("handshake: terminated normally")
var errHandshakeAbort = errors.New("handshake: client sent ABORT")

// runOldstyle performs the legacy immediate handshake: no option
// negotiation, the default export is implicit.
func runOldstyle(ctx context.Context, c *connection, cfg Config) error {
	if err := c.top.Preconnect(ctx, cfg.ReadOnly); err != nil {
		return fmt.Errorf("preconnect: %w", err)
	}

	name, err := c.top.DefaultExport(ctx, cfg.ReadOnly, c.isTLS)
	if err != nil {
		return fmt.Errorf("default_export: %w", err)
	}
	if name == "" {
		name = cfg.DefaultExportName
	}

	handle, caps, err := negotiateExport(ctx, c.top, cfg.ReadOnly, name, c.isTLS)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	c.chain = handle
	c.exportName = name
	c.readonly = cfg.ReadOnly || !caps.Writable
	c.caps = caps
	c.capsValid = true
	c.mode = modeOldstyle

	return wire.WriteOldStyleHandshake(c.rw, wire.OldStyleHandshake{
		ExportSize: caps.Size,
		EFlags:     exportFlags(caps, c.readonly),
	})
}

// runNewstyle performs the default dialect: fixed preamble, then
// iterative option negotiation until a terminating option is processed.
func runNewstyle(ctx context.Context, c *connection, cfg Config, tlsConfig *tls.Config) error {
	if err := c.top.Preconnect(ctx, cfg.ReadOnly); err != nil {
		return fmt.Errorf("preconnect: %w", err)
	}

	gflags := wire.FlagFixedNewstyle | wire.FlagNoZeroes
	if err := wire.WriteNewStyleHandshake(c.rw, wire.NewStyleHandshake{GFlags: gflags}); err != nil {
		return err
	}

	var clientFlags [4]byte
	if _, err := io.ReadFull(c.rw, clientFlags[:]); err != nil {
		return err
	}
	cf := binary.BigEndian.Uint32(clientFlags[:])
	c.noZeroes = cf&wire.ClientFlagNoZeroes != 0
	c.mode = modeFixedNewstyle

	tlsOffered := false

	for {
		hdr, err := wire.ReadOptionHeader(c.rw)
		if err != nil {
			return err
		}
		data := make([]byte, hdr.Length)
		if hdr.Length > 0 {
			if _, err := io.ReadFull(c.rw, data); err != nil {
				return err
			}
		}

		if cfg.TLSPolicy == TLSRequired && !c.isTLS && hdr.Option != wire.OptStartTLS && hdr.Option != wire.OptAbort {
			if hdr.Option == wire.OptExportName {
				// EXPORT_NAME has no error-reply form; the only way to
				// refuse it is to drop the connection.
				return fmt.Errorf("export_name requested before required TLS upgrade")
			}
			if err := wire.WriteOptionReply(c.rw, hdr.Option, wire.RepErrTLSReqd, nil); err != nil {
				return err
			}
			continue
		}

		switch hdr.Option {
		case wire.OptExportName:
			return handleExportName(ctx, c, cfg, data)

		case wire.OptAbort:
			if err := wire.WriteOptionReply(c.rw, hdr.Option, wire.RepAck, nil); err != nil {
				return err
			}
			return errHandshakeAbort

		case wire.OptList:
			if err := handleList(ctx, c, cfg); err != nil {
				return err
			}

		case wire.OptStartTLS:
			if tlsOffered {
				if err := wire.WriteOptionReply(c.rw, hdr.Option, wire.RepErrInvalid, nil); err != nil {
					return err
				}
				continue
			}
			tlsOffered = true
			if cfg.TLSPolicy == TLSDisabled || tlsConfig == nil {
				if err := wire.WriteOptionReply(c.rw, hdr.Option, wire.RepErrPolicy, nil); err != nil {
					return err
				}
				continue
			}
			if err := wire.WriteOptionReply(c.rw, hdr.Option, wire.RepAck, nil); err != nil {
				return err
			}
			if err := c.upgradeTLS(ctx, tlsConfig); err != nil {
				return err
			}

		case wire.OptInfo:
			if err := handleInfoOrGo(ctx, c, cfg, data, false); err != nil {
				return err
			}

		case wire.OptGo:
			// A nil error means an error reply was sent and no export is
			// open, so the option loop continues.
			err := handleInfoOrGo(ctx, c, cfg, data, true)
			if errors.Is(err, errHandshakeDone) {
				return nil
			}
			if err != nil {
				return err
			}

		case wire.OptStructuredReply:
			c.structured = true
			if err := wire.WriteOptionReply(c.rw, hdr.Option, wire.RepAck, nil); err != nil {
				return err
			}

		default:
			if err := wire.WriteOptionReply(c.rw, hdr.Option, wire.RepErrUnsup, nil); err != nil {
				return err
			}
		}
	}
}

func negotiateExport(ctx context.Context, top backend.Layer, readonly bool, name string, isTLS bool) (backend.Handle, backend.Capabilities, error) {
	h, err := top.Open(ctx, readonly, name, isTLS)
	if err != nil {
		return nil, backend.Capabilities{}, nbderrors.FromDownstream(err)
	}
	if err := top.Prepare(ctx, h, readonly); err != nil {
		top.Close(h)
		return nil, backend.Capabilities{}, nbderrors.FromDownstream(err)
	}
	caps, err := capability.Resolve(ctx, top, h, readonly)
	if err != nil {
		top.Close(h)
		return nil, backend.Capabilities{}, err
	}
	return h, caps, nil
}

func exportFlags(caps backend.Capabilities, readonly bool) uint16 {
	f := wire.EFlagHasFlags
	if readonly {
		f |= wire.EFlagReadOnly
	}
	if caps.Flush {
		f |= wire.EFlagSendFlush
	}
	if caps.FUA != backend.TriNone {
		f |= wire.EFlagSendFUA
	}
	if caps.Rotational {
		f |= wire.EFlagRotational
	}
	if caps.Trim {
		f |= wire.EFlagSendTrim
	}
	if caps.Zero {
		f |= wire.EFlagSendWriteZeroes
	}
	if caps.Cache != backend.TriNone {
		f |= wire.EFlagSendCache
	}
	if caps.MultiConn {
		f |= wire.EFlagCanMultiConn
	}
	return f
}

func handleExportName(ctx context.Context, c *connection, cfg Config, data []byte) error {
	name := string(data)
	if name == "" {
		name = cfg.DefaultExportName
	}
	handle, caps, err := negotiateExport(ctx, c.top, cfg.ReadOnly, name, c.isTLS)
	if err != nil {
		// EXPORT_NAME has no error reply in the wire protocol: the only
		// recourse on failure is to drop the connection.
		return err
	}
	c.chain = handle
	c.exportName = name
	c.readonly = cfg.ReadOnly || !caps.Writable
	c.caps = caps
	c.capsValid = true

	tail := wire.EncodeExportInfoTail(wire.ExportInfo{
		Size:   caps.Size,
		EFlags: exportFlags(caps, c.readonly),
	}, c.noZeroes)
	_, err = c.rw.Write(tail)
	return err
}

func handleList(ctx context.Context, c *connection, cfg Config) error {
	var list backend.ExportList
	if err := c.top.ListExports(ctx, cfg.ReadOnly, c.isTLS, &list); err != nil {
		return wire.WriteOptionReply(c.rw, wire.OptList, wire.RepErrInvalid, nil)
	}
	for _, e := range list.Entries() {
		payload := make([]byte, 4+len(e.Name)+len(e.Description))
		binary.BigEndian.PutUint32(payload[0:4], uint32(len(e.Name)))
		copy(payload[4:4+len(e.Name)], e.Name)
		copy(payload[4+len(e.Name):], e.Description)
		if err := wire.WriteOptionReply(c.rw, wire.OptList, wire.RepServer, payload); err != nil {
			return err
		}
	}
	return wire.WriteOptionReply(c.rw, wire.OptList, wire.RepAck, nil)
}

// handleInfoOrGo parses the shared INFO/GO option payload (export name,
// then a list of requested info types we currently ignore beyond always
// answering NBD_INFO_EXPORT) and performs a trial open. terminate selects
// GO's behavior (keep the handle, end the option loop) over INFO's (close
// the trial handle, stay in the option loop).
func handleInfoOrGo(ctx context.Context, c *connection, cfg Config, data []byte, terminate bool) error {
	option := wire.OptInfo
	if terminate {
		option = wire.OptGo
	}
	if len(data) < 4 {
		return wire.WriteOptionReply(c.rw, option, wire.RepErrInvalid, nil)
	}
	nameLen := binary.BigEndian.Uint32(data[0:4])
	if uint32(len(data)) < 4+nameLen+2 {
		return wire.WriteOptionReply(c.rw, option, wire.RepErrInvalid, nil)
	}
	name := string(data[4 : 4+nameLen])
	if name == "" {
		name = cfg.DefaultExportName
	}

	handle, caps, err := negotiateExport(ctx, c.top, cfg.ReadOnly, name, c.isTLS)
	if err != nil {
		return wire.WriteOptionReply(c.rw, option, wire.RepErrInvalid, nil)
	}
	readonly := cfg.ReadOnly || !caps.Writable

	payload := wire.EncodeInfoExportPayload(wire.ExportInfo{
		Size:   caps.Size,
		EFlags: exportFlags(caps, readonly),
	})
	if err := wire.WriteOptionReply(c.rw, option, wire.RepInfo, payload); err != nil {
		c.top.Close(handle)
		return err
	}
	if err := wire.WriteOptionReply(c.rw, option, wire.RepAck, nil); err != nil {
		c.top.Close(handle)
		return err
	}

	if !terminate {
		c.top.Close(handle)
		return nil
	}

	c.chain = handle
	c.exportName = name
	c.readonly = readonly
	c.caps = caps
	c.capsValid = true
	logger.Debug("export opened via GO", logger.ConnectionID(c.id), logger.Export(name))
	return errHandshakeDone
}
