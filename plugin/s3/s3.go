// Package s3 implements a plugin backed by an S3 bucket. The export is
// divided into fixed-size blocks, each stored as one S3 object keyed by
// block index; a write that doesn't cover a whole block performs a
// read-modify-write of that block's object.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/marmos91/nbdserve/pkg/backend"
	nbderrors "github.com/marmos91/nbdserve/pkg/errors"
)

// Config describes the bucket and block layout a Plugin serves.
type Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	KeyPrefix      string
	ForcePathStyle bool

	// BlockSize is the size of one stored object; the export size is
	// NumBlocks*BlockSize.
	BlockSize uint64
	NumBlocks uint64
}

// Plugin serves a block device carved out of objects in one S3 bucket.
type Plugin struct {
	backend.BasePlugin

	cfg    Config
	client *s3.Client

	mu sync.Mutex // serializes read-modify-write of a single block across connections
}

// NewFromConfig builds a Plugin, loading AWS credentials/region from the
// environment the way the default SDK config chain does.
func NewFromConfig(ctx context.Context, cfg Config) (*Plugin, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &Plugin{cfg: cfg, client: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

func (p *Plugin) IsPlugin() {}

func (p *Plugin) Name() string { return "s3" }

func (p *Plugin) Open(_ context.Context, _ bool, _ string, _ bool) (backend.Handle, error) {
	return backend.NoHandle, nil
}

func (p *Plugin) GetSize(_ context.Context, _ backend.Handle) (uint64, error) {
	return p.cfg.BlockSize * p.cfg.NumBlocks, nil
}

func (p *Plugin) CanWrite(_ context.Context, _ backend.Handle) (bool, error) { return true, nil }
func (p *Plugin) CanFlush(_ context.Context, _ backend.Handle) (bool, error) { return true, nil }
func (p *Plugin) CanMultiConn(_ context.Context, _ backend.Handle) (bool, error) {
	return true, nil
}

func (p *Plugin) blockKey(index uint64) string {
	return fmt.Sprintf("%sblock-%020d", p.cfg.KeyPrefix, index)
}

// readBlock fetches one block's bytes, treating a missing object as an
// all-zero block (a block never written is implicitly zero).
func (p *Plugin) readBlock(ctx context.Context, index uint64) ([]byte, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(p.blockKey(index)),
	})
	if err != nil {
		if isNotFound(err) {
			return make([]byte, p.cfg.BlockSize), nil
		}
		return nil, err
	}
	defer out.Body.Close()

	buf := make([]byte, p.cfg.BlockSize)
	// A short final object (rare, since every write rewrites a full
	// BlockSize-sized block) just leaves the remainder zeroed.
	if _, err := io.ReadFull(out.Body, buf); err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func (p *Plugin) writeBlock(ctx context.Context, index uint64, data []byte) error {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(p.blockKey(index)),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (p *Plugin) Pread(ctx context.Context, _ backend.Handle, buf []byte, offset uint64, _ backend.Flags) error {
	return p.forEachBlock(offset, uint64(len(buf)), func(index uint64, blockOff, n uint64, bufOff uint64) error {
		block, err := p.readBlock(ctx, index)
		if err != nil {
			return err
		}
		copy(buf[bufOff:bufOff+n], block[blockOff:blockOff+n])
		return nil
	})
}

func (p *Plugin) Pwrite(ctx context.Context, _ backend.Handle, buf []byte, offset uint64, _ backend.Flags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forEachBlock(offset, uint64(len(buf)), func(index uint64, blockOff, n uint64, bufOff uint64) error {
		block, err := p.readBlock(ctx, index)
		if err != nil {
			return err
		}
		copy(block[blockOff:blockOff+n], buf[bufOff:bufOff+n])
		return p.writeBlock(ctx, index, block)
	})
}

func (p *Plugin) Zero(ctx context.Context, _ backend.Handle, count uint32, offset uint64, _ backend.Flags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forEachBlock(offset, uint64(count), func(index uint64, blockOff, n uint64, _ uint64) error {
		if blockOff == 0 && n == p.cfg.BlockSize {
			return p.writeBlock(ctx, index, make([]byte, p.cfg.BlockSize))
		}
		block, err := p.readBlock(ctx, index)
		if err != nil {
			return err
		}
		clear(block[blockOff : blockOff+n])
		return p.writeBlock(ctx, index, block)
	})
}

func (p *Plugin) Flush(_ context.Context, _ backend.Handle, _ backend.Flags) error {
	// Every write is already durable once PutObject returns.
	return nil
}

// forEachBlock splits a [offset, offset+length) byte range into its
// constituent block-local ranges and calls fn for each.
func (p *Plugin) forEachBlock(offset, length uint64, fn func(index, blockOff, n, bufOff uint64) error) error {
	end := offset + length
	if end > p.cfg.BlockSize*p.cfg.NumBlocks {
		return nbderrors.New(nbderrors.KindRange, 28, "range past end of s3 export")
	}
	var consumed uint64
	for pos := offset; pos < end; {
		index := pos / p.cfg.BlockSize
		blockOff := pos % p.cfg.BlockSize
		n := min(p.cfg.BlockSize-blockOff, end-pos)
		if err := fn(index, blockOff, n, consumed); err != nil {
			return nbderrors.Wrap(nbderrors.KindDownstream, 5, "s3 block operation failed", err)
		}
		pos += n
		consumed += n
	}
	return nil
}

func (p *Plugin) ThreadModel() backend.ThreadModel {
	return backend.ThreadModelParallel
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "NoSuchKey") || strings.Contains(s, "NotFound") || strings.Contains(s, "404")
}
