// Package noparallel implements a filter that caps the effective thread
// model regardless of what the layer below declares, for plugins/filters
// that are only safe under stricter serialization than their own
// advertised model (or for deliberately constraining concurrency during
// testing).
package noparallel

import (
	"github.com/marmos91/nbdserve/pkg/backend"
)

// Filter reports Cap instead of delegating to the layer below whenever
// Cap is the stricter (lower) of the two.
type Filter struct {
	backend.BasePlugin
	Cap backend.ThreadModel
}

// New caps the chain's resolved thread model at cap. There is no default
// cap; the caller always supplies one (nbdkit's noparallel filter
// defaults to SERIALIZE_REQUESTS).
func New(cap backend.ThreadModel) *Filter {
	return &Filter{Cap: cap}
}

func (f *Filter) Name() string { return "noparallel" }

func (f *Filter) Bind(next backend.Next) backend.BoundFilter {
	return &bound{Passthrough: backend.Passthrough{Next: next}, cap: f.Cap}
}

type bound struct {
	backend.Passthrough
	cap backend.ThreadModel
}

func (b *bound) ThreadModel() backend.ThreadModel {
	if m := b.Passthrough.ThreadModel(); m < b.cap {
		return m
	}
	return b.cap
}
