// Package chain builds the immutable, process-wide layer stack out of a
// terminal plugin and zero or more filters. Construction happens once at
// startup; the result is reused for every connection for the lifetime of
// the process.
package chain

import (
	"context"
	"fmt"

	"github.com/marmos91/nbdserve/pkg/backend"
)

// Chain is the built, top-of-stack Layer the server talks to, plus the
// resolved thread model (the minimum declared by any layer).
type Chain struct {
	Top         backend.Layer
	ThreadModel backend.ThreadModel
	names       []string
	// layers holds every layer outermost-first, captured at Build time so
	// Load/Unload/GetReady/Cleanup can walk it in the required order
	// without needing to unwrap Next back out of a bound filter.
	layers []backend.Layer
}

// pluginNext adapts a terminal backend.Plugin (which has no Next of its
// own) to the backend.Next interface the bottommost filter binds against.
// Reopen on the plugin is a plain Open; the previous handle is not closed.
type pluginNext struct {
	backend.Plugin
}

func (p pluginNext) Reopen(ctx context.Context, readonly bool, exportName string, isTLS bool) (backend.Handle, error) {
	return p.Plugin.Open(ctx, readonly, exportName, isTLS)
}

// boundNext adapts an already-bound filter (itself a backend.Layer) into
// backend.Next for the filter above it, giving it a Reopen that opens a
// new handle at this layer only (the previous handle is not closed), for
// the retry filter's discipline.
type boundNext struct {
	backend.Layer
}

func (b boundNext) Reopen(ctx context.Context, readonly bool, exportName string, isTLS bool) (backend.Handle, error) {
	return b.Layer.Open(ctx, readonly, exportName, isTLS)
}

// Build stacks filters (ordered outermost-first, i.e. filters[0] is
// closest to the client) on top of plugin, binding each one bottom-up so
// every Next a filter holds is already fully wired to everything below
// it. The resulting Chain.Top is what the server's request loop calls.
func Build(plugin backend.Plugin, filters []backend.Filter) (*Chain, error) {
	if plugin == nil {
		return nil, fmt.Errorf("chain: plugin is required")
	}

	var next backend.Next = pluginNext{plugin}
	model := plugin.ThreadModel()
	names := []string{plugin.Name()}
	layers := []backend.Layer{plugin}

	for i := len(filters) - 1; i >= 0; i-- {
		f := filters[i]
		if f == nil {
			return nil, fmt.Errorf("chain: nil filter at position %d", i)
		}
		bound := f.Bind(next)
		if bound == nil {
			return nil, fmt.Errorf("chain: filter %q Bind returned nil", f.Name())
		}
		next = boundNext{bound}
		if m := bound.ThreadModel(); m < model {
			model = m
		}
		names = append([]string{bound.Name()}, names...)
		layers = append([]backend.Layer{bound}, layers...)
	}

	return &Chain{Top: next.(backend.Layer), ThreadModel: model, names: names, layers: layers}, nil
}

// Names returns the layer stack from outermost (client-facing) to
// innermost (plugin), for diagnostics/logging.
func (c *Chain) Names() []string { return c.names }

// LoadAll calls Load on every layer, outermost first, matching the order
// nbdkit's .load callbacks run in. If any layer fails, already-loaded
// layers are unloaded in reverse order.
func (c *Chain) LoadAll(env backend.Env) error {
	loaded := make([]backend.Layer, 0, len(c.names))
	err := c.walk(func(l backend.Layer) error {
		if err := l.Load(env); err != nil {
			return err
		}
		loaded = append(loaded, l)
		return nil
	})
	if err != nil {
		for i := len(loaded) - 1; i >= 0; i-- {
			loaded[i].Unload()
		}
		return err
	}
	return nil
}

// UnloadAll calls Unload on every layer, innermost first (reverse of
// LoadAll), mirroring nbdkit shutdown order.
func (c *Chain) UnloadAll() {
	layers := c.collect()
	for i := len(layers) - 1; i >= 0; i-- {
		layers[i].Unload()
	}
}

// GetReadyAll calls GetReady on every layer, outermost first, once after
// every layer has loaded.
func (c *Chain) GetReadyAll() error {
	return c.walk(func(l backend.Layer) error { return l.GetReady() })
}

// CleanupAll calls Cleanup on every layer, innermost first, at process
// shutdown.
func (c *Chain) CleanupAll() {
	layers := c.collect()
	for i := len(layers) - 1; i >= 0; i-- {
		layers[i].Cleanup()
	}
}

func (c *Chain) collect() []backend.Layer {
	return c.layers
}

func (c *Chain) walk(fn func(backend.Layer) error) error {
	for _, l := range c.layers {
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}
