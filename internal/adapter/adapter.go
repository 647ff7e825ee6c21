// Package adapter implements spec.md §9's "plugin adapters": a stateless,
// name-resolved capability that rewrites a capture record's headers
// after retention filtering during capture, letting an operator express
// a domain-specific header tweak without a compiled Go plugin. The
// replay engine does not apply adapters.
package adapter

import (
	"github.com/cookiemonster/cookiemonster/internal/capturestore"
)

// Adapter rewrites a candidate record's headers in place. It matches
// internal/capture.Config's Adapter field; internal/replay.Config has no
// adapter field, so registered adapters apply to captures only.
type Adapter interface {
	RewriteHeaders(record *capturestore.CaptureRecord) error
}

// NoopAdapter leaves the record untouched. It is the default for
// captures that name no adapter.
type NoopAdapter struct{}

// RewriteHeaders implements Adapter by doing nothing.
func (NoopAdapter) RewriteHeaders(*capturestore.CaptureRecord) error { return nil }

// Registry resolves an Adapter by the name a capture request names
// (spec.md §9).
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates a Registry pre-populated with "" and "noop"
// mapped to NoopAdapter.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	r.Register("", NoopAdapter{})
	r.Register("noop", NoopAdapter{})
	return r
}

// Register adds or replaces the adapter registered under name.
func (r *Registry) Register(name string, a Adapter) {
	r.adapters[name] = a
}

// Get resolves name to its registered Adapter.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}
