// Package cookiemonster is the programmatic facade fronting the capture
// pipeline and replay engine (spec.md §4.I): a single typed entry point
// with no global state, so a process may own several independent
// Engine instances — each with its own adapter registry and replay
// policy — at once.
package cookiemonster

import (
	"context"

	"github.com/cookiemonster/cookiemonster/internal/adapter"
	"github.com/cookiemonster/cookiemonster/internal/capture"
	"github.com/cookiemonster/cookiemonster/internal/logging"
	"github.com/cookiemonster/cookiemonster/internal/replay"
)

// CaptureConfig is capture.Config re-exported at the facade boundary so
// callers need not import internal/capture directly.
type CaptureConfig = capture.Config

// CaptureSummary is capture.Summary re-exported at the facade boundary.
type CaptureSummary = capture.Summary

// ReplayConfig is replay.Config re-exported at the facade boundary.
type ReplayConfig = replay.Config

// ReplayResult is replay.Result re-exported at the facade boundary.
type ReplayResult = replay.Result

// ReplayPolicy is replay.Policy re-exported at the facade boundary.
type ReplayPolicy = replay.Policy

// Config holds Engine-wide construction-time settings.
type Config struct {
	// Policy, when set, is enforced on every Replay call this Engine
	// makes (spec.md §4.I: "accepts an optional ReplayPolicy at
	// construction").
	Policy ReplayPolicy
	// Logger receives capture-pipeline diagnostics. If nil, an
	// error-level logger writing to stderr is used.
	Logger *logging.Logger
}

// Option customizes an Engine at construction.
type Option func(*Engine)

// WithAdapter registers a named Adapter in the Engine's registry, where
// Engine.Adapter resolves it for a CaptureConfig (spec.md §9). Replays
// do not apply adapters.
func WithAdapter(name string, a adapter.Adapter) Option {
	return func(e *Engine) { e.adapters.Register(name, a) }
}

// Engine is one independent capture/replay facade instance. It owns no
// shared package-level state: every Engine's adapter registry, policy,
// and logger are private to that instance.
type Engine struct {
	policy   ReplayPolicy
	log      *logging.Logger
	adapters *adapter.Registry
}

// New constructs an Engine from cfg and opts.
func New(cfg Config, opts ...Option) *Engine {
	log := cfg.Logger
	if log == nil {
		log = logging.New(logging.LevelError)
	}
	e := &Engine{
		policy:   cfg.Policy,
		log:      log,
		adapters: adapter.NewRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Capture runs one capture per CaptureConfig (spec.md §4.F) and returns
// its summary. Set cfg.Adapter (via Engine.Adapter) to apply a header
// rewrite registered with WithAdapter.
func (e *Engine) Capture(ctx context.Context, cfg CaptureConfig) (CaptureSummary, error) {
	return capture.Run(ctx, cfg, e.log)
}

// Replay runs one replay per ReplayConfig (spec.md §4.G) against this
// Engine's configured ReplayPolicy and returns the result.
func (e *Engine) Replay(ctx context.Context, cfg ReplayConfig) (ReplayResult, error) {
	return replay.Run(ctx, cfg, e.policy)
}

// Adapter resolves a named adapter from this Engine's registry, for
// callers building a CaptureConfig that wants to set its own Adapter
// field to one registered via WithAdapter. ReplayConfig has no Adapter
// field.
func (e *Engine) Adapter(name string) (adapter.Adapter, bool) {
	return e.adapters.Get(name)
}
