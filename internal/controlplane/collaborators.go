package controlplane

import "context"

// SessionHealthChecker is the external collaborator /session-health
// delegates to (spec.md §1: "diagnostic subcommands... out of scope").
// No implementation ships with this module; a Server without one
// configured answers every /session-health request with 501.
type SessionHealthChecker interface {
	CheckSessionHealth(ctx context.Context, captureFile string) (healthy bool, detail string, err error)
}

// Differ is the external collaborator /diff delegates to. No
// implementation ships with this module; a Server without one configured
// answers every /diff request with 501.
type Differ interface {
	Diff(ctx context.Context, left, right string) (diff string, err error)
}

// BrowserSession is the external collaborator /ui/cache-auth delegates to
// for launching or attaching to a browser before driving a capture run.
// No implementation ships with this module; a Server without one
// configured answers every /ui/cache-auth request with 501.
type BrowserSession interface {
	LaunchOrAttach(ctx context.Context, targetHint string) (host string, port int, err error)
}
