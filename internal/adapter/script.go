package adapter

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/robertkrimen/otto"

	"github.com/cookiemonster/cookiemonster/internal/capturestore"
	"github.com/cookiemonster/cookiemonster/internal/errs"
	"github.com/cookiemonster/cookiemonster/internal/headerpolicy"
)

// ScriptAdapter rewrites a record's headers by running an operator-supplied
// JavaScript snippet (a `function rewrite(headers) { ...; return headers;
// }` definition) in a sandboxed otto VM.
//
// Grounded on jschallenge/solver.go's OttoSolver: one VM per adapter
// instance, a mutex serializes Eval, and a minimal browser-like global
// object is seeded before the operator script runs — the same shape,
// repurposed here from "solve an anti-bot JS challenge" to "apply a
// small, operator-authored header tweak". ScriptAdapter is never called
// from the CDP reader goroutine; internal/capture always runs it inside
// a worker, same as a getRequestPostData round trip, so a slow script
// cannot stall event delivery.
type ScriptAdapter struct {
	vm      *otto.Otto
	mu      sync.Mutex
	timeout time.Duration
}

// NewScriptAdapter compiles script once and returns a ScriptAdapter ready
// to evaluate it per record. script must define a top-level `rewrite`
// function taking and returning a headers object. timeout bounds each
// RewriteHeaders call; a zero timeout means no bound.
func NewScriptAdapter(script string, timeout time.Duration) (*ScriptAdapter, error) {
	vm := otto.New()
	bootstrap := `
var window = this;
var document = { cookie: "" };
var navigator = { userAgent: "Mozilla/5.0 (compatible; CookieMonster/1.0)" };
`
	if _, err := vm.Run(bootstrap); err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, err, "adapter: bootstrap JS globals")
	}
	if _, err := vm.Run(script); err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, err, "adapter: compile script")
	}
	fn, err := vm.Get("rewrite")
	if err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, err, "adapter: lookup rewrite function")
	}
	if !fn.IsFunction() {
		return nil, errs.New(errs.ConfigInvalid, "adapter: script does not define a rewrite function")
	}
	return &ScriptAdapter{vm: vm, timeout: timeout}, nil
}

// RewriteHeaders implements Adapter by calling the script's rewrite
// function with the record's headers serialized to a plain JS object,
// then replacing the record's headers with whatever the function
// returns.
func (a *ScriptAdapter) RewriteHeaders(record *capturestore.CaptureRecord) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timeout > 0 {
		a.vm.Interrupt = make(chan func(), 1)
		timer := time.AfterFunc(a.timeout, func() {
			a.vm.Interrupt <- func() {
				panic(scriptTimeout{})
			}
		})
		defer timer.Stop()
		defer func() {
			if caught := recover(); caught != nil {
				if _, ok := caught.(scriptTimeout); ok {
					err = errs.New(errs.ConfigInvalid, "adapter: script exceeded %s", a.timeout)
					return
				}
				panic(caught)
			}
		}()
	}

	in := record.Headers.ToMap()
	rewriteFn, getErr := a.vm.Get("rewrite")
	if getErr != nil {
		return errs.Wrap(errs.ConfigInvalid, getErr, "adapter: lookup rewrite function")
	}
	result, callErr := rewriteFn.Call(otto.NullValue(), in)
	if callErr != nil {
		return errs.Wrap(errs.ConfigInvalid, callErr, "adapter: run script")
	}
	if !result.IsObject() {
		return errs.New(errs.ConfigInvalid, "adapter: rewrite() must return an object, got %s", result.Class())
	}

	exported, exportErr := result.Export()
	if exportErr != nil {
		return errs.Wrap(errs.ConfigInvalid, exportErr, "adapter: export rewrite() result")
	}
	encoded, marshalErr := json.Marshal(exported)
	if marshalErr != nil {
		return errs.Wrap(errs.ConfigInvalid, marshalErr, "adapter: marshal rewrite() result")
	}
	var out map[string]string
	if err := json.Unmarshal(encoded, &out); err != nil {
		return errs.Wrap(errs.ConfigInvalid, err, "adapter: rewrite() result is not a string map")
	}

	rewritten := headerpolicy.FromMap(out)
	record.Headers = rewritten
	return nil
}

// scriptTimeout is panicked through otto's Interrupt channel and
// recovered in RewriteHeaders; it carries no data, it is only a marker
// type distinguishing a deliberate timeout from any other script panic.
type scriptTimeout struct{}
