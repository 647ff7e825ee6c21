// Package discovery probes a browser's remote-debugging endpoint to find
// a target to attach the CDP transport (internal/cdp) to (spec.md §4.E).
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cookiemonster/cookiemonster/internal/errs"
	"github.com/cookiemonster/cookiemonster/internal/retry"
)

// Target is one entry from GET /json.
type Target struct {
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	Title                string `json:"title"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Options configures a discovery attempt.
type Options struct {
	Host       string
	Port       int
	TargetHint string
	Timeout    time.Duration
	Retries    int
}

// baseDelay/maxDelay match spec.md §4.E: "exponential backoff (base 250
// ms, cap 2 s)".
const (
	baseDelay = 250 * time.Millisecond
	maxDelay  = 2 * time.Second
)

// Discover probes /json/version until it answers, then lists targets via
// /json and returns the WebSocket debugger URL of the selected one.
func Discover(ctx context.Context, opts Options) (string, error) {
	client := &http.Client{Timeout: opts.Timeout}
	base := fmt.Sprintf("http://%s:%d", opts.Host, opts.Port)

	policy := retry.Policy{MaxAttempts: maxInt(opts.Retries, 1), BaseDelay: baseDelay, MaxDelay: maxDelay, Jitter: false}
	err := retry.Do(ctx, policy, nil, func(attempt int) error {
		return probeVersion(ctx, client, base)
	})
	if err != nil {
		return "", errs.Wrap(errs.NoDebuggableTarget, err, "discovery: /json/version never returned 200")
	}

	targets, err := listTargets(ctx, client, base)
	if err != nil {
		return "", errs.Wrap(errs.NoDebuggableTarget, err, "discovery: fetch /json")
	}

	selected, ok := selectTarget(targets, opts.TargetHint)
	if !ok {
		return "", errs.New(errs.NoDebuggableTarget, "discovery: no page target available at %s", base)
	}
	return selected.WebSocketDebuggerURL, nil
}

func probeVersion(ctx context.Context, client *http.Client, base string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/json/version", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("discovery: /json/version returned %d", resp.StatusCode)
	}
	return nil
}

func listTargets(ctx context.Context, client *http.Client, base string) ([]Target, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/json", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery: /json returned %d", resp.StatusCode)
	}
	var targets []Target
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("discovery: decode /json: %w", err)
	}
	return targets, nil
}

// selectTarget implements spec.md §4.E step 3: first page target matching
// the hint (case-insensitive, in url or title); else the first page
// target; else no match.
func selectTarget(targets []Target, hint string) (Target, bool) {
	var firstPage *Target
	hint = strings.ToLower(hint)
	for i := range targets {
		t := &targets[i]
		if t.Type != "page" {
			continue
		}
		if firstPage == nil {
			firstPage = t
		}
		if hint != "" && (strings.Contains(strings.ToLower(t.URL), hint) || strings.Contains(strings.ToLower(t.Title), hint)) {
			return *t, true
		}
	}
	if hint == "" && firstPage != nil {
		return *firstPage, true
	}
	if firstPage != nil {
		return *firstPage, true
	}
	return Target{}, false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
