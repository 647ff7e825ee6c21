// Package replay implements the replay engine (spec.md §4.G): select a
// capture, build an outbound HTTP request from it, enforce guardrails
// before issuing any I/O, execute with retry, and follow redirects under
// the same domain policy.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cookiemonster/cookiemonster/internal/capturestore"
	"github.com/cookiemonster/cookiemonster/internal/cryptostore"
	"github.com/cookiemonster/cookiemonster/internal/errs"
	"github.com/cookiemonster/cookiemonster/internal/headerpolicy"
	"github.com/cookiemonster/cookiemonster/internal/retry"
)

// maxResponseBytes caps the buffered response body (spec.md §4.G step 7:
// "body is returned as bytes with a 64 MiB cap").
const maxResponseBytes = 64 << 20

// defaultMaxRedirects matches spec.md §4.G step 6 ("up to 10 by
// default").
const defaultMaxRedirects = 10

// hopByHopHeaders are stripped from the capture's headers before replay
// (spec.md §4.G step 3).
var hopByHopHeaders = []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade"}

// BodyKind names which Body rule a Config uses (spec.md §3
// ReplayConfig.body).
type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyCaptured
	BodyInline
	BodyFile
	BodyJSON
)

// Body describes the outbound request body to use.
type Body struct {
	Kind   BodyKind
	Inline []byte
	Path   string
	JSON   any
}

// RetryConfig mirrors spec.md §3's `retry` field.
type RetryConfig struct {
	Attempts       int
	BackoffSeconds float64
	Jitter         bool
}

// Config describes one replay request (spec.md §3 ReplayConfig).
type Config struct {
	CaptureFile         string
	Selector            capturestore.Selector
	RequestURL          string
	Method              string
	Body                Body
	ExtraHeaders        map[string]string
	Retry               RetryConfig
	TimeoutSeconds      float64
	EncryptionKeySource cryptostore.KeySource
	EnforceCaptureHost  bool
	MaxRedirects        int
	Transport           TransportConfig
}

// Result is spec.md §3's ReplayResult.
type Result struct {
	StatusCode               int
	ResponseHeaders          http.Header
	ResponseBodyBytes        []byte
	ElapsedMs                int64
	Attempts                 int
	FinalURLAfterRedirects   string
	SelectedCaptureRequestID string
}

// Run executes spec.md §4.G's algorithm end to end.
func Run(ctx context.Context, cfg Config, policy Policy) (Result, error) {
	start := time.Now()

	var key []byte
	if !cfg.EncryptionKeySource.Empty() {
		var err error
		key, err = cryptostore.Resolve(cfg.EncryptionKeySource)
		if err != nil {
			return Result{}, err
		}
	}

	records, _, err := capturestore.LoadAll(cfg.CaptureFile, key)
	if err != nil {
		return Result{}, err
	}

	selected, ok := capturestore.Select(records, cfg.Selector)
	if !ok {
		return Result{}, errs.New(errs.NoMatchingCapture, "replay: no capture record matched the selector")
	}

	method := cfg.Method
	if method == "" {
		method = selected.Method
	}

	bodyBytes, contentType, err := resolveBody(cfg.Body, selected)
	if err != nil {
		return Result{}, err
	}

	headers := buildHeaders(selected, cfg.ExtraHeaders, contentType)

	req, err := http.NewRequestWithContext(ctx, method, cfg.RequestURL, nil)
	if err != nil {
		return Result{}, errs.Wrap(errs.ConfigInvalid, err, "replay: build request")
	}
	headers.ApplyToRequest(req)

	if err := enforceGuards(req, selected.Host, policy, cfg.EnforceCaptureHost); err != nil {
		return Result{}, err
	}

	maxRedirects := cfg.MaxRedirects
	if maxRedirects == 0 {
		maxRedirects = defaultMaxRedirects
	}

	transport, err := newTransport(cfg.Transport)
	if err != nil {
		return Result{}, errs.Wrap(errs.ConfigInvalid, err, "replay: build transport")
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   timeoutDuration(cfg.TimeoutSeconds),
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return http.ErrUseLastResponse
			}
			if len(policy.AllowedDomains) > 0 && !strings.EqualFold(r.URL.Hostname(), via[0].URL.Hostname()) {
				if !hostAllowed(r.URL.Hostname(), policy.AllowedDomains) {
					return http.ErrUseLastResponse
				}
			}
			return nil
		},
	}

	attempts := 0
	var resp *http.Response
	policyRetry := retryPolicy(cfg.Retry)

	err = retry.Do(ctx, policyRetry, shouldRetryReplay, func(attempt int) error {
		attempts = attempt
		// The previous attempt's response, if any, is being discarded in
		// favor of this one; close it now rather than leaking it.
		if resp != nil {
			resp.Body.Close()
			resp = nil
		}
		r := req.Clone(ctx)
		if bodyBytes != nil {
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			r.ContentLength = int64(len(bodyBytes))
		}
		var doErr error
		resp, doErr = client.Do(r)
		if doErr != nil {
			return errs.Wrap(errs.Transient, doErr, "replay: request attempt %d", attempt)
		}
		if resp.StatusCode >= 500 {
			return errs.New(errs.Transient, "replay: attempt %d got %d", attempt, resp.StatusCode)
		}
		return nil
	})
	// Retry exhaustion on a 5xx still leaves that response in resp (the
	// callback above only closes a response it is about to replace, not
	// the final one); spec.md §8.6 requires returning that last 5xx as a
	// successful Result rather than surfacing it as an error.
	if err != nil && resp == nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBytes+1)
	bodyOut, readErr := io.ReadAll(limited)
	if readErr != nil {
		return Result{}, errs.Wrap(errs.Transient, readErr, "replay: read response body")
	}
	if len(bodyOut) > maxResponseBytes {
		return Result{}, errs.New(errs.ResponseTooLarge, "replay: response body exceeded %d bytes", maxResponseBytes)
	}

	return Result{
		StatusCode:               resp.StatusCode,
		ResponseHeaders:          resp.Header,
		ResponseBodyBytes:        bodyOut,
		ElapsedMs:                time.Since(start).Milliseconds(),
		Attempts:                 attempts,
		FinalURLAfterRedirects:   resp.Request.URL.String(),
		SelectedCaptureRequestID: selected.RequestID,
	}, nil
}

func timeoutDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// retryPolicy translates spec.md §3's retry field into an
// internal/retry.Policy. The backoff formula itself —
// backoff_seconds * 2^(n-1) — is exactly what jpillora/backoff's
// exponential-doubling Duration() computes from Min=base, so MaxDelay is
// set high enough that the attempts cap (not a delay cap) bounds the
// loop.
func retryPolicy(cfg RetryConfig) retry.Policy {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	base := time.Duration(cfg.BackoffSeconds * float64(time.Second))
	return retry.Policy{
		MaxAttempts: attempts,
		BaseDelay:   base,
		MaxDelay:    base << uint(attempts),
		Jitter:      cfg.Jitter,
	}
}

// shouldRetryReplay only retries Transient-kind failures (network errors,
// 5xx) per spec.md §4.G step 5; 4xx responses surface as a nil error from
// Run's inner func and so never reach this predicate.
func shouldRetryReplay(err error) bool {
	return errs.KindOf(err) == errs.Transient
}

func buildHeaders(selected capturestore.CaptureRecord, extra map[string]string, contentType string) *headerpolicy.Headers {
	h := selected.Headers.Clone()
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
	for _, name := range h.Names() {
		if strings.HasPrefix(strings.ToLower(name), "proxy-") {
			h.Del(name)
		}
	}
	for name, value := range extra {
		h.Set(name, value)
	}
	if contentType != "" {
		if _, ok := h.Get("Content-Type"); !ok {
			h.Set("Content-Type", contentType)
		}
	}
	return h
}

func resolveBody(b Body, selected capturestore.CaptureRecord) ([]byte, string, error) {
	switch b.Kind {
	case BodyNone:
		return nil, "", nil
	case BodyCaptured:
		if selected.PostData == nil {
			return nil, "", nil
		}
		return []byte(*selected.PostData), "", nil
	case BodyInline:
		return b.Inline, "", nil
	case BodyFile:
		data, err := os.ReadFile(b.Path) // #nosec G304 -- operator-supplied replay body path
		if err != nil {
			return nil, "", errs.Wrap(errs.ConfigInvalid, err, "replay: read body file %q", b.Path)
		}
		return data, "", nil
	case BodyJSON:
		data, err := json.Marshal(b.JSON)
		if err != nil {
			return nil, "", errs.Wrap(errs.ConfigInvalid, err, "replay: marshal JSON body")
		}
		return data, "application/json", nil
	default:
		return nil, "", errs.New(errs.ConfigInvalid, "replay: unknown body kind %d", b.Kind)
	}
}
