package replay_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cookiemonster/cookiemonster/internal/capturestore"
	"github.com/cookiemonster/cookiemonster/internal/errs"
	"github.com/cookiemonster/cookiemonster/internal/headerpolicy"
	"github.com/cookiemonster/cookiemonster/internal/replay"
)

func writeCaptureFile(t *testing.T, records ...capturestore.CaptureRecord) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	w, err := capturestore.OpenAppend(path, nil)
	if err != nil {
		t.Fatalf("OpenAppend: %v", err)
	}
	for _, r := range records {
		if err := w.Append(r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func captureRecord(t *testing.T, requestID, host, rawURL string, headers *headerpolicy.Headers) capturestore.CaptureRecord {
	t.Helper()
	r, ok := capturestore.NewCaptureRecord(requestID, "GET", rawURL, "Document", headers, nil, time.Now(), nil)
	if !ok {
		t.Fatalf("NewCaptureRecord(%q) not ok", rawURL)
	}
	r.Host = host
	return r
}

func noRetry() replay.RetryConfig {
	return replay.RetryConfig{Attempts: 1}
}

func fastRetry(attempts int) replay.RetryConfig {
	return replay.RetryConfig{Attempts: attempts, BackoffSeconds: 0.001}
}

func TestRunReplaysSelectedRecordAndStripsHopByHop(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	headers := headerpolicy.NewHeaders()
	headers.Set("Cookie", "s=abc")
	headers.Set("Connection", "keep-alive")
	headers.Set("Proxy-Authorization", "Basic xyz")
	record := captureRecord(t, "1", u.Hostname(), srv.URL+"/login", headers)
	capFile := writeCaptureFile(t, record)

	result, err := replay.Run(context.Background(), replay.Config{
		CaptureFile:    capFile,
		Selector:       capturestore.Selector{URLSubstring: "/login"},
		RequestURL:     srv.URL + "/login",
		Retry:          noRetry(),
		TimeoutSeconds: 5,
	}, replay.Policy{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", result.StatusCode)
	}
	if v := gotHeaders.Get("Cookie"); v != "s=abc" {
		t.Errorf("Cookie header = %q, want s=abc", v)
	}
	if v := gotHeaders.Get("Connection"); v != "" {
		t.Errorf("Connection header should be stripped, got %q", v)
	}
	if v := gotHeaders.Get("Proxy-Authorization"); v != "" {
		t.Errorf("Proxy-Authorization header should be stripped, got %q", v)
	}
	if result.SelectedCaptureRequestID != "1" {
		t.Errorf("SelectedCaptureRequestID = %q, want 1", result.SelectedCaptureRequestID)
	}
}

func TestRunExtraHeadersOverrideCapturedHeaders(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	headers := headerpolicy.NewHeaders()
	headers.Set("Authorization", "Bearer stale")
	record := captureRecord(t, "1", u.Hostname(), srv.URL+"/x", headers)
	capFile := writeCaptureFile(t, record)

	_, err := replay.Run(context.Background(), replay.Config{
		CaptureFile:    capFile,
		Selector:       capturestore.Selector{URLSubstring: "/x"},
		RequestURL:     srv.URL + "/x",
		ExtraHeaders:   map[string]string{"Authorization": "Bearer fresh"},
		Retry:          noRetry(),
		TimeoutSeconds: 5,
	}, replay.Policy{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gotAuth != "Bearer fresh" {
		t.Errorf("Authorization = %q, want Bearer fresh", gotAuth)
	}
}

func TestRunRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	record := captureRecord(t, "1", u.Hostname(), srv.URL+"/x", headerpolicy.NewHeaders())
	capFile := writeCaptureFile(t, record)

	result, err := replay.Run(context.Background(), replay.Config{
		CaptureFile:    capFile,
		Selector:       capturestore.Selector{URLSubstring: "/x"},
		RequestURL:     srv.URL + "/x",
		Retry:          fastRetry(5),
		TimeoutSeconds: 5,
	}, replay.Policy{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", result.StatusCode)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
	if calls.Load() != 3 {
		t.Errorf("server saw %d calls, want 3", calls.Load())
	}
}

func TestRunExhaustsRetriesReturnsLast5xxAsResult(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("unavailable"))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	record := captureRecord(t, "1", u.Hostname(), srv.URL+"/x", headerpolicy.NewHeaders())
	capFile := writeCaptureFile(t, record)

	result, err := replay.Run(context.Background(), replay.Config{
		CaptureFile:    capFile,
		Selector:       capturestore.Selector{URLSubstring: "/x"},
		RequestURL:     srv.URL + "/x",
		Retry:          fastRetry(3),
		TimeoutSeconds: 5,
	}, replay.Policy{})
	if err != nil {
		t.Fatalf("Run: %v, want a successful Result carrying the last 503", err)
	}
	if result.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", result.StatusCode)
	}
	if string(result.ResponseBodyBytes) != "unavailable" {
		t.Errorf("ResponseBodyBytes = %q, want %q", result.ResponseBodyBytes, "unavailable")
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
	if calls.Load() != 3 {
		t.Errorf("server saw %d calls, want 3", calls.Load())
	}
}

func TestRunDoesNotRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	record := captureRecord(t, "1", u.Hostname(), srv.URL+"/x", headerpolicy.NewHeaders())
	capFile := writeCaptureFile(t, record)

	result, err := replay.Run(context.Background(), replay.Config{
		CaptureFile:    capFile,
		Selector:       capturestore.Selector{URLSubstring: "/x"},
		RequestURL:     srv.URL + "/x",
		Retry:          fastRetry(5),
		TimeoutSeconds: 5,
	}, replay.Policy{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", result.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("server saw %d calls, want 1 (no retry on 4xx)", calls.Load())
	}
}

func TestRunCaptureHostMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	record := captureRecord(t, "1", "totally-different-host.example", srv.URL+"/x", headerpolicy.NewHeaders())
	capFile := writeCaptureFile(t, record)

	_, err := replay.Run(context.Background(), replay.Config{
		CaptureFile:        capFile,
		Selector:           capturestore.Selector{URLSubstring: "/x"},
		RequestURL:         srv.URL + "/x",
		EnforceCaptureHost: true,
		Retry:              noRetry(),
		TimeoutSeconds:     5,
	}, replay.Policy{})
	if errs.KindOf(err) != errs.CaptureHostMismatch {
		t.Fatalf("KindOf(err) = %v, want CaptureHostMismatch", errs.KindOf(err))
	}
}

func TestRunDomainNotAllowedFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	record := captureRecord(t, "1", u.Hostname(), srv.URL+"/x", headerpolicy.NewHeaders())
	capFile := writeCaptureFile(t, record)

	_, err := replay.Run(context.Background(), replay.Config{
		CaptureFile:    capFile,
		Selector:       capturestore.Selector{URLSubstring: "/x"},
		RequestURL:     srv.URL + "/x",
		Retry:          noRetry(),
		TimeoutSeconds: 5,
	}, replay.Policy{AllowedDomains: []string{"totally-different.example"}})
	if errs.KindOf(err) != errs.DomainNotAllowed {
		t.Fatalf("KindOf(err) = %v, want DomainNotAllowed", errs.KindOf(err))
	}
}

func TestRunNoMatchingCaptureFails(t *testing.T) {
	record := captureRecord(t, "1", "example.com", "https://example.com/x", headerpolicy.NewHeaders())
	capFile := writeCaptureFile(t, record)

	_, err := replay.Run(context.Background(), replay.Config{
		CaptureFile:    capFile,
		Selector:       capturestore.Selector{URLSubstring: "/nope"},
		RequestURL:     "https://example.com/x",
		Retry:          noRetry(),
		TimeoutSeconds: 5,
	}, replay.Policy{})
	if errs.KindOf(err) != errs.NoMatchingCapture {
		t.Fatalf("KindOf(err) = %v, want NoMatchingCapture", errs.KindOf(err))
	}
}

func TestRunStopsAtRedirectAcrossDisallowedHost(t *testing.T) {
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should never reach the cross-host redirect target")
	}))
	defer other.Close()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, other.URL+"/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	record := captureRecord(t, "1", u.Hostname(), srv.URL+"/x", headerpolicy.NewHeaders())
	capFile := writeCaptureFile(t, record)

	otherURL, _ := url.Parse(other.URL)
	result, err := replay.Run(context.Background(), replay.Config{
		CaptureFile:    capFile,
		Selector:       capturestore.Selector{URLSubstring: "/x"},
		RequestURL:     srv.URL + "/x",
		Retry:          noRetry(),
		TimeoutSeconds: 5,
	}, replay.Policy{AllowedDomains: []string{u.Hostname()}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want 302 (redirect not followed across disallowed host %s)", result.StatusCode, otherURL.Hostname())
	}
}

func TestRunFollowsRedirectWithinAllowedDomain(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	record := captureRecord(t, "1", u.Hostname(), srv.URL+"/start", headerpolicy.NewHeaders())
	capFile := writeCaptureFile(t, record)

	result, err := replay.Run(context.Background(), replay.Config{
		CaptureFile:    capFile,
		Selector:       capturestore.Selector{URLSubstring: "/start"},
		RequestURL:     srv.URL + "/start",
		Retry:          noRetry(),
		TimeoutSeconds: 5,
	}, replay.Policy{AllowedDomains: []string{u.Hostname()}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200 (same-host redirect followed)", result.StatusCode)
	}
}

func TestRunBodyJSONSetsContentType(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	record := captureRecord(t, "1", u.Hostname(), srv.URL+"/x", headerpolicy.NewHeaders())
	capFile := writeCaptureFile(t, record)

	_, err := replay.Run(context.Background(), replay.Config{
		CaptureFile:    capFile,
		Selector:       capturestore.Selector{URLSubstring: "/x"},
		RequestURL:     srv.URL + "/x",
		Method:         "POST",
		Body:           replay.Body{Kind: replay.BodyJSON, JSON: map[string]string{"a": "b"}},
		Retry:          noRetry(),
		TimeoutSeconds: 5,
	}, replay.Policy{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
}

