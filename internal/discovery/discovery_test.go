package discovery_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/cookiemonster/cookiemonster/internal/discovery"
	"github.com/cookiemonster/cookiemonster/internal/errs"
)

func newFakeBrowser(t *testing.T, targets []discovery.Target) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(targets)
	})
	return httptest.NewServer(mux)
}

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return u.Hostname(), port
}

func TestDiscoverPicksFirstPageWithoutHint(t *testing.T) {
	srv := newFakeBrowser(t, []discovery.Target{
		{Type: "background_page", URL: "chrome-extension://x", WebSocketDebuggerURL: "ws://x"},
		{Type: "page", URL: "https://example.com", Title: "Example", WebSocketDebuggerURL: "ws://example"},
		{Type: "page", URL: "https://other.com", WebSocketDebuggerURL: "ws://other"},
	})
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	got, err := discovery.Discover(context.Background(), discovery.Options{Host: host, Port: port, Timeout: time.Second, Retries: 1})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got != "ws://example" {
		t.Errorf("got %q, want ws://example", got)
	}
}

func TestDiscoverMatchesHint(t *testing.T) {
	srv := newFakeBrowser(t, []discovery.Target{
		{Type: "page", URL: "https://example.com", WebSocketDebuggerURL: "ws://example"},
		{Type: "page", URL: "https://target.com/login", WebSocketDebuggerURL: "ws://target"},
	})
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	got, err := discovery.Discover(context.Background(), discovery.Options{Host: host, Port: port, TargetHint: "login", Timeout: time.Second, Retries: 1})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got != "ws://target" {
		t.Errorf("got %q, want ws://target", got)
	}
}

func TestDiscoverNoPageTargetsFails(t *testing.T) {
	srv := newFakeBrowser(t, []discovery.Target{
		{Type: "background_page", URL: "chrome-extension://x"},
	})
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	_, err := discovery.Discover(context.Background(), discovery.Options{Host: host, Port: port, Timeout: time.Second, Retries: 1})
	if errs.KindOf(err) != errs.NoDebuggableTarget {
		t.Errorf("got kind %v, want NoDebuggableTarget", errs.KindOf(err))
	}
}
