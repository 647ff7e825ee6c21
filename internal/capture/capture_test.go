package capture_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cookiemonster/cookiemonster/internal/capture"
	"github.com/cookiemonster/cookiemonster/internal/capturestore"
	"github.com/cookiemonster/cookiemonster/internal/logging"
)

type rpcFrame struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// newFakeDebugTarget serves /json/version, /json, and a WebSocket endpoint
// that enables Network domain handling and emits a fixed sequence of
// requestWillBeSent events.
func newFakeDebugTarget(t *testing.T, events []string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	var wsURL string
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]string{
			{"type": "page", "url": "https://example.com", "webSocketDebuggerUrl": wsURL},
		})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := context.Background()

		// Consume Network.enable and respond.
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req rpcFrame
		json.Unmarshal(data, &req)
		resp, _ := json.Marshal(map[string]any{"id": *req.ID, "result": map[string]any{}})
		conn.Write(ctx, websocket.MessageText, resp)

		for _, evt := range events {
			conn.Write(ctx, websocket.MessageText, []byte(evt))
		}
		<-ctx.Done()
	})

	srv := httptest.NewServer(mux)
	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return srv
}

func TestRunCapturesFilteredRecords(t *testing.T) {
	events := []string{
		`{"method":"Network.requestWillBeSent","params":{"requestId":"1","request":{"url":"https://example.com/login","method":"POST","headers":{"Cookie":"s=1","Accept":"text/html"}},"type":"Document"}}`,
		`{"method":"Network.requestWillBeSent","params":{"requestId":"2","request":{"url":"https://example.com/img.png","method":"GET","headers":{"Accept":"image/png"}},"type":"Image"}}`,
	}
	srv := newFakeDebugTarget(t, events)
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	outFile := filepath.Join(t.TempDir(), "capture.jsonl")

	summary, err := capture.Run(context.Background(), capture.Config{
		Host:               u.Hostname(),
		Port:               port,
		DurationSeconds:    1,
		MaxRecords:         2,
		ResourceTypeFilter: []string{"Document"},
		OutputFile:         outFile,
		ConnectTimeout:     time.Second,
		CallTimeout:        time.Second,
		DiscoveryRetries:   1,
		Workers:            2,
	}, logging.New(logging.LevelError))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Give the async worker a moment to flush after MaxRecords/duration
	// termination races with in-flight processing.
	time.Sleep(100 * time.Millisecond)

	if summary.DroppedByFilter == 0 {
		t.Error("expected the Image resource to be dropped by ResourceTypeFilter")
	}

	records, _, err := capturestore.LoadAll(outFile, nil)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1 (only the Document request)", len(records))
	}
	if records[0].RequestID != "1" {
		t.Errorf("RequestID = %q, want 1", records[0].RequestID)
	}
	if _, ok := records[0].Headers.Get("Cookie"); !ok {
		t.Error("Cookie header should be retained by default (auth-classified)")
	}
	if _, ok := records[0].Headers.Get("Accept"); ok {
		t.Error("Accept header should be dropped when IncludeAllHeaders is false")
	}
}
