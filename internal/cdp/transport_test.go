package cdp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cookiemonster/cookiemonster/internal/cdp"
)

// serverFrame is what the fake CDP endpoint in these tests exchanges with
// the transport under test.
type serverFrame struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func newFakeCDPServer(t *testing.T, handle func(conn *websocket.Conn)) (wsURL string, cleanup func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handle(conn)
	}))
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/", srv.Close
}

func TestCallRoundTrip(t *testing.T) {
	wsURL, cleanup := newFakeCDPServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req serverFrame
		json.Unmarshal(data, &req)
		resp, _ := json.Marshal(map[string]any{"id": *req.ID, "result": map[string]string{"ok": "yes"}})
		conn.Write(ctx, websocket.MessageText, resp)
		<-ctx.Done()
	})
	defer cleanup()

	tr, err := cdp.Connect(context.Background(), wsURL, time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	result, err := tr.Call(context.Background(), "Target.attach", nil, time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var got struct {
		OK string `json:"ok"`
	}
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got.OK != "yes" {
		t.Errorf("got %q, want yes", got.OK)
	}
}

func TestSubscribeDispatchesEvent(t *testing.T) {
	wsURL, cleanup := newFakeCDPServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		evt, _ := json.Marshal(map[string]any{
			"method": "Network.requestWillBeSent",
			"params": map[string]string{"requestId": "42"},
		})
		conn.Write(ctx, websocket.MessageText, evt)
		<-ctx.Done()
	})
	defer cleanup()

	tr, err := cdp.Connect(context.Background(), wsURL, time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	received := make(chan json.RawMessage, 1)
	tr.Subscribe("Network.requestWillBeSent", func(params json.RawMessage) {
		received <- params
	})

	select {
	case params := <-received:
		var got struct {
			RequestID string `json:"requestId"`
		}
		json.Unmarshal(params, &got)
		if got.RequestID != "42" {
			t.Errorf("requestId = %q, want 42", got.RequestID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event dispatch")
	}
}

func TestCloseUnblocksPendingCall(t *testing.T) {
	wsURL, cleanup := newFakeCDPServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		conn.Read(ctx) // absorb the Call's write, then never respond
	})
	defer cleanup()

	tr, err := cdp.Connect(context.Background(), wsURL, time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := tr.Call(context.Background(), "Never.responds", nil, 5*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	tr.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected Close to unblock Call with an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Call did not unblock after Close")
	}
}
