// Package cdp implements a minimal JSON-RPC-over-WebSocket client for the
// Chrome DevTools Protocol (spec.md §4.D).
//
// The dial/read/write-loop shape is grounded on
// zamorofthat-elida/internal/websocket's dial.go/handler.go
// (github.com/coder/websocket, single background reader fanning inbound
// frames out to waiters); the mutex-guarded-state-plus-background-goroutine
// shape for resolving in-flight calls by id generalizes
// token/refresh.go's single-value RWMutex cache to a table of
// waiters keyed by JSON-RPC id.
package cdp

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/cookiemonster/cookiemonster/internal/errs"
)

// maxFrameBytes closes the transport if a single inbound frame exceeds it
// (spec.md §4.D: "Frame size cap: 16 MiB; over-cap frames close the
// transport with CdpFrameOversize").
const maxFrameBytes = 16 << 20

type outboundFrame struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type inboundFrame struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *cdpErrorFrame  `json:"error"`
}

type cdpErrorFrame struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type pendingCall struct {
	result json.RawMessage
	err    error
}

// Transport is a connected CDP JSON-RPC-over-WebSocket client. One
// background goroutine reads inbound frames and dispatches them; Call may
// be invoked concurrently from multiple goroutines, each awaiting its own
// id.
type Transport struct {
	conn   *websocket.Conn
	nextID atomic.Int64

	writeMu sync.Mutex // serializes outbound frame writes, per spec.md §4.D

	pendingMu sync.Mutex
	pending   map[int64]chan pendingCall

	subsMu sync.RWMutex
	subs   map[string][]func(json.RawMessage)

	unknownFrames atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	readErr   error
	readErrMu sync.Mutex
}

// Connect dials wsURL and starts the background reader. connectTimeout
// bounds the handshake only; it does not apply to the connection's
// subsequent lifetime.
func Connect(ctx context.Context, wsURL string, connectTimeout time.Duration) (*Transport, error) {
	dialCtx := ctx
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, errs.Wrap(errs.CdpConnectFailed, err, "cdp: dial %s", wsURL)
	}
	conn.SetReadLimit(maxFrameBytes)

	t := &Transport{
		conn:    conn,
		pending: make(map[int64]chan pendingCall),
		subs:    make(map[string][]func(json.RawMessage)),
		closed:  make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// Call issues a JSON-RPC request and blocks until a response with a
// matching id arrives, ctx is done, or timeout elapses.
func (t *Transport) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	waiter := make(chan pendingCall, 1)

	t.pendingMu.Lock()
	t.pending[id] = waiter
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	payload, err := json.Marshal(outboundFrame{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, errs.Wrap(errs.CdpCallTimeout, err, "cdp: marshal call %s", method)
	}

	writeCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		writeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	t.writeMu.Lock()
	writeErr := t.conn.Write(writeCtx, websocket.MessageText, payload)
	t.writeMu.Unlock()
	if writeErr != nil {
		return nil, errs.Wrap(errs.CdpConnectFailed, writeErr, "cdp: write call %s", method)
	}

	select {
	case result := <-waiter:
		if result.err != nil {
			return nil, result.err
		}
		return result.result, nil
	case <-writeCtx.Done():
		return nil, errs.Wrap(errs.CdpCallTimeout, writeCtx.Err(), "cdp: call %s timed out", method)
	case <-t.closed:
		return nil, t.closedError()
	}
}

// Subscribe registers handler to be invoked for every inbound frame whose
// "method" field equals event. Handlers run synchronously on the
// background reader goroutine, so they must not block.
func (t *Transport) Subscribe(event string, handler func(json.RawMessage)) {
	t.subsMu.Lock()
	t.subs[event] = append(t.subs[event], handler)
	t.subsMu.Unlock()
}

// Close terminates the connection and wakes any pending Call with an
// error. Safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close(websocket.StatusNormalClosure, "cdp: closing")
	})
	return err
}

func (t *Transport) closedError() error {
	t.readErrMu.Lock()
	defer t.readErrMu.Unlock()
	if t.readErr != nil {
		return t.readErr
	}
	return errs.New(errs.CdpConnectFailed, "cdp: transport closed")
}

func (t *Transport) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			t.fail(classifyReadError(err))
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.unknownFrames.Add(1)
			continue
		}

		switch {
		case frame.ID != nil:
			t.resolvePending(*frame.ID, frame)
		case frame.Method != "":
			t.dispatchEvent(frame.Method, frame.Params)
		default:
			t.unknownFrames.Add(1)
		}
	}
}

func classifyReadError(err error) error {
	if websocket.CloseStatus(err) == websocket.StatusMessageTooBig {
		return errs.Wrap(errs.CdpFrameOversize, err, "cdp: inbound frame exceeded %d bytes", maxFrameBytes)
	}
	return errs.Wrap(errs.CdpConnectFailed, err, "cdp: read loop")
}

func (t *Transport) resolvePending(id int64, frame inboundFrame) {
	t.pendingMu.Lock()
	waiter, ok := t.pending[id]
	t.pendingMu.Unlock()
	if !ok {
		t.unknownFrames.Add(1)
		return
	}
	var call pendingCall
	if frame.Error != nil {
		call.err = errs.New(errs.CdpCallTimeout, "cdp: %s", frame.Error.Message)
	} else {
		call.result = frame.Result
	}
	waiter <- call
}

func (t *Transport) dispatchEvent(method string, params json.RawMessage) {
	t.subsMu.RLock()
	handlers := append([]func(json.RawMessage){}, t.subs[method]...)
	t.subsMu.RUnlock()
	for _, h := range handlers {
		h(params)
	}
}

// fail records the terminal read error and unblocks every pending Call.
func (t *Transport) fail(err error) {
	t.readErrMu.Lock()
	if t.readErr == nil {
		t.readErr = err
	}
	t.readErrMu.Unlock()

	t.pendingMu.Lock()
	pending := t.pending
	t.pending = make(map[int64]chan pendingCall)
	t.pendingMu.Unlock()
	for _, waiter := range pending {
		waiter <- pendingCall{err: err}
	}

	t.closeOnce.Do(func() {
		close(t.closed)
		t.conn.Close(websocket.StatusInternalError, "cdp: read loop terminated")
	})
}

// UnknownFrameCount reports how many inbound frames were neither a
// response to a pending Call nor a subscribed event.
func (t *Transport) UnknownFrameCount() int64 {
	return t.unknownFrames.Load()
}
