package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type testServer struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := &testServer{conns: make(chan *websocket.Conn, 16)}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ts.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func startClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c := NewClient(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return c
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("server decode failed: %v", err)
	}
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, f Frame) {
	t.Helper()
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
}

type countingObserver struct {
	sent, received, reconnects atomic.Int64
	mu                         sync.Mutex
	dropped                    map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{dropped: make(map[string]int)}
}

func (o *countingObserver) FrameSent(string, int)     { o.sent.Add(1) }
func (o *countingObserver) FrameReceived(string, int) { o.received.Add(1) }
func (o *countingObserver) Reconnect()                { o.reconnects.Add(1) }
func (o *countingObserver) FrameDropped(reason string) {
	o.mu.Lock()
	o.dropped[reason]++
	o.mu.Unlock()
}

func (o *countingObserver) droppedFor(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped[reason]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_SendStampsClientID(t *testing.T) {
	ts := newTestServer(t)
	c := startClient(t, Options{URL: ts.wsURL(), ClientID: "worker-1"})
	conn := ts.accept(t)

	if err := c.Send("worker/hello", `{"event_id":1}`, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	f := readFrame(t, conn)
	if f.ID != "worker-1" || f.Route != "worker/hello" || f.Payload != `{"event_id":1}` {
		t.Errorf("unexpected frame %+v", f.Header)
	}
	if f.Large != nil {
		t.Errorf("unexpected large payload %q", f.Large)
	}
}

func TestClient_DefaultClientID(t *testing.T) {
	c := NewClient(Options{URL: "ws://unused"})
	if c.ClientID() == "" {
		t.Error("expected a generated client id")
	}
}

func TestClient_QueuedBeforeConnectKeepsOrder(t *testing.T) {
	ts := newTestServer(t)
	c := NewClient(Options{URL: ts.wsURL()})

	const n = 50
	for i := 0; i < n; i++ {
		if err := c.Send("seq", strings.Repeat("x", i), nil); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	if c.Pending() != n {
		t.Errorf("Pending() = %d, want %d", c.Pending(), n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	conn := ts.accept(t)
	for i := 0; i < n; i++ {
		f := readFrame(t, conn)
		if len(f.Payload) != i {
			t.Fatalf("message %d arrived out of order (payload length %d)", i, len(f.Payload))
		}
	}
}

func TestClient_ConcurrentSendersAreSerialized(t *testing.T) {
	ts := newTestServer(t)
	c := startClient(t, Options{URL: ts.wsURL()})
	conn := ts.accept(t)

	const producers, each = 8, 25
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				c.Send("load", "m", nil)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < producers*each; i++ {
		if f := readFrame(t, conn); f.Route != "load" {
			t.Fatalf("unexpected route %q", f.Route)
		}
	}
}

func TestClient_DispatchesInbound(t *testing.T) {
	ts := newTestServer(t)
	obs := newCountingObserver()
	c := NewClient(Options{URL: ts.wsURL(), Observer: obs})

	plain := make(chan string, 1)
	large := make(chan []byte, 1)
	c.Handle("worker/hello", func(status int16, payload string) { plain <- payload })
	c.HandleLarge("worker/init", func(status int16, payload string, l []byte) { large <- l })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	conn := ts.accept(t)

	writeFrame(t, conn, Frame{Header: Header{Route: "worker/hello", Payload: "hi"}})
	writeFrame(t, conn, Frame{Header: Header{Route: "worker/init"}, Large: []byte("program text")})
	conn.WriteMessage(websocket.TextMessage, []byte("garbage"))
	writeFrame(t, conn, Frame{Header: Header{Route: "nobody"}})

	select {
	case p := <-plain:
		if p != "hi" {
			t.Errorf("plain payload = %q", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("plain handler not called")
	}
	select {
	case l := <-large:
		if string(l) != "program text" {
			t.Errorf("large payload = %q", l)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("large handler not called")
	}

	waitFor(t, "malformed drop", func() bool { return obs.droppedFor(DropMalformed) == 1 })
	waitFor(t, "unrouted drop", func() bool { return obs.droppedFor(DropNoHandler) == 1 })
	if obs.received.Load() != 3 {
		t.Errorf("received = %d, want 3", obs.received.Load())
	}
}

func TestClient_DispatchKeepsArrivalOrder(t *testing.T) {
	ts := newTestServer(t)
	c := NewClient(Options{URL: ts.wsURL()})

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), order...)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	c.HandleLarge("worker/init", func(int16, string, []byte) {
		record("init start")
		close(started)
		<-release
		record("init done")
	})
	c.Handle("worker/run", func(int16, string) { record("run") })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	conn := ts.accept(t)

	writeFrame(t, conn, Frame{Header: Header{Route: "worker/init"}, Large: []byte("program")})
	writeFrame(t, conn, Frame{Header: Header{Route: "worker/run", Payload: "{}"}})

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("init handler not called")
	}
	time.Sleep(50 * time.Millisecond)
	if got := snapshot(); len(got) != 1 {
		t.Fatalf("run overtook a blocked init: %v", got)
	}
	close(release)

	waitFor(t, "run handled", func() bool { return len(snapshot()) == 3 })
	got := snapshot()
	want := []string{"init start", "init done", "run"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestClient_BinaryInboundAccepted(t *testing.T) {
	ts := newTestServer(t)
	c := NewClient(Options{URL: ts.wsURL()})
	got := make(chan []byte, 1)
	c.HandleLarge("blob", func(_ int16, _ string, l []byte) { got <- l })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	conn := ts.accept(t)

	data, _ := Encode(Frame{Header: Header{Route: "blob"}, Large: []byte{0xff, 0x01}})
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	select {
	case l := <-got:
		if len(l) != 2 || l[0] != 0xff {
			t.Errorf("large payload = %v", l)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestClient_ReconnectAfterDelay(t *testing.T) {
	ts := newTestServer(t)
	obs := newCountingObserver()
	const delay = 150 * time.Millisecond
	startClient(t, Options{URL: ts.wsURL(), ReconnectDelay: delay, Observer: obs})

	first := ts.accept(t)
	closedAt := time.Now()
	first.Close()

	ts.accept(t)
	if elapsed := time.Since(closedAt); elapsed < delay {
		t.Errorf("reconnected after %s, want at least %s", elapsed, delay)
	}

	// One close schedules exactly one reconnect.
	time.Sleep(3 * delay)
	select {
	case <-ts.conns:
		t.Error("unexpected extra connection")
	default:
	}
	if got := obs.reconnects.Load(); got != 1 {
		t.Errorf("reconnects = %d, want 1", got)
	}
}

func TestClient_MessagesSurviveReconnect(t *testing.T) {
	ts := newTestServer(t)
	c := startClient(t, Options{URL: ts.wsURL(), ReconnectDelay: 50 * time.Millisecond})

	first := ts.accept(t)
	first.Close()
	waitFor(t, "disconnect", func() bool { return !c.Connected() })

	if err := c.Send("worker/run", "queued", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	second := ts.accept(t)
	if f := readFrame(t, second); f.Payload != "queued" {
		t.Errorf("payload = %q, want queued", f.Payload)
	}
}

func TestClient_DialFailureRetries(t *testing.T) {
	ts := newTestServer(t)
	url := ts.wsURL()
	ts.Close()

	obs := newCountingObserver()
	startClient(t, Options{URL: url, ReconnectDelay: 20 * time.Millisecond, Observer: obs})
	waitFor(t, "redial", func() bool { return obs.reconnects.Load() >= 2 })
}

func TestClient_SendAfterClose(t *testing.T) {
	c := NewClient(Options{URL: "ws://unused"})
	c.Close()
	if err := c.Send("r", "p", nil); err != ErrClientClosed {
		t.Errorf("Send after Close = %v, want ErrClientClosed", err)
	}
}

func TestClient_SendHeaderTooLarge(t *testing.T) {
	c := NewClient(Options{URL: "ws://unused"})
	if err := c.Send("r", strings.Repeat("a", MaxHeaderLen), nil); err == nil {
		t.Error("expected an encode error")
	}
	if c.Pending() != 0 {
		t.Error("failed frames must not be queued")
	}
}
