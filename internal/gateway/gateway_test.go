package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/brigade/internal/gateway"
	"github.com/agentoven/brigade/pkg/models"
	"github.com/gorilla/websocket"
)

// fakeEngine is a line-delimited JSON engine on a loopback port. reply
// decides what to send back; returning nil closes the connection without
// answering.
type fakeEngine struct {
	ln    net.Listener
	reply func(req models.EngineRequest) *models.EngineResponse

	mu       sync.Mutex
	received []string
	conns    int
}

func startEngine(t *testing.T, reply func(models.EngineRequest) *models.EngineResponse) *fakeEngine {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	e := &fakeEngine{ln: ln, reply: reply}
	t.Cleanup(func() { ln.Close() })
	go e.serve()
	return e
}

func (e *fakeEngine) serve() {
	for {
		c, err := e.ln.Accept()
		if err != nil {
			return
		}
		e.mu.Lock()
		e.conns++
		e.mu.Unlock()
		go e.handle(c)
	}
}

func (e *fakeEngine) handle(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		var req models.EngineRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		e.mu.Lock()
		p, _ := req.Payload.(string)
		e.received = append(e.received, p)
		e.mu.Unlock()

		resp := e.reply(req)
		if resp == nil {
			return
		}
		b, _ := json.Marshal(resp)
		if _, err := c.Write(append(b, '\n')); err != nil {
			return
		}
	}
}

func (e *fakeEngine) url() string { return "tcp://" + e.ln.Addr().String() }

func (e *fakeEngine) payloads() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.received...)
}

func ok(result string) *models.EngineResponse {
	return &models.EngineResponse{Status: "ok", Result: json.RawMessage(result)}
}

func open(t *testing.T, endpoint string, opts gateway.Options) *gateway.Gateway {
	t.Helper()
	dial, err := gateway.NewDialer(endpoint, time.Second)
	if err != nil {
		t.Fatalf("NewDialer() error = %v", err)
	}
	g := gateway.New(dial, opts)
	t.Cleanup(func() { g.Close() })
	return g
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSubmit(t *testing.T) {
	eng := startEngine(t, func(req models.EngineRequest) *models.EngineResponse {
		if req.Type != models.EngineExecute {
			t.Errorf("request type = %q, want %q", req.Type, models.EngineExecute)
		}
		return ok(`{"objects":["Cube"]}`)
	})
	g := open(t, eng.url(), gateway.Options{})

	res, err := g.Submit(context.Background(), "bpy.ops.mesh.primitive_cube_add()", time.Second)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !res.OK() {
		t.Errorf("Submit() status = %q, want ok", res.Status)
	}
	if string(res.Result) != `{"objects":["Cube"]}` {
		t.Errorf("Submit() result = %s", res.Result)
	}
	if res.RequestID == "" {
		t.Error("Submit() request id is empty")
	}
	if s := g.Stats(); s.Processed != 1 || s.Succeeded != 1 || !s.Connected {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestSubmit_EngineError(t *testing.T) {
	msg := "NameError: name 'foo' is not defined"
	eng := startEngine(t, func(models.EngineRequest) *models.EngineResponse {
		return &models.EngineResponse{Status: "error", Error: &msg}
	})
	g := open(t, eng.url(), gateway.Options{})

	res, err := g.Submit(context.Background(), "foo()", time.Second)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.OK() || res.Error != msg {
		t.Errorf("Submit() = %+v, want engine error %q", res, msg)
	}
}

func TestSubmit_FIFOWithoutOverlap(t *testing.T) {
	release := make(chan struct{})
	var inFlight, maxInFlight atomic.Int32
	eng := startEngine(t, func(req models.EngineRequest) *models.EngineResponse {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		if req.Payload == "block" {
			<-release
		}
		time.Sleep(2 * time.Millisecond)
		return ok(`null`)
	})
	g := open(t, eng.url(), gateway.Options{})

	const n = 8
	var wg sync.WaitGroup
	submit := func(p string) {
		defer wg.Done()
		if _, err := g.Submit(context.Background(), p, 5*time.Second); err != nil {
			t.Errorf("Submit(%q) error = %v", p, err)
		}
	}

	wg.Add(1)
	go submit("block")
	waitFor(t, func() bool { return len(eng.payloads()) == 1 })

	want := []string{"block"}
	for i := 0; i < n; i++ {
		p := string(rune('a' + i))
		want = append(want, p)
		wg.Add(1)
		go submit(p)
		waitFor(t, func() bool { return g.Stats().Queued == i+1 })
	}
	close(release)
	wg.Wait()

	got := eng.payloads()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("engine saw %v, want %v", got, want)
	}
	if m := maxInFlight.Load(); m != 1 {
		t.Errorf("max in-flight = %d, want 1", m)
	}
}

func TestSubmit_TimeoutProceeds(t *testing.T) {
	eng := startEngine(t, func(req models.EngineRequest) *models.EngineResponse {
		if req.Payload == "hang" {
			time.Sleep(500 * time.Millisecond)
		}
		return ok(`"done"`)
	})
	g := open(t, eng.url(), gateway.Options{})

	var wg sync.WaitGroup
	var hangErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, hangErr = g.Submit(context.Background(), "hang", 50*time.Millisecond)
	}()
	waitFor(t, func() bool { return len(eng.payloads()) == 1 })

	start := time.Now()
	res, err := g.Submit(context.Background(), "next", time.Second)
	if err != nil {
		t.Fatalf("Submit(next) error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("next entry waited %s, want it to run right after the timeout", elapsed)
	}
	if string(res.Result) != `"done"` {
		t.Errorf("Submit(next) result = %s", res.Result)
	}

	wg.Wait()
	if !errors.Is(hangErr, gateway.ErrExecutionTimeout) {
		t.Errorf("Submit(hang) error = %v, want ErrExecutionTimeout", hangErr)
	}
	if !strings.Contains(hangErr.Error(), "timeout") {
		t.Errorf("timeout error %q does not mention timeout", hangErr)
	}
	if s := g.Stats(); s.TimedOut != 1 {
		t.Errorf("Stats().TimedOut = %d, want 1", s.TimedOut)
	}
}

func TestSubmit_DialFailsAfterOneReconnect(t *testing.T) {
	var dials atomic.Int32
	dial := func(ctx context.Context) (gateway.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}
	g := gateway.New(dial, gateway.Options{ReconnectDelay: time.Millisecond})
	defer g.Close()

	_, err := g.Submit(context.Background(), "x", time.Second)
	if !errors.Is(err, gateway.ErrEngineUnavailable) {
		t.Fatalf("Submit() error = %v, want ErrEngineUnavailable", err)
	}
	if n := dials.Load(); n != 2 {
		t.Errorf("dial attempts = %d, want 2", n)
	}
}

func TestSubmit_ConnectionLostIsNotResent(t *testing.T) {
	eng := startEngine(t, func(req models.EngineRequest) *models.EngineResponse {
		if req.Payload == "crash" {
			return nil
		}
		return ok(`true`)
	})
	g := open(t, eng.url(), gateway.Options{ReconnectDelay: time.Millisecond})

	_, err := g.Submit(context.Background(), "crash", time.Second)
	if !errors.Is(err, gateway.ErrEngineUnavailable) {
		t.Fatalf("Submit(crash) error = %v, want ErrEngineUnavailable", err)
	}
	if _, err := g.Submit(context.Background(), "after", time.Second); err != nil {
		t.Fatalf("Submit(after) error = %v", err)
	}

	got := eng.payloads()
	if strings.Join(got, ",") != "crash,after" {
		t.Errorf("engine saw %v, want [crash after]", got)
	}
	eng.mu.Lock()
	conns := eng.conns
	eng.mu.Unlock()
	if conns != 2 {
		t.Errorf("engine connections = %d, want 2", conns)
	}
	if s := g.Stats(); s.Reconnects == 0 {
		t.Errorf("Stats().Reconnects = 0, want at least 1")
	}
}

// lostConn fails every exchange as if the engine had hung up.
type lostConn struct{}

func (lostConn) Exchange(models.EngineRequest, time.Time) (*models.EngineResponse, error) {
	return nil, errors.New("read tcp: connection reset by peer")
}

func (lostConn) Close() error { return nil }

func TestSubmit_ReconnectStaysWithinEntryTimeout(t *testing.T) {
	var dials atomic.Int32
	dial := func(ctx context.Context) (gateway.Conn, error) {
		if dials.Add(1) == 1 {
			return lostConn{}, nil
		}
		// The engine is gone; redials hang until cancelled.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, errors.New("dial timeout")
		}
	}
	g := gateway.New(dial, gateway.Options{ReconnectDelay: time.Millisecond})
	defer g.Close()

	start := time.Now()
	_, err := g.Submit(context.Background(), "x", 200*time.Millisecond)
	if !errors.Is(err, gateway.ErrEngineUnavailable) {
		t.Fatalf("Submit() error = %v, want ErrEngineUnavailable", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("Submit() returned after %v, want within the 200ms entry timeout", d)
	}
	if n := dials.Load(); n < 2 {
		t.Errorf("dial attempts = %d, want a reconnect before the failure", n)
	}
}

// blockingConn holds every exchange until released.
type blockingConn struct {
	started chan struct{}
	release chan struct{}
}

func (c *blockingConn) Exchange(models.EngineRequest, time.Time) (*models.EngineResponse, error) {
	c.started <- struct{}{}
	<-c.release
	return ok(`null`), nil
}

func (c *blockingConn) Close() error { return nil }

func TestSubmit_QueueFull(t *testing.T) {
	conn := &blockingConn{started: make(chan struct{}, 4), release: make(chan struct{})}
	g := gateway.New(func(context.Context) (gateway.Conn, error) { return conn, nil },
		gateway.Options{QueueSize: 1})
	defer g.Close()

	errs := make(chan error, 2)
	go func() { _, err := g.Submit(context.Background(), "1", time.Second); errs <- err }()
	<-conn.started
	go func() { _, err := g.Submit(context.Background(), "2", time.Second); errs <- err }()
	waitFor(t, func() bool { return g.Stats().Queued == 1 })

	if _, err := g.Submit(context.Background(), "3", time.Second); !errors.Is(err, gateway.ErrQueueFull) {
		t.Errorf("Submit() error = %v, want ErrQueueFull", err)
	}

	close(conn.release)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Errorf("queued Submit() error = %v", err)
		}
	}
}

func TestSubmit_SkipsCancelledEntries(t *testing.T) {
	conn := &blockingConn{started: make(chan struct{}, 4), release: make(chan struct{})}
	g := gateway.New(func(context.Context) (gateway.Conn, error) { return conn, nil }, gateway.Options{})
	defer g.Close()

	go g.Submit(context.Background(), "first", time.Second)
	<-conn.started

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { _, err := g.Submit(ctx, "cancelled", time.Second); errc <- err }()
	waitFor(t, func() bool { return g.Stats().Queued == 1 })
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Submit() error = %v, want context.Canceled", err)
	}

	close(conn.release)
	waitFor(t, func() bool { return g.Stats().Skipped == 1 })
}

func TestClose(t *testing.T) {
	conn := &blockingConn{started: make(chan struct{}, 4), release: make(chan struct{})}
	g := gateway.New(func(context.Context) (gateway.Conn, error) { return conn, nil }, gateway.Options{})

	go g.Submit(context.Background(), "first", time.Second)
	<-conn.started
	errc := make(chan error, 1)
	go func() { _, err := g.Submit(context.Background(), "queued", time.Second); errc <- err }()
	waitFor(t, func() bool { return g.Stats().Queued == 1 })

	closed := make(chan struct{})
	go func() { g.Close(); close(closed) }()
	if err := <-errc; !errors.Is(err, gateway.ErrClosed) {
		t.Errorf("queued Submit() error = %v, want ErrClosed", err)
	}
	close(conn.release)
	<-closed

	if _, err := g.Submit(context.Background(), "late", time.Second); !errors.Is(err, gateway.ErrClosed) {
		t.Errorf("Submit() after Close error = %v, want ErrClosed", err)
	}
}

func TestState_WebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			var req models.EngineRequest
			if err := c.ReadJSON(&req); err != nil {
				return
			}
			if req.Type != models.EngineGetState {
				t.Errorf("request type = %q, want %q", req.Type, models.EngineGetState)
			}
			if err := c.WriteJSON(ok(`{"objects":2}`)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	g := open(t, "ws"+strings.TrimPrefix(srv.URL, "http"), gateway.Options{})
	res, err := g.State(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if string(res.Result) != `{"objects":2}` {
		t.Errorf("State() result = %s", res.Result)
	}
}

func TestNewDialer_UnsupportedScheme(t *testing.T) {
	if _, err := gateway.NewDialer("udp://localhost:9876", time.Second); err == nil {
		t.Error("NewDialer() error = nil, want unsupported scheme")
	}
}
