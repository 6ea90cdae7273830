package rtsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

const pcTimeout = 5 * time.Second

// fakeTransport is one connection to the scripted server of a test.
type fakeTransport struct {
	kind       string
	toClient   chan []byte
	fromClient chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
}

func (ft *fakeTransport) Open(ctx context.Context) error { return nil }

func (ft *fakeTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case ft.fromClient <- frame:
		return nil
	case <-ft.closed:
		return errors.New("closed")
	}
}

func (ft *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-ft.toClient:
		return f, nil
	case <-ft.closed:
		return nil, errors.New("closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ft *fakeTransport) Close() error {
	ft.closeOnce.Do(func() { close(ft.closed) })
	return nil
}

// serverSend queues a raw frame for the client.
func (ft *fakeTransport) serverSend(t *testing.T, frame []byte) {
	t.Helper()
	select {
	case ft.toClient <- frame:
	case <-time.After(pcTimeout):
		t.Fatal("timeout sending to client")
	}
}

func (ft *fakeTransport) handshake(t *testing.T, session string) {
	t.Helper()
	frame, err := EncodeControl(ControlHandshake, Handshake{TS: time.Now().UnixMilli(), V: ProtocolVersion, H: "localhost", S: session})
	if err != nil {
		t.Fatal(err)
	}
	ft.serverSend(t, frame)
}

func (ft *fakeTransport) respond(t *testing.T, r int64, status string) {
	t.Helper()
	body, _ := json.Marshal(Response{S: status})
	frame, err := EncodeData(Message{R: r, B: body})
	if err != nil {
		t.Fatal(err)
	}
	ft.serverSend(t, frame)
}

func (ft *fakeTransport) push(t *testing.T, action string, body any) {
	t.Helper()
	raw, _ := json.Marshal(body)
	frame, err := EncodeData(Message{A: action, B: raw})
	if err != nil {
		t.Fatal(err)
	}
	ft.serverSend(t, frame)
}

// next returns the next data message from the client, skipping pings.
func (ft *fakeTransport) next(t *testing.T) Message {
	t.Helper()
	for {
		select {
		case raw := <-ft.fromClient:
			var f Frame
			if err := json.Unmarshal(raw, &f); err != nil {
				t.Fatalf("bad frame %s: %v", raw, err)
			}
			if f.T != FrameData {
				continue
			}
			var m Message
			if err := json.Unmarshal(f.D, &m); err != nil {
				t.Fatalf("bad message %s: %v", f.D, err)
			}
			return m
		case <-time.After(pcTimeout):
			t.Fatal("timeout waiting for a client message")
		}
	}
}

func (ft *fakeTransport) expectPath(t *testing.T, action, path string) Message {
	t.Helper()
	m := ft.next(t)
	var body struct {
		P string `json:"p"`
	}
	_ = json.Unmarshal(m.B, &body)
	if m.A != action || body.P != path {
		t.Fatalf("got %s %s (%s), want %s %s", m.A, body.P, m.B, action, path)
	}
	return m
}

type fakeServer struct {
	conns chan *fakeTransport
}

func newFakeServer() *fakeServer {
	return &fakeServer{conns: make(chan *fakeTransport, 16)}
}

func (s *fakeServer) factory(kind string, info *RepoInfo, lastSessionID string) (Transport, error) {
	ft := &fakeTransport{
		kind:       kind,
		toClient:   make(chan []byte, 64),
		fromClient: make(chan []byte, 64),
		closed:     make(chan struct{}),
	}
	s.conns <- ft
	return ft, nil
}

func (s *fakeServer) accept(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case ft := <-s.conns:
		return ft
	case <-time.After(pcTimeout):
		t.Fatal("timeout waiting for a connection")
		return nil
	}
}

func (s *fakeServer) expectNoConnection(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case <-s.conns:
		t.Fatal("unexpected connection attempt")
	case <-time.After(wait):
	}
}

// recordingHandler captures what the connection reports to the repo.
type recordingHandler struct {
	status chan bool
	data   chan DataPush
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{status: make(chan bool, 16), data: make(chan DataPush, 16)}
}

func (h *recordingHandler) onDataUpdate(p Path, data any, isMerge bool, tag int64) {
	raw, _ := json.Marshal(data)
	h.data <- DataPush{P: p.String(), D: raw, T: tag}
}

func (h *recordingHandler) onConnectStatus(connected bool) { h.status <- connected }

func (h *recordingHandler) onServerInfoUpdate(map[string]any) {}

func (h *recordingHandler) expectStatus(t *testing.T, want bool) {
	t.Helper()
	select {
	case got := <-h.status:
		if got != want {
			t.Fatalf("connect status = %v, want %v", got, want)
		}
	case <-time.After(pcTimeout):
		t.Fatalf("timeout waiting for connect status %v", want)
	}
}

func newTestPersistentConnection(t *testing.T, srv *fakeServer, h *recordingHandler) (*PersistentConnection, *eventLoop) {
	t.Helper()
	cfg := &Config{
		Logger:            discardLogger,
		TransportFactory:  srv.factory,
		ReconnectMinDelay: time.Millisecond,
		ReconnectMaxDelay: 10 * time.Millisecond,
		PingInterval:      time.Minute,
	}
	cfg.defaults()
	info, err := ParseRepoURL("http://localhost:9000/?ns=test")
	if err != nil {
		t.Fatal(err)
	}
	loop := newEventLoop()
	pc := newPersistentConnection(1, info, cfg, loop, h)
	t.Cleanup(func() {
		loop.post(pc.shutdown)
		loop.stop()
	})
	return pc, loop
}

// onLoop runs fn on the loop and waits for it.
func onLoop(t *testing.T, loop *eventLoop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	loop.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(pcTimeout):
		t.Fatal("timeout running on the loop")
	}
}

// ============================================================================
// PersistentConnection
// ============================================================================

func TestPersistentConnectionReplaysStateInOrder(t *testing.T) {
	srv := newFakeServer()
	h := newRecordingHandler()
	pc, loop := newTestPersistentConnection(t, srv, h)

	listenStatus := make(chan string, 4)
	putStatus := make(chan string, 2)
	onLoop(t, loop, func() {
		pc.listen(NewQuery("a").spec(), 0, func() string { return "" }, func(s string) { listenStatus <- s })
		pc.listen(NewQuery("b").LimitToLast(2).spec(), 1, func() string { return "" }, func(s string) { listenStatus <- s })
		pc.put(1, ParsePath("c"), 42.0, func(s, _ string) { putStatus <- s })
		pc.start()
	})

	ft := srv.accept(t)
	ft.handshake(t, "s1")
	h.expectStatus(t, true)

	if m := ft.next(t); m.A != ActionStats {
		t.Fatalf("first request = %q, want stats", m.A)
	}
	ft.expectPath(t, ActionListen, "/a")
	lb := ft.expectPath(t, ActionListen, "/b")
	var req ListenRequest
	if err := json.Unmarshal(lb.B, &req); err != nil {
		t.Fatal(err)
	}
	if req.T != 1 || req.Q["l"] != 2.0 {
		t.Fatalf("tagged listen = %+v", req)
	}
	ft.expectPath(t, ActionPut, "/c")

	// Drop the connection before anything is answered.
	ft.Close()
	h.expectStatus(t, false)

	ft = srv.accept(t)
	ft.handshake(t, "s2")
	h.expectStatus(t, true)

	la := ft.expectPath(t, ActionListen, "/a")
	lb = ft.expectPath(t, ActionListen, "/b")
	put := ft.expectPath(t, ActionPut, "/c")

	ft.respond(t, la.R, statusOK)
	ft.respond(t, lb.R, statusOK)
	ft.respond(t, put.R, statusOK)
	for i := 0; i < 2; i++ {
		select {
		case s := <-listenStatus:
			if s != statusOK {
				t.Fatalf("listen status = %q", s)
			}
		case <-time.After(pcTimeout):
			t.Fatal("timeout waiting for listen completion")
		}
	}
	select {
	case s := <-putStatus:
		if s != statusOK {
			t.Fatalf("put status = %q", s)
		}
	case <-time.After(pcTimeout):
		t.Fatal("timeout waiting for put completion")
	}

	ft.push(t, PushData, DataPush{P: "/a", D: json.RawMessage(`{"x":1}`)})
	select {
	case dp := <-h.data:
		if dp.P != "/a" || string(dp.D) != `{"x":1}` {
			t.Fatalf("data push = %+v", dp)
		}
	case <-time.After(pcTimeout):
		t.Fatal("timeout waiting for data")
	}

	// An acknowledged write is not replayed.
	ft.Close()
	h.expectStatus(t, false)
	ft = srv.accept(t)
	ft.handshake(t, "s3")
	h.expectStatus(t, true)
	ft.expectPath(t, ActionListen, "/a")
	ft.expectPath(t, ActionListen, "/b")
	onLoop(t, loop, func() {
		if len(pc.puts) != 0 {
			t.Errorf("outstanding puts = %d", len(pc.puts))
		}
	})
}

func TestPersistentConnectionRejectedListen(t *testing.T) {
	srv := newFakeServer()
	h := newRecordingHandler()
	pc, loop := newTestPersistentConnection(t, srv, h)

	status := make(chan string, 1)
	onLoop(t, loop, func() {
		pc.start()
		pc.listen(NewQuery("secret").spec(), 0, func() string { return "" }, func(s string) { status <- s })
	})
	ft := srv.accept(t)
	ft.handshake(t, "s1")
	ft.next(t) // stats
	m := ft.expectPath(t, ActionListen, "/secret")
	ft.respond(t, m.R, statusPermissionDenied)
	select {
	case s := <-status:
		if s != statusPermissionDenied {
			t.Fatalf("status = %q", s)
		}
	case <-time.After(pcTimeout):
		t.Fatal("timeout")
	}
	onLoop(t, loop, func() {
		if len(pc.listens) != 0 {
			t.Errorf("rejected listen kept: %d", len(pc.listens))
		}
	})
}

func TestPersistentConnectionListenRevoked(t *testing.T) {
	srv := newFakeServer()
	h := newRecordingHandler()
	pc, loop := newTestPersistentConnection(t, srv, h)

	status := make(chan string, 2)
	onLoop(t, loop, func() {
		pc.start()
		pc.listen(NewQuery("a").spec(), 0, func() string { return "" }, func(s string) { status <- s })
	})
	ft := srv.accept(t)
	ft.handshake(t, "s1")
	ft.next(t)
	m := ft.expectPath(t, ActionListen, "/a")
	ft.respond(t, m.R, statusOK)
	<-status

	ft.push(t, PushListenRevoked, RevokedPush{P: "/a"})
	select {
	case s := <-status:
		if s != statusPermissionDenied {
			t.Fatalf("status = %q", s)
		}
	case <-time.After(pcTimeout):
		t.Fatal("timeout")
	}
}

func TestPersistentConnectionProtocolError(t *testing.T) {
	srv := newFakeServer()
	h := newRecordingHandler()
	pc, loop := newTestPersistentConnection(t, srv, h)
	onLoop(t, loop, pc.start)

	ft := srv.accept(t)
	ft.handshake(t, "s1")
	h.expectStatus(t, true)
	ft.respond(t, 999, statusOK)
	h.expectStatus(t, false)

	ft = srv.accept(t)
	ft.handshake(t, "s2")
	h.expectStatus(t, true)
}

func TestPersistentConnectionMalformedPushes(t *testing.T) {
	for _, action := range []string{PushData, PushListenRevoked, PushAuthRevoked, PushSecurityDebug} {
		t.Run(action, func(t *testing.T) {
			srv := newFakeServer()
			h := newRecordingHandler()
			pc, loop := newTestPersistentConnection(t, srv, h)
			onLoop(t, loop, pc.start)

			ft := srv.accept(t)
			ft.handshake(t, "s1")
			h.expectStatus(t, true)
			ft.push(t, action, "not an object")
			h.expectStatus(t, false)

			ft = srv.accept(t)
			ft.handshake(t, "s2")
			h.expectStatus(t, true)
		})
	}
}

func TestPersistentConnectionServerKill(t *testing.T) {
	srv := newFakeServer()
	h := newRecordingHandler()
	pc, loop := newTestPersistentConnection(t, srv, h)

	putStatus := make(chan string, 1)
	onLoop(t, loop, pc.start)
	ft := srv.accept(t)
	ft.handshake(t, "s1")
	h.expectStatus(t, true)

	frame, _ := EncodeControl(ControlShutdown, "database disabled")
	ft.serverSend(t, frame)
	h.expectStatus(t, false)
	srv.expectNoConnection(t, 100*time.Millisecond)

	// Writes made while killed are failed by a purge.
	onLoop(t, loop, func() {
		if !pc.isInterrupted(interruptServerKill) {
			t.Error("connection not interrupted")
		}
		pc.put(1, ParsePath("x"), 1.0, func(s, _ string) { putStatus <- s })
		pc.purgeOutstandingWrites()
	})
	if s := <-putStatus; s != statusWriteCanceled {
		t.Fatalf("put status = %q", s)
	}
}

func TestPersistentConnectionInterruptAndResume(t *testing.T) {
	srv := newFakeServer()
	h := newRecordingHandler()
	pc, loop := newTestPersistentConnection(t, srv, h)
	onLoop(t, loop, pc.start)

	ft := srv.accept(t)
	ft.handshake(t, "s1")
	h.expectStatus(t, true)

	onLoop(t, loop, func() { pc.interrupt(interruptOffline) })
	h.expectStatus(t, false)
	srv.expectNoConnection(t, 50*time.Millisecond)

	onLoop(t, loop, func() { pc.resume(interruptOffline) })
	ft = srv.accept(t)
	ft.handshake(t, "s2")
	h.expectStatus(t, true)
}

func TestPersistentConnectionOnlineMonitor(t *testing.T) {
	srv := newFakeServer()
	h := newRecordingHandler()
	online := NewSignalMonitor(true)
	cfg := &Config{
		Logger:            discardLogger,
		TransportFactory:  srv.factory,
		ReconnectMinDelay: time.Millisecond,
		ReconnectMaxDelay: 10 * time.Millisecond,
		Online:            online,
	}
	cfg.defaults()
	info, _ := ParseRepoURL("http://localhost:9000/?ns=test")
	loop := newEventLoop()
	pc := newPersistentConnection(1, info, cfg, loop, h)
	defer func() {
		loop.post(pc.shutdown)
		loop.stop()
	}()
	onLoop(t, loop, pc.start)

	ft := srv.accept(t)
	ft.handshake(t, "s1")
	h.expectStatus(t, true)

	online.Set(false)
	h.expectStatus(t, false)
	srv.expectNoConnection(t, 50*time.Millisecond)

	online.Set(true)
	ft = srv.accept(t)
	ft.handshake(t, "s2")
	h.expectStatus(t, true)
}
