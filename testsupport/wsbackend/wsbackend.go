// Package wsbackend runs an in-process websocket session backend for tests.
package wsbackend

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/events"
)

const waitTimeout = 2 * time.Second

type Backend struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	auth     []string
	accepted chan struct{}
	received chan events.Event
	reject   bool
}

func New(t *testing.T) *Backend {
	t.Helper()
	b := &Backend{
		accepted: make(chan struct{}, 16),
		received: make(chan events.Event, 256),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.Close)
	return b
}

// URL is the ws:// address of the backend.
func (b *Backend) URL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"
}

// Reject makes following handshakes fail with 503.
func (b *Backend) Reject(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reject = reject
}

func (b *Backend) serve(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	reject := b.reject
	b.mu.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns = append(b.conns, ws)
	b.auth = append(b.auth, r.Header.Get("Authorization"))
	b.mu.Unlock()
	b.accepted <- struct{}{}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if ev, err := events.Decode(data); err == nil {
			b.received <- ev
		}
	}
}

// WaitAccepted blocks until the next client completed its handshake.
func (b *Backend) WaitAccepted(t *testing.T) {
	t.Helper()
	select {
	case <-b.accepted:
	case <-time.After(waitTimeout):
		t.Fatal("no client connected")
	}
}

// Authorization returns the header sent by the latest client.
func (b *Backend) Authorization() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.auth) == 0 {
		return ""
	}
	return b.auth[len(b.auth)-1]
}

// Push sends ev to the latest client.
func (b *Backend) Push(t *testing.T, ev events.Event) {
	t.Helper()
	frame, err := events.Encode(ev)
	if err != nil {
		t.Fatalf("encode %s: %v", ev.Kind(), err)
	}
	b.PushRaw(t, frame)
}

func (b *Backend) PushRaw(t *testing.T, frame []byte) {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		t.Fatal("no client connected")
	}
	if err := b.conns[len(b.conns)-1].WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("push: %v", err)
	}
}

// Next waits for the next event sent by a client.
func (b *Backend) Next(t *testing.T) events.Event {
	t.Helper()
	select {
	case ev := <-b.received:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("nothing received")
		return nil
	}
}

// DropAll closes every client connection from the server side.
func (b *Backend) DropAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		//nolint:errcheck // test teardown
		c.Close()
	}
	b.conns = nil
}

func (b *Backend) Close() {
	b.DropAll()
	b.srv.Close()
}
