// Package fakeconn provides an in-memory Dialer and Conn for tests that drive
// the connection manager without a network.
package fakeconn

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/connection"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/events"
)

var ErrRefused = errors.New("connection refused")

const waitTimeout = 2 * time.Second

type Conn struct {
	in        chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	sent     chan []byte
}

func NewConn() *Conn {
	return &Conn{
		in:   make(chan []byte, 256),
		done: make(chan struct{}),
		sent: make(chan []byte, 256),
	}
}

func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case <-c.done:
		return nil, io.EOF
	default:
	}
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	c.written = append(c.written, data)
	c.sent <- data
	return nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Drop simulates the server closing the connection.
func (c *Conn) Drop() {
	//nolint:errcheck // always nil
	c.Close()
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Push queues a raw inbound frame.
func (c *Conn) Push(frame []byte) {
	c.in <- frame
}

// PushEvent queues ev as an inbound frame.
func (c *Conn) PushEvent(t *testing.T, ev events.Event) {
	t.Helper()
	frame, err := events.Encode(ev)
	if err != nil {
		t.Fatalf("encode %s: %v", ev.Kind(), err)
	}
	c.Push(frame)
}

// FailWrites makes every following write return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *Conn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := make([][]byte, len(c.written))
	copy(ret, c.written)
	return ret
}

// NextSent waits for the next outbound frame and decodes it.
func (c *Conn) NextSent(t *testing.T) events.Event {
	t.Helper()
	select {
	case data := <-c.sent:
		ev, err := events.Decode(data)
		if err != nil {
			t.Fatalf("decode sent frame %s: %v", data, err)
		}
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("no frame sent")
		return nil
	}
}

type Dialer struct {
	mu    sync.Mutex
	fail  error
	dials int
	conns chan *Conn
}

func NewDialer() *Dialer {
	return &Dialer{conns: make(chan *Conn, 64)}
}

var _ connection.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context) (connection.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.fail != nil {
		return nil, d.fail
	}
	c := NewConn()
	d.conns <- c
	return c, nil
}

// Fail makes following dials return err; nil lets them succeed again.
func (d *Dialer) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Next waits for the next successfully dialed connection.
func (d *Dialer) Next(t *testing.T) *Conn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("no connection dialed")
		return nil
	}
}
