package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTransport wraps socket level failures. They are handled by reconnecting
// and never returned from Send or On.
var ErrTransport = errors.New("transport error")

type (
	// Conn is one established bidirectional connection.
	Conn interface {
		// ReadMessage blocks until the next frame arrives or the connection fails.
		ReadMessage() ([]byte, error)
		WriteMessage(data []byte) error
		Close() error
	}
	Dialer interface {
		Dial(ctx context.Context) (Conn, error)
	}
	// TokenProvider supplies the credentials of the session layer. It is opaque
	// to the connection manager.
	TokenProvider func(ctx context.Context) (string, error)
)

type WebsocketDialer struct {
	URL              string
	Token            TokenProvider
	HandshakeTimeout time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
	WriteWait        time.Duration
}

func NewWebsocketDialer(url string, token TokenProvider) *WebsocketDialer {
	return &WebsocketDialer{
		URL:              url,
		Token:            token,
		HandshakeTimeout: 10 * time.Second,
		PongWait:         60 * time.Second,
		PingPeriod:       54 * time.Second,
		WriteWait:        10 * time.Second,
	}
}

func (d *WebsocketDialer) Endpoint() string {
	return d.URL
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if d.Token != nil {
		token, err := d.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: token: %w", ErrTransport, err)
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	//nolint:bodyclose // closed by the websocket library
	ws, _, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, d.URL, err)
	}
	c := &wsConn{
		ws:        ws,
		writeWait: d.WriteWait,
		done:      make(chan struct{}),
	}
	if d.PongWait > 0 {
		//nolint:errcheck // a failed deadline surfaces on the next read
		ws.SetReadDeadline(time.Now().Add(d.PongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(d.PongWait))
		})
	}
	if d.PingPeriod > 0 {
		go c.pingLoop(d.PingPeriod)
	}
	return c, nil
}

type wsConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	writeWait time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: read: %w", ErrTransport, err)
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeWait > 0 {
		//nolint:errcheck // a failed deadline surfaces on the write
		c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %w", ErrTransport, err)
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		//nolint:errcheck // best effort close frame
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) pingLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.controlWait()))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) controlWait() time.Duration {
	if c.writeWait > 0 {
		return c.writeWait
	}
	return time.Second
}
