// Package websocket carries game records over WebSocket, one record per
// text message.
package websocket

import (
	"bytes"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/caro-server/internal/protocol"
)

// Options holds connection timing and size limits
type Options struct {
	// Time allowed to write a message to the peer
	WriteWait time.Duration

	// Time allowed to read the next pong message from the peer
	PongWait time.Duration

	// Maximum message size allowed from peer
	MaxMessageSize int64
}

func (o Options) pingPeriod() time.Duration {
	return (o.PongWait * 9) / 10
}

// Conn adapts a WebSocket connection to the framed transport used by sessions
type Conn struct {
	ws   *websocket.Conn
	opts Options

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps ws and starts its keepalive pinger
func NewConn(ws *websocket.Conn, opts Options) *Conn {
	c := &Conn{
		ws:   ws,
		opts: opts,
		done: make(chan struct{}),
	}

	if opts.MaxMessageSize > 0 {
		ws.SetReadLimit(opts.MaxMessageSize)
	}
	if opts.PongWait > 0 {
		ws.SetReadDeadline(time.Now().Add(opts.PongWait))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(opts.PongWait))
			return nil
		})
		go c.pinger()
	}
	return c
}

// ReadFrame returns the next text message
func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		data = bytes.TrimRight(data, "\r\n")
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		return data, nil
	}
}

// WriteFrame sends one record as a text message, without its line delimiter
func (c *Conn) WriteFrame(frame []byte) error {
	if c.opts.WriteWait > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	}
	return c.ws.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(frame, []byte{protocol.Delimiter}))
}

// Close sends a close message and closes the connection
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.opts.WriteWait))
		err = c.ws.Close()
	})
	return err
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

func (c *Conn) pinger() {
	ticker := time.NewTicker(c.opts.pingPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
