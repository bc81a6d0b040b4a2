package session

import (
	"net"
	"time"

	"github.com/caro-server/internal/protocol"
)

// Conn is a framed, bidirectional transport. ReadFrame is called from one
// goroutine only, WriteFrame from the session write pump only; Close may be
// called from anywhere.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
	RemoteAddr() string
}

// LineConn carries newline-delimited records over a stream connection
type LineConn struct {
	conn      net.Conn
	reader    *protocol.Reader
	writeWait time.Duration
}

// NewLineConn wraps a raw stream connection
func NewLineConn(conn net.Conn, maxFrame int, writeWait time.Duration) *LineConn {
	return &LineConn{
		conn:      conn,
		reader:    protocol.NewReader(conn, maxFrame),
		writeWait: writeWait,
	}
}

// ReadFrame returns the next record line
func (c *LineConn) ReadFrame() ([]byte, error) {
	return c.reader.ReadFrame()
}

// WriteFrame writes one encoded record, delimiter included
func (c *LineConn) WriteFrame(frame []byte) error {
	if c.writeWait > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(frame)
	return err
}

// Close closes the underlying connection
func (c *LineConn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the peer address
func (c *LineConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
