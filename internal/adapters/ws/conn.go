package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Conn is one subscriber socket with a bounded outgoing buffer drained by
// the write pump.
type Conn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newConn(c *websocket.Conn, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 32
	}
	return &Conn{
		conn: c,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// TrySend queues b without blocking.
func (c *Conn) TrySend(b []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrBackpressure
	}
}

// Send queues b, waiting up to wait for buffer space.
func (c *Conn) Send(b []byte, wait time.Duration) error {
	if err := c.TrySend(b); !errors.Is(err, ErrBackpressure) {
		return err
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-timer.C:
		return ErrBackpressure
	}
}

func (c *Conn) Done() <-chan struct{} { return c.done }

// Close is idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
