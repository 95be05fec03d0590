package hub

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const writeTimeout = 10 * time.Second

type client struct {
	id     uuid.UUID
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc

	drops  atomic.Int32
	kicked atomic.Bool
}

func newClient(conn *websocket.Conn, cancel context.CancelFunc, buffer int) *client {
	return &client{
		id:     uuid.New(),
		conn:   conn,
		send:   make(chan []byte, buffer),
		cancel: cancel,
	}
}

// enqueue never blocks. It returns the consecutive drop count, zero on
// success.
func (c *client) enqueue(frame []byte) int {
	select {
	case c.send <- frame:
		c.drops.Store(0)
		return 0
	default:
		return int(c.drops.Add(1))
	}
}

func (c *client) kick() {
	c.kicked.Store(true)
	c.cancel()
}

// writeLoop drains pending first, then the live queue, pinging every
// interval. It owns every write on conn.
func (c *client) writeLoop(ctx context.Context, pending [][]byte, ping time.Duration) error {
	for _, frame := range pending {
		if err := c.write(ctx, frame); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(ping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-c.send:
			if err := c.write(ctx, frame); err != nil {
				return err
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (c *client) write(ctx context.Context, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, frame)
}
