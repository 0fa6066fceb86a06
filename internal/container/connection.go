package container

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whiteboardmonk/agcluster-container-sub000/internal/errdefs"
	"github.com/whiteboardmonk/agcluster-container-sub000/pkg/protocol"
)

// Connection wraps the harness WebSocket with a thread-safe write method.
// It is valid only while its container runs; any send after Close fails
// deterministically with a connection-lost error.
type Connection struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool

	// Init is the first system event received during the readiness probe.
	// It carries the harness-internal session identifier.
	Init *protocol.Event
}

// NewConnection wraps an established harness socket. init is the first
// system event consumed during the readiness probe, if any.
func NewConnection(ws *websocket.Conn, init *protocol.Event) *Connection {
	return &Connection{ws: ws, Init: init}
}

// Send writes a single client frame. Safe for concurrent use.
func (c *Connection) Send(frame protocol.ClientFrame) error {
	if c.closed.Load() {
		return errdefs.New(errdefs.KindConnectionLost, "connection closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(frame); err != nil {
		return errdefs.Wrap(errdefs.KindConnectionLost, err, "send frame")
	}
	return nil
}

// Recv reads the next harness event. Reads are expected to be serialized by
// the caller (one in-flight turn per session). Cancellation or deadline on
// ctx aborts the read.
func (c *Connection) Recv(ctx context.Context) (*protocol.Event, error) {
	if c.closed.Load() {
		return nil, errdefs.New(errdefs.KindConnectionLost, "connection closed")
	}

	if dl, ok := ctx.Deadline(); ok {
		c.ws.SetReadDeadline(dl)
	} else {
		c.ws.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		// Force the blocked read to return.
		c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errdefs.Wrap(errdefs.KindConnectionLost, err, "read frame")
	}

	ev, err := protocol.ParseEvent(data)
	if err != nil {
		return nil, fmt.Errorf("recv: %w", err)
	}
	return ev, nil
}

// Close releases the socket. Idempotent.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.ws.Close()
}

// Closed reports whether Close has been called or the socket dropped.
func (c *Connection) Closed() bool { return c.closed.Load() }
