// Package bridge is the concrete ACP SDK client. The SDK itself runs in a
// sidecar process; this package talks to it over a single websocket: one
// build handshake, then job events inbound and pay / evaluate requests
// outbound, correlated by request id.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ocx/acp-buyer/internal/acp"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 1 << 20
	sendBuffer = 64
)

var errClosed = &acp.Error{Kind: acp.KindTransport, Message: "acp bridge connection closed"}

// Builder dials the sidecar at URL.
type Builder struct {
	URL              string
	HandshakeTimeout time.Duration
}

var _ acp.Builder = (*Builder)(nil)

// Build connects, sends the credentials and waits for the sidecar to report
// that the SDK client is ready.
func (b *Builder) Build(ctx context.Context, creds acp.Credentials, h acp.Handler) (acp.Client, error) {
	timeout := b.HandshakeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	conn, _, err := dialer.DialContext(ctx, b.URL, nil)
	if err != nil {
		return nil, acp.WrapError(acp.KindBuild, err, fmt.Sprintf("dial acp bridge %s", b.URL))
	}

	if err := handshake(conn, creds, timeout); err != nil {
		conn.Close()
		return nil, err
	}

	slog.Info("ACP bridge ready", "url", b.URL, "credentials", creds)
	return newClient(conn, h), nil
}

func handshake(conn *websocket.Conn, creds acp.Credentials, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)
	defer conn.SetWriteDeadline(time.Time{})
	defer conn.SetReadDeadline(time.Time{})

	req := Frame{
		ID:   uuid.NewString(),
		Type: TypeBuild,
		Credentials: &CredentialsMsg{
			PrivateKey:    creds.PrivateKey,
			EntityID:      creds.EntityID,
			WalletAddress: creds.WalletAddress,
		},
	}
	if err := conn.WriteJSON(req); err != nil {
		return acp.WrapError(acp.KindBuild, err, "send build request")
	}

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return acp.WrapError(acp.KindBuild, err, "await build response")
		}
		switch {
		case f.Type == TypeReady:
			return nil
		case f.Type == TypeResult && f.ID == req.ID && f.Error != "":
			return acp.NewError(acp.KindBuild, "%s", f.Error)
		default:
			slog.Debug("Ignoring frame before ready", "type", f.Type)
		}
	}
}

// Client is a connected bridge. Events are only delivered while Run is active.
type Client struct {
	conn    *websocket.Conn
	handler acp.Handler
	send    chan []byte

	mu      sync.Mutex
	pending map[string]chan Frame

	once sync.Once
	done chan struct{}
	err  error

	handlers sync.WaitGroup
}

var _ acp.Client = (*Client)(nil)

func newClient(conn *websocket.Conn, h acp.Handler) *Client {
	return &Client{
		conn:    conn,
		handler: h,
		send:    make(chan []byte, sendBuffer),
		pending: make(map[string]chan Frame),
		done:    make(chan struct{}),
	}
}

// Run pumps the connection until ctx is cancelled or Close is called (both
// return nil) or the sidecar goes away (transport error). It waits for
// in-flight handlers before returning.
func (c *Client) Run(ctx context.Context) error {
	go c.writePump()
	stop := context.AfterFunc(ctx, func() { c.shutdown(nil) })
	defer stop()

	c.shutdown(c.readPump(ctx))
	c.handlers.Wait()

	if ctx.Err() != nil {
		return nil
	}
	if err := c.terminalErr(); err != nil {
		return acp.WrapError(acp.KindTransport, err, "acp bridge connection lost")
	}
	return nil
}

// Close tears down the connection. Pending requests fail with a transport error.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.conn.Close()
	})
}

// writePump owns every write on the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Warn("ACP bridge write failed", "error", err)
				c.shutdown(err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Warn("ACP bridge ping failed", "error", err)
				c.shutdown(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump owns every read on the connection.
func (c *Client) readPump(ctx context.Context) error {
	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("sidecar closed the connection")
			}
			return err
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			slog.Warn("ACP bridge sent malformed frame", "error", err)
			continue
		}
		c.route(ctx, f)
	}
}

func (c *Client) route(ctx context.Context, f Frame) {
	switch f.Type {
	case TypeResult:
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		c.mu.Unlock()
		if !ok {
			slog.Warn("ACP bridge result for unknown request", "id", f.ID)
			return
		}
		select {
		case ch <- f:
		default:
			slog.Warn("ACP bridge duplicate result", "id", f.ID)
		}

	case TypeNewTask, TypeEvaluate:
		if f.Job == nil {
			slog.Warn("ACP bridge event without job", "type", f.Type)
			return
		}
		job := newJob(c, *f.Job)
		deliver := c.handler.OnNewTask
		if f.Type == TypeEvaluate {
			deliver = c.handler.OnEvaluate
		}
		c.handlers.Add(1)
		go func() {
			defer c.handlers.Done()
			deliver(ctx, job)
		}()

	default:
		slog.Debug("ACP bridge ignoring frame", "type", f.Type)
	}
}

// request sends f and blocks until the matching result arrives. There is no
// local timeout; only ctx or a lost connection end the wait.
func (c *Client) request(ctx context.Context, f Frame) (Frame, error) {
	f.ID = uuid.NewString()
	data, err := json.Marshal(f)
	if err != nil {
		return Frame{}, err
	}

	ch := make(chan Frame, 1)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return Frame{}, c.closedErr()
	default:
	}
	c.pending[f.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	select {
	case c.send <- data:
	case <-c.done:
		return Frame{}, c.closedErr()
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		return Frame{}, c.closedErr()
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *Client) terminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) closedErr() error {
	if err := c.terminalErr(); err != nil {
		return acp.WrapError(acp.KindTransport, err, errClosed.Message)
	}
	return errClosed
}
