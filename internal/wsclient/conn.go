// Package wsclient maintains the CLI's upload channel: a websocket
// connection with serialized writes and a callback-driven read loop.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/framepipe/framepipe/pkg/protocol"
)

// ErrConnClosed indicates a send on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Conn is an upload channel to the server.
type Conn struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	sendChan chan protocol.ClientMessage
	done     chan struct{}
	writeMu  sync.Mutex
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Dial connects to the session's websocket endpoint. Upgrade failures
// carry the server's error body when one is present.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	conn, resp, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	c := &Conn{
		conn:     conn,
		logger:   logger,
		sendChan: make(chan protocol.ClientMessage, 64),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// ReadLoop reads server messages and invokes onMsg for each one until
// the connection closes or ctx is cancelled.
func (c *Conn) ReadLoop(ctx context.Context, onMsg func(msg protocol.InboundServerMessage)) error {
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.writeMu.Lock()
				c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := c.conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	go func() {
		// Closing the connection unblocks ReadMessage immediately.
		<-ctx.Done()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg protocol.InboundServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("invalid server message", "error", err)
			continue
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		onMsg(msg)
	}
}

// Send queues a message for the writer goroutine.
func (c *Conn) Send(msg protocol.ClientMessage) error {
	select {
	case c.sendChan <- msg:
		return nil
	case <-c.done:
		return ErrConnClosed
	}
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	for msg := range c.sendChan {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		err := c.conn.WriteJSON(msg)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Error("websocket write error", "error", err)
			return
		}
	}
}

// Close flushes pending sends and closes the connection.
func (c *Conn) Close() error {
	close(c.sendChan)
	<-c.done
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Close()
}
