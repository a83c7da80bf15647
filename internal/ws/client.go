package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/darkden-lab/relay/internal/notifications"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// pongWait is the maximum time to wait for a pong reply from the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize is the maximum inbound message size in bytes.
	maxMessageSize = 4096
	// sendBuffer is the number of outbound frames queued per client.
	sendBuffer = 256
	// maxPending bounds live notifications held back during backfill.
	maxPending = 1024
)

var (
	// ErrClientClosed is returned by Push after the connection went away.
	ErrClientClosed = errors.New("client closed")
	// ErrSlowClient is returned by Push when the send buffer is full.
	ErrSlowClient = errors.New("client send buffer full")
)

// Client is one WebSocket connection. It implements session.Pusher and
// guarantees each notification is written at most once, in cursor order,
// even when live pushes race with the reconnect backfill.
type Client struct {
	SessionID string
	UserID    string

	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	log  *zap.Logger

	mu          sync.Mutex
	state       State
	backfilling bool
	pending     []notifications.Notification
	lastSent    notifications.Cursor
}

func newClient(conn *websocket.Conn, userID, sessionID string, log *zap.Logger) *Client {
	return &Client{
		SessionID: sessionID,
		UserID:    userID,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		log:       log.With(zap.String("session_id", sessionID), zap.String("user_id", userID)),
		state:     StateConnecting,
	}
}

// State returns the protocol state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		c.state = s
	}
}

// Done is closed when the connection is torn down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		// done first: finishBackfill may be blocked in enqueue holding mu.
		close(c.done)
		c.mu.Lock()
		c.state = StateClosed
		c.pending = nil
		c.mu.Unlock()
	})
}

// Push delivers a live notification. While the backfill runs it is held back
// and flushed afterwards; anything at or before the last sent cursor is
// dropped as already delivered.
func (c *Client) Push(_ context.Context, n notifications.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == StateClosed:
		return ErrClientClosed
	case c.backfilling:
		if len(c.pending) >= maxPending {
			return ErrSlowClient
		}
		c.pending = append(c.pending, n)
		return nil
	case !n.Cursor().After(c.lastSent):
		return nil
	}

	frame, err := encodeNotification(n, false)
	if err != nil {
		return err
	}
	select {
	case c.send <- frame:
		c.lastSent = n.Cursor()
		return nil
	default:
		return ErrSlowClient
	}
}

// beginBackfill holds back live pushes until finishBackfill.
func (c *Client) beginBackfill(from notifications.Cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backfilling = true
	c.lastSent = from
}

// sendBackfill writes one replayed notification, waiting for buffer space.
func (c *Client) sendBackfill(ctx context.Context, n notifications.Notification) error {
	frame, err := encodeNotification(n, true)
	if err != nil {
		return err
	}
	if err := c.enqueue(ctx, frame); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastSent = n.Cursor()
	c.mu.Unlock()
	return nil
}

// finishBackfill announces LIVE, then flushes held-back pushes that the
// backfill did not already cover.
func (c *Client) finishBackfill(ctx context.Context, live ConnectionFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	frame, err := json.Marshal(live)
	if err != nil {
		return err
	}
	if err := c.enqueue(ctx, frame); err != nil {
		return err
	}

	pending := c.pending
	c.pending = nil
	c.backfilling = false
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[j].Cursor().After(pending[i].Cursor())
	})
	for _, n := range pending {
		if !n.Cursor().After(c.lastSent) {
			continue
		}
		frame, err := encodeNotification(n, false)
		if err != nil {
			return err
		}
		if err := c.enqueue(ctx, frame); err != nil {
			return err
		}
		c.lastSent = n.Cursor()
	}
	if c.state != StateClosed {
		c.state = StateLive
	}
	return nil
}

// enqueue blocks until the frame is queued or the connection ends.
func (c *Client) enqueue(ctx context.Context, frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues a control frame without blocking.
func (c *Client) trySend(v interface{}) {
	frame, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		c.log.Warn("dropping control frame, send buffer full")
	}
}

func encodeNotification(n notifications.Notification, backfill bool) ([]byte, error) {
	return json.Marshal(NotificationFrame{
		Type:         FrameNotification,
		Notification: n,
		Cursor:       n.Cursor().String(),
		Backfill:     backfill,
	})
}

// readPump reads client frames until the connection fails. subscribe frames
// go to handshake (first one only) and acks to onAck.
func (c *Client) readPump(handshake chan<- *string, onAck func(notifications.Cursor)) {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	subscribed := false
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("read error", zap.Error(err))
			}
			return
		}
		// Any client frame counts as liveness.
		c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck

		var f ClientFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.log.Debug("invalid client frame", zap.Error(err))
			continue
		}

		switch f.Type {
		case FramePing:
			c.trySend(PongFrame{Type: FramePong})
		case FrameSubscribe:
			if subscribed {
				continue
			}
			subscribed = true
			select {
			case handshake <- f.Cursor:
			default:
			}
		case FrameAck:
			if f.Cursor == nil {
				continue
			}
			cursor, err := notifications.ParseCursor(*f.Cursor)
			if err != nil {
				c.log.Debug("invalid ack cursor", zap.Error(err))
				continue
			}
			onAck(cursor)
		default:
			c.log.Debug("unknown frame type", zap.String("type", f.Type))
		}
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.drain()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.conn.WriteMessage(websocket.CloseMessage, closeMsg) //nolint:errcheck
			return
		}
	}
}

// drain writes frames that were queued before Close.
func (c *Client) drain() {
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
