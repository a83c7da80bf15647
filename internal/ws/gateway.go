// Package ws is the WebSocket side of the pipeline: the reconnect handshake,
// the ordered backfill and live push to connected clients.
package ws

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/darkden-lab/relay/internal/httputil"
	"github.com/darkden-lab/relay/internal/metrics"
	"github.com/darkden-lab/relay/internal/notifications"
	"github.com/darkden-lab/relay/internal/session"
)

// Config tunes the gateway.
type Config struct {
	BackfillMax      int
	HandshakeTimeout time.Duration
	AllowedOrigins   []string
}

// Gateway upgrades connections and runs the per-session protocol
// CONNECTING -> HANDSHAKE -> LIVE -> CLOSED.
type Gateway struct {
	registry         *session.Registry
	store            notifications.Store
	backfillMax      int
	handshakeTimeout time.Duration
	upgrader         websocket.Upgrader
	metrics          *metrics.Metrics
	log              *zap.Logger
}

func NewGateway(cfg Config, registry *session.Registry, store notifications.Store, m *metrics.Metrics, log *zap.Logger) *Gateway {
	if cfg.BackfillMax <= 0 {
		cfg.BackfillMax = 100
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		registry:         registry,
		store:            store,
		backfillMax:      cfg.BackfillMax,
		handshakeTimeout: cfg.HandshakeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewOriginChecker(cfg.AllowedOrigins),
		},
		metrics: m,
		log:     log.Named("ws"),
	}
}

// RegisterRoutes wires the WebSocket endpoint.
func (g *Gateway) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws/notifications", g.ServeWS).Methods(http.MethodGet)
}

// ServeWS upgrades GET /ws/notifications?userId=...[&sessionId=...][&cursor=...].
// userId is trusted; authentication happens upstream.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	if userID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "userId is required")
		return
	}
	sessionID := q.Get("sessionId")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	queryCursor, err := notifications.ParseCursor(q.Get("cursor"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already wrote the error response.
		return
	}

	client := newClient(conn, userID, sessionID, g.log)
	var registered atomic.Pointer[session.Session]
	handshake := make(chan *string, 1)
	onAck := func(c notifications.Cursor) {
		s := registered.Load()
		if s == nil {
			return
		}
		if current, ok := g.registry.Get(s.ID); ok && current == s {
			g.registry.UpdateCursor(s.ID, c)
		}
	}

	go client.writePump()
	go client.readPump(handshake, onAck)
	go g.run(client, queryCursor, handshake, &registered)
}

// run performs the handshake and backfill, then leaves the session LIVE.
func (g *Gateway) run(c *Client, queryCursor notifications.Cursor, handshake <-chan *string, registered *atomic.Pointer[session.Session]) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	log := c.log
	c.setState(StateHandshake)
	c.trySend(ConnectionFrame{Type: FrameConnection, SessionID: c.SessionID, State: StateHandshake})

	cursor := queryCursor
	timer := time.NewTimer(g.handshakeTimeout)
	select {
	case declared := <-handshake:
		timer.Stop()
		if declared != nil {
			parsed, err := notifications.ParseCursor(*declared)
			if err != nil {
				log.Info("ignoring invalid subscribe cursor", zap.Error(err))
			} else {
				cursor = parsed
			}
		}
	case <-timer.C:
		log.Debug("no subscribe frame, using query cursor")
	case <-c.Done():
		timer.Stop()
		return
	}

	c.beginBackfill(cursor)
	s, replaced := g.registry.Register(c.UserID, c.SessionID, cursor, c)
	registered.Store(s)
	go func() {
		<-c.Done()
		g.registry.UnregisterIf(s)
	}()
	if replaced != nil {
		log.Info("session id reused, previous connection closed")
	}

	page, err := g.store.ListForUser(ctx, c.UserID, cursor, g.backfillMax)
	if err != nil {
		log.Error("backfill failed", zap.Error(err))
		c.Close()
		return
	}
	for _, n := range page.Items {
		if err := c.sendBackfill(ctx, n); err != nil {
			// Disconnected mid-backfill; nothing to roll back.
			log.Debug("backfill abandoned", zap.Error(err))
			return
		}
	}
	g.metrics.AddBackfill(len(page.Items))

	more := page.More
	live := ConnectionFrame{
		Type:          FrameConnection,
		SessionID:     c.SessionID,
		State:         StateLive,
		MoreAvailable: &more,
		Cursor:        page.NextCursor.String(),
	}
	if err := c.finishBackfill(ctx, live); err != nil {
		log.Debug("connection closed before going live", zap.Error(err))
		return
	}
	log.Info("session live", zap.Int("backfilled", len(page.Items)), zap.Bool("more_available", more))
}
