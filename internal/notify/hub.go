package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

type conn struct {
	ws       *websocket.Conn
	walletID string
	mu       sync.Mutex
	lastSeen time.Time
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// Hub keeps the live websocket connections of every wallet and pushes events
// to them.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu    sync.RWMutex
	conns map[string]map[*conn]struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With(zap.String("component", "ws_hub")),
		conns:  make(map[string]map[*conn]struct{}),
	}
}

// Serve upgrades the request and streams events for walletID until the
// client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, walletID string) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := h.add(walletID, ws)
	defer h.remove(c)

	ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastSeen = time.Now()
		c.mu.Unlock()
		return nil
	})
	// Inbound frames are ignored; reading keeps pong and close handling alive.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return nil
		}
	}
}

func (h *Hub) add(walletID string, ws *websocket.Conn) *conn {
	c := &conn{ws: ws, walletID: walletID, lastSeen: time.Now()}
	h.mu.Lock()
	if _, ok := h.conns[walletID]; !ok {
		h.conns[walletID] = make(map[*conn]struct{})
	}
	h.conns[walletID][c] = struct{}{}
	n := len(h.conns[walletID])
	h.mu.Unlock()

	h.logger.Debug("ws connected", zap.String("wallet_id", walletID), zap.Int("connections", n))
	return c
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	if set, ok := h.conns[c.walletID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.walletID)
		}
	}
	h.mu.Unlock()
	_ = c.ws.Close()
	h.logger.Debug("ws disconnected", zap.String("wallet_id", c.walletID))
}

func (h *Hub) snapshot(walletID string) []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*conn, 0, len(h.conns[walletID]))
	for c := range h.conns[walletID] {
		out = append(out, c)
	}
	return out
}

// Connections returns the number of open connections of walletID.
func (h *Hub) Connections(walletID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[walletID])
}

func (h *Hub) Publish(_ context.Context, walletID string, eventType EventType, payload any) error {
	ev := Event{WalletID: walletID, Type: eventType, Payload: payload, At: time.Now().UTC()}
	for _, c := range h.snapshot(walletID) {
		if err := c.writeJSON(ev); err != nil {
			h.logger.Warn("ws send failed", zap.String("wallet_id", walletID), zap.Error(err))
			go h.remove(c)
		}
	}
	return nil
}

// Heartbeat pings every connection each interval and drops the ones that
// stopped answering. It returns when ctx is done.
func (h *Hub) Heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		h.mu.RLock()
		var all []*conn
		for _, set := range h.conns {
			for c := range set {
				all = append(all, c)
			}
		}
		h.mu.RUnlock()

		for _, c := range all {
			c.mu.Lock()
			stale := time.Since(c.lastSeen) > 2*interval
			var err error
			if !stale {
				err = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			}
			c.mu.Unlock()
			if stale || err != nil {
				h.remove(c)
			}
		}
	}
}
