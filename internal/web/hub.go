package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/link18/tacsync/internal/store"
)

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second
	// pushInterval is the snapshot push cadence to subscribers.
	pushInterval = time.Second
)

// Hub pushes store snapshots to websocket subscribers. Every subscriber
// gets the same serialized payload per cycle; a subscriber that cannot
// keep up is dropped rather than allowed to stall the rest.
type Hub struct {
	store    *store.Store
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub creates a hub over the given store.
func NewHub(st *store.Store, log zerolog.Logger) *Hub {
	return &Hub{
		store: st,
		log:   log.With().Str("component", "hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served off the LAN, not the open web.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleStream upgrades the request and subscribes the connection. The
// read loop exists only to observe the close; subscribers never send.
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	// Initial snapshot so the dashboard renders before the first push.
	if data, err := json.Marshal(h.store.Snapshot()); err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			return
		}
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
	h.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("subscriber connected")

	go func() {
		defer h.unsubscribe(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) unsubscribe(conn *websocket.Conn) {
	h.mu.Lock()
	_, known := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
	if known {
		h.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("subscriber disconnected")
	}
}

// Run pushes snapshots on the configured cadence until the context is
// canceled, then closes all subscriber connections.
func (h *Hub) Run(ctx context.Context) {
	tick := time.NewTicker(pushInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-tick.C:
			h.push()
		}
	}
}

func (h *Hub) push() {
	h.mu.Lock()
	if len(h.clients) == 0 {
		h.mu.Unlock()
		return
	}
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	data, err := json.Marshal(h.store.Snapshot())
	if err != nil {
		h.log.Error().Err(err).Msg("marshaling snapshot")
		return
	}

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.unsubscribe(conn)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"))
		conn.Close()
	}
}
