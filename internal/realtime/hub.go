package realtime

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nodadyoushutup/llmctl/internal/events"
	"github.com/nodadyoushutup/llmctl/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// CheckOrigin allows all origins — subscriber auth happens before the
	// upgrade in the session layer, outside this package.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Hub delivers room-scoped envelopes to websocket subscribers.
type Hub struct {
	broker events.Broker
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[string]*subscriberConn
}

type subscriberConn struct {
	id    string
	conn  *websocket.Conn
	rooms map[string]struct{}
	inbox *OrderedInbox
	mu    sync.Mutex
}

// NewHub creates a subscriber hub on top of a broker.
func NewHub(broker events.Broker, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		broker: broker,
		logger: logger,
		conns:  make(map[string]*subscriberConn),
	}
}

// HandleSubscribe upgrades the request and streams envelopes whose room
// keys intersect the rooms query parameter (comma-separated).
func (h *Hub) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	rooms := make(map[string]struct{})
	for _, room := range strings.Split(r.URL.Query().Get("rooms"), ",") {
		room = strings.TrimSpace(room)
		if room != "" {
			rooms[room] = struct{}{}
		}
	}
	if len(rooms) == 0 {
		http.Error(w, "rooms query parameter required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := &subscriberConn{
		id:    uuid.NewString(),
		conn:  conn,
		rooms: rooms,
		inbox: NewOrderedInbox(),
	}
	h.mu.Lock()
	h.conns[sub.id] = sub
	h.mu.Unlock()

	ch := h.broker.Subscribe(sub.id)
	go h.writeLoop(sub, ch)
	go h.readLoop(sub)
}

func (h *Hub) writeLoop(sub *subscriberConn, ch <-chan store.Envelope) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer h.drop(sub)
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return
			}
			if !roomsIntersect(sub.rooms, env.RoomKeys) {
				continue
			}
			if !sub.inbox.Accept(env) {
				continue
			}
			sub.mu.Lock()
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := sub.conn.WriteMessage(websocket.TextMessage, events.EncodeEnvelope(env))
			sub.mu.Unlock()
			if err != nil {
				return
			}
		case <-ticker.C:
			sub.mu.Lock()
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := sub.conn.WriteMessage(websocket.PingMessage, nil)
			sub.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) readLoop(sub *subscriberConn) {
	defer h.drop(sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(sub *subscriberConn) {
	h.mu.Lock()
	_, present := h.conns[sub.id]
	delete(h.conns, sub.id)
	h.mu.Unlock()
	if present {
		h.broker.Unsubscribe(sub.id)
		_ = sub.conn.Close()
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func roomsIntersect(joined map[string]struct{}, keys []string) bool {
	for _, k := range keys {
		if _, ok := joined[k]; ok {
			return true
		}
	}
	return false
}
