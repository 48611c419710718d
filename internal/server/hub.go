package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/playwatch/playwatch/internal/tracker"
)

// statusMessage is the wire format pushed to UI subscribers after each tick.
type statusMessage struct {
	Type      string                  `json:"type"`
	Programs  []tracker.ProgramStatus `json:"programs"`
	Timestamp time.Time               `json:"timestamp"`
}

// Hub manages WebSocket UI connections using the Gorilla hub pattern. It is
// push-only: clients receive status updates and send nothing but pongs.
type Hub struct {
	clients    map[string]*clientConn
	register   chan *clientConn
	unregister chan *clientConn
	broadcast  chan []byte

	authToken      string
	allowedOrigins []string

	upgrader websocket.Upgrader
	logger   *zap.Logger
	mu       sync.RWMutex
	ctx      context.Context
}

func NewHub(ctx context.Context, authToken string, allowedOrigins []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Hub{
		clients:        make(map[string]*clientConn),
		register:       make(chan *clientConn),
		unregister:     make(chan *clientConn),
		broadcast:      make(chan []byte, 256),
		authToken:      authToken,
		allowedOrigins: allowedOrigins,
		logger:         logger,
		ctx:            ctx,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	return h
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for id, conn := range h.clients {
				close(conn.send)
				conn.conn.Close()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn.clientID] = conn
			h.mu.Unlock()
			h.logger.Info("ui client connected", zap.String("client_id", conn.clientID))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn.clientID]; ok {
				delete(h.clients, conn.clientID)
				close(conn.send)
				h.logger.Info("ui client disconnected", zap.String("client_id", conn.clientID))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, conn := range h.clients {
				select {
				case conn.send <- msg:
				default:
					h.logger.Warn("dropping slow ui client", zap.String("client_id", id))
					close(conn.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ConsumeBus subscribes to tick status publications and broadcasts them to
// connected clients. The returned stop function ends the feed.
func (h *Hub) ConsumeBus(bus *tracker.Bus) func() {
	ch, cancel := bus.Subscribe()

	go func() {
		for statuses := range ch {
			data, err := json.Marshal(statusMessage{
				Type:      "status_update",
				Programs:  statuses,
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				h.logger.Error("encode status update failed", zap.Error(err))
				continue
			}
			h.Broadcast(data)
		}
	}()

	return cancel
}

func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("hub broadcast buffer full; dropping message")
	}
}

// ServeWS handles WebSocket upgrade requests with token auth (header or query
// param).
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := ""
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	} else {
		token = r.URL.Query().Get("token")
	}

	h.mu.RLock()
	currentToken := h.authToken
	h.mu.RUnlock()

	if token != currentToken {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClientConn(h, conn, uuid.New().String())
	select {
	case h.register <- client:
	case <-h.ctx.Done():
		// Run has already returned; nobody will drain the register channel.
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if MatchOrigin(origin, allowed) {
			return true
		}
	}
	h.logger.Warn("rejected connection from unauthorized origin", zap.String("origin", origin))
	return false
}
