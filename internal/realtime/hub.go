// Package realtime pushes conversation- and tenant-scoped events to connected
// dashboard and widget sessions over websockets. Delivery is best effort:
// there is no persistence or replay, and a slow client is dropped rather than
// allowed to stall the hub.
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait        = 5 * time.Second
	clientBuffer     = 32
	roomConvPrefix   = "conversation:"
	roomTenantPrefix = "tenant:"
	roomWidgetPrefix = "widget:"
)

// Event is one fan-out message.
type Event struct {
	Type    string `json:"type"`
	Room    string `json:"room"`
	Payload any    `json:"payload,omitempty"`
}

// Client is one connected websocket session.
type Client struct {
	conn  *websocket.Conn
	send  chan []byte
	rooms map[string]bool
}

// Hub tracks room subscriptions and broadcasts events.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]bool
	clients map[*Client]bool
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		rooms:   make(map[string]map[*Client]bool),
		clients: make(map[*Client]bool),
		logger:  log.With(slog.String("service", "realtime")),
	}
}

// Attach registers a websocket connection and starts its write pump. The
// returned client has no subscriptions yet.
func (h *Hub) Attach(conn *websocket.Conn) *Client {
	client := &Client{
		conn:  conn,
		send:  make(chan []byte, clientBuffer),
		rooms: make(map[string]bool),
	}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	go h.writePump(client)
	return client
}

// Detach removes the client from all rooms and closes its connection.
func (h *Hub) Detach(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		for room := range client.rooms {
			h.leaveLocked(client, room)
		}
		close(client.send)
	}
	h.mu.Unlock()
}

// Join subscribes the client to a room.
func (h *Hub) Join(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[client] {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][client] = true
	client.rooms[room] = true
}

// Leave unsubscribes the client from a room.
func (h *Hub) Leave(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(client, room)
}

func (h *Hub) leaveLocked(client *Client, room string) {
	if members := h.rooms[room]; members != nil {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(client.rooms, room)
}

// ConversationRoom names the room for one conversation's subscribers.
func ConversationRoom(conversationID string) string {
	return roomConvPrefix + conversationID
}

// TenantRoom names the room all of a tenant's dashboard sockets share.
func TenantRoom(tenantID string) string {
	return roomTenantPrefix + tenantID
}

// WidgetRoom names the room for one widget session.
func WidgetRoom(sessionID string) string {
	return roomWidgetPrefix + sessionID
}

// PublishConversation broadcasts an event to a conversation room.
func (h *Hub) PublishConversation(conversationID, event string, payload any) {
	h.publish(roomConvPrefix+conversationID, event, payload)
}

// PublishTenant broadcasts an event to a tenant room.
func (h *Hub) PublishTenant(tenantID, event string, payload any) {
	h.publish(roomTenantPrefix+tenantID, event, payload)
}

// PublishWidget broadcasts an event to a widget session room.
func (h *Hub) PublishWidget(sessionID, event string, payload any) {
	h.publish(roomWidgetPrefix+sessionID, event, payload)
}

func (h *Hub) publish(room, event string, payload any) {
	encoded, err := json.Marshal(Event{Type: event, Room: room, Payload: payload})
	if err != nil {
		h.logger.Warn("encode event failed", slog.String("event", event), slog.Any("error", err))
		return
	}
	// Sends happen under the read lock so Detach cannot close a channel
	// mid-send; they never block thanks to the buffered select.
	var slow []*Client
	h.mu.RLock()
	for client := range h.rooms[room] {
		select {
		case client.send <- encoded:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		// Slow client: drop it rather than stall other subscribers.
		h.logger.Debug("dropping slow realtime client", slog.String("room", room))
		h.Detach(client)
	}
}

func (h *Hub) writePump(client *Client) {
	defer client.conn.Close()
	for msg := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.Detach(client)
			return
		}
	}
}
