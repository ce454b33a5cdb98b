// Package ws pushes library change notifications to connected UI clients
// over WebSocket.
package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/waya0125/squashterm/internal/library"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The UI is served from the same process; origin checks add
		// nothing here.
		return true
	},
}

// Message is the envelope every notification travels in.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Notification types.
const (
	TypeTrackAdded    = "track_added"
	TypeSyncFinished  = "sync_finished"
	TypeBatchProgress = "batch_progress"
)

// BatchProgressPayload reports queue advancement for one batch.
type BatchProgressPayload struct {
	BatchID   string `json:"batch_id"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// SyncFinishedPayload reports the outcome of one playlist sync.
type SyncFinishedPayload struct {
	PlaylistID string `json:"playlist_id"`
	Added      int    `json:"added"`
	Errors     int    `json:"errors"`
}

// Client is one connected WebSocket peer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Message
}

// Hub maintains the set of active clients and fans messages out to them.
type Hub struct {
	logger     *log.Logger
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	mu         sync.Mutex
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*Client]bool),
		// Buffered so a slow pass through the client set never blocks
		// the producers.
		broadcast:  make(chan Message, 1024),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.conn.Close()
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.logger.Warn("slow websocket client, disconnecting")
					client.conn.Close()
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// HandleWS upgrades the request and attaches the client to the hub.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := &Client{hub: h, conn: conn, send: make(chan Message)}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteJSON(message); err != nil {
			break
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Broadcast queues a message for all clients, dropping it when the hub is
// backed up rather than blocking the caller.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast buffer full, dropping message", "type", msg.Type)
	}
}

// TrackAdded announces a newly ingested track.
func (h *Hub) TrackAdded(track library.Track) {
	h.Broadcast(Message{Type: TypeTrackAdded, Payload: track})
}

// SyncFinished announces a completed playlist sync.
func (h *Hub) SyncFinished(playlistID string, added, errors int) {
	h.Broadcast(Message{
		Type:    TypeSyncFinished,
		Payload: SyncFinishedPayload{PlaylistID: playlistID, Added: added, Errors: errors},
	})
}

// BatchProgress announces queue advancement.
func (h *Hub) BatchProgress(batchID string, total, completed, failed int) {
	h.Broadcast(Message{
		Type: TypeBatchProgress,
		Payload: BatchProgressPayload{
			BatchID: batchID, Total: total, Completed: completed, Failed: failed,
		},
	})
}
