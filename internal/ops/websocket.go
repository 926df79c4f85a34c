package ops

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/outblock/hlscan/internal/eventbus"
)

// --- WebSocket Hub ---

type hub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	mutex      sync.Mutex
}

type wsClient struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
}

func newHub() *hub {
	return &hub{
		broadcast:  make(chan []byte),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		clients:    make(map[*wsClient]bool),
	}
}

func (h *hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mutex.Unlock()
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// BroadcastMessage is the JSON envelope pushed to websocket subscribers.
type BroadcastMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type wsEvent struct {
	OrgID     string      `json:"org_id,omitempty"`
	JobID     int64       `json:"job_id,omitempty"`
	JobType   string      `json:"job_type,omitempty"`
	WalletID  int64       `json:"wallet_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// bridgeEvents relays pipeline events from the bus onto the hub. The bus
// drops events when the bridge lags, so a pile-up of websocket clients
// never backpressures the workers.
func (s *Server) bridgeEvents(bus *eventbus.Bus) {
	ch := make(chan eventbus.Event, 64)
	bus.SubscribeAll(ch,
		eventbus.EventJobStarted,
		eventbus.EventJobSucceeded,
		eventbus.EventJobRequeued,
		eventbus.EventJobFailed,
		eventbus.EventTickScheduled,
	)
	go func() {
		for evt := range ch {
			msg := BroadcastMessage{
				Type: evt.Type,
				Payload: wsEvent{
					OrgID:     evt.OrgID.String(),
					JobID:     evt.JobID,
					JobType:   evt.JobType,
					WalletID:  evt.WalletID,
					Timestamp: evt.Timestamp,
					Data:      evt.Data,
				},
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			s.hub.broadcast <- data
		}
	}()
}

func (s *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ops] websocket upgrade: %v", err)
		return
	}

	client := &wsClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}

	s.hub.register <- client

	go func() {
		defer func() {
			s.hub.unregister <- client
			conn.Close()
		}()
		for {
			message, ok := <-client.send
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			w.Close()
		}
	}()

	// Reads are discarded; the stream is one-way. The read loop only exists
	// to notice the peer going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
