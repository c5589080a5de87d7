package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/inkwell/childbook/internal/model"
)

// Client is one websocket subscriber of a run
type Client struct {
	RunID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub fans run events out to subscribed connections
type Hub struct {
	// Clients grouped by run ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu sync.RWMutex
}

// BroadcastMessage is a payload addressed to one run's subscribers
type BroadcastMessage struct {
	RunID   string
	Message []byte
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.RunID] == nil {
				h.clients[client.RunID] = make(map[*Client]bool)
			}
			h.clients[client.RunID][client] = true
			h.mu.Unlock()
			log.Printf("[WS] Client registered for run %s", client.RunID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			log.Printf("[WS] Client unregistered from run %s", client.RunID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.RunID] {
				select {
				case client.Send <- msg.Message:
				default:
					// Slow consumer
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.RunID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.RunID)
	}
}

// Subscribers returns the number of clients watching runID.
func (h *Hub) Subscribers(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[runID])
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) send(runID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[WS] Failed to marshal message: %v", err)
		return
	}
	h.broadcast <- &BroadcastMessage{RunID: runID, Message: data}
}

// BroadcastProgress sends a progress update to all run subscribers
func (h *Hub) BroadcastProgress(runID string, p model.RunProgress) {
	h.send(runID, model.WSProgressMessage{
		Type:        model.WSMessageTypeProgress,
		RunID:       runID,
		Status:      model.RunStatusRunning,
		Progress:    p.Percent,
		Done:        p.Done,
		Total:       p.Total,
		CurrentStep: p.Step,
	})
}

// BroadcastComplete sends the run's counts and result to all subscribers
func (h *Hub) BroadcastComplete(runID string, result *model.RunResult) {
	msg := model.WSCompleteMessage{
		Type:      model.WSMessageTypeComplete,
		RunID:     runID,
		Processed: result.Processed,
		Skipped:   len(result.Skipped),
		Failed:    len(result.Failed),
		Result:    result,
	}
	if result.Billing != nil {
		msg.EstimatedCost = result.Billing.EstimatedCost
	}
	h.send(runID, msg)
}

// BroadcastCanceled tells subscribers the run was stopped
func (h *Hub) BroadcastCanceled(runID string) {
	h.send(runID, model.WSCanceledMessage{Type: model.WSMessageTypeCanceled, RunID: runID})
}

// BroadcastError sends an error message to all run subscribers
func (h *Hub) BroadcastError(runID string, code, message string) {
	h.send(runID, model.WSErrorMessage{
		Type:  model.WSMessageTypeError,
		RunID: runID,
		Error: model.WSError{Code: code, Message: message},
	})
}

// HandleConnection serves one websocket until the peer goes away
func (h *Hub) HandleConnection(c *websocket.Conn, runID string) {
	client := &Client{
		RunID: runID,
		Conn:  c,
		Send:  make(chan []byte, 256),
	}

	h.Register(client)
	defer h.Unregister(client)

	// Writer
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Connection error: %v", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case client.Send <- data:
			default:
			}
		}
	}
}
