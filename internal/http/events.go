package http

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"TronPayWatch/internal/models"
	"TronPayWatch/internal/services"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type orderEvent struct {
	Type  string        `json:"type"`
	Order orderResponse `json:"order"`
}

type eventClient struct {
	orderID string
	send    chan []byte
	hub     *EventHub
	once    sync.Once
}

func (c *eventClient) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		close(c.send)
	})
}

// EventHub fans order transitions out to websocket subscribers of that order.
type EventHub struct {
	mu      sync.RWMutex
	byOrder map[string]map[*eventClient]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{byOrder: make(map[string]map[*eventClient]struct{})}
}

func (h *EventHub) subscribe(orderID string) *eventClient {
	c := &eventClient{orderID: orderID, send: make(chan []byte, 16), hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byOrder[orderID] == nil {
		h.byOrder[orderID] = make(map[*eventClient]struct{})
	}
	h.byOrder[orderID][c] = struct{}{}
	return c
}

func (h *EventHub) unregister(c *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m := h.byOrder[c.orderID]; m != nil {
		delete(m, c)
		if len(m) == 0 {
			delete(h.byOrder, c.orderID)
		}
	}
}

// Publish sends the order snapshot to its subscribers. Slow subscribers miss
// the message rather than block the caller.
func (h *EventHub) Publish(eventType string, order *models.Order) {
	data, err := json.Marshal(orderEvent{Type: eventType, Order: toOrderResponse(order)})
	if err != nil {
		log.Printf("event marshal failed order=%s: %v", order.OrderID, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byOrder[order.OrderID] {
		select {
		case c.send <- data:
		default:
		}
	}
}

func (h *EventHub) Subscribers(orderID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byOrder[orderID])
}

// Callback adapts the hub to a payment service event handler.
func (h *EventHub) Callback(event services.Event) services.Handler {
	return func(orderID string, order *models.Order) error {
		h.Publish(string(event), order)
		return nil
	}
}

func (h *EventHub) serve(conn *websocket.Conn, c *eventClient) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		writePump(conn, c.send)
	}()
	readPump(conn)
	c.close()
	<-done
}

func writePump(conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func readPump(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
