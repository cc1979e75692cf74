package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zapgate/zapgate/internal/eventbus"
)

// Message is the WebSocket wire format in both directions. Clients send
// {type:"subscribe"|"unsubscribe", instanceId}; the hub pushes instance
// events into the rooms they joined.
type Message struct {
	Type       string      `json:"type"`
	InstanceID string      `json:"instanceId,omitempty"`
	Data       interface{} `json:"data,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Client is one WebSocket connection and the set of instance rooms it joined.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu    sync.Mutex
	rooms map[string]bool
}

// roomcast targets every client subscribed to one instance.
type roomcast struct {
	instanceID string
	payload    []byte
}

// Hub manages WebSocket clients and bridges bus events into per-instance
// rooms.
type Hub struct {
	bus       *eventbus.Bus
	instances InstanceManager

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	roomcasts  chan roomcast
	upgrader   websocket.Upgrader

	lifecycle    eventbus.ServiceLifecycle
	qrSub        *eventbus.TypedSubscription[eventbus.InstanceQREvent]
	lifecycleSub *eventbus.TypedSubscription[eventbus.InstanceLifecycleEvent]
}

// NewHub creates a WebSocket hub. Run must be called before traffic arrives.
func NewHub(bus *eventbus.Bus, instances InstanceManager) *Hub {
	return &Hub{
		bus:        bus,
		instances:  instances,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		roomcasts:  make(chan roomcast, 256),
		upgrader: websocket.Upgrader{
			// The API key middleware already gates the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run starts the hub loop and the bus bridges. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.lifecycle.Start(ctx)

	h.qrSub = eventbus.SubscribeTo(h.bus, eventbus.Instances.QR,
		eventbus.WithSubscriptionName("websocket_qr"))
	h.lifecycleSub = eventbus.SubscribeTo(h.bus, eventbus.Instances.Lifecycle,
		eventbus.WithSubscriptionName("websocket_lifecycle"))
	h.lifecycle.AddSubscriptions(h.qrSub, h.lifecycleSub)

	h.lifecycle.Go(func(ctx context.Context) {
		eventbus.Consume(ctx, h.qrSub, nil, func(evt eventbus.InstanceQREvent) {
			h.pushToRoom(evt.InstanceID, "qr:updated", map[string]interface{}{
				"qrcode": evt.Code,
			})
		})
	})
	h.lifecycle.Go(func(ctx context.Context) {
		eventbus.Consume(ctx, h.lifecycleSub, nil, func(evt eventbus.InstanceLifecycleEvent) {
			h.pushToRoom(evt.InstanceID, "connection:status", map[string]interface{}{
				"status": string(evt.State),
				"reason": evt.Reason,
			})
			switch evt.State {
			case eventbus.StateConnected:
				h.pushToRoom(evt.InstanceID, "connection:success", nil)
			case eventbus.StateDisconnected, eventbus.StateLoggedOut:
				h.pushToRoom(evt.InstanceID, "connection:disconnected", map[string]interface{}{
					"loggedOut": evt.LoggedOut,
				})
			}
		})
	})

	for {
		select {
		case <-ctx.Done():
			h.lifecycle.Stop()
			h.shutdownClients()
			return

		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}

		case rc := <-h.roomcasts:
			for client := range h.clients {
				if !client.inRoom(rc.instanceID) {
					continue
				}
				select {
				case client.send <- rc.payload:
				default:
					// Client's send channel is full, skip
				}
			}
		}
	}
}

func (h *Hub) shutdownClients() {
	for client := range h.clients {
		close(client.send)
		client.conn.Close()
		delete(h.clients, client)
	}
}

// HandleWebSocket upgrades the connection and starts the client pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WebSocket] upgrade error: %v", err)
		return
	}

	client := &Client{
		id:    uuid.NewString(),
		conn:  conn,
		send:  make(chan []byte, 256),
		hub:   h,
		rooms: make(map[string]bool),
	}

	// The hub loop may not be running (not started yet, or already gone
	// during shutdown); an upgrade then must not strand this handler on the
	// register channel.
	ctx := h.lifecycle.Context()
	if ctx == nil {
		conn.Close()
		return
	}
	select {
	case h.register <- client:
	case <-ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// pushToRoom queues an event for every subscriber of the instance.
// Publishing to a room with no subscribers is a silent no-op.
func (h *Hub) pushToRoom(instanceID, eventType string, data interface{}) {
	payload, err := json.Marshal(Message{
		Type:       eventType,
		InstanceID: instanceID,
		Data:       data,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[WebSocket] marshal %s event: %v", eventType, err)
		return
	}

	select {
	case h.roomcasts <- roomcast{instanceID: instanceID, payload: payload}:
	default:
		log.Printf("[WebSocket] roomcast queue full, dropping %s for instance %s", eventType, instanceID)
	}
}

func (c *Client) inRoom(instanceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[instanceID]
}

func (c *Client) joinRoom(instanceID string) {
	c.mu.Lock()
	c.rooms[instanceID] = true
	c.mu.Unlock()
}

func (c *Client) leaveRoom(instanceID string) {
	c.mu.Lock()
	delete(c.rooms, instanceID)
	c.mu.Unlock()
}

// readPump handles subscribe/unsubscribe commands from the client.
func (c *Client) readPump() {
	defer func() {
		// The hub loop may already be gone during shutdown.
		select {
		case c.hub.unregister <- c:
		case <-c.hub.lifecycle.Context().Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WebSocket] read error: %v", err)
			}
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Printf("[WebSocket] malformed client message: %v", err)
			continue
		}

		switch msg.Type {
		case "subscribe":
			if msg.InstanceID == "" {
				c.sendError("subscribe message missing instanceId")
				continue
			}
			c.joinRoom(msg.InstanceID)
			c.sendMessage(Message{
				Type:       "subscribed",
				InstanceID: msg.InstanceID,
				Timestamp:  time.Now().UTC(),
			})
			c.sendStatusSnapshot(msg.InstanceID)

		case "unsubscribe":
			if msg.InstanceID == "" {
				c.sendError("unsubscribe message missing instanceId")
				continue
			}
			c.leaveRoom(msg.InstanceID)
			c.sendMessage(Message{
				Type:       "unsubscribed",
				InstanceID: msg.InstanceID,
				Timestamp:  time.Now().UTC(),
			})

		default:
			c.sendError("unknown message type: " + msg.Type)
		}
	}
}

// sendStatusSnapshot pushes the instance's current state to a fresh
// subscriber so it does not have to wait for the next transition.
func (c *Client) sendStatusSnapshot(instanceID string) {
	if c.hub.instances == nil {
		return
	}
	snap, err := c.hub.instances.Get(instanceID)
	if err != nil {
		return
	}
	c.sendMessage(Message{
		Type:       "connection:status",
		InstanceID: instanceID,
		Data: map[string]interface{}{
			"status": string(snap.State),
			"hasQR":  snap.HasQR(),
		},
		Timestamp: time.Now().UTC(),
	})
}

// writePump writes queued messages and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendMessage(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WebSocket] marshal message: %v", err)
		return
	}
	select {
	case c.send <- payload:
	default:
		// Client's send channel is full, skip
	}
}

func (c *Client) sendError(errMsg string) {
	c.sendMessage(Message{
		Type:      "error",
		Data:      errMsg,
		Timestamp: time.Now().UTC(),
	})
}
