package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/studiosivad/dropengine/go/internal/drop/events"
)

// ConnectionManager manages WebSocket connections for drop updates.
// Connections pick their topics by sending subscribe messages after the
// upgrade; duplicate subscribes are idempotent, so reconnecting clients can
// re-send without harm.
type ConnectionManager struct {
	// Connection pools organized by topic key (product/collaborator/admin)
	topicConnections map[string]map[*Connection]bool
	mu               sync.RWMutex

	// Upgrader for WebSocket connections
	upgrader websocket.Upgrader

	// Connection configuration
	config ConnectionConfig

	// Event broadcasting
	broadcastCh chan BroadcastMessage
}

// Connection represents a WebSocket connection to a client
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	// Topics this connection subscribed to
	topicsMu sync.Mutex
	topics   map[string]bool

	// Connection metadata
	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage represents a message to broadcast to a topic's connections
type BroadcastMessage struct {
	Topic string
	Event *events.Envelope
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024, // 1KB max message size
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		topicConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, 1000), // Buffer for high throughput
	}
}

// Start begins processing broadcast messages
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket. The client
// names its topics afterwards via subscribe messages.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		topics:      make(map[string]bool),
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("remote", r.RemoteAddr).
		Msg("WebSocket connection established")

	return nil
}

// subscribe adds a connection to a topic pool. Idempotent.
func (cm *ConnectionManager) subscribe(conn *Connection, topic string) {
	conn.topicsMu.Lock()
	already := conn.topics[topic]
	conn.topics[topic] = true
	conn.topicsMu.Unlock()
	if already {
		log.Debug().
			Str("connection_id", conn.ID).
			Str("topic", topic).
			Msg("duplicate subscribe, ignoring")
		return
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.topicConnections[topic] == nil {
		cm.topicConnections[topic] = make(map[*Connection]bool)
	}
	cm.topicConnections[topic][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("topic", topic).
		Int("total_connections", len(cm.topicConnections[topic])).
		Msg("connection subscribed")
}

// unregisterConnection removes a connection from every topic pool
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	conn.topicsMu.Lock()
	topics := make([]string, 0, len(conn.topics))
	for topic := range conn.topics {
		topics = append(topics, topic)
	}
	conn.topics = make(map[string]bool)
	conn.topicsMu.Unlock()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	removed := false
	for _, topic := range topics {
		if connections, exists := cm.topicConnections[topic]; exists {
			if _, exists := connections[conn]; exists {
				delete(connections, conn)
				removed = true

				// Clean up empty topic pools
				if len(connections) == 0 {
					delete(cm.topicConnections, topic)
				}
			}
		}
	}

	if removed {
		close(conn.Send)
		log.Info().
			Str("connection_id", conn.ID).
			Int("topics", len(topics)).
			Msg("connection unregistered")
	}
}

// Broadcast sends an event to all connections subscribed to a topic
func (cm *ConnectionManager) Broadcast(topic string, event *events.Envelope) {
	select {
	case cm.broadcastCh <- BroadcastMessage{Topic: topic, Event: event}:
	default:
		log.Warn().Str("topic", topic).Msg("broadcast channel full, dropping message")
	}
}

// handleBroadcast processes a broadcast message
func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	connections, exists := cm.topicConnections[message.Topic]
	if !exists {
		cm.mu.RUnlock()
		return
	}

	// Snapshot connections to avoid holding the lock during broadcast
	targetConnections := make([]*Connection, 0, len(connections))
	for conn := range connections {
		targetConnections = append(targetConnections, conn)
	}
	cm.mu.RUnlock()

	// Marshal the event once
	eventData, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targetConnections {
		select {
		case conn.Send <- eventData:
		default:
			// Connection is slow/dead, close it
			log.Warn().
				Str("connection_id", conn.ID).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}

	log.Debug().
		Str("event_type", string(message.Event.Type)).
		Str("topic", message.Topic).
		Int("connections", len(targetConnections)).
		Msg("event broadcasted")
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() (totalConnections, activeTopics int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	seen := make(map[*Connection]bool)
	for _, connections := range cm.topicConnections {
		for conn := range connections {
			seen[conn] = true
		}
	}
	return len(seen), len(cm.topicConnections)
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump handles reading messages from the WebSocket connection
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage processes messages received from the client. Only
// subscribe messages are meaningful; everything else is logged and ignored.
func (c *Connection) handleClientMessage(message []byte) {
	var req events.SubscribeRequest
	if err := json.Unmarshal(message, &req); err != nil {
		log.Debug().
			Str("connection_id", c.ID).
			Err(err).
			Msg("unparseable client message, ignoring")
		return
	}

	if req.Type != events.EventTypeSubscribe {
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", string(req.Type)).
			Msg("unexpected client message type, ignoring")
		return
	}

	topic := req.TopicKey()
	if topic == "" {
		log.Debug().
			Str("connection_id", c.ID).
			Msg("subscribe without topic key, ignoring")
		return
	}

	c.Manager.subscribe(c, topic)
}
