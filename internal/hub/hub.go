// Package hub fans drained results out to WebSocket subscribers.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/icunnyngham/sherpa/internal/domain"
)

// AllTrials subscribes a connection to every trial's results.
const AllTrials domain.TrialID = 0

// Connection represents a single WebSocket subscriber.
type Connection struct {
	ID      string
	TrialID domain.TrialID
	Conn    *websocket.Conn
	Send    chan []byte
	mu      sync.Mutex
}

// Hub manages all subscriber connections.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// Trial subscriptions: trial ID to set of connection IDs
	trials map[domain.TrialID]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *TrialMessage
	done       chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once

	logger *zap.Logger
	mu     sync.RWMutex
}

// TrialMessage is one payload for the subscribers of a trial.
type TrialMessage struct {
	TrialID domain.TrialID
	Data    []byte
}

// New creates a new Hub.
func New(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		connections: make(map[string]*Connection),
		trials:      make(map[domain.TrialID]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *TrialMessage, 256),
		done:        make(chan struct{}),
		stop:        make(chan struct{}),
		logger:      logger.Named("hub"),
	}
}

// Run is the hub's main loop. It returns after Stop, closing every
// connection's send channel.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			if h.trials[conn.TrialID] == nil {
				h.trials[conn.TrialID] = make(map[string]bool)
			}
			h.trials[conn.TrialID][conn.ID] = true
			h.mu.Unlock()
			h.logger.Debug("connection registered", zap.String("conn_id", conn.ID), zap.Int64("trial_id", int64(conn.TrialID)))

		case conn := <-h.unregister:
			h.remove(conn)

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-h.stop:
			h.mu.Lock()
			for _, conn := range h.connections {
				close(conn.Send)
			}
			h.connections = make(map[string]*Connection)
			h.trials = make(map[domain.TrialID]map[string]bool)
			h.mu.Unlock()
			return
		}
	}
}

// Stop ends Run and waits for it to return.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

func (h *Hub) remove(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[conn.ID]; !ok {
		return
	}
	delete(h.connections, conn.ID)
	if subs := h.trials[conn.TrialID]; subs != nil {
		delete(subs, conn.ID)
		if len(subs) == 0 {
			delete(h.trials, conn.TrialID)
		}
	}
	close(conn.Send)
	h.logger.Debug("connection unregistered", zap.String("conn_id", conn.ID))
}

func (h *Hub) deliver(msg *TrialMessage) {
	h.mu.RLock()
	var full []*Connection
	targets := []domain.TrialID{AllTrials}
	if msg.TrialID != AllTrials {
		targets = append(targets, msg.TrialID)
	}
	for _, trialID := range targets {
		for connID := range h.trials[trialID] {
			conn, exists := h.connections[connID]
			if !exists {
				continue
			}
			select {
			case conn.Send <- msg.Data:
			default:
				full = append(full, conn)
			}
		}
	}
	h.mu.RUnlock()

	// Slow subscribers are dropped rather than blocking the feed.
	for _, conn := range full {
		h.logger.Warn("connection buffer full, closing", zap.String("conn_id", conn.ID))
		h.remove(conn)
	}
}

// NewConnection creates a connection subscribed to trialID. It is not
// registered until Register is called.
func (h *Hub) NewConnection(ws *websocket.Conn, trialID domain.TrialID) *Connection {
	return &Connection{
		ID:      uuid.New().String(),
		TrialID: trialID,
		Conn:    ws,
		Send:    make(chan []byte, 256),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
		close(conn.Send)
	}
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Broadcast sends data to the subscribers of trialID and to every
// all-trials subscriber.
func (h *Hub) Broadcast(trialID domain.TrialID, data []byte) {
	select {
	case h.broadcast <- &TrialMessage{TrialID: trialID, Data: data}:
	case <-h.done:
	}
}

// BroadcastJSON encodes v and broadcasts it.
func (h *Hub) BroadcastJSON(trialID domain.TrialID, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(trialID, data)
	return nil
}

// PublishResult broadcasts a result event for rec.
func (h *Hub) PublishResult(rec domain.ResultRecord) error {
	return h.BroadcastJSON(rec.TrialID, domain.ResultEvent{
		Type:   domain.ResultEventType,
		Ts:     time.Now().UnixMilli(),
		Result: rec,
	})
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// HasSubscribers reports whether anyone would receive results of trialID.
func (h *Hub) HasSubscribers(trialID domain.TrialID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.trials[AllTrials]) > 0 || len(h.trials[trialID]) > 0
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
