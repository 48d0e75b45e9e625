package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/tunnelboard/internal/auth"
	"grimm.is/tunnelboard/internal/logging"
)

// TopicEntries carries the full settings snapshot after every lifecycle event.
const TopicEntries = "entries"

const (
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Mitigation: OWASP A01:2021-Broken Access Control (Cross-Site WebSocket Hijacking)
	// Enforce same-origin policy for WebSocket upgrades
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		// Allow localhost for development/proxying
		if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
			return true
		}

		if rest, ok := strings.CutPrefix(origin, "http://"); ok {
			return rest == r.Host
		}
		if rest, ok := strings.CutPrefix(origin, "https://"); ok {
			return rest == r.Host
		}
		return false
	},
}

// WSMessage is a topic-based message sent to clients
type WSMessage struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// wsClient represents a connected WebSocket client with subscriptions
type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	session string // "" when connected in open mode

	mu     sync.Mutex
	topics map[string]bool
}

func (c *wsClient) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

// WSManager handles websocket connections with topic-based pub/sub.
// A client that subscribes to a topic with a snapshot source receives the
// current value immediately, then every published update.
type WSManager struct {
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once
	mutex      sync.RWMutex

	snapshot  func(topic string) (any, bool)
	authorize func(session string) bool
	logger    *logging.Logger
}

// NewWSManager starts the registration loop. snapshot may be nil.
func NewWSManager(logger *logging.Logger, snapshot func(topic string) (any, bool)) *WSManager {
	if logger == nil {
		logger = logging.Default()
	}
	m := &WSManager{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		snapshot:   snapshot,
		logger:     logger,
	}
	go m.run()
	return m
}

func (m *WSManager) run() {
	for {
		select {
		case client := <-m.register:
			m.mutex.Lock()
			m.clients[client] = true
			m.mutex.Unlock()
		case client := <-m.unregister:
			m.remove(client)
		case <-m.done:
			m.mutex.Lock()
			for client := range m.clients {
				delete(m.clients, client)
				close(client.send)
			}
			m.mutex.Unlock()
			return
		}
	}
}

func (m *WSManager) remove(client *wsClient) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.clients[client]; ok {
		delete(m.clients, client)
		close(client.send)
	}
}

// SetAuthorizer installs the check run before every delivery. Clients whose
// session it rejects are disconnected instead of receiving the message.
func (m *WSManager) SetAuthorizer(fn func(session string) bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.authorize = fn
}

// Revalidate disconnects every client the authorizer now rejects.
func (m *WSManager) Revalidate() {
	m.mutex.RLock()
	revoked := m.rejected()
	m.mutex.RUnlock()
	m.drop(revoked)
}

// rejected lists clients failing the authorizer. Callers hold m.mutex.
func (m *WSManager) rejected() []*wsClient {
	if m.authorize == nil {
		return nil
	}
	var out []*wsClient
	for client := range m.clients {
		if !m.authorize(client.session) {
			out = append(out, client)
		}
	}
	return out
}

func (m *WSManager) drop(clients []*wsClient) {
	for _, client := range clients {
		m.logger.Info("ws client disconnected, session no longer valid")
		m.remove(client)
	}
}

// Close disconnects every client and stops the manager.
func (m *WSManager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// Publish sends a message to all clients subscribed to the given topic.
// Slow clients miss messages rather than block the publisher.
func (m *WSManager) Publish(topic string, data any) {
	msg, err := json.Marshal(WSMessage{Topic: topic, Data: data})
	if err != nil {
		m.logger.Error("ws marshal failed", "topic", topic, "error", err)
		return
	}

	m.mutex.RLock()
	revoked := m.rejected()
	for client := range m.clients {
		if !client.subscribed(topic) || slices.Contains(revoked, client) {
			continue
		}
		select {
		case client.send <- msg:
		default:
			m.logger.Debug("ws client buffer full", "topic", topic)
		}
	}
	m.mutex.RUnlock()

	m.drop(revoked)
}

// sendTo queues msg for one client if it is still registered.
func (m *WSManager) sendTo(client *wsClient, msg []byte) {
	m.mutex.RLock()
	if !m.clients[client] {
		m.mutex.RUnlock()
		return
	}
	if m.authorize != nil && !m.authorize(client.session) {
		m.mutex.RUnlock()
		m.drop([]*wsClient{client})
		return
	}
	select {
	case client.send <- msg:
	default:
	}
	m.mutex.RUnlock()
}

// readPump handles incoming messages from a client (subscriptions)
func (c *wsClient) readPump(m *WSManager) {
	defer func() {
		select {
		case m.unregister <- c:
		case <-m.done:
		}
		c.conn.Close()
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Topics []string `json:"topics"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, topic := range msg.Topics {
				c.topics[topic] = true
			}
			c.mu.Unlock()
			for _, topic := range msg.Topics {
				if m.snapshot == nil {
					break
				}
				data, ok := m.snapshot(topic)
				if !ok {
					continue
				}
				if b, err := json.Marshal(WSMessage{Topic: topic, Data: data}); err == nil {
					m.sendTo(c, b)
				}
			}
		case "unsubscribe":
			c.mu.Lock()
			for _, topic := range msg.Topics {
				delete(c.topics, topic)
			}
			c.mu.Unlock()
		}
	}
}

// writePump sends messages to the client
func (c *wsClient) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
}

// handleWS upgrades an authenticated request to a WebSocket. Browsers pass
// the access token as the access_token query parameter.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn:    conn,
		topics:  make(map[string]bool),
		send:    make(chan []byte, wsSendBuffer),
		session: auth.SessionFromContext(r.Context()),
	}

	select {
	case s.wsManager.register <- client:
	case <-s.wsManager.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(s.wsManager)
}
