package notifier

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// envelope is the wire shape of every outbound message.
type envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Hub tracks connected clients and their topic memberships.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]map[string]struct{}
	topics  map[string]map[*Client]struct{}
	logger  *zap.Logger
}

// NewHub builds an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]map[string]struct{}),
		topics:  make(map[string]map[*Client]struct{}),
		logger:  logger,
	}
}

// Attach registers a client. A client with a user identity joins its user
// topic immediately.
func (h *Hub) Attach(c *Client) {
	h.mu.Lock()
	h.clients[c] = make(map[string]struct{})
	h.mu.Unlock()

	if c.userID != "" {
		h.Subscribe(c, UserTopic(c.userID))
	}
}

// Detach removes the client from every topic.
func (h *Hub) Detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range h.clients[c] {
		h.removeFromTopic(c, topic)
	}
	delete(h.clients, c)
}

// Subscribe adds the client to a topic.
func (h *Hub) Subscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	memberships, ok := h.clients[c]
	if !ok {
		return
	}
	memberships[topic] = struct{}{}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]struct{})
	}
	h.topics[topic][c] = struct{}{}
}

// Unsubscribe removes the client from a topic; a no-op when not a member.
func (h *Hub) Unsubscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if memberships, ok := h.clients[c]; ok {
		delete(memberships, topic)
	}
	h.removeFromTopic(c, topic)
}

// caller holds h.mu
func (h *Hub) removeFromTopic(c *Client, topic string) {
	members, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.topics, topic)
	}
}

// PublishToUser delivers an event to every connection of a user.
func (h *Hub) PublishToUser(userID, event string, payload interface{}) {
	h.publish(UserTopic(userID), event, payload)
}

// PublishToSession delivers an event to every subscriber of a session.
func (h *Hub) PublishToSession(sessionID, event string, payload interface{}) {
	h.publish(SessionTopic(sessionID), event, payload)
}

// PublishGlobal broadcasts to every connected client.
func (h *Hub) PublishGlobal(event string, payload interface{}) {
	data, err := h.encode(event, payload)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.enqueue(data)
	}
}

func (h *Hub) publish(topic, event string, payload interface{}) {
	data, err := h.encode(event, payload)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.topics[topic] {
		c.enqueue(data)
	}
}

func (h *Hub) encode(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		h.logger.Warn("failed to encode event", zap.String("event", event), zap.Error(err))
		return nil, err
	}
	return data, nil
}
