package notifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBufferSize = 32
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 4096
)

// Inbound subscription message types.
const (
	msgSubscribeSession   = "subscribeSession"
	msgUnsubscribeSession = "unsubscribeSession"
)

type clientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// Client is one WebSocket subscriber connection.
type Client struct {
	userID string
	ws     *websocket.Conn
	hub    *Hub
	send   chan []byte
	logger *zap.Logger
}

// NewClient wraps an upgraded connection for a user.
func NewClient(userID string, ws *websocket.Conn, hub *Hub, logger *zap.Logger) *Client {
	return &Client{
		userID: userID,
		ws:     ws,
		hub:    hub,
		send:   make(chan []byte, sendBufferSize),
		logger: logger,
	}
}

// Start attaches the client to the hub and runs read/write pumps until the
// connection closes.
func (c *Client) Start(ctx context.Context) {
	c.hub.Attach(c)
	go c.writePump(ctx)
	c.readPump(ctx)
}

// enqueue drops the message when the client cannot keep up; slow consumers
// must not block publishing. Publishers only reach a client through the hub
// lock, and cleanup detaches under that lock before closing the channel, so
// a send here can never race the close.
func (c *Client) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("dropping outgoing event, buffer full", zap.String("user_id", c.userID))
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer c.cleanup()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn("malformed client message", zap.String("user_id", c.userID), zap.Error(err))
			continue
		}

		switch msg.Type {
		case msgSubscribeSession:
			if msg.SessionID != "" {
				c.hub.Subscribe(c, SessionTopic(msg.SessionID))
			}
		case msgUnsubscribeSession:
			if msg.SessionID != "" {
				c.hub.Unsubscribe(c, SessionTopic(msg.SessionID))
			}
		default:
			c.logger.Debug("ignoring client message", zap.String("type", msg.Type))
		}
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte("ping")); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *Client) cleanup() {
	c.hub.Detach(c)
	close(c.send)
	_ = c.ws.Close()
}
