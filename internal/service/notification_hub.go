package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"consult-service/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	hubWriteWait  = 10 * time.Second
	hubPongWait   = 60 * time.Second
	hubPingPeriod = (hubPongWait * 9) / 10
	hubSendBuffer = 16
)

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NotificationHub 维护用户的 websocket 连接并推送站内信
type NotificationHub struct {
	mu      sync.RWMutex
	clients map[string]map[*hubClient]struct{}
}

func NewNotificationHub() *NotificationHub {
	return &NotificationHub{clients: make(map[string]map[*hubClient]struct{})}
}

func (h *NotificationHub) add(userID string, c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*hubClient]struct{})
	}
	h.clients[userID][c] = struct{}{}
}

func (h *NotificationHub) remove(userID string, c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[userID], c)
	if len(h.clients[userID]) == 0 {
		delete(h.clients, userID)
	}
}

// Connected returns the number of live connections for the user.
func (h *NotificationHub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Push queues v for every connection of the user. Slow clients drop messages
// rather than block the caller. Returns the number of connections queued to.
func (h *NotificationHub) Push(userID string, v interface{}) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients[userID] {
		select {
		case c.send <- b:
			n++
		default:
			logger.GetLogger().WithField("user_id", userID).Warn("websocket client too slow, notification dropped")
		}
	}
	return n
}

// Serve pumps notifications to conn until the client goes away or ctx ends.
func (h *NotificationHub) Serve(ctx context.Context, userID string, conn *websocket.Conn) error {
	c := &hubClient{conn: conn, send: make(chan []byte, hubSendBuffer)}
	h.add(userID, c)
	defer func() {
		h.remove(userID, c)
		conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(hubPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(hubPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(hubPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(hubWriteWait))
			return ctx.Err()
		case <-done:
			return nil
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}
