package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer
	pongWait = 60 * time.Second

	// pingPeriod is how often pings are sent; must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize limits inbound message size from the peer
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a connected WebSocket subscriber
type Client struct {
	conn    *websocket.Conn
	sendMsg chan interface{}
	server  *Server
}

// wsMessage is the envelope for every event pushed over the socket
type wsMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type executionStartedPayload struct {
	ScheduleID  string `json:"schedule_id"`
	ExecutionID string `json:"execution_id"`
	TriggerKind string `json:"trigger_kind"`
}

type executionCompletedPayload struct {
	ScheduleID     string `json:"schedule_id"`
	ExecutionID    string `json:"execution_id"`
	Success        bool   `json:"success"`
	ItemsProcessed int    `json:"items_processed"`
	DurationMs     int    `json:"duration_ms"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		conn:    conn,
		sendMsg: make(chan interface{}, 256),
		server:  s,
	}

	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()

	s.logger.Debugw("WebSocket client connected", "remote", conn.RemoteAddr().String())

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Inbound messages are ignored; the read loop exists to
		// process control frames and detect disconnects.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debugw("WebSocket read error", "error", err)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.sendMsg:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) close() {
	c.conn.Close()
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.sendMsg)
	}
}

// broadcastMessage fans a message out to every connected client.
// Slow clients with a full send buffer are dropped.
func (s *Server) broadcastMessage(msg wsMessage) {
	s.mu.RLock()
	stale := make([]*Client, 0)
	for client := range s.clients {
		select {
		case client.sendMsg <- msg:
		default:
			stale = append(stale, client)
		}
	}
	s.mu.RUnlock()

	for _, client := range stale {
		s.logger.Warnw("Dropping slow WebSocket client", "remote", client.conn.RemoteAddr().String())
		s.removeClient(client)
		client.conn.Close()
	}
}

// BroadcastExecutionStarted implements schedule.ExecutionBroadcaster
func (s *Server) BroadcastExecutionStarted(scheduleID, executionID, triggerKind string) {
	s.broadcastMessage(wsMessage{
		Type: "execution_started",
		Payload: executionStartedPayload{
			ScheduleID:  scheduleID,
			ExecutionID: executionID,
			TriggerKind: triggerKind,
		},
	})
}

// BroadcastExecutionCompleted implements schedule.ExecutionBroadcaster
func (s *Server) BroadcastExecutionCompleted(scheduleID, executionID string, success bool, itemsProcessed int, durationMs int) {
	s.broadcastMessage(wsMessage{
		Type: "execution_completed",
		Payload: executionCompletedPayload{
			ScheduleID:     scheduleID,
			ExecutionID:    executionID,
			Success:        success,
			ItemsProcessed: itemsProcessed,
			DurationMs:     durationMs,
		},
	})
}

// startEventBroadcaster subscribes to queue events and relays them to
// connected WebSocket clients until the server shuts down.
func (s *Server) startEventBroadcaster() {
	if s.queue == nil {
		return
	}

	events := s.queue.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.queue.Unsubscribe(events)

		for {
			select {
			case <-s.ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				s.broadcastMessage(wsMessage{Type: event.Type, Payload: event})
			}
		}
	}()
}
