package core

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/InsulaLabs/ephemera/db/models"
	"github.com/InsulaLabs/ephemera/internal/events"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.
	sendBufferSize = 256                 // Buffer size for the send channel.
)

// A session of someone connected wanting to receive lifecycle events.
type eventSession struct {
	conn *websocket.Conn
	// Topics this session wants. Empty means every lifecycle topic.
	topics []string
	// Buffered channel of outbound messages.
	send    chan []byte
	service *Core
}

func (s *eventSession) wants(topic string) bool {
	return len(s.topics) == 0 || slices.Contains(s.topics, topic)
}

// receiveEvent is subscribed to every lifecycle topic. It runs on the
// publisher's goroutine, so it only hands the event to the service channel.
func (c *Core) receiveEvent(ctx context.Context, event events.Event) {
	wire := models.Event{
		ID:        event.EventID,
		Topic:     event.Topic,
		EmittedAt: event.EmittedAt,
		Data:      json.RawMessage(event.Data),
	}
	select {
	case c.eventCh <- wire:
		c.logger.Debug("Event placed on service event channel", "topic", event.Topic)
	default:
		c.logger.Warn("Service event channel full, event dropped", "topic", event.Topic)
	}
}

func (c *Core) eventProcessingLoop() {
	defer c.loopWg.Done()
	for {
		select {
		case <-c.appCtx.Done():
			return
		case <-c.done:
			return
		case event := <-c.eventCh:
			c.dispatchEventToSubscribers(event)
		}
	}
}

// eventSubscribeHandler handles WebSocket requests for event subscriptions.
// An optional comma separated topics query parameter narrows the stream.
func (c *Core) eventSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	if !c.ValidateToken(r) {
		c.unauthorized(w, r)
		return
	}

	var topics []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, topic := range strings.Split(raw, ",") {
			topic = strings.TrimSpace(topic)
			if !slices.Contains(models.LifecycleTopics, topic) {
				c.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown topic: "+topic)
				return
			}
			topics = append(topics, topic)
		}
	}

	c.wsConnectionLock.Lock()
	if c.activeWsConnections >= int32(c.cfg.Sessions.MaxConnections) {
		c.wsConnectionLock.Unlock()
		c.logger.Warn("Max WebSocket connections reached, rejecting new connection", "current", c.activeWsConnections, "max", c.cfg.Sessions.MaxConnections)
		c.writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Too many connections")
		return
	}
	// Incrementing will be done in registerSubscriber after successful upgrade
	c.wsConnectionLock.Unlock()

	conn, err := c.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Error("Failed to upgrade WebSocket connection", "error", err)
		return
	}
	c.logger.Info("WebSocket connection upgraded", "remote_addr", conn.RemoteAddr().String(), "topics", topics)

	session := &eventSession{
		conn:    conn,
		topics:  topics,
		send:    make(chan []byte, sendBufferSize),
		service: c,
	}

	if !c.registerSubscriber(session) {
		return
	}

	// Launch goroutines for this session
	go session.writePump()
	go session.readPump()
}

func (c *Core) registerSubscriber(session *eventSession) bool {
	c.eventSubscribersLock.Lock()
	defer c.eventSubscribersLock.Unlock()

	c.wsConnectionLock.Lock()
	defer c.wsConnectionLock.Unlock()

	if c.activeWsConnections >= int32(c.cfg.Sessions.MaxConnections) {
		c.logger.Error("Attempted to register subscriber when max connections already met or exceeded", "active", c.activeWsConnections, "max", c.cfg.Sessions.MaxConnections)
		go session.conn.Close()
		return false
	}
	c.activeWsConnections++
	c.eventSubscribers[session] = true

	c.logger.Info("Subscriber registered", "remote_addr", session.conn.RemoteAddr().String(), "active", c.activeWsConnections)
	return true
}

func (c *Core) unregisterSubscriber(session *eventSession) {
	c.eventSubscribersLock.Lock()
	defer c.eventSubscribersLock.Unlock()

	c.wsConnectionLock.Lock()
	defer c.wsConnectionLock.Unlock()

	if _, ok := c.eventSubscribers[session]; !ok {
		return
	}
	delete(c.eventSubscribers, session)
	close(session.send)

	if c.activeWsConnections > 0 {
		c.activeWsConnections--
	} else {
		c.logger.Warn("Attempted to decrement active WebSocket connections below zero")
	}
	c.logger.Info("Subscriber unregistered", "remote_addr", session.conn.RemoteAddr().String(), "active", c.activeWsConnections)
}

func (c *Core) dispatchEventToSubscribers(event models.Event) {
	c.eventSubscribersLock.RLock()
	defer c.eventSubscribersLock.RUnlock()

	if len(c.eventSubscribers) == 0 {
		return
	}

	message, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("Failed to marshal event for WebSocket dispatch", "topic", event.Topic, "error", err)
		return
	}
	for session := range c.eventSubscribers {
		if !session.wants(event.Topic) {
			continue
		}
		select {
		case session.send <- message:
		default:
			c.logger.Warn("Subscriber send channel full, message dropped", "topic", event.Topic, "remote_addr", session.conn.RemoteAddr())
		}
	}
}

// readPump pumps messages from the WebSocket connection to the hub.
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (s *eventSession) readPump() {
	defer func() {
		s.service.unregisterSubscriber(s)
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.service.logger.Error("WebSocket read error", "remote_addr", s.conn.RemoteAddr(), "error", err)
			} else {
				s.service.logger.Info("WebSocket connection closed", "remote_addr", s.conn.RemoteAddr(), "error", err)
			}
			break
		}
		// Clients have nothing to say on this stream.
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (s *eventSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close() // Ensure connection is closed if writePump exits
	}()
	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				s.service.logger.Error("WebSocket NextWriter error", "remote_addr", s.conn.RemoteAddr(), "error", err)
				return
			}
			if _, err := w.Write(message); err != nil {
				s.service.logger.Error("WebSocket message write error", "remote_addr", s.conn.RemoteAddr(), "error", err)
			}
			if err := w.Close(); err != nil {
				s.service.logger.Error("WebSocket writer close error", "remote_addr", s.conn.RemoteAddr(), "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.service.logger.Error("WebSocket ping write error", "remote_addr", s.conn.RemoteAddr(), "error", err)
				return
			}
		case <-s.service.appCtx.Done():
			s.service.logger.Info("Service context done, closing WebSocket connection from writePump", "remote_addr", s.conn.RemoteAddr())
			return
		}
	}
}
