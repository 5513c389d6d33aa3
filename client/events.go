package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/InsulaLabs/ephemera/db/models"
	"github.com/gorilla/websocket"
)

const pingInterval = 30 * time.Second

// SubscribeEvents streams lifecycle events until ctx is cancelled or the
// server closes the connection. An empty topics slice subscribes to every
// lifecycle topic. It returns ctx.Err() after a cancellation.
func (c *Client) SubscribeEvents(ctx context.Context, topics []string, onEvent func(models.Event)) error {
	wsScheme := "ws"
	if c.baseURL.Scheme == "https" {
		wsScheme = "wss"
	}
	wsURL := url.URL{
		Scheme: wsScheme,
		Host:   c.baseURL.Host,
		Path:   "/v1/events",
	}
	if len(topics) > 0 {
		query := wsURL.Query()
		query.Set("topics", strings.Join(topics, ","))
		wsURL.RawQuery = query.Encode()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.skipVerify},
	}

	c.logger.Debug("Connecting to event stream", "url", wsURL.String())
	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			c.logger.Error("WebSocket dial error with response", "url", wsURL.String(), "status", resp.Status, "error", err)
			return errors.Join(c.responseError(resp), err)
		}
		return fmt.Errorf("failed to dial websocket %s: %w", wsURL.String(), err)
	}
	defer conn.Close()

	conn.SetPongHandler(func(string) error {
		c.logger.Debug("Received pong from server")
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					c.logger.Debug("Error sending ping", "error", err)
					return
				}
			case <-ctx.Done():
				// Unblocks ReadMessage below.
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	c.logger.Info("Connected to event stream", "topics", topics)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("Event stream closed by server")
				return nil
			}
			return fmt.Errorf("event stream read failed: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var event models.Event
		if err := json.Unmarshal(message, &event); err != nil {
			c.logger.Error("Failed to unmarshal event message", "error", err)
			continue
		}
		if onEvent != nil {
			onEvent(event)
		}
	}
}
