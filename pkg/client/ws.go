package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Frame is one event received over a conversation WebSocket.
type Frame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Stream is an open conversation subscription.
type Stream struct {
	conn *websocket.Conn
}

// Next blocks until the next frame arrives or the connection closes.
func (s *Stream) Next() (*Frame, error) {
	var f Frame
	if err := s.conn.ReadJSON(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Close shuts the subscription down.
func (s *Stream) Close() error {
	s.conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

// Subscribe opens the conversation's WebSocket channel. The bearer
// token travels as a query parameter because browser and CLI dialers
// cannot always set headers on the upgrade request.
func (c *Client) Subscribe(ctx context.Context, conversationID string) (*Stream, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	wsBase := strings.Replace(c.baseURL, "http", "ws", 1)
	target := fmt.Sprintf("%s/api/v1/ws/conversations/%s?token=%s",
		wsBase, conversationID, url.QueryEscape(token))

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &Stream{conn: conn}, nil
}
