package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Frame types pushed on a group stream.
const (
	FrameHistory    = "history"
	FrameMessage    = "message"
	FramePostResult = "post_result"
	FrameError      = "error"
)

// Frame is one server frame. History arrives first, followed by live messages
// and the replies to posts sent over the same connection.
type Frame struct {
	Type     string      `json:"type"`
	Messages []Message   `json:"messages,omitempty"`
	Message  *Message    `json:"message,omitempty"`
	Result   *PostResult `json:"result,omitempty"`
	Error    string      `json:"error,omitempty"`
	Code     string      `json:"code,omitempty"`
}

// Stream is a live WebSocket subscription to a group.
type Stream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Subscribe opens the group stream. The routing token travels as a header.
func (c *Client) Subscribe(ctx context.Context, groupID, routingToken string) (*Stream, error) {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = c.baseURL.Path + groupPath(groupID, "ws")
	header := http.Header{}
	header.Set(HeaderRoutingToken, routingToken)

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			defer resp.Body.Close()
			return nil, decodeAPIError(resp)
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	return &Stream{conn: conn}, nil
}

// Next blocks until the next frame arrives or the connection fails.
func (s *Stream) Next() (Frame, error) {
	var f Frame
	if err := s.conn.ReadJSON(&f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Post sends a message over the stream; the result arrives as a post_result frame.
func (s *Stream) Post(post Post) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(struct {
		Type string `json:"type"`
		Post
	}{Type: "post", Post: post})
}

// Close closes the connection.
func (s *Stream) Close() error {
	return s.conn.Close()
}
