package conn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Session is one live transport connection delivering raw frames.
type Session interface {
	// Read blocks until the next message arrives or the session ends.
	Read() ([]byte, error)
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, url string) (Session, error)
}

// WebSocketDialer dials telemetry sessions with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	// ReadTimeout bounds the silence between two messages. Zero disables it.
	ReadTimeout     time.Duration
	MaxMessageBytes int64
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Session, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}
	c, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	if d.MaxMessageBytes > 0 {
		c.SetReadLimit(d.MaxMessageBytes)
	}
	return &wsSession{conn: c, readTimeout: d.ReadTimeout}, nil
}

type wsSession struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

func (s *wsSession) Read() ([]byte, error) {
	for {
		if s.readTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
				return nil, err
			}
		}
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsSession) Close() error {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	werr := s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	cerr := s.conn.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return fmt.Errorf("close message: %w", werr)
	}
	return cerr
}

// IsCleanClose reports whether err is the peer closing the session normally.
func IsCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
