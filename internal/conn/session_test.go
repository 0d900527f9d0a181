package conn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketDialerReadsUntilCleanClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"n":2}`))
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	d := WebSocketDialer{HandshakeTimeout: time.Second, ReadTimeout: time.Second}
	sess, err := d.Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer sess.Close()

	msg, err := sess.Read()
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(msg))
	msg, err = sess.Read()
	require.NoError(t, err)
	assert.Equal(t, `{"n":2}`, string(msg))

	_, err = sess.Read()
	require.Error(t, err)
	assert.True(t, IsCleanClose(err))
}

func TestWebSocketDialerReadTimeout(t *testing.T) {
	upgrader := websocket.Upgrader{}
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	d := WebSocketDialer{HandshakeTimeout: time.Second, ReadTimeout: 30 * time.Millisecond}
	sess, err := d.Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.Read()
	require.Error(t, err)
	assert.False(t, IsCleanClose(err))
}

func TestWebSocketDialerRejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := WebSocketDialer{HandshakeTimeout: time.Second}.Dial(context.Background(), wsURL(srv))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}
