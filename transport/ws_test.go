package transport

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsPeerServer stands in for a remote node's /ws endpoint.
func wsPeerServer(t *testing.T, handler Handler) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ws", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			result, err := handler(msg)
			reply := Reply{Result: result}
			if err != nil {
				reply = Reply{Error: err.Error()}
			}
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		}
	}))
	return srv, strings.TrimPrefix(srv.URL, "http://")
}

func TestWSSendRoundTrip(t *testing.T) {
	srv, addr := wsPeerServer(t, func(msg Message) (interface{}, error) {
		return "pong:" + msg.Key, nil
	})
	defer srv.Close()

	tr := NewWSTransport(time.Second, nil)
	defer tr.Close()
	tr.AddPeer(4, addr)

	// The connection persists across sends.
	for i := 0; i < 3; i++ {
		reply, err := tr.Send(Message{Type: TypeLookup, Dst: 4, Key: "k"}, true)
		require.NoError(t, err)
		assert.Equal(t, "pong:k", reply)
	}
	assert.Equal(t, 3, tr.Stats().TotalHops)
}

func TestWSUnknownPeer(t *testing.T) {
	tr := NewWSTransport(time.Second, nil)
	_, err := tr.Send(Message{Dst: 12}, true)
	assert.True(t, errors.Is(err, ErrUnknownPeer))
}

func TestWSRemoteError(t *testing.T) {
	srv, addr := wsPeerServer(t, func(Message) (interface{}, error) {
		return nil, errors.New("handler exploded")
	})
	defer srv.Close()

	tr := NewWSTransport(time.Second, nil)
	defer tr.Close()
	tr.AddPeer(4, addr)

	_, err := tr.Send(Message{Dst: 4}, false)
	var netErr *NetError
	require.True(t, errors.As(err, &netErr))
	assert.Contains(t, netErr.Error(), "handler exploded")
}

func TestWSDialFailure(t *testing.T) {
	tr := NewWSTransport(200*time.Millisecond, nil)
	tr.AddPeer(4, "127.0.0.1:1")

	_, err := tr.Send(Message{Dst: 4}, false)
	var netErr *NetError
	require.True(t, errors.As(err, &netErr))
}
