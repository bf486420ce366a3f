package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peerServer stands in for a remote node: it answers /message with the
// handler's result, in the wire reply envelope.
func peerServer(t *testing.T, handler Handler) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/message", r.URL.Path)

		var msg Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))

		result, err := handler(msg)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(Reply{Error: err.Error()})
			return
		}
		json.NewEncoder(w).Encode(Reply{Result: result})
	}))
	return srv, strings.TrimPrefix(srv.URL, "http://")
}

func TestHTTPSendRoundTrip(t *testing.T) {
	srv, addr := peerServer(t, func(msg Message) (interface{}, error) {
		assert.Equal(t, TypeLookup, msg.Type)
		assert.NotEmpty(t, msg.ID, "wire messages carry a generated id")
		return []interface{}{"A"}, nil
	})
	defer srv.Close()

	tr := NewHTTPTransport(time.Second, nil)
	tr.AddPeer(7, addr)

	reply, err := tr.Send(Message{Type: TypeLookup, Src: 1, Dst: 7, Key: "alpha"}, true)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"A"}, reply)
	assert.Equal(t, 1, tr.Stats().TotalHops)
}

func TestHTTPUnknownPeer(t *testing.T) {
	tr := NewHTTPTransport(time.Second, nil)

	_, err := tr.Send(Message{Dst: 3}, true)
	assert.True(t, errors.Is(err, ErrUnknownPeer))
	assert.Equal(t, Stats{}, tr.Stats())
}

func TestHTTPRemoteError(t *testing.T) {
	srv, addr := peerServer(t, func(Message) (interface{}, error) {
		return nil, errors.New("boom")
	})
	defer srv.Close()

	tr := NewHTTPTransport(time.Second, nil)
	tr.AddPeer(7, addr)

	_, err := tr.Send(Message{Dst: 7}, false)
	require.Error(t, err)

	var netErr *NetError
	require.True(t, errors.As(err, &netErr))
	assert.Contains(t, netErr.Error(), "boom")
}

func TestHTTPConnectionRefused(t *testing.T) {
	tr := NewHTTPTransport(200*time.Millisecond, nil)
	tr.AddPeer(7, "127.0.0.1:1") // nothing listens here

	_, err := tr.Send(Message{Dst: 7}, false)
	var netErr *NetError
	require.True(t, errors.As(err, &netErr))
}

func TestHTTPLocalShortCircuit(t *testing.T) {
	tr := NewHTTPTransport(time.Second, nil)
	tr.Register(5, func(msg Message) (interface{}, error) {
		return "local", nil
	})

	reply, err := tr.Send(Message{Dst: 5}, true)
	require.NoError(t, err)
	assert.Equal(t, "local", reply)
	assert.Equal(t, 1, tr.Stats().TotalHops)
}

type testValue struct {
	Name string
}

func (v testValue) TypeTag() string { return "testValue" }
func (v testValue) TagData() map[string]interface{} {
	return map[string]interface{}{"name": v.Name}
}

func TestValueTaggingRoundTrip(t *testing.T) {
	RegisterValueType("testValue", func(data map[string]interface{}) interface{} {
		name, _ := data["name"].(string)
		return testValue{Name: name}
	})

	// The remote side sees the tagged wire shape and echoes it back.
	srv, addr := peerServer(t, func(msg Message) (interface{}, error) {
		tagged, ok := msg.Value.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "testValue", tagged["_type"])
		return msg.Value, nil
	})
	defer srv.Close()

	tr := NewHTTPTransport(time.Second, nil)
	tr.AddPeer(9, addr)

	reply, err := tr.Send(Message{Dst: 9, Value: testValue{Name: "rich"}}, false)
	require.NoError(t, err)
	assert.Equal(t, testValue{Name: "rich"}, reply)
}

func TestEncodeDecodeValueLists(t *testing.T) {
	RegisterValueType("testValue", func(data map[string]interface{}) interface{} {
		name, _ := data["name"].(string)
		return testValue{Name: name}
	})

	encoded := EncodeValue([]interface{}{testValue{Name: "a"}, "plain", 3})
	list, ok := encoded.([]interface{})
	require.True(t, ok)
	assert.Equal(t, "plain", list[1])

	decoded := DecodeValue(encoded)
	assert.Equal(t, []interface{}{testValue{Name: "a"}, "plain", 3}, decoded)
}
