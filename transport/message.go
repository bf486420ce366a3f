// Package transport carries request/reply messages between peers and counts
// routing hops. Three interchangeable back-ends satisfy the same contract:
// an in-memory bus, an HTTP transport, and a WebSocket transport.
package transport

import (
	"errors"
	"fmt"

	"dhtlab/index"
)

// Type enumerates the recognized message types.
type Type string

const (
	TypeFindSuccessor  Type = "find_successor"
	TypeGetPredecessor Type = "get_predecessor"
	TypeGetSuccessor   Type = "get_successor"
	TypeNotify         Type = "notify"
	TypeTransferKeys   Type = "transfer_keys"
	TypeRoute          Type = "route"
	TypeJoinRoute      Type = "join_route"
	TypeNotifyArrival  Type = "notify_arrival"
	TypeLookup         Type = "lookup"
	TypeInsert         Type = "insert"
	TypeDelete         Type = "delete"
	TypeUpdate         Type = "update"
	TypeGetAllItems    Type = "get_all_items"
	TypeGetAllKeys     Type = "get_all_keys"
)

// Message is the envelope routed between peers. Value is opaque to the
// routing core; Data carries protocol-specific fields such as target_id,
// start, end, new_node_id, visited, collected_rows and hops_path.
type Message struct {
	ID    string                 `json:"msg_id,omitempty"`
	Type  Type                   `json:"msg_type"`
	Src   int                    `json:"src"`
	Dst   int                    `json:"dst"`
	Key   string                 `json:"key,omitempty"`
	Value interface{}            `json:"value,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// Handler processes a message delivered to a peer and produces its reply.
type Handler func(Message) (interface{}, error)

// Stats is a snapshot of the transport's counters.
type Stats struct {
	TotalHops    int `json:"total_hops"`
	MessageCount int `json:"message_count"`
}

// Transport is the abstract bus the overlays route over. Send is synchronous
// request/reply; when countHop is true the hop counter advances by exactly
// one. Client entry points bracket their work with ResetCounters and Stats.
type Transport interface {
	Register(id int, h Handler)
	Unregister(id int)
	Send(msg Message, countHop bool) (interface{}, error)
	ResetCounters()
	Stats() Stats
}

// ErrUnknownPeer reports a message addressed to an unregistered peer.
var ErrUnknownPeer = errors.New("transport: unknown peer")

// ErrNotInitialized reports a handler invoked before routing state exists.
var ErrNotInitialized = errors.New("transport: node not initialized")

// NetError wraps a wire-level failure: timeout, refused connection or a
// non-2xx response.
type NetError struct {
	Addr string
	Err  error
}

func (e *NetError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Addr, e.Err)
}

func (e *NetError) Unwrap() error { return e.Err }

// Reply is the wire-level response envelope used by the HTTP and WebSocket
// transports.
type Reply struct {
	Result interface{} `json:"result"`
	Error  string      `json:"error,omitempty"`
}

// IntField reads an integer out of a data map, tolerating the float64 that
// JSON decoding produces.
func IntField(data map[string]interface{}, key string) (int, bool) {
	if data == nil {
		return 0, false
	}
	return AsInt(data[key])
}

// AsInt coerces a decoded JSON number (or a native int) to int.
func AsInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// IntSlice coerces a decoded JSON array (or a native []int) to []int.
// Non-numeric elements are dropped.
func IntSlice(v interface{}) []int {
	switch s := v.(type) {
	case []int:
		return s
	case []interface{}:
		out := make([]int, 0, len(s))
		for _, e := range s {
			if n, ok := AsInt(e); ok {
				out = append(out, n)
			}
		}
		return out
	default:
		return nil
	}
}

// Rows coerces a decoded collected_rows value into row-index → row form.
// Keys arrive as strings after JSON decoding and as ints in-process.
func Rows(v interface{}) map[int][]int {
	out := map[int][]int{}
	switch m := v.(type) {
	case map[int][]int:
		return m
	case map[string]interface{}:
		for k, row := range m {
			var idx int
			if _, err := fmt.Sscanf(k, "%d", &idx); err != nil {
				continue
			}
			out[idx] = IntSlice(row)
		}
	}
	return out
}

// Entries coerces a transfer_keys reply into index entries, whether it is the
// in-process []index.Entry or the decoded JSON shape.
func Entries(v interface{}) []index.Entry {
	switch e := v.(type) {
	case []index.Entry:
		return e
	case []interface{}:
		out := make([]index.Entry, 0, len(e))
		for _, raw := range e {
			m, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			key, _ := m["key"].(string)
			var values []interface{}
			if vs, ok := m["values"].([]interface{}); ok {
				values = vs
			}
			out = append(out, index.Entry{Key: key, Values: values})
		}
		return out
	default:
		return nil
	}
}
