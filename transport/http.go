package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single HTTP request/reply exchange.
const DefaultTimeout = 5 * time.Second

// HTTPTransport routes messages over HTTP. Remote peers are registered with
// AddPeer as "host:port" addresses and reached with a POST to /message;
// peers co-resident in this process may also Register a handler, in which
// case delivery short-circuits to a direct call.
type HTTPTransport struct {
	mu           sync.Mutex
	addrs        map[int]string
	handlers     map[int]Handler
	totalHops    int
	messageCount int

	client *http.Client
	logger *zap.Logger
}

// NewHTTPTransport creates an HTTP transport with the given per-request
// timeout; zero means DefaultTimeout. A nil logger disables logging.
func NewHTTPTransport(timeout time.Duration, logger *zap.Logger) *HTTPTransport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{
		addrs:    make(map[int]string),
		handlers: make(map[int]Handler),
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// AddPeer records the network address of a remote peer.
func (t *HTTPTransport) AddPeer(id int, addr string) {
	t.mu.Lock()
	t.addrs[id] = addr
	t.mu.Unlock()
	t.logger.Info("peer address registered", zap.Int("id", id), zap.String("addr", addr))
}

// RemovePeer drops a remote peer's address.
func (t *HTTPTransport) RemovePeer(id int) {
	t.mu.Lock()
	delete(t.addrs, id)
	t.mu.Unlock()
}

// Peers returns the ids of every known peer, local or remote.
func (t *HTTPTransport) Peers() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := map[int]bool{}
	var ids []int
	for id := range t.addrs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for id := range t.handlers {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// Register installs a handler for a peer served from this process.
func (t *HTTPTransport) Register(id int, h Handler) {
	t.mu.Lock()
	t.handlers[id] = h
	t.mu.Unlock()
}

// Unregister removes a local peer.
func (t *HTTPTransport) Unregister(id int) {
	t.mu.Lock()
	delete(t.handlers, id)
	delete(t.addrs, id)
	t.mu.Unlock()
}

// Send delivers msg to its destination and returns the decoded reply.
func (t *HTTPTransport) Send(msg Message, countHop bool) (interface{}, error) {
	t.mu.Lock()
	h, local := t.handlers[msg.Dst]
	addr, remote := t.addrs[msg.Dst]
	if !local && !remote {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrUnknownPeer, msg.Dst)
	}
	if countHop {
		t.totalHops++
		t.messageCount++
	}
	t.mu.Unlock()

	if local {
		return h(msg)
	}
	return t.post(addr, msg)
}

func (t *HTTPTransport) post(addr string, msg Message) (interface{}, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Value = EncodeValue(msg.Value)

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	url := fmt.Sprintf("http://%s/message", addr)
	resp, err := t.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.logger.Error("send failed",
			zap.String("addr", addr), zap.String("msg_id", msg.ID), zap.Error(err))
		return nil, &NetError{Addr: addr, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetError{Addr: addr, Err: err}
	}

	var reply Reply
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &reply); err != nil {
			return nil, &NetError{Addr: addr, Err: err}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		cause := fmt.Errorf("status %d", resp.StatusCode)
		if reply.Error != "" {
			cause = fmt.Errorf("status %d: %s", resp.StatusCode, reply.Error)
		}
		return nil, &NetError{Addr: addr, Err: cause}
	}

	return DecodeValue(reply.Result), nil
}

// ResetCounters zeroes the hop and message counters.
func (t *HTTPTransport) ResetCounters() {
	t.mu.Lock()
	t.totalHops = 0
	t.messageCount = 0
	t.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (t *HTTPTransport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{TotalHops: t.totalHops, MessageCount: t.messageCount}
}
