package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSTransport routes messages over persistent WebSocket connections, one per
// remote peer, framed as JSON text messages against the peer's /ws endpoint.
// It satisfies the same contract as the Bus and the HTTP transport.
type WSTransport struct {
	mu           sync.Mutex
	addrs        map[int]string
	conns        map[int]*wsConn
	handlers     map[int]Handler
	totalHops    int
	messageCount int

	dialer  *websocket.Dialer
	timeout time.Duration
	logger  *zap.Logger
}

// wsConn serializes request/reply exchanges on a single connection.
type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

// NewWSTransport creates a WebSocket transport with the given per-exchange
// timeout; zero means DefaultTimeout. A nil logger disables logging.
func NewWSTransport(timeout time.Duration, logger *zap.Logger) *WSTransport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSTransport{
		addrs:    make(map[int]string),
		conns:    make(map[int]*wsConn),
		handlers: make(map[int]Handler),
		dialer:   &websocket.Dialer{HandshakeTimeout: timeout},
		timeout:  timeout,
		logger:   logger,
	}
}

// AddPeer records the network address of a remote peer.
func (t *WSTransport) AddPeer(id int, addr string) {
	t.mu.Lock()
	t.addrs[id] = addr
	t.mu.Unlock()
}

// RemovePeer drops a remote peer and closes its connection if open.
func (t *WSTransport) RemovePeer(id int) {
	t.mu.Lock()
	delete(t.addrs, id)
	conn := t.conns[id]
	delete(t.conns, id)
	t.mu.Unlock()

	if conn != nil && conn.c != nil {
		conn.c.Close()
	}
}

// Register installs a handler for a peer served from this process.
func (t *WSTransport) Register(id int, h Handler) {
	t.mu.Lock()
	t.handlers[id] = h
	t.mu.Unlock()
}

// Unregister removes a local peer.
func (t *WSTransport) Unregister(id int) {
	t.mu.Lock()
	delete(t.handlers, id)
	t.mu.Unlock()
	t.RemovePeer(id)
}

// Send delivers msg to its destination and returns the decoded reply.
func (t *WSTransport) Send(msg Message, countHop bool) (interface{}, error) {
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
	return t.exchange(msg.Dst, addr, msg)
}

func (t *WSTransport) exchange(id int, addr string, msg Message) (interface{}, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Value = EncodeValue(msg.Value)

	conn, err := t.connFor(id, addr)
	if err != nil {
		return nil, &NetError{Addr: addr, Err: err}
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	deadline := time.Now().Add(t.timeout)
	conn.c.SetWriteDeadline(deadline)
	conn.c.SetReadDeadline(deadline)

	if err := conn.c.WriteJSON(msg); err != nil {
		t.dropConn(id, conn)
		return nil, &NetError{Addr: addr, Err: err}
	}

	var reply Reply
	if err := conn.c.ReadJSON(&reply); err != nil {
		t.dropConn(id, conn)
		return nil, &NetError{Addr: addr, Err: err}
	}

	if reply.Error != "" {
		return nil, &NetError{Addr: addr, Err: fmt.Errorf("remote: %s", reply.Error)}
	}
	return DecodeValue(reply.Result), nil
}

func (t *WSTransport) connFor(id int, addr string) (*wsConn, error) {
	t.mu.Lock()
	if conn, ok := t.conns[id]; ok {
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()

	url := fmt.Sprintf("ws://%s/ws", addr)
	c, _, err := t.dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[id]; ok {
		c.Close()
		return existing, nil
	}
	conn := &wsConn{c: c}
	t.conns[id] = conn
	t.logger.Debug("dialed peer", zap.Int("id", id), zap.String("addr", addr))
	return conn, nil
}

func (t *WSTransport) dropConn(id int, conn *wsConn) {
	t.mu.Lock()
	if t.conns[id] == conn {
		delete(t.conns, id)
	}
	t.mu.Unlock()
	conn.c.Close()
}

// Close shuts every open connection.
func (t *WSTransport) Close() {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[int]*wsConn)
	t.mu.Unlock()

	for _, conn := range conns {
		conn.c.Close()
	}
}

// ResetCounters zeroes the hop and message counters.
func (t *WSTransport) ResetCounters() {
	t.mu.Lock()
	t.totalHops = 0
	t.messageCount = 0
	t.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (t *WSTransport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{TotalHops: t.totalHops, MessageCount: t.messageCount}
}
