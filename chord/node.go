// Package chord implements the Chord overlay: a ring of peers ordered by id
// where a key is owned by the successor of its hash, routed through
// logarithmic finger tables.
package chord

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"dhtlab/idspace"
	"dhtlab/index"
	"dhtlab/transport"
)

// unset marks a pointer or finger cell with no peer.
const unset = -1

// Finger is one finger-table entry: Start is fixed at (self + 2^i) mod 2^m,
// Node caches the successor of Start.
type Finger struct {
	Start int
	Node  int
}

// Node is a single Chord peer: its ring pointers, finger table and local
// index. A per-peer mutex serializes routing-state and index access so the
// node can be served from concurrent server threads.
type Node struct {
	id int
	m  int

	mu          sync.Mutex
	successor   int
	predecessor int
	fingers     []Finger
	store       *index.Storage

	net    transport.Transport
	logger *zap.Logger
}

// NewNode creates a peer, precomputes its finger starts and registers its
// message handler on the transport.
func NewNode(id, m, order int, net transport.Transport, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}

	n := &Node{
		id:          id,
		m:           m,
		successor:   unset,
		predecessor: unset,
		fingers:     make([]Finger, m),
		store:       index.NewStorage(order),
		net:         net,
		logger:      logger,
	}
	for i := range n.fingers {
		n.fingers[i] = Finger{
			Start: idspace.Normalize(id+(1<<uint(i)), m),
			Node:  unset,
		}
	}

	net.Register(id, n.HandleMessage)
	return n
}

// ID returns the peer's identifier.
func (n *Node) ID() int { return n.id }

// Successor returns the current successor pointer, or -1 when unset.
func (n *Node) Successor() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.successor
}

// Predecessor returns the current predecessor pointer, or -1 when unset.
func (n *Node) Predecessor() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.predecessor
}

// SetPointers installs both ring pointers at once.
func (n *Node) SetPointers(successor, predecessor int) {
	n.mu.Lock()
	n.successor = successor
	n.predecessor = predecessor
	n.mu.Unlock()
}

func (n *Node) setSuccessor(id int) {
	n.mu.Lock()
	n.successor = id
	n.mu.Unlock()
}

func (n *Node) setPredecessor(id int) {
	n.mu.Lock()
	n.predecessor = id
	n.mu.Unlock()
}

// Fingers returns a copy of the finger table.
func (n *Node) Fingers() []Finger {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Finger, len(n.fingers))
	copy(out, n.fingers)
	return out
}

// SetFingers installs cached successors for all m entries.
func (n *Node) SetFingers(nodes []int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.fingers {
		if i < len(nodes) {
			n.fingers[i].Node = nodes[i]
		} else {
			n.fingers[i].Node = unset
		}
	}
}

func (n *Node) setFinger(i, node int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if i < 0 || i >= len(n.fingers) {
		return
	}
	n.fingers[i].Node = node
	if i == 0 {
		n.successor = node
	}
}

// Storage exposes the peer's local index.
func (n *Node) Storage() *index.Storage { return n.store }

// StoreEntries appends every value of every entry into the local index.
func (n *Node) StoreEntries(entries []index.Entry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range entries {
		for _, v := range e.Values {
			n.store.Put(e.Key, v)
		}
	}
}

// HandleMessage dispatches an incoming message on its type.
func (n *Node) HandleMessage(msg transport.Message) (interface{}, error) {
	switch msg.Type {
	case transport.TypeFindSuccessor:
		target, ok := transport.IntField(msg.Data, "target_id")
		if !ok {
			return nil, fmt.Errorf("find_successor from %d: missing target_id", msg.Src)
		}
		countHops := true
		if v, ok := msg.Data["count_hops"].(bool); ok {
			countHops = v
		}
		return n.FindSuccessor(target, countHops)

	case transport.TypeGetPredecessor:
		return n.Predecessor(), nil

	case transport.TypeGetSuccessor:
		return n.Successor(), nil

	case transport.TypeNotify:
		n.notify(msg.Src)
		return true, nil

	case transport.TypeTransferKeys:
		start, okS := transport.IntField(msg.Data, "start")
		end, okE := transport.IntField(msg.Data, "end")
		if !okS || !okE {
			return nil, fmt.Errorf("transfer_keys from %d: missing range", msg.Src)
		}
		return n.transferKeys(start, end), nil

	case transport.TypeLookup:
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.store.Get(msg.Key), nil

	case transport.TypeInsert:
		n.mu.Lock()
		defer n.mu.Unlock()
		n.store.Put(msg.Key, msg.Value)
		return true, nil

	case transport.TypeDelete:
		n.mu.Lock()
		defer n.mu.Unlock()
		n.store.Delete(msg.Key)
		return true, nil

	case transport.TypeUpdate:
		n.mu.Lock()
		defer n.mu.Unlock()
		n.store.Update(msg.Key, valueList(msg.Value))
		return true, nil

	case transport.TypeGetAllItems:
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.store.Items(), nil

	case transport.TypeGetAllKeys:
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.store.Keys(), nil

	default:
		return nil, fmt.Errorf("chord node %d: unrecognized message type %q", n.id, msg.Type)
	}
}

// FindSuccessor resolves the peer owning target, forwarding through the
// finger table when the answer is not local. Forwards count one hop each
// unless countHops is false (maintenance traffic).
func (n *Node) FindSuccessor(target int, countHops bool) (int, error) {
	n.mu.Lock()
	succ := n.successor
	if succ == unset {
		n.mu.Unlock()
		return 0, transport.ErrNotInitialized
	}
	if idspace.InRange(target, n.id, succ, false, true) {
		n.mu.Unlock()
		return succ, nil
	}
	next := n.closestPrecedingLocked(target)
	n.mu.Unlock()

	if next == n.id {
		return succ, nil
	}

	reply, err := n.net.Send(transport.Message{
		Type: transport.TypeFindSuccessor,
		Src:  n.id,
		Dst:  next,
		Data: map[string]interface{}{"target_id": target, "count_hops": countHops},
	}, countHops)
	if err != nil {
		return 0, err
	}

	owner, ok := transport.AsInt(reply)
	if !ok {
		return 0, fmt.Errorf("chord node %d: bad find_successor reply %v", n.id, reply)
	}
	return owner, nil
}

// closestPrecedingLocked scans the finger table highest-first for a peer
// strictly inside the open arc (self, target). Caller holds n.mu.
func (n *Node) closestPrecedingLocked(target int) int {
	for i := len(n.fingers) - 1; i >= 0; i-- {
		f := n.fingers[i].Node
		if f != unset && idspace.InRange(f, n.id, target, false, false) {
			return f
		}
	}
	return n.id
}

// notify is the stabilization callback: the candidate believes it may be our
// predecessor.
func (n *Node) notify(candidate int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.predecessor == unset || idspace.InRange(candidate, n.predecessor, n.id, false, false) {
		n.predecessor = candidate
	}
}

// transferKeys removes and returns every binding whose hashed id lies in the
// half-open arc (start, end].
func (n *Node) transferKeys(start, end int) []index.Entry {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []index.Entry
	for _, e := range n.store.Items() {
		keyID := idspace.Hash(e.Key, n.m)
		if idspace.InRange(keyID, start, end, false, true) {
			out = append(out, e)
		}
	}
	for _, e := range out {
		n.store.Delete(e.Key)
	}

	if len(out) > 0 {
		n.logger.Debug("keys handed off",
			zap.Int("node", n.id), zap.Int("count", len(out)),
			zap.Int("start", start), zap.Int("end", end))
	}
	return out
}

// valueList normalizes a store-op value into a binding list.
func valueList(v interface{}) []interface{} {
	if list, ok := v.([]interface{}); ok {
		return list
	}
	if v == nil {
		return nil
	}
	return []interface{}{v}
}
