package chord

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"dhtlab/dht"
	"dhtlab/idspace"
	"dhtlab/transport"
)

// Ring is the Chord overlay controller. It owns the peers of an in-process
// deployment, drives client operations, and performs the omniscient finger
// rebuilds that the join/leave semantics call for.
type Ring struct {
	m     int
	order int

	mu    sync.Mutex
	nodes map[int]*Node
	ids   []int // sorted

	net    transport.Transport
	logger *zap.Logger
}

var _ dht.DHT = (*Ring)(nil)

// NewRing creates an empty Chord overlay over the given transport.
func NewRing(m, order int, net transport.Transport, logger *zap.Logger) *Ring {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ring{
		m:      m,
		order:  order,
		nodes:  make(map[int]*Node),
		net:    net,
		logger: logger,
	}
}

// Build bootstraps the ring from the full id set: ring pointers and finger
// tables come from static successor lookups over the sorted ids, with no
// messages; the initial items then go in through the client insert path.
func (r *Ring) Build(nodeIDs []int, items []dht.Item) error {
	if len(nodeIDs) == 0 {
		return dht.ErrEmptyNodeSet
	}

	r.mu.Lock()
	for _, raw := range nodeIDs {
		id := idspace.Normalize(raw, r.m)
		if _, ok := r.nodes[id]; ok {
			continue
		}
		r.nodes[id] = NewNode(id, r.m, r.order, r.net, r.logger)
		r.ids = append(r.ids, id)
	}
	sort.Ints(r.ids)

	n := len(r.ids)
	for i, id := range r.ids {
		r.nodes[id].SetPointers(r.ids[(i+1)%n], r.ids[(i-1+n)%n])
	}
	r.rebuildFingersLocked()
	r.mu.Unlock()

	r.logger.Info("chord ring built", zap.Int("nodes", n), zap.Int("m", r.m))

	for _, item := range items {
		if _, err := r.Insert(item.Key, item.Value, dht.AnySource); err != nil {
			return fmt.Errorf("failed to insert initial item %q: %w", item.Key, err)
		}
	}
	return nil
}

// Lookup routes to the key's owner and returns its binding list.
func (r *Ring) Lookup(key string, source int) ([]interface{}, int, error) {
	node, err := r.entryNode(source)
	if err != nil || node == nil {
		return nil, 0, err
	}

	r.net.ResetCounters()
	owner, err := node.FindSuccessor(idspace.Hash(key, r.m), true)
	if err != nil {
		return nil, 0, err
	}

	reply, err := r.net.Send(transport.Message{
		Type: transport.TypeLookup,
		Src:  node.ID(),
		Dst:  owner,
		Key:  key,
	}, false)
	if err != nil {
		return nil, 0, err
	}

	return valueList(reply), r.net.Stats().TotalHops, nil
}

// Insert appends value to the key's binding list at the owner.
func (r *Ring) Insert(key string, value interface{}, source int) (int, error) {
	return r.storeOp(transport.TypeInsert, key, value, source)
}

// Delete removes every binding for key at the owner.
func (r *Ring) Delete(key string, source int) (int, error) {
	return r.storeOp(transport.TypeDelete, key, nil, source)
}

// Update replaces the key's binding list at the owner.
func (r *Ring) Update(key string, value interface{}, source int) (int, error) {
	return r.storeOp(transport.TypeUpdate, key, value, source)
}

func (r *Ring) storeOp(op transport.Type, key string, value interface{}, source int) (int, error) {
	node, err := r.entryNode(source)
	if err != nil || node == nil {
		return 0, err
	}

	r.net.ResetCounters()
	owner, err := node.FindSuccessor(idspace.Hash(key, r.m), true)
	if err != nil {
		return 0, err
	}

	if _, err := r.net.Send(transport.Message{
		Type:  op,
		Src:   node.ID(),
		Dst:   owner,
		Key:   key,
		Value: value,
	}, false); err != nil {
		return 0, err
	}

	return r.net.Stats().TotalHops, nil
}

// Join splices a new peer into the ring: route to its successor, adopt the
// successor's predecessor, fix both neighbours' pointers, rebuild fingers,
// then pull the (pred, new] key range from the successor.
func (r *Ring) Join(newID int) (int, error) {
	newID = idspace.Normalize(newID, r.m)

	r.mu.Lock()
	if _, ok := r.nodes[newID]; ok {
		r.mu.Unlock()
		return 0, nil
	}

	node := NewNode(newID, r.m, r.order, r.net, r.logger)

	if len(r.ids) == 0 {
		node.SetPointers(newID, newID)
		r.nodes[newID] = node
		r.ids = []int{newID}
		r.rebuildFingersLocked()
		r.mu.Unlock()
		return 0, nil
	}

	entry := r.nodes[r.ids[0]]
	r.mu.Unlock()

	r.net.ResetCounters()

	succ, err := entry.FindSuccessor(newID, true)
	if err != nil {
		r.net.Unregister(newID)
		return 0, fmt.Errorf("join %d: %w", newID, err)
	}

	reply, err := r.net.Send(transport.Message{
		Type: transport.TypeGetPredecessor,
		Src:  newID,
		Dst:  succ,
	}, false)
	if err != nil {
		r.net.Unregister(newID)
		return 0, fmt.Errorf("join %d: %w", newID, err)
	}
	pred, ok := transport.AsInt(reply)
	if !ok || pred < 0 {
		r.net.Unregister(newID)
		return 0, fmt.Errorf("join %d: successor %d has no predecessor", newID, succ)
	}

	r.mu.Lock()
	node.SetPointers(succ, pred)
	// On a one-peer ring pred == succ: both of that peer's pointers move to
	// the newcomer in this single step.
	r.nodes[pred].setSuccessor(newID)
	r.nodes[succ].setPredecessor(newID)
	r.nodes[newID] = node
	r.ids = append(r.ids, newID)
	sort.Ints(r.ids)
	r.rebuildFingersLocked()
	r.mu.Unlock()

	handoff, err := r.net.Send(transport.Message{
		Type: transport.TypeTransferKeys,
		Src:  newID,
		Dst:  succ,
		Data: map[string]interface{}{"start": pred, "end": newID},
	}, false)
	if err != nil {
		return 0, fmt.Errorf("join %d: key handoff: %w", newID, err)
	}
	node.StoreEntries(transport.Entries(handoff))

	r.logger.Info("node joined",
		zap.Int("id", newID), zap.Int("successor", succ), zap.Int("predecessor", pred))
	return r.net.Stats().TotalHops, nil
}

// Leave splices a peer out. Graceful leaves first move every binding to the
// peer's successor.
func (r *Ring) Leave(id int, graceful bool) (int, error) {
	id = idspace.Normalize(id, r.m)

	r.mu.Lock()
	node, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return 0, nil
	}

	r.net.ResetCounters()

	succ := node.Successor()
	pred := node.Predecessor()

	if graceful && succ != id {
		if succNode, ok := r.nodes[succ]; ok {
			succNode.StoreEntries(node.Storage().Items())
		}
	}

	if predNode, ok := r.nodes[pred]; ok && pred != id {
		predNode.setSuccessor(succ)
	}
	if succNode, ok := r.nodes[succ]; ok && succ != id {
		succNode.setPredecessor(pred)
	}

	r.net.Unregister(id)
	delete(r.nodes, id)
	r.ids = removeID(r.ids, id)
	r.rebuildFingersLocked()
	r.mu.Unlock()

	r.logger.Info("node left", zap.Int("id", id), zap.Bool("graceful", graceful))
	return r.net.Stats().TotalHops, nil
}

// NodeIDs returns the live peer ids in ascending order.
func (r *Ring) NodeIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.ids...)
}

// Node exposes a peer for inspection.
func (r *Ring) Node(id int) (*Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	return n, ok
}

// entryNode resolves the client's source peer; AnySource picks the lowest
// live id. A nil node with nil error means the overlay is empty.
func (r *Ring) entryNode(source int) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.ids) == 0 {
		return nil, nil
	}
	if source == dht.AnySource {
		return r.nodes[r.ids[0]], nil
	}
	node, ok := r.nodes[idspace.Normalize(source, r.m)]
	if !ok {
		return nil, fmt.Errorf("%w: %d", dht.ErrUnknownSource, source)
	}
	return node, nil
}

// rebuildFingersLocked recomputes every finger cache by static successor
// lookup over the sorted live ids. Caller holds r.mu.
func (r *Ring) rebuildFingersLocked() {
	for _, id := range r.ids {
		nodes := make([]int, r.m)
		for i := 0; i < r.m; i++ {
			start := idspace.Normalize(id+(1<<uint(i)), r.m)
			nodes[i] = staticSuccessor(start, r.ids)
		}
		r.nodes[id].SetFingers(nodes)
	}
}

// staticSuccessor returns the first id ≥ target in the sorted set, wrapping
// to the smallest.
func staticSuccessor(target int, sorted []int) int {
	i := sort.SearchInts(sorted, target)
	if i == len(sorted) {
		return sorted[0]
	}
	return sorted[i]
}

func removeID(ids []int, id int) []int {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
