package pastry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"dhtlab/dht"
	"dhtlab/idspace"
	"dhtlab/transport"
)

// DefaultLeafSetSize is L, the total leaf-set capacity (L/2 per half).
const DefaultLeafSetSize = 8

// Overlay is the Pastry controller: it owns the peers of a deployment,
// carries the routing and join algorithms, and drives client operations.
// Node structs hold state only, as the protocol logic is uniform.
type Overlay struct {
	m         int
	b         int
	leafHalf  int
	order     int
	numDigits int

	mu    sync.Mutex
	nodes map[int]*Node
	ids   []int // sorted

	net    transport.Transport
	logger *zap.Logger
}

var _ dht.DHT = (*Overlay)(nil)

// NewOverlay creates an empty Pastry overlay. leafSetSize is L; values below
// 2 fall back to DefaultLeafSetSize.
func NewOverlay(m, b, leafSetSize, order int, net transport.Transport, logger *zap.Logger) *Overlay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if leafSetSize < 2 {
		leafSetSize = DefaultLeafSetSize
	}
	return &Overlay{
		m:         m,
		b:         b,
		leafHalf:  leafSetSize / 2,
		order:     order,
		numDigits: idspace.NumDigits(m, b),
		nodes:     make(map[int]*Node),
		net:       net,
		logger:    logger,
	}
}

// AddNode creates a peer with empty routing state and registers its message
// handler. Existing peers are returned unchanged.
func (o *Overlay) AddNode(id int) *Node {
	id = idspace.Normalize(id, o.m)

	o.mu.Lock()
	defer o.mu.Unlock()
	if n, ok := o.nodes[id]; ok {
		return n
	}

	n := newNode(id, o.m, o.b, o.leafHalf, o.order)
	o.nodes[id] = n
	o.ids = append(o.ids, id)
	sort.Ints(o.ids)

	o.net.Register(id, func(msg transport.Message) (interface{}, error) {
		return o.handleMessage(id, msg)
	})
	return n
}

// InitNode rebuilds a peer's leaf set and routing table from full knowledge
// of the id set (bulk bootstrap and the node server's /init).
func (o *Overlay) InitNode(id int, allNodes []int) error {
	node, ok := o.Node(id)
	if !ok {
		return fmt.Errorf("pastry: no such node %d", id)
	}

	node.reset()
	for _, raw := range allNodes {
		other := idspace.Normalize(raw, o.m)
		node.addToLeaf(other)
		node.addToTable(other)
	}
	return nil
}

// Handler returns the message handler bound to a local peer.
func (o *Overlay) Handler(id int) (transport.Handler, bool) {
	if _, ok := o.Node(id); !ok {
		return nil, false
	}
	return func(msg transport.Message) (interface{}, error) {
		return o.handleMessage(id, msg)
	}, true
}

// Node exposes a peer for inspection.
func (o *Overlay) Node(id int) (*Node, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n, ok := o.nodes[idspace.Normalize(id, o.m)]
	return n, ok
}

// NodeIDs returns the live peer ids in ascending order.
func (o *Overlay) NodeIDs() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.ids...)
}

// Build bootstraps the overlay from the full id set, then inserts the
// initial items through the client path.
func (o *Overlay) Build(nodeIDs []int, items []dht.Item) error {
	if len(nodeIDs) == 0 {
		return dht.ErrEmptyNodeSet
	}

	normalized := make([]int, 0, len(nodeIDs))
	for _, raw := range nodeIDs {
		normalized = append(normalized, idspace.Normalize(raw, o.m))
	}
	for _, id := range normalized {
		o.AddNode(id)
	}
	for _, id := range o.NodeIDs() {
		if err := o.InitNode(id, normalized); err != nil {
			return err
		}
	}

	o.logger.Info("pastry overlay built",
		zap.Int("nodes", len(o.NodeIDs())), zap.Int("m", o.m), zap.Int("b", o.b))

	for _, item := range items {
		if _, err := o.Insert(item.Key, item.Value, dht.AnySource); err != nil {
			return fmt.Errorf("failed to insert initial item %q: %w", item.Key, err)
		}
	}
	return nil
}

// Lookup routes to the key's owner and returns its binding list.
func (o *Overlay) Lookup(key string, source int) ([]interface{}, int, error) {
	node, err := o.entryNode(source)
	if err != nil || node == nil {
		return nil, 0, err
	}

	o.net.ResetCounters()
	owner, err := o.route(node, idspace.Hash(key, o.m), nil)
	if err != nil {
		return nil, 0, err
	}

	reply, err := o.net.Send(transport.Message{
		Type: transport.TypeLookup,
		Src:  node.ID(),
		Dst:  owner,
		Key:  key,
	}, false)
	if err != nil {
		return nil, 0, err
	}

	return valueList(reply), o.net.Stats().TotalHops, nil
}

// Insert appends value to the key's binding list at the owner.
func (o *Overlay) Insert(key string, value interface{}, source int) (int, error) {
	return o.storeOp(transport.TypeInsert, key, value, source)
}

// Delete removes every binding for key at the owner.
func (o *Overlay) Delete(key string, source int) (int, error) {
	return o.storeOp(transport.TypeDelete, key, nil, source)
}

// Update replaces the key's binding list at the owner.
func (o *Overlay) Update(key string, value interface{}, source int) (int, error) {
	return o.storeOp(transport.TypeUpdate, key, value, source)
}

func (o *Overlay) storeOp(op transport.Type, key string, value interface{}, source int) (int, error) {
	node, err := o.entryNode(source)
	if err != nil || node == nil {
		return 0, err
	}

	o.net.ResetCounters()
	owner, err := o.route(node, idspace.Hash(key, o.m), nil)
	if err != nil {
		return 0, err
	}

	if _, err := o.net.Send(transport.Message{
		Type:  op,
		Src:   node.ID(),
		Dst:   owner,
		Key:   key,
		Value: value,
	}, false); err != nil {
		return 0, err
	}

	return o.net.Stats().TotalHops, nil
}

// Leave removes a peer. Graceful leaves forward each binding to the
// leaf-set survivor numerically closest to the key; afterwards every
// remaining peer scrubs the departed id from its routing state.
func (o *Overlay) Leave(id int, graceful bool) (int, error) {
	id = idspace.Normalize(id, o.m)

	o.mu.Lock()
	departing, ok := o.nodes[id]
	if !ok {
		o.mu.Unlock()
		return 0, nil
	}
	o.mu.Unlock()

	o.net.ResetCounters()

	if graceful {
		leaves := departing.LeafSet()
		for _, e := range departing.Storage().Items() {
			keyID := idspace.Hash(e.Key, o.m)

			best, bestDist := unset, idspace.RingSize(o.m)
			for _, cand := range leaves {
				if cand == id {
					continue
				}
				if _, alive := o.Node(cand); !alive {
					continue
				}
				d := idspace.CircularDistance(keyID, cand, o.m)
				if d < bestDist || (d == bestDist && (best == unset || cand < best)) {
					best = cand
					bestDist = d
				}
			}
			if best == unset {
				continue
			}
			if heir, ok := o.Node(best); ok {
				for _, v := range e.Values {
					heir.Storage().Put(e.Key, v)
				}
			}
		}
	}

	o.net.Unregister(id)
	o.mu.Lock()
	delete(o.nodes, id)
	o.ids = removeID(o.ids, id)
	survivors := make([]*Node, 0, len(o.nodes))
	for _, n := range o.nodes {
		survivors = append(survivors, n)
	}
	o.mu.Unlock()

	for _, n := range survivors {
		n.removePeer(id)
	}

	o.logger.Info("node left", zap.Int("id", id), zap.Bool("graceful", graceful))
	return o.net.Stats().TotalHops, nil
}

// handleMessage dispatches an incoming message for a local peer.
func (o *Overlay) handleMessage(id int, msg transport.Message) (interface{}, error) {
	node, ok := o.Node(id)
	if !ok {
		return nil, fmt.Errorf("%w: pastry node %d", transport.ErrNotInitialized, id)
	}

	switch msg.Type {
	case transport.TypeRoute:
		target, ok := transport.IntField(msg.Data, "target_id")
		if !ok {
			return nil, fmt.Errorf("route from %d: missing target_id", msg.Src)
		}
		visited := map[int]bool{}
		for _, v := range transport.IntSlice(msg.Data["visited"]) {
			visited[v] = true
		}
		return o.route(node, target, visited)

	case transport.TypeJoinRoute:
		return o.handleJoinRoute(node, msg)

	case transport.TypeNotifyArrival:
		newID, ok := transport.IntField(msg.Data, "new_node_id")
		if !ok {
			return nil, fmt.Errorf("notify_arrival from %d: missing new_node_id", msg.Src)
		}
		node.addToLeaf(newID)
		node.addToTable(newID)
		return true, nil

	case transport.TypeLookup:
		return node.Storage().Get(msg.Key), nil

	case transport.TypeInsert:
		node.Storage().Put(msg.Key, msg.Value)
		return true, nil

	case transport.TypeDelete:
		node.Storage().Delete(msg.Key)
		return true, nil

	case transport.TypeUpdate:
		node.Storage().Update(msg.Key, valueList(msg.Value))
		return true, nil

	case transport.TypeGetAllItems, transport.TypeTransferKeys:
		return node.Storage().Items(), nil

	case transport.TypeGetAllKeys:
		return node.Storage().Keys(), nil

	default:
		return nil, fmt.Errorf("pastry node %d: unrecognized message type %q", id, msg.Type)
	}
}

// entryNode resolves the client's source peer; AnySource picks the lowest
// live id. A nil node with nil error means the overlay is empty.
func (o *Overlay) entryNode(source int) (*Node, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.ids) == 0 {
		return nil, nil
	}
	if source == dht.AnySource {
		return o.nodes[o.ids[0]], nil
	}
	node, ok := o.nodes[idspace.Normalize(source, o.m)]
	if !ok {
		return nil, fmt.Errorf("%w: %d", dht.ErrUnknownSource, source)
	}
	return node, nil
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
