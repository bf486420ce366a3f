package pastry

import (
	"fmt"
	"strconv"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"dhtlab/idspace"
	"dhtlab/transport"
)

// Join adds a peer through the bootstrap protocol: a join_route message is
// routed toward the new id, harvesting one routing row per hop, and the
// numerically closest peer Z answers with its leaf set. Returns 0 hops when
// the peer already exists or is the first in the overlay.
func (o *Overlay) Join(newID int) (int, error) {
	newID = idspace.Normalize(newID, o.m)

	o.mu.Lock()
	if _, ok := o.nodes[newID]; ok {
		o.mu.Unlock()
		return 0, nil
	}
	o.mu.Unlock()

	node := o.AddNode(newID)

	// Deterministic bootstrap peer: the lowest id other than the newcomer.
	bootstrap := unset
	for _, id := range o.NodeIDs() {
		if id != newID {
			bootstrap = id
			break
		}
	}
	if bootstrap == unset {
		return 0, nil
	}

	o.net.ResetCounters()
	if err := o.bootstrap(node, bootstrap); err != nil {
		return 0, fmt.Errorf("join %d: %w", newID, err)
	}

	o.logger.Info("node joined", zap.Int("id", newID), zap.Int("bootstrap", bootstrap))
	return o.net.Stats().TotalHops, nil
}

// bootstrap runs the joining side of the protocol for node X.
func (o *Overlay) bootstrap(x *Node, bootstrapID int) error {
	reply, err := o.net.Send(transport.Message{
		Type: transport.TypeJoinRoute,
		Src:  x.id,
		Dst:  bootstrapID,
		Data: map[string]interface{}{
			"new_node_id":    x.id,
			"collected_rows": map[string]interface{}{},
			"hops_path":      []int{},
		},
	}, true)
	if err != nil {
		return err
	}

	result, ok := reply.(map[string]interface{})
	if !ok {
		return fmt.Errorf("bad join_route reply %v", reply)
	}

	// Merge every harvested row into X's routing table.
	for _, row := range transport.Rows(result["collected_rows"]) {
		for _, entry := range row {
			if entry != unset && entry != x.id {
				x.addToTable(entry)
			}
		}
	}

	// Z, Z's leaf-set members and every hop on the path seed both the leaf
	// set and the routing table.
	candidates := map[int]bool{}
	if z, ok := transport.AsInt(result["z_node"]); ok {
		candidates[z] = true
	}
	for _, id := range transport.IntSlice(result["leaf_smaller"]) {
		candidates[id] = true
	}
	for _, id := range transport.IntSlice(result["leaf_larger"]) {
		candidates[id] = true
	}
	for _, id := range transport.IntSlice(result["hops_path"]) {
		candidates[id] = true
	}
	for id := range candidates {
		if id != x.id {
			x.addToLeaf(id)
			x.addToTable(id)
		}
	}

	o.broadcastArrival(x)

	// Pull the bindings that now belong to X from Z and the leaf donors.
	donors := map[int]bool{}
	if z, ok := transport.AsInt(result["z_node"]); ok {
		donors[z] = true
	}
	for _, id := range x.LeafSet() {
		donors[id] = true
	}
	for donor := range donors {
		if donor == x.id {
			continue
		}
		if err := o.requestKeysFrom(x, donor); err != nil {
			o.logger.Warn("key pull failed",
				zap.Int("new", x.id), zap.Int("donor", donor), zap.Error(err))
		}
	}
	return nil
}

// broadcastArrival tells every peer X knows about the newcomer, best-effort:
// individual failures are aggregated into a log line and do not abort the join.
func (o *Overlay) broadcastArrival(x *Node) {
	var errs error
	for _, target := range x.knownPeers() {
		if target == x.id {
			continue
		}
		_, err := o.net.Send(transport.Message{
			Type: transport.TypeNotifyArrival,
			Src:  x.id,
			Dst:  target,
			Data: map[string]interface{}{"new_node_id": x.id},
		}, false)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("peer %d: %w", target, err))
		}
	}
	if errs != nil {
		o.logger.Warn("arrival broadcast incomplete", zap.Int("new", x.id), zap.Error(errs))
	}
}

// requestKeysFrom pulls the donor's bindings, keeps those numerically closer
// to X (ties to the lower id), and deletes them at the donor.
func (o *Overlay) requestKeysFrom(x *Node, donor int) error {
	reply, err := o.net.Send(transport.Message{
		Type: transport.TypeTransferKeys,
		Src:  x.id,
		Dst:  donor,
	}, false)
	if err != nil {
		return err
	}

	var taken []string
	for _, e := range transport.Entries(reply) {
		keyID := idspace.Hash(e.Key, o.m)
		myDist := idspace.CircularDistance(keyID, x.id, o.m)
		donorDist := idspace.CircularDistance(keyID, donor, o.m)
		if myDist < donorDist || (myDist == donorDist && x.id < donor) {
			for _, v := range e.Values {
				x.Storage().Put(e.Key, v)
			}
			taken = append(taken, e.Key)
		}
	}

	var errs error
	for _, key := range taken {
		if _, err := o.net.Send(transport.Message{
			Type: transport.TypeDelete,
			Src:  x.id,
			Dst:  donor,
			Key:  key,
		}, false); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// handleJoinRoute processes a join_route message passing through this peer:
// contribute one routing row, record the hop, then forward toward the new id
// or answer as Z.
func (o *Overlay) handleJoinRoute(n *Node, msg transport.Message) (interface{}, error) {
	newID, ok := transport.IntField(msg.Data, "new_node_id")
	if !ok {
		return nil, fmt.Errorf("join_route from %d: missing new_node_id", msg.Src)
	}

	rows := transport.Rows(msg.Data["collected_rows"])
	path := transport.IntSlice(msg.Data["hops_path"])

	// One row per hop: the row addressed by this peer's shared prefix with
	// the newcomer, first contributor per index wins.
	spl := idspace.SharedPrefixLen(n.id, newID, o.m, o.b)
	if _, ok := rows[spl]; !ok {
		rows[spl] = n.TableRow(spl)
	}
	path = append(path, n.id)

	if o.inLeafRange(n, newID) {
		closest, ok := closestIn(newID, append(n.LeafSet(), n.id), o.m)
		if !ok || closest == n.id || containsID(path, closest) {
			return joinReply(n, rows, path), nil
		}
		return o.forwardJoin(n, closest, newID, rows, path)
	}

	if spl < o.numDigits {
		next := idspace.Digit(newID, spl, o.m, o.b)
		entry := n.TableRow(spl)[next]
		if entry != unset && entry != n.id && !containsID(path, entry) {
			return o.forwardJoin(n, entry, newID, rows, path)
		}
	}

	// No better hop: answer as Z.
	return joinReply(n, rows, path), nil
}

func (o *Overlay) forwardJoin(n *Node, nextHop, newID int, rows map[int][]int, path []int) (interface{}, error) {
	return o.net.Send(transport.Message{
		Type: transport.TypeJoinRoute,
		Src:  n.id,
		Dst:  nextHop,
		Data: map[string]interface{}{
			"new_node_id":    newID,
			"collected_rows": encodeRows(rows),
			"hops_path":      path,
		},
	}, true)
}

func joinReply(z *Node, rows map[int][]int, path []int) map[string]interface{} {
	return map[string]interface{}{
		"collected_rows": encodeRows(rows),
		"leaf_smaller":   z.LeafSmaller(),
		"leaf_larger":    z.LeafLarger(),
		"z_node":         z.id,
		"hops_path":      path,
	}
}

// encodeRows keys rows by their decimal index so the map survives JSON.
func encodeRows(rows map[int][]int) map[string]interface{} {
	out := make(map[string]interface{}, len(rows))
	for idx, row := range rows {
		out[strconv.Itoa(idx)] = row
	}
	return out
}
