package pastry

import (
	"fmt"

	"dhtlab/idspace"
	"dhtlab/transport"
)

// route resolves the peer owning key, starting at n. The visited set rides
// inside forwarded messages and makes the walk loop-free: a revisited peer
// declares itself the owner rather than cycle.
func (o *Overlay) route(n *Node, key int, visited map[int]bool) (int, error) {
	if visited == nil {
		visited = map[int]bool{}
	}
	if visited[n.id] {
		return n.id, nil
	}
	visited[n.id] = true

	// Leaf phase: when the key falls on the leaf arc the answer is the
	// numerically closest peer among the leaf set and self.
	if o.inLeafRange(n, key) {
		if closest, ok := closestIn(key, append(n.LeafSet(), n.id), o.m); ok {
			return closest, nil
		}
		return n.id, nil
	}

	// Prefix phase: jump to the peer matching one more digit of the key.
	spl := idspace.SharedPrefixLen(n.id, key, o.m, o.b)
	if spl < o.numDigits {
		next := idspace.Digit(key, spl, o.m, o.b)
		entry := n.TableRow(spl)[next]
		if entry != unset && entry != n.id && !visited[entry] {
			return o.forwardRoute(n, entry, key, visited)
		}
	}

	// Rare case: crawl toward any known peer with a longer prefix, or the
	// same prefix but numerically closer.
	return o.rareCase(n, key, visited, spl)
}

// inLeafRange reports whether key lies on the clockwise arc from the
// farthest counter-clockwise leaf to the farthest clockwise leaf, through
// self. An empty leaf set covers the whole ring.
func (o *Overlay) inLeafRange(n *Node, key int) bool {
	lo, hi, ok := n.leafBounds()
	if !ok {
		return true
	}
	return idspace.InRange(key, lo, hi, true, true)
}

// rareCase picks the best candidate among every locally known peer: longest
// shared prefix with the key wins, circular distance breaks prefix ties.
// With no candidate better than the current position, self is the owner.
func (o *Overlay) rareCase(n *Node, key int, visited map[int]bool, currentSPL int) (int, error) {
	best := unset
	bestSPL := currentSPL
	bestDist := idspace.CircularDistance(n.id, key, o.m)

	for _, cand := range n.knownPeers() {
		if cand == n.id || visited[cand] {
			continue
		}

		spl := idspace.SharedPrefixLen(cand, key, o.m, o.b)
		dist := idspace.CircularDistance(cand, key, o.m)

		if spl > bestSPL {
			best, bestSPL, bestDist = cand, spl, dist
		} else if spl == bestSPL && dist < bestDist {
			best, bestDist = cand, dist
		}
	}

	if best == unset {
		return n.id, nil
	}
	return o.forwardRoute(n, best, key, visited)
}

// forwardRoute hands the request to the next hop, costing one hop.
func (o *Overlay) forwardRoute(n *Node, nextHop, key int, visited map[int]bool) (int, error) {
	reply, err := o.net.Send(transport.Message{
		Type: transport.TypeRoute,
		Src:  n.id,
		Dst:  nextHop,
		Data: map[string]interface{}{
			"target_id": key,
			"visited":   visitedList(visited),
		},
	}, true)
	if err != nil {
		return 0, err
	}

	owner, ok := transport.AsInt(reply)
	if !ok {
		return 0, fmt.Errorf("pastry node %d: bad route reply %v", n.id, reply)
	}
	return owner, nil
}

// closestIn returns the candidate numerically closest to key, ties broken by
// the lower id.
func closestIn(key int, candidates []int, m int) (int, bool) {
	if len(candidates) == 0 {
		return 0, false
	}

	best := candidates[0]
	bestDist := idspace.CircularDistance(key, best, m)
	for _, cand := range candidates[1:] {
		d := idspace.CircularDistance(key, cand, m)
		if d < bestDist || (d == bestDist && cand < best) {
			best, bestDist = cand, d
		}
	}
	return best, true
}

func visitedList(visited map[int]bool) []int {
	out := make([]int, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	return out
}
