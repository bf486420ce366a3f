// Package pastry implements the Pastry overlay: prefix routing over base-2^b
// digits with a leaf set of numerically nearest peers. A key is owned by the
// live peer numerically closest to its hash, ties broken by the lower id.
package pastry

import (
	"sort"
	"sync"

	"dhtlab/idspace"
	"dhtlab/index"
)

// unset marks an empty routing-table cell.
const unset = -1

// Node holds one Pastry peer's state: the two leaf-set halves, the prefix
// routing table and the local index. Algorithm logic lives on Overlay; the
// per-peer mutex serializes state access for threaded deployments.
type Node struct {
	id        int
	m         int
	b         int
	numDigits int
	base      int
	leafHalf  int

	mu          sync.Mutex
	leafSmaller []int // sorted by counter-clockwise distance from self
	leafLarger  []int // sorted by clockwise distance from self
	table       [][]int
	store       *index.Storage
}

func newNode(id, m, b, leafHalf, order int) *Node {
	numDigits := idspace.NumDigits(m, b)
	base := 1 << uint(b)

	table := make([][]int, numDigits)
	for r := range table {
		row := make([]int, base)
		for c := range row {
			row[c] = unset
		}
		table[r] = row
	}

	return &Node{
		id:        id,
		m:         m,
		b:         b,
		numDigits: numDigits,
		base:      base,
		leafHalf:  leafHalf,
		table:     table,
		store:     index.NewStorage(order),
	}
}

// ID returns the peer's identifier.
func (n *Node) ID() int { return n.id }

// Storage exposes the peer's local index.
func (n *Node) Storage() *index.Storage { return n.store }

// LeafSmaller returns a copy of the counter-clockwise leaf half.
func (n *Node) LeafSmaller() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int(nil), n.leafSmaller...)
}

// LeafLarger returns a copy of the clockwise leaf half.
func (n *Node) LeafLarger() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int(nil), n.leafLarger...)
}

// LeafSet returns both halves as one list.
func (n *Node) LeafSet() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leafSetLocked()
}

func (n *Node) leafSetLocked() []int {
	out := make([]int, 0, len(n.leafSmaller)+len(n.leafLarger))
	out = append(out, n.leafSmaller...)
	out = append(out, n.leafLarger...)
	return out
}

// Table returns a copy of the routing table; empty cells are -1.
func (n *Node) Table() [][]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([][]int, len(n.table))
	for r, row := range n.table {
		out[r] = append([]int(nil), row...)
	}
	return out
}

// TableRow returns a copy of one routing row; out-of-range rows are empty.
func (n *Node) TableRow(r int) []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r < 0 || r >= len(n.table) {
		row := make([]int, n.base)
		for c := range row {
			row[c] = unset
		}
		return row
	}
	return append([]int(nil), n.table[r]...)
}

// addToLeaf places other in the nearer half of the leaf set, keeps the half
// sorted by ring distance and truncates it to L/2.
func (n *Node) addToLeaf(other int) {
	if other == n.id {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	clockwise := idspace.ClockwiseDistance(n.id, other, n.m)
	counter := idspace.ClockwiseDistance(other, n.id, n.m)

	if clockwise <= counter {
		if containsID(n.leafLarger, other) {
			return
		}
		n.leafLarger = append(n.leafLarger, other)
		sort.Slice(n.leafLarger, func(i, j int) bool {
			return idspace.ClockwiseDistance(n.id, n.leafLarger[i], n.m) <
				idspace.ClockwiseDistance(n.id, n.leafLarger[j], n.m)
		})
		if len(n.leafLarger) > n.leafHalf {
			n.leafLarger = n.leafLarger[:n.leafHalf]
		}
		return
	}

	if containsID(n.leafSmaller, other) {
		return
	}
	n.leafSmaller = append(n.leafSmaller, other)
	sort.Slice(n.leafSmaller, func(i, j int) bool {
		return idspace.ClockwiseDistance(n.leafSmaller[i], n.id, n.m) <
			idspace.ClockwiseDistance(n.leafSmaller[j], n.id, n.m)
	})
	if len(n.leafSmaller) > n.leafHalf {
		n.leafSmaller = n.leafSmaller[:n.leafHalf]
	}
}

// addToTable stores other in the cell addressed by its shared prefix with
// self and its next digit, first writer wins. Self is never stored.
func (n *Node) addToTable(other int) {
	if other == n.id {
		return
	}

	row := idspace.SharedPrefixLen(n.id, other, n.m, n.b)
	if row >= n.numDigits {
		return
	}
	col := idspace.Digit(other, row, n.m, n.b)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.table[row][col] == unset {
		n.table[row][col] = other
	}
}

// removePeer scrubs a departed peer from both leaf halves and every table cell.
func (n *Node) removePeer(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.leafSmaller = removeID(n.leafSmaller, id)
	n.leafLarger = removeID(n.leafLarger, id)
	for r := range n.table {
		for c := range n.table[r] {
			if n.table[r][c] == id {
				n.table[r][c] = unset
			}
		}
	}
}

// reset clears all routing state (used when re-initializing via /init).
func (n *Node) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.leafSmaller = nil
	n.leafLarger = nil
	for r := range n.table {
		for c := range n.table[r] {
			n.table[r][c] = unset
		}
	}
}

// knownPeers returns every peer this node can name: leaf-set members plus
// every populated routing cell.
func (n *Node) knownPeers() []int {
	n.mu.Lock()
	defer n.mu.Unlock()

	seen := map[int]bool{}
	var out []int
	for _, id := range n.leafSetLocked() {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, row := range n.table {
		for _, cell := range row {
			if cell != unset && !seen[cell] {
				seen[cell] = true
				out = append(out, cell)
			}
		}
	}
	return out
}

// leafBounds returns the endpoints of the leaf arc: the farthest
// counter-clockwise leaf and the farthest clockwise leaf, either defaulting
// to self when that half is empty. The bool is false when both halves are
// empty.
func (n *Node) leafBounds() (lo, hi int, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.leafSmaller) == 0 && len(n.leafLarger) == 0 {
		return n.id, n.id, false
	}

	lo, hi = n.id, n.id
	if len(n.leafSmaller) > 0 {
		lo = n.leafSmaller[len(n.leafSmaller)-1]
	}
	if len(n.leafLarger) > 0 {
		hi = n.leafLarger[len(n.leafLarger)-1]
	}
	return lo, hi, true
}

func containsID(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
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
