// Package dht defines the capability contract shared by the Chord and Pastry
// overlays. The two protocols share nothing else besides the identifier
// arithmetic and the local index.
package dht

import "errors"

// AnySource asks the overlay to pick an entry peer itself (the lowest live
// id, for reproducible measurements).
const AnySource = -1

// Item is an initial key→value binding handed to Build.
type Item struct {
	Key   string
	Value interface{}
}

// ErrEmptyNodeSet is returned by Build when no node ids are supplied.
var ErrEmptyNodeSet = errors.New("dht: empty node id set")

// ErrUnknownSource is returned when a client operation names a source peer
// that is not part of the overlay.
var ErrUnknownSource = errors.New("dht: unknown source peer")

// DHT is the external capability set both overlays expose. Every client
// operation returns the number of routing hops it cost; the terminal store
// access is never counted.
type DHT interface {
	// Build bootstraps the overlay with full knowledge of the id set, then
	// inserts the initial items through the normal client path.
	Build(nodeIDs []int, items []Item) error

	// Lookup returns every value bound to key, with the hop count.
	Lookup(key string, source int) ([]interface{}, int, error)

	// Insert appends value to the key's binding list at the owner.
	Insert(key string, value interface{}, source int) (int, error)

	// Delete removes every binding for key at the owner.
	Delete(key string, source int) (int, error)

	// Update replaces the key's binding list at the owner.
	Update(key string, value interface{}, source int) (int, error)

	// Join adds a peer incrementally; 0 hops if already present or first.
	Join(newID int) (int, error)

	// Leave removes a peer; graceful leaves migrate its bindings first.
	// 0 hops if the peer is absent.
	Leave(id int, graceful bool) (int, error)

	// NodeIDs lists the live peers.
	NodeIDs() []int
}
