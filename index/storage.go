package index

// Storage is the local store owned by a single peer. Bindings never leave it
// except by explicit handoff during churn.
type Storage struct {
	tree *BPlusTree
}

// NewStorage creates an empty store backed by a B+ tree of the given order.
func NewStorage(order int) *Storage {
	return &Storage{tree: NewBPlusTree(order)}
}

// Get returns all values bound to key; the slice is empty when absent.
func (s *Storage) Get(key string) []interface{} {
	return s.tree.Search(key)
}

// Put appends value to the key's binding list.
func (s *Storage) Put(key string, value interface{}) {
	s.tree.Insert(key, value)
}

// Delete removes every binding for key.
func (s *Storage) Delete(key string) {
	s.tree.Delete(key)
}

// DeleteValue removes one binding; the key vanishes with its last value.
func (s *Storage) DeleteValue(key string, value interface{}) {
	s.tree.DeleteValue(key, value)
}

// Update replaces the key's binding list with values.
func (s *Storage) Update(key string, values []interface{}) {
	s.tree.Update(key, values)
}

// Keys returns every stored key in ascending order.
func (s *Storage) Keys() []string {
	return s.tree.Keys()
}

// Items returns every binding in key order.
func (s *Storage) Items() []Entry {
	return s.tree.Items()
}

// Len returns the number of distinct keys held.
func (s *Storage) Len() int {
	return s.tree.Len()
}
