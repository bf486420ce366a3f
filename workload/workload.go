// Package workload generates deterministic operation streams and synthetic
// datasets for comparing the two overlays.
package workload

import (
	"fmt"
	"math/rand"

	"dhtlab/dht"
)

// OpType names a DHT operation in a workload.
type OpType string

const (
	OpLookup OpType = "lookup"
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
	OpUpdate OpType = "update"
	OpJoin   OpType = "join"
	OpLeave  OpType = "leave"
)

// Operation is one step of a workload. Key/Value apply to store operations,
// NodeID to churn operations.
type Operation struct {
	Type   OpType
	Key    string
	Value  interface{}
	NodeID int
}

// DefaultMix is the standard operation distribution: 40% lookups, 20%
// inserts, 10% each of the rest.
func DefaultMix() map[OpType]float64 {
	return map[OpType]float64{
		OpLookup: 0.4,
		OpInsert: 0.2,
		OpDelete: 0.1,
		OpUpdate: 0.1,
		OpJoin:   0.1,
		OpLeave:  0.1,
	}
}

// joinIDBase is where workload-generated joiner ids start.
const joinIDBase = 10000

// Generator produces reproducible workloads from a seed.
type Generator struct {
	rng        *rand.Rand
	nextJoinID int
}

// NewGenerator creates a generator; equal seeds yield equal workloads.
func NewGenerator(seed int64) *Generator {
	return &Generator{
		rng:        rand.New(rand.NewSource(seed)),
		nextJoinID: joinIDBase,
	}
}

// mixOrder fixes the iteration order of the distribution so generation stays
// deterministic.
var mixOrder = []OpType{OpLookup, OpInsert, OpDelete, OpUpdate, OpJoin, OpLeave}

// Mixed generates n operations over the key pool according to mix (nil means
// DefaultMix). Probabilities are normalized; deletes prefer keys the same
// workload inserted earlier.
func (g *Generator) Mixed(n int, keys []string, mix map[OpType]float64) []Operation {
	if mix == nil {
		mix = DefaultMix()
	}

	total := 0.0
	for _, p := range mix {
		total += p
	}

	ops := make([]Operation, 0, n)
	inserted := map[string]bool{}

	for i := 0; i < n; i++ {
		r := g.rng.Float64()
		cumulative := 0.0
		opType := OpLookup
		for _, ot := range mixOrder {
			p, ok := mix[ot]
			if !ok {
				continue
			}
			cumulative += p / total
			if r <= cumulative {
				opType = ot
				break
			}
		}

		switch opType {
		case OpLookup:
			ops = append(ops, Operation{Type: OpLookup, Key: g.pick(keys)})

		case OpInsert:
			key := g.pick(keys)
			inserted[key] = true
			ops = append(ops, Operation{
				Type:  OpInsert,
				Key:   key,
				Value: fmt.Sprintf("value_%d", g.rng.Intn(10000)+1),
			})

		case OpDelete:
			key := g.pickInserted(inserted)
			if key == "" {
				key = g.pick(keys)
			} else {
				delete(inserted, key)
			}
			ops = append(ops, Operation{Type: OpDelete, Key: key})

		case OpUpdate:
			ops = append(ops, Operation{
				Type:  OpUpdate,
				Key:   g.pick(keys),
				Value: fmt.Sprintf("updated_value_%d", g.rng.Intn(10000)+1),
			})

		case OpJoin:
			ops = append(ops, Operation{Type: OpJoin, NodeID: g.nextJoinID})
			g.nextJoinID++

		case OpLeave:
			ops = append(ops, Operation{Type: OpLeave, NodeID: g.rng.Intn(1001)})
		}
	}

	return ops
}

// Lookups generates a lookup-only workload over the key pool.
func (g *Generator) Lookups(n int, keys []string) []Operation {
	ops := make([]Operation, 0, n)
	for i := 0; i < n; i++ {
		ops = append(ops, Operation{Type: OpLookup, Key: g.pick(keys)})
	}
	return ops
}

// Churn interleaves joins of fresh ids with leaves drawn from the existing
// node set.
func (g *Generator) Churn(joins, leaves int, existing []int) []Operation {
	pool := append([]int(nil), existing...)

	nextID := joinIDBase
	for _, id := range pool {
		if id >= nextID {
			nextID = id + 1
		}
	}

	var ops []Operation
	for i := 0; i < joins || i < leaves; i++ {
		if i < joins {
			ops = append(ops, Operation{Type: OpJoin, NodeID: nextID})
			nextID++
		}
		if i < leaves && len(pool) > 0 {
			j := g.rng.Intn(len(pool))
			ops = append(ops, Operation{Type: OpLeave, NodeID: pool[j]})
			pool = append(pool[:j], pool[j+1:]...)
		}
	}
	return ops
}

// Dataset produces n synthetic records keyed by title, for seeding a build.
func (g *Generator) Dataset(n int) []dht.Item {
	items := make([]dht.Item, 0, n)
	for i := 0; i < n; i++ {
		rec := Record{
			Title:      fmt.Sprintf("title_%04d", i),
			Language:   g.pickString([]string{"en", "fr", "de", "el", "ja"}),
			Popularity: g.rng.Float64() * 100,
			Runtime:    float64(60 + g.rng.Intn(121)),
		}
		items = append(items, dht.Item{Key: rec.Title, Value: rec})
	}
	return items
}

func (g *Generator) pick(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	return keys[g.rng.Intn(len(keys))]
}

func (g *Generator) pickString(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *Generator) pickInserted(inserted map[string]bool) string {
	if len(inserted) == 0 {
		return ""
	}
	// Deterministic choice: the lexicographically smallest inserted key.
	best := ""
	for k := range inserted {
		if best == "" || k < best {
			best = k
		}
	}
	return best
}
