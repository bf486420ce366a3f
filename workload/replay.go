package workload

import (
	"fmt"

	"dhtlab/dht"
)

// OpStats accumulates hop counts for one operation type.
type OpStats struct {
	Count     int
	TotalHops int
	Failures  int
}

// AvgHops returns the mean hop cost, zero when nothing ran.
func (s OpStats) AvgHops() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.TotalHops) / float64(s.Count)
}

// Replay executes a workload against an overlay and aggregates the hop cost
// per operation type. Individual operation failures are counted, not fatal.
func Replay(d dht.DHT, ops []Operation) map[OpType]*OpStats {
	results := map[OpType]*OpStats{}
	tally := func(t OpType) *OpStats {
		if results[t] == nil {
			results[t] = &OpStats{}
		}
		return results[t]
	}

	for _, op := range ops {
		st := tally(op.Type)

		var hops int
		var err error
		switch op.Type {
		case OpLookup:
			_, hops, err = d.Lookup(op.Key, dht.AnySource)
		case OpInsert:
			hops, err = d.Insert(op.Key, op.Value, dht.AnySource)
		case OpDelete:
			hops, err = d.Delete(op.Key, dht.AnySource)
		case OpUpdate:
			hops, err = d.Update(op.Key, op.Value, dht.AnySource)
		case OpJoin:
			hops, err = d.Join(op.NodeID)
		case OpLeave:
			hops, err = d.Leave(op.NodeID, true)
		default:
			err = fmt.Errorf("unknown operation %q", op.Type)
		}

		if err != nil {
			st.Failures++
			continue
		}
		st.Count++
		st.TotalHops += hops
	}

	return results
}
