package workload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dhtlab/chord"
	"dhtlab/transport"
)

func TestGenerationIsDeterministic(t *testing.T) {
	keys := []string{"alpha", "omega", "kappa", "delta"}

	a := NewGenerator(42).Mixed(100, keys, nil)
	b := NewGenerator(42).Mixed(100, keys, nil)
	assert.Equal(t, a, b, "equal seeds must yield equal workloads")

	c := NewGenerator(7).Mixed(100, keys, nil)
	assert.NotEqual(t, a, c, "different seeds should diverge")
}

func TestMixedRespectsDistribution(t *testing.T) {
	keys := []string{"alpha", "omega"}
	ops := NewGenerator(1).Mixed(2000, keys, map[OpType]float64{
		OpLookup: 1,
		OpInsert: 1,
	})

	counts := map[OpType]int{}
	for _, op := range ops {
		counts[op.Type]++
	}

	assert.Equal(t, 2000, counts[OpLookup]+counts[OpInsert])
	// An even split with generous tolerance.
	assert.Greater(t, counts[OpLookup], 800)
	assert.Greater(t, counts[OpInsert], 800)
}

func TestJoinIDsAreFreshAndIncreasing(t *testing.T) {
	ops := NewGenerator(3).Mixed(500, []string{"k"}, map[OpType]float64{OpJoin: 1})

	prev := joinIDBase - 1
	for _, op := range ops {
		require.Equal(t, OpJoin, op.Type)
		assert.Equal(t, prev+1, op.NodeID)
		prev = op.NodeID
	}
}

func TestChurnConsumesExistingNodes(t *testing.T) {
	existing := []int{10, 20, 30}
	ops := NewGenerator(5).Churn(2, 2, existing)

	joins, leaves := 0, 0
	for _, op := range ops {
		switch op.Type {
		case OpJoin:
			joins++
			assert.GreaterOrEqual(t, op.NodeID, joinIDBase)
		case OpLeave:
			leaves++
			assert.Contains(t, existing, op.NodeID)
		}
	}
	assert.Equal(t, 2, joins)
	assert.Equal(t, 2, leaves)
}

func TestDatasetKeysAreDistinct(t *testing.T) {
	items := NewGenerator(9).Dataset(50)
	require.Len(t, items, 50)

	seen := map[string]bool{}
	for _, item := range items {
		assert.False(t, seen[item.Key], "duplicate key %q", item.Key)
		seen[item.Key] = true

		rec, ok := item.Value.(Record)
		require.True(t, ok)
		assert.Equal(t, item.Key, rec.Title)
	}
}

func TestRecordTagRoundTrip(t *testing.T) {
	rec := Record{Title: "t", Language: "en", Popularity: 9.5, Runtime: 120}

	encoded := transport.EncodeValue(rec)
	tagged, ok := encoded.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Record", tagged["_type"])

	decoded := transport.DecodeValue(encoded)
	assert.Equal(t, rec, decoded)
}

func TestReplayAgainstChordRing(t *testing.T) {
	ring := chord.NewRing(8, 4, transport.NewBus(nil), nil)
	require.NoError(t, ring.Build([]int{10, 50, 100, 150, 200}, nil))

	ops := []Operation{
		{Type: OpInsert, Key: "alpha", Value: "A"},
		{Type: OpLookup, Key: "alpha"},
		{Type: OpUpdate, Key: "alpha", Value: "A2"},
		{Type: OpDelete, Key: "alpha"},
		{Type: OpJoin, NodeID: 75},
		{Type: OpLeave, NodeID: 75},
	}

	results := Replay(ring, ops)
	for _, opType := range []OpType{OpInsert, OpLookup, OpUpdate, OpDelete, OpJoin, OpLeave} {
		st := results[opType]
		require.NotNil(t, st, "missing stats for %s", opType)
		assert.Equal(t, 1, st.Count)
		assert.Equal(t, 0, st.Failures)
		assert.GreaterOrEqual(t, st.AvgHops(), 0.0)
	}
}
