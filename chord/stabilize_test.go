package chord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dhtlab/transport"
)

func TestStabilizeIsAFixedPointOnAQuiescentRing(t *testing.T) {
	r := buildRing(t, []int{10, 50, 100, 150, 200}, nil)

	for _, id := range r.NodeIDs() {
		require.NoError(t, r.Stabilize(id))
		for i := 0; i < testM; i++ {
			require.NoError(t, r.FixFinger(id, i))
		}
	}
	checkFingers(t, r)

	for _, id := range r.NodeIDs() {
		node, _ := r.Node(id)
		assert.Equal(t, staticSuccessor(id+1, r.NodeIDs()), node.Successor())
	}
}

func TestStabilizeAdoptsCloserSuccessor(t *testing.T) {
	r := buildRing(t, []int{10, 50, 100}, nil)

	// Damage 10's successor pointer so it skips 50.
	node, _ := r.Node(10)
	node.setSuccessor(100)

	require.NoError(t, r.Stabilize(10))
	assert.Equal(t, 50, node.Successor(), "stabilize must adopt the successor's predecessor")
}

func TestNotifyRepairsPredecessor(t *testing.T) {
	r := buildRing(t, []int{10, 50, 100}, nil)

	node, _ := r.Node(100)
	node.setPredecessor(unset)

	require.NoError(t, r.Stabilize(50))
	assert.Equal(t, 50, node.Predecessor())
}

func TestMaintenanceTrafficIsUncounted(t *testing.T) {
	bus := transport.NewBus(nil)
	r := NewRing(testM, 4, bus, nil)
	require.NoError(t, r.Build([]int{10, 50, 100, 150, 200}, nil))

	bus.ResetCounters()
	for _, id := range r.NodeIDs() {
		require.NoError(t, r.Stabilize(id))
		for i := 0; i < testM; i++ {
			require.NoError(t, r.FixFinger(id, i))
		}
	}
	assert.Equal(t, 0, bus.Stats().TotalHops, "stabilize and fix-finger never cost hops")
}

func TestFixFingerRepairsDamagedCache(t *testing.T) {
	r := buildRing(t, []int{10, 50, 100}, nil)

	// finger[3].start = 18; its true successor is 50. Damage the cache.
	node, _ := r.Node(10)
	node.mu.Lock()
	node.fingers[3].Node = 100
	node.mu.Unlock()

	require.NoError(t, r.FixFinger(10, 3))
	assert.Equal(t, 50, node.Fingers()[3].Node)
}

func TestMaintainStopsOnCancel(t *testing.T) {
	r := buildRing(t, []int{10, 50, 100}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Maintain(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Maintain did not stop after cancellation")
	}
	checkFingers(t, r)
}
