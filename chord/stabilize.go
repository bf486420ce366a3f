package chord

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dhtlab/idspace"
	"dhtlab/transport"
)

// Stabilize runs one stabilization step for the given peer: ask its
// successor for the successor's predecessor, adopt it when it sits strictly
// between the two, then notify the (possibly updated) successor. All
// messages are maintenance traffic and never count as hops.
func (r *Ring) Stabilize(id int) error {
	node, ok := r.Node(idspace.Normalize(id, r.m))
	if !ok {
		return fmt.Errorf("stabilize: no such node %d", id)
	}

	succ := node.Successor()
	if succ == unset {
		return transport.ErrNotInitialized
	}

	reply, err := r.net.Send(transport.Message{
		Type: transport.TypeGetPredecessor,
		Src:  node.ID(),
		Dst:  succ,
	}, false)
	if err != nil {
		return err
	}

	if x, ok := transport.AsInt(reply); ok && x != unset {
		if idspace.InRange(x, node.ID(), succ, false, false) {
			node.setFinger(0, x)
		}
	}

	_, err = r.net.Send(transport.Message{
		Type: transport.TypeNotify,
		Src:  node.ID(),
		Dst:  node.Successor(),
		Data: map[string]interface{}{"new_node_id": node.ID()},
	}, false)
	return err
}

// FixFinger refreshes one finger cache by resolving its start through the
// normal routing path, uncounted. Index 0 also reassigns the successor.
func (r *Ring) FixFinger(id, i int) error {
	node, ok := r.Node(idspace.Normalize(id, r.m))
	if !ok {
		return fmt.Errorf("fix_finger: no such node %d", id)
	}
	if i < 0 || i >= r.m {
		return fmt.Errorf("fix_finger: index %d out of range", i)
	}

	start := node.Fingers()[i].Start
	found, err := node.FindSuccessor(start, false)
	if err != nil {
		return err
	}
	node.setFinger(i, found)
	return nil
}

// Maintain runs stabilization rounds until the context is cancelled. Each
// round stabilizes every peer and refreshes one finger index, rotating
// through the table across rounds. Cancellation happens between rounds.
func (r *Ring) Maintain(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	finger := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, id := range r.NodeIDs() {
			if err := r.Stabilize(id); err != nil {
				r.logger.Warn("stabilize failed", zap.Int("id", id), zap.Error(err))
			}
			if err := r.FixFinger(id, finger); err != nil {
				r.logger.Warn("fix finger failed",
					zap.Int("id", id), zap.Int("finger", finger), zap.Error(err))
			}
		}
		finger = (finger + 1) % r.m
	}
}
