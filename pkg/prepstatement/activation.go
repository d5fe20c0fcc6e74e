package prepstatement

import (
	"fmt"

	"github.com/pg-distributed/xcpool/pkg/xclog"
)

// datanodeStatement records the datanode indices on which a connection
// currently has the named statement prepared. The node slice is sized
// once, to the configured node count: the bound is known at table
// creation time, so one allocation per record suffices for its whole
// lifetime.
type datanodeStatement struct {
	name  string
	nodes []int
}

// ActivateOnNode marks name as prepared on the connection to nodeIdx
// and reports whether it was already marked, telling the caller whether
// a PREPARE must actually be sent ahead of the EXECUTE. The record is
// created lazily the first time the statement is routed anywhere.
//
// Running out of record capacity or passing a node index beyond the
// configured node count is a programming-contract violation, not a
// recoverable condition.
func (d *Directory) ActivateOnNode(name string, nodeIdx int) bool {
	if nodeIdx < 0 || nodeIdx >= d.nodeCount {
		panic(fmt.Sprintf("node index %d outside configured node count %d", nodeIdx, d.nodeCount))
	}

	entry, ok := d.activations[name]
	if !ok {
		entry = &datanodeStatement{
			name:  name,
			nodes: make([]int, 0, d.nodeCount),
		}
		d.activations[name] = entry
	}

	for _, idx := range entry.nodes {
		if idx == nodeIdx {
			return true
		}
	}

	if len(entry.nodes) >= d.nodeCount {
		panic(fmt.Sprintf("activation record for %q over capacity %d", name, d.nodeCount))
	}
	entry.nodes = append(entry.nodes, nodeIdx)
	return false
}

// DeactivateOnNode removes nodeIdx from every activation record: the
// connection carrying that node has been recycled, so whatever was
// prepared on it is gone. Order within a record is not significant, so
// removal swaps in the last element.
func (d *Directory) DeactivateOnNode(nodeIdx int) {
	for _, entry := range d.activations {
		for i, idx := range entry.nodes {
			if idx == nodeIdx {
				xclog.Zero.Debug().
					Str("statement", entry.name).
					Int("node", nodeIdx).
					Int("active", len(entry.nodes)).
					Msg("deactivating statement on node")

				last := len(entry.nodes) - 1
				entry.nodes[i] = entry.nodes[last]
				entry.nodes = entry.nodes[:last]
				break
			}
		}
	}
}

// HasAnyActive reports whether any statement is still prepared on some
// datanode connection. The pool-release path checks this before handing
// connections back: an active remote statement pins its connection to
// this session.
func (d *Directory) HasAnyActive() bool {
	for _, entry := range d.activations {
		if len(entry.nodes) > 0 {
			return true
		}
	}
	return false
}

// ActiveNodes returns the datanode indices name is currently prepared
// on, or nil if it was never routed.
func (d *Directory) ActiveNodes(name string) []int {
	entry, ok := d.activations[name]
	if !ok {
		return nil
	}
	out := make([]int, len(entry.nodes))
	copy(out, entry.nodes)
	return out
}

// RebuildActivationTable resizes every activation record for a changed
// cluster node count, migrating the recorded node sets. A no-op when
// the count is unchanged. Nodes beyond a shrunken count are dropped,
// as their connections no longer exist.
func (d *Directory) RebuildActivationTable(newNodeCount int) {
	if newNodeCount == d.nodeCount {
		return
	}

	rebuilt := make(map[string]*datanodeStatement, len(d.activations))
	for name, entry := range d.activations {
		next := &datanodeStatement{
			name:  name,
			nodes: make([]int, 0, newNodeCount),
		}
		for _, idx := range entry.nodes {
			if idx < newNodeCount {
				next.nodes = append(next.nodes, idx)
			}
		}
		rebuilt[name] = next
	}

	d.activations = rebuilt
	d.nodeCount = newNodeCount
}

// dropActivation destroys the activation record on DEALLOCATE, closing
// the statement on any node still carrying it.
func (d *Directory) dropActivation(name string) {
	entry, ok := d.activations[name]
	if !ok {
		return
	}

	if len(entry.nodes) > 0 && d.hooks.CloseRemote != nil {
		nodes := make([]int, len(entry.nodes))
		copy(nodes, entry.nodes)
		d.hooks.CloseRemote(name, nodes)
	}
	entry.nodes = entry.nodes[:0]

	delete(d.activations, name)
}
