package index

import "tangram.dev/tangram/pkg/process"

// rollupSubtree computes the subtree aggregate for a node from its own
// node-scope aggregate and the subtree aggregates of its children,
// following §4.3.1. It returns nil if node is nil or any child's
// subtree aggregate is nil (an input is not yet computed), matching
// the "never regress, only fill in once ready" propagation rule.
//
// A childless node's subtree aggregate equals its node aggregate
// (resolving the open question of what solvable_subtree/solved_subtree
// mean with no children to fold over).
func rollupSubtree(node *Aggregate, children []*Aggregate) *Aggregate {
	if node == nil {
		return nil
	}
	if len(children) == 0 {
		cp := *node
		return &cp
	}

	count := uint64(1)
	depth := uint64(0)
	size := node.Size
	solvable := node.Solvable
	solved := node.Solved

	for _, c := range children {
		if c == nil {
			return nil
		}
		count += c.Count
		if c.Depth > depth {
			depth = c.Depth
		}
		size += c.Size
		solvable = solvable || c.Solvable
		solved = solved && c.Solved
	}

	return &Aggregate{
		Count:    count,
		Depth:    depth + 1,
		Size:     size,
		Solvable: solvable,
		Solved:   solved,
	}
}

// rollupKindSubtree computes one child-kind's subtree aggregate for a
// process: the kind's own object aggregate plus the same-kind subtree
// aggregates of the process's process children (§4.3.1: the four
// child-kinds "roll up identically but only within their kind").
// Unlike rollupSubtree, the node term contributes its own count rather
// than a flat 1, since it is already a whole object subtree. Returns
// nil while any input is still uncomputed.
func rollupKindSubtree(node *Aggregate, children []*Aggregate) *Aggregate {
	if node == nil {
		return nil
	}
	agg := *node
	for _, c := range children {
		if c == nil {
			return nil
		}
		agg.Count += c.Count
		if c.Depth+1 > agg.Depth {
			agg.Depth = c.Depth + 1
		}
		agg.Size += c.Size
		agg.Solvable = agg.Solvable || c.Solvable
		agg.Solved = agg.Solved && c.Solved
	}
	return &agg
}

var processChildKinds = []process.ChildKind{
	process.ChildCommand,
	process.ChildError,
	process.ChildLog,
	process.ChildOutput,
}

// pairFor returns the AggregatePair for a process child-kind.
func pairFor(aggs *ProcessAggregates, kind process.ChildKind) *AggregatePair {
	switch kind {
	case process.ChildCommand:
		return &aggs.Command
	case process.ChildError:
		return &aggs.Error
	case process.ChildLog:
		return &aggs.Log
	default:
		return &aggs.Output
	}
}

func nodeFlagFor(flags *ProcessFlags, kind process.ChildKind) bool {
	switch kind {
	case process.ChildCommand:
		return flags.NodeCommand
	case process.ChildError:
		return flags.NodeError
	case process.ChildLog:
		return flags.NodeLog
	default:
		return flags.NodeOutput
	}
}

func setNodeFlagFor(flags *ProcessFlags, kind process.ChildKind, v bool) bool {
	old := nodeFlagFor(flags, kind)
	if old == v {
		return false
	}
	switch kind {
	case process.ChildCommand:
		flags.NodeCommand = v
	case process.ChildError:
		flags.NodeError = v
	case process.ChildLog:
		flags.NodeLog = v
	default:
		flags.NodeOutput = v
	}
	return true
}

func subtreeFlagFor(flags *ProcessFlags, kind process.ChildKind) bool {
	switch kind {
	case process.ChildCommand:
		return flags.SubtreeCommand
	case process.ChildError:
		return flags.SubtreeError
	case process.ChildLog:
		return flags.SubtreeLog
	default:
		return flags.SubtreeOutput
	}
}

func setSubtreeFlagFor(flags *ProcessFlags, kind process.ChildKind, v bool) bool {
	old := subtreeFlagFor(flags, kind)
	if old == v {
		return false
	}
	switch kind {
	case process.ChildCommand:
		flags.SubtreeCommand = v
	case process.ChildError:
		flags.SubtreeError = v
	case process.ChildLog:
		flags.SubtreeLog = v
	default:
		flags.SubtreeOutput = v
	}
	return true
}

// processChildState is one process child's current rollup state, as
// loaded by a backend before calling recomputeProcessRecord.
type processChildState struct {
	aggs  *ProcessAggregates
	flags *ProcessFlags
}

// processInputs gathers a process's rollup inputs: the subtree
// aggregate and subtree-stored flag of each child-kind's own object
// (absent from the maps while the edge's object has no computed
// record), plus the current state of the process's process children.
type processInputs struct {
	ownAggs   map[process.ChildKind]*Aggregate
	ownStored map[process.ChildKind]bool
	children  []processChildState
}

// recomputeProcessRecord recomputes rec's four per-kind aggregate
// pairs and all nine stored flags from in, following §4.3.1's
// within-kind rollup and §4.4.2's ∧-over-children flag rule. Aggregate
// fields fill in monotonically; flags track the current storage state
// on both backends identically.
func recomputeProcessRecord(rec *NodeRecord, in processInputs) bool {
	changed := false

	for _, kind := range processChildKinds {
		pair := pairFor(rec.ProcessAggregates, kind)

		if pair.Node == nil && in.ownAggs[kind] != nil {
			cp := *in.ownAggs[kind]
			pair.Node = &cp
			changed = true
		}

		if pair.Subtree == nil {
			childAggs := make([]*Aggregate, 0, len(in.children))
			for _, ch := range in.children {
				if ch.aggs == nil {
					childAggs = append(childAggs, nil)
					continue
				}
				childAggs = append(childAggs, pairFor(ch.aggs, kind).Subtree)
			}
			if sub := rollupKindSubtree(pair.Node, childAggs); sub != nil {
				pair.Subtree = sub
				changed = true
			}
		}

		// A node flag set by a Put fact (e.g. a finish-time "nothing to
		// store for this kind") stays set; otherwise it follows the
		// kind's own object.
		nodeStored := nodeFlagFor(rec.ProcessFlags, kind) || in.ownStored[kind]
		if setNodeFlagFor(rec.ProcessFlags, kind, nodeStored) {
			changed = true
		}

		subtreeStored := nodeStored
		for _, ch := range in.children {
			if ch.flags == nil || !subtreeFlagFor(ch.flags, kind) {
				subtreeStored = false
				break
			}
		}
		if setSubtreeFlagFor(rec.ProcessFlags, kind, subtreeStored) {
			changed = true
		}
	}

	// The overall subtree flag covers the process-children tree itself:
	// true once every child process's subtree flag is true, vacuously
	// true for a leaf process.
	subtree := true
	for _, ch := range in.children {
		if ch.flags == nil || !ch.flags.Subtree {
			subtree = false
			break
		}
	}
	if rec.ProcessFlags.Subtree != subtree {
		rec.ProcessFlags.Subtree = subtree
		changed = true
	}

	return changed
}

// recomputeObjectRecord recomputes an object record's subtree
// aggregate and subtree-stored flag from its children's current
// values (§4.3.1, §4.4.2).
func recomputeObjectRecord(rec *NodeRecord, childSubtrees []*Aggregate, childStored bool) bool {
	changed := false

	if rec.ObjectAggregates.Subtree == nil {
		if sub := rollupSubtree(rec.ObjectAggregates.Node, childSubtrees); sub != nil {
			rec.ObjectAggregates.Subtree = sub
			changed = true
		}
	}

	if rec.ObjectFlags == nil {
		rec.ObjectFlags = &ObjectFlags{}
	}
	stored := rec.ObjectFlags.OwnStored && childStored
	if rec.ObjectFlags.SubtreeStored != stored {
		rec.ObjectFlags.SubtreeStored = stored
		changed = true
	}

	return changed
}
