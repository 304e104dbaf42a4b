package sync

import "tangram.dev/tangram/pkg/id"

// Side distinguishes the two peers a working-graph node tracks state
// for (§4.4.1).
type Side int

const (
	Local Side = iota
	Remote
)

// sideState is one side's known state for a node: whether its own
// (node-scope) stored flags have arrived yet, whether they're
// satisfied, the rolled-up subtree verdict, and whether a transfer for
// this node on this side has already been requested.
type sideState struct {
	ownKnown  bool
	ownOK     bool
	subtreeOK bool
	requested bool
}

// node is one entity (object or process) in the working graph: its
// per-side state, its parent edges (for propagation), and its
// structural children once known (§4.4.1).
type node struct {
	id            id.ID
	local         sideState
	remote        sideState
	parents       []id.ID
	children      []id.ID
	childrenKnown bool
}

// workingGraph is the graph Sync accumulates over one call: every node
// discovered from either side, with enough state to decide transfers
// and termination (§4.4.1).
type workingGraph struct {
	nodes map[string]*node
	opts  Options
}

func newWorkingGraph(opts Options) *workingGraph {
	return &workingGraph{nodes: make(map[string]*node), opts: opts}
}

func (g *workingGraph) ensure(nodeID id.ID) *node {
	key := nodeID.String()
	n, ok := g.nodes[key]
	if !ok {
		n = &node{id: nodeID}
		g.nodes[key] = n
	}
	return n
}

func (g *workingGraph) get(nodeID id.ID) (*node, bool) {
	n, ok := g.nodes[nodeID.String()]
	return n, ok
}

func (n *node) state(side Side) *sideState {
	if side == Local {
		return &n.local
	}
	return &n.remote
}

// attachChild records a parent -> child edge, wiring both directions
// so propagation can walk from child back to parent.
func (g *workingGraph) attachChild(parentID, childID id.ID) {
	parent := g.ensure(parentID)
	child := g.ensure(childID)

	if !containsID(parent.children, childID) {
		parent.children = append(parent.children, childID)
	}
	if !containsID(child.parents, parentID) {
		child.parents = append(child.parents, parentID)
	}
}

func containsID(ids []id.ID, target id.ID) bool {
	for _, existing := range ids {
		if existing.Equal(target) {
			return true
		}
	}
	return false
}

// setChildren records nodeID's full, known child set — for objects
// this is the DAG's real structure so it is identical regardless of
// which side reports it first; whichever side materializes the node
// first wins and later reports are a no-op for the child set itself.
func (g *workingGraph) setChildren(nodeID id.ID, childIDs []id.ID) {
	n := g.ensure(nodeID)
	if !n.childrenKnown {
		n.childrenKnown = true
		for _, c := range childIDs {
			g.attachChild(nodeID, c)
		}
	}
	g.recomputeAndPropagate(nodeID, Local)
	g.recomputeAndPropagate(nodeID, Remote)
}

// setOwnFlags records a side's node-scope stored flags for nodeID and
// recomputes/propagates the subtree verdict (§4.4.2 step 2).
func (g *workingGraph) setOwnFlags(nodeID id.ID, side Side, flags *FlagSet) {
	n := g.ensure(nodeID)
	s := n.state(side)
	s.ownKnown = true
	s.ownOK = flags.ownSatisfied(g.opts)
	g.recomputeAndPropagate(nodeID, side)
}

// markOwnSatisfied records that nodeID's own payload is now known
// stored on side, following a successful transfer, and re-propagates.
func (g *workingGraph) markOwnSatisfied(nodeID id.ID, side Side) {
	n := g.ensure(nodeID)
	s := n.state(side)
	s.ownKnown = true
	s.ownOK = true
	g.recomputeAndPropagate(nodeID, side)
}

// recomputeAndPropagate rolls up side's subtree verdict for nodeID
// using the ∧-over-children rule, and if it flipped, walks ancestors
// recomputing and propagating each in turn (§4.4.2 step 2, §4.4.3).
// A visited set bounds the walk against cross-references among
// processes (§4.4.4).
func (g *workingGraph) recomputeAndPropagate(nodeID id.ID, side Side) {
	visited := make(map[string]bool)
	queue := []id.ID{nodeID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		key := current.String()
		if visited[key] {
			continue
		}
		visited[key] = true

		n, ok := g.get(current)
		if !ok {
			continue
		}
		s := n.state(side)
		newVal := g.computeSubtree(n, side)
		if newVal == s.subtreeOK {
			continue
		}
		s.subtreeOK = newVal
		for _, parentID := range n.parents {
			if !visited[parentID.String()] {
				queue = append(queue, parentID)
			}
		}
	}
}

func (g *workingGraph) computeSubtree(n *node, side Side) bool {
	s := n.state(side)
	if !s.ownKnown || !s.ownOK {
		return false
	}
	if !n.childrenKnown {
		return false
	}
	for _, childID := range n.children {
		child, ok := g.get(childID)
		if !ok {
			return false
		}
		if !child.state(side).subtreeOK {
			return false
		}
	}
	return true
}

// required reports whether nodeID currently satisfies opts on side,
// using subtree or node scope per opts.Recursive (§4.4.2).
func (g *workingGraph) required(nodeID id.ID, side Side) bool {
	n, ok := g.get(nodeID)
	if !ok {
		return false
	}
	s := n.state(side)
	if g.opts.Recursive {
		return s.subtreeOK
	}
	return s.ownKnown && s.ownOK
}
