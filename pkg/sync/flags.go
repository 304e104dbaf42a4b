package sync

import "tangram.dev/tangram/pkg/index"

// Options selects which stored flags a sync call requires before it
// considers a root (and, transitively, its subtree) synced (§4.4.2).
// Commands/Errors/Logs/Outputs only matter for process nodes; object
// nodes are satisfied by their own stored flag alone.
type Options struct {
	Recursive bool
	Commands  bool
	Errors    bool
	Logs      bool
	Outputs   bool
}

// FlagSet is one side's node-scope (not subtree) stored facts for one
// node, exactly as that side reports them; the working graph itself
// derives subtree verdicts by rolling these facts up over children
// (§4.4.2 step 2), rather than trusting a pre-rolled subtree bit from
// either side. Exactly one of Object/Process is populated.
type FlagSet struct {
	Object  *index.ObjectFlags
	Process *index.ProcessFlags
}

// ownSatisfied reports whether this node-scope flag set meets opts's
// per-kind requirements, ignoring recursion (the working graph layers
// the ∧-over-children subtree rollup on top of this). Per §4.4.2: each
// of commands/errors/logs/outputs toggles the corresponding process
// sub-flag; a sub-flag opts doesn't toggle on isn't required at all.
func (f *FlagSet) ownSatisfied(opts Options) bool {
	if f == nil {
		return false
	}
	if f.Object != nil {
		return f.Object.OwnStored
	}
	if f.Process != nil {
		p := f.Process
		if opts.Commands && !p.NodeCommand {
			return false
		}
		if opts.Errors && !p.NodeError {
			return false
		}
		if opts.Logs && !p.NodeLog {
			return false
		}
		if opts.Outputs && !p.NodeOutput {
			return false
		}
		return true
	}
	return false
}
