package object

import "tangram.dev/tangram/pkg/id"

// edgeChild returns the content-addressed ID an edge points at, if
// any. Local edges resolve only within the Graph under construction
// and name no independently stored object.
func edgeChild(e ArtifactEdge) (id.ID, bool) {
	switch e.Kind {
	case EdgeObject:
		return e.ObjectID, true
	case EdgeReference:
		return e.GraphID, true
	default:
		return id.ID{}, false
	}
}

// Children returns the content-addressed IDs an object directly
// references, for wiring an Index's edge tables. Order matches
// construction order where one exists (blob branches); map-keyed
// edges (directory entries, file dependencies) are unordered.
func Children(o Object) []id.ID {
	var out []id.ID
	add := func(e ArtifactEdge) {
		if childID, ok := edgeChild(e); ok {
			out = append(out, childID)
		}
	}

	switch v := o.(type) {
	case Blob:
		for _, c := range v.Children {
			out = append(out, c.ChildID)
		}
	case Directory:
		for _, e := range v.Entries {
			add(e)
		}
	case File:
		out = append(out, v.Contents)
		for _, e := range v.Dependencies {
			add(e)
		}
	case Symlink:
		if v.Artifact != nil {
			add(*v.Artifact)
		}
	case Graph:
		for _, n := range v.Nodes {
			switch n.Kind {
			case NodeDirectory:
				out = append(out, Children(*n.Directory)...)
			case NodeFile:
				out = append(out, Children(*n.File)...)
			case NodeSymlink:
				out = append(out, Children(*n.Symlink)...)
			}
		}
	case Command:
		// A mount source naming a content-addressed artifact is an edge
		// into it; a literal host path is not.
		for _, m := range v.Mounts {
			if mountID, err := id.Parse(m.Source); err == nil {
				out = append(out, mountID)
			}
		}
		if v.Stdin != nil {
			add(*v.Stdin)
		}
	}
	return out
}
