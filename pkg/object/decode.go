package object

import (
	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/terror"
	"tangram.dev/tangram/pkg/value"
)

// Decode parses an object's stored canonical bytes back into its
// typed Go representation, dispatching on the object constructor name
// embedded in the value tree (§6.3). It is the inverse of each
// object's Value method, used by checkout to walk a stored graph.
func Decode(data []byte) (Object, error) {
	v, err := value.Parse(string(data))
	if err != nil {
		return nil, terror.Wrap(terror.Invalid, err, "parsing stored object")
	}
	if v.Kind != value.KindObject {
		return nil, terror.New(terror.Invalid, "stored object is not a constructor call")
	}
	switch v.Str {
	case "blob":
		return decodeBlob(v)
	case "directory":
		return decodeDirectory(v)
	case "file":
		return decodeFile(v)
	case "symlink":
		return decodeSymlink(v)
	case "graph":
		return decodeGraph(v)
	case "command":
		return decodeCommand(v)
	default:
		return nil, terror.New(terror.Invalid, "unknown object constructor %q", v.Str)
	}
}

func decodeEdge(v value.Value) (ArtifactEdge, error) {
	switch v.Kind {
	case value.KindString:
		objID, err := id.Parse(v.Str)
		if err != nil {
			return ArtifactEdge{}, terror.Wrap(terror.Invalid, err, "parsing object edge")
		}
		return NewObjectEdge(objID), nil
	case value.KindMap:
		if graphField, ok := v.Field("graph"); ok {
			graphID, err := id.Parse(graphField.Str)
			if err != nil {
				return ArtifactEdge{}, terror.Wrap(terror.Invalid, err, "parsing graph reference edge")
			}
			nodeField, _ := v.Field("node")
			return NewReferenceEdge(graphID, int(nodeField.Number)), nil
		}
		nodeField, ok := v.Field("node")
		if !ok {
			return ArtifactEdge{}, terror.New(terror.Invalid, "edge map missing node field")
		}
		return NewLocalEdge(int(nodeField.Number)), nil
	default:
		return ArtifactEdge{}, terror.New(terror.Invalid, "edge value has unexpected kind")
	}
}

func decodeBlob(v value.Value) (Blob, error) {
	if children, ok := v.Field("children"); ok {
		out := make([]BlobChild, 0, len(children.Array))
		for _, c := range children.Array {
			idField, ok := c.Field("blob")
			if !ok {
				return Blob{}, terror.New(terror.Invalid, "blob branch child missing blob field")
			}
			childID, err := id.Parse(idField.Str)
			if err != nil {
				return Blob{}, terror.Wrap(terror.Invalid, err, "parsing blob child id")
			}
			lengthField, _ := c.Field("length")
			out = append(out, BlobChild{ChildID: childID, Length: uint64(lengthField.Number)})
		}
		return NewBranchBlob(out), nil
	}
	dataField, ok := v.Field("data")
	if !ok {
		return Blob{}, terror.New(terror.Invalid, "blob leaf missing data field")
	}
	return NewLeafBlob(dataField.Bytes), nil
}

func decodeDirectory(v value.Value) (Directory, error) {
	entriesField, ok := v.Field("entries")
	if !ok {
		return Directory{}, terror.New(terror.Invalid, "directory missing entries field")
	}
	entries := make(map[string]ArtifactEdge, len(entriesField.Map))
	for name, edgeValue := range entriesField.Map {
		edge, err := decodeEdge(edgeValue)
		if err != nil {
			return Directory{}, err
		}
		entries[name] = edge
	}
	return NewDirectory(entries), nil
}

func decodeFile(v value.Value) (File, error) {
	contentsField, ok := v.Field("contents")
	if !ok {
		return File{}, terror.New(terror.Invalid, "file missing contents field")
	}
	contents, err := id.Parse(contentsField.Str)
	if err != nil {
		return File{}, terror.Wrap(terror.Invalid, err, "parsing file contents id")
	}

	executable := false
	if execField, ok := v.Field("executable"); ok {
		executable = execField.Bool
	}

	var deps map[string]ArtifactEdge
	if depsField, ok := v.Field("dependencies"); ok {
		deps = make(map[string]ArtifactEdge, len(depsField.Map))
		for ref, edgeValue := range depsField.Map {
			edge, err := decodeEdge(edgeValue)
			if err != nil {
				return File{}, err
			}
			deps[ref] = edge
		}
	}

	return NewFile(contents, executable, deps), nil
}

func decodeSymlink(v value.Value) (Symlink, error) {
	var artifact *ArtifactEdge
	if artifactField, ok := v.Field("artifact"); ok {
		edge, err := decodeEdge(artifactField)
		if err != nil {
			return Symlink{}, err
		}
		artifact = &edge
	}
	var path *string
	if pathField, ok := v.Field("path"); ok {
		p := pathField.Str
		path = &p
	}
	return NewSymlink(artifact, path)
}

func decodeGraph(v value.Value) (Graph, error) {
	nodesField, ok := v.Field("nodes")
	if !ok {
		return Graph{}, terror.New(terror.Invalid, "graph missing nodes field")
	}
	nodes := make([]GraphNode, 0, len(nodesField.Array))
	for _, n := range nodesField.Array {
		if n.Kind != value.KindObject {
			return Graph{}, terror.New(terror.Invalid, "graph node is not a constructor call")
		}
		switch n.Str {
		case "directory":
			dir, err := decodeDirectory(n)
			if err != nil {
				return Graph{}, err
			}
			nodes = append(nodes, GraphNode{Kind: NodeDirectory, Directory: &dir})
		case "file":
			f, err := decodeFile(n)
			if err != nil {
				return Graph{}, err
			}
			nodes = append(nodes, GraphNode{Kind: NodeFile, File: &f})
		case "symlink":
			s, err := decodeSymlink(n)
			if err != nil {
				return Graph{}, err
			}
			nodes = append(nodes, GraphNode{Kind: NodeSymlink, Symlink: &s})
		default:
			return Graph{}, terror.New(terror.Invalid, "unexpected graph node constructor %q", n.Str)
		}
	}
	return NewGraph(nodes), nil
}

func decodeCommand(v value.Value) (Command, error) {
	hostField, ok := v.Field("host")
	if !ok {
		return Command{}, terror.New(terror.Invalid, "command missing host field")
	}
	execField, ok := v.Field("executable")
	if !ok {
		return Command{}, terror.New(terror.Invalid, "command missing executable field")
	}
	argsField, ok := v.Field("args")
	if !ok {
		return Command{}, terror.New(terror.Invalid, "command missing args field")
	}
	args := make([]value.Value, len(argsField.Array))
	copy(args, argsField.Array)

	var env map[string]value.Value
	if envField, ok := v.Field("env"); ok {
		env = make(map[string]value.Value, len(envField.Map))
		for k, ev := range envField.Map {
			env[k] = ev
		}
	}

	var mounts []Mount
	if mountsField, ok := v.Field("mounts"); ok {
		mounts = make([]Mount, 0, len(mountsField.Array))
		for _, m := range mountsField.Array {
			sourceField, _ := m.Field("source")
			targetField, _ := m.Field("target")
			readonlyField, _ := m.Field("readonly")
			mounts = append(mounts, Mount{
				Source:   sourceField.Str,
				Target:   targetField.Str,
				Readonly: readonlyField.Bool,
			})
		}
	}

	cmd := Command{
		Host:       hostField.Str,
		Executable: execField.Str,
		Args:       args,
		Env:        env,
		Mounts:     mounts,
	}

	if cwdField, ok := v.Field("cwd"); ok {
		cwd := cwdField.Str
		cmd.Cwd = &cwd
	}
	if stdinField, ok := v.Field("stdin"); ok {
		edge, err := decodeEdge(stdinField)
		if err != nil {
			return Command{}, err
		}
		cmd.Stdin = &edge
	}

	return cmd, nil
}
