package checkin

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"tangram.dev/tangram/pkg/terror"
)

const (
	metaDir      = ".tangram"
	depsManifest = ".tangram-deps"
)

type entryKind int

const (
	kindFile entryKind = iota
	kindDirectory
	kindSymlink
)

// treeEntry is one path discovered by the walk, keyed by its
// slash-separated path relative to the checkin root.
type treeEntry struct {
	path       string
	kind       entryKind
	executable bool
	// target holds a symlink's raw, unresolved Readlink() result.
	target string
	// children holds a directory's immediate entry paths, in
	// lexicographic order.
	children []string
}

// tree is the result of walking a root path: every entry keyed by its
// relative path, plus any dependency edges declared by .tangram-deps
// manifests (file path -> reference name -> target path).
type tree struct {
	root    string
	entries map[string]*treeEntry
	deps    map[string]map[string]string
}

// walkTree recursively scans root, skipping the .tangram metadata
// directory and collecting .tangram-deps manifests along the way.
func walkTree(root string) (*tree, error) {
	t := &tree{
		root:    root,
		entries: make(map[string]*treeEntry),
		deps:    make(map[string]map[string]string),
	}

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if rel == metaDir || hasPathPrefix(rel, metaDir+"/") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Name() == depsManifest {
			manifest, err := parseDepsManifest(p, path.Dir(rel))
			if err != nil {
				return err
			}
			for file, refs := range manifest {
				if t.deps[file] == nil {
					t.deps[file] = make(map[string]string)
				}
				for ref, target := range refs {
					t.deps[file][ref] = target
				}
			}
			return nil
		}

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			t.entries[rel] = &treeEntry{path: rel, kind: kindSymlink, target: target}
		case d.IsDir():
			t.entries[rel] = &treeEntry{path: rel, kind: kindDirectory}
		default:
			info, err := d.Info()
			if err != nil {
				return err
			}
			t.entries[rel] = &treeEntry{
				path:       rel,
				kind:       kindFile,
				executable: info.Mode()&0o111 != 0,
			}
		}
		return nil
	})
	if err != nil {
		return nil, terror.Wrap(terror.Internal, err, "walking %s", root)
	}

	for p := range t.entries {
		parent := path.Dir(p)
		if parent == "." {
			continue
		}
		if pe, ok := t.entries[parent]; ok && pe.kind == kindDirectory {
			pe.children = append(pe.children, p)
		}
	}
	for _, e := range t.entries {
		sort.Strings(e.children)
	}

	return t, nil
}

func hasPathPrefix(p, prefix string) bool {
	return len(p) >= len(prefix) && p[:len(prefix)] == prefix
}

// topLevelEntries returns the entries with no parent directory inside
// the tree, i.e. direct children of root.
func (t *tree) topLevelEntries() []string {
	var out []string
	for p := range t.entries {
		if path.Dir(p) == "." {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
