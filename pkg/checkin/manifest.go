package checkin

import (
	"os"
	"path"

	"tangram.dev/tangram/pkg/terror"
	"tangram.dev/tangram/pkg/value"
)

// parseDepsManifest reads an optional .tangram-deps file: a value-notation
// map of file path (relative to the manifest's directory) to a map of
// reference name to target path, also relative to the manifest's
// directory. It is the mechanism by which checkin learns File.Dependencies
// edges that a bare filesystem walk can't otherwise discover, including
// edges that form a cycle between two files.
func parseDepsManifest(manifestPath, dir string) (map[string]map[string]string, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, terror.Wrap(terror.Internal, err, "reading %s", manifestPath)
	}
	v, err := value.Parse(string(raw))
	if err != nil {
		return nil, terror.Wrap(terror.Invalid, err, "parsing %s", manifestPath)
	}
	if v.Kind != value.KindMap {
		return nil, terror.New(terror.Invalid, "%s: expected a map at top level", manifestPath)
	}

	out := make(map[string]map[string]string, len(v.Map))
	for filePath, refsValue := range v.Map {
		if refsValue.Kind != value.KindMap {
			return nil, terror.New(terror.Invalid, "%s: entry %q must be a map of reference to target", manifestPath, filePath)
		}
		resolvedFile := path.Clean(path.Join(dir, filePath))
		refs := make(map[string]string, len(refsValue.Map))
		for ref, targetValue := range refsValue.Map {
			if targetValue.Kind != value.KindString {
				return nil, terror.New(terror.Invalid, "%s: target for %q.%q must be a string", manifestPath, filePath, ref)
			}
			refs[ref] = path.Clean(path.Join(dir, targetValue.Str))
		}
		out[resolvedFile] = refs
	}
	return out, nil
}
